package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) ListParkedBatches(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultListLimit, maxListLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	batches, err := s.batches.ListParked(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": batches})
}

func (s *Server) RequeueBatch(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid batch id"))
		return
	}
	batch, err := s.batches.Requeue(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("batch requeued by operator", zap.String("batch_id", id.String()))
	c.JSON(http.StatusOK, gin.H{"data": batch})
}

type priceResponse struct {
	Rate       string `json:"rate"`
	AsOf       string `json:"as_of"`
	FetchedAt  string `json:"fetched_at"`
	AgeSeconds int64  `json:"age_seconds"`
	Stale      bool   `json:"stale"`
}

// GetPrice answers 503 when there is no quote or the cached one is stale,
// since conversions are refused in that state.
func (s *Server) GetPrice(c *gin.Context) {
	if s.quotes == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	quote, ok := s.quotes.Quote()
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	resp := priceResponse{
		Rate:       quote.Rate.String(),
		AsOf:       quote.AsOf.UTC().Format(time.RFC3339),
		FetchedAt:  quote.FetchedAt.UTC().Format(time.RFC3339),
		AgeSeconds: int64(quote.Age.Seconds()),
		Stale:      quote.Stale,
	}
	status := http.StatusOK
	if quote.Stale {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.ledger.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

type createDepositAccountRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) CreateDepositAccount(c *gin.Context) {
	var req createDepositAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}
	account, err := s.deposits.CreateDepositAccount(c.Request.Context(), req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GetDepositAccount(c *gin.Context) {
	account, found, err := s.deposits.GetDepositAccount(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !found {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) ListDeposits(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), defaultListLimit, maxListLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	offset, err := parseOffset(c.Query("offset"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	deposits, err := s.deposits.ListDeposits(c.Request.Context(), c.Param("user_id"), limit, offset)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": deposits})
}
