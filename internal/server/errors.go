package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// errorClass maps a set of domain sentinels to one HTTP outcome. Classes are
// checked in order and the first match wins.
type errorClass struct {
	status  int
	kind    string
	message string
	matches []error
}

var errorClasses = []errorClass{
	{
		status:  http.StatusBadRequest,
		kind:    "validation_error",
		message: "validation error",
		matches: []error{
			ledgerdomain.ErrInvalidUser,
			ledgerdomain.ErrInvalidAmount,
			depositdomain.ErrInvalidUser,
			depositdomain.ErrInvalidAddress,
		},
	},
	{
		status:  http.StatusConflict,
		kind:    "conflict",
		message: "batch is not parked",
		matches: []error{aggregatordomain.ErrBatchNotParked},
	},
	{
		status:  http.StatusConflict,
		kind:    "conflict",
		message: "batch is being processed",
		matches: []error{aggregatordomain.ErrBatchLeaseLost},
	},
	{
		status:  http.StatusNotFound,
		kind:    "not_found",
		message: "not found",
		matches: []error{
			ErrNotFound,
			ledgerdomain.ErrAccountNotFound,
			aggregatordomain.ErrBatchNotFound,
			depositdomain.ErrDepositNotFound,
			gorm.ErrRecordNotFound,
		},
	},
	{
		status:  http.StatusServiceUnavailable,
		kind:    "service_unavailable",
		message: "price quote unavailable",
		matches: []error{pricedomain.ErrPriceUnavailable},
	},
	{
		status:  http.StatusServiceUnavailable,
		kind:    "service_unavailable",
		message: "service unavailable",
		matches: []error{ErrServiceUnavailable, depositdomain.ErrTreasuryUnavailable},
	},
}

// ErrorHandlingMiddleware renders the last handler error as the JSON
// envelope unless the handler already wrote a body.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Written() {
			return
		}
		last := c.Errors.Last()
		if last == nil {
			return
		}
		status, payload := mapError(last.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	}
	if err == nil {
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}

	for _, class := range errorClasses {
		for _, target := range class.matches {
			if !errors.Is(err, target) {
				continue
			}
			payload := errorPayload{Type: class.kind, Message: class.message}
			if class.status == http.StatusBadRequest {
				payload.Errors = []ValidationError{{Code: target.Error(), Message: "invalid value"}}
			}
			return class.status, payload
		}
	}
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

// classifyErrorForLog returns the error type and code the request logger
// attaches to failed requests.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		return payload.Type, "internal"
	case len(payload.Errors) > 0:
		return payload.Type, payload.Errors[0].Code
	default:
		return payload.Type, payload.Type
	}
}
