package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	"github.com/one-covenant/basilica-billing/internal/clock"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	ledgerservice "github.com/one-covenant/basilica-billing/internal/ledger/service"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/one-covenant/basilica-billing/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBatches struct {
	parked     []aggregatordomain.ProcessingBatch
	lastLimit  int
	requeueErr error
}

func (f *fakeBatches) RunOnce(context.Context) (aggregatordomain.RunResult, error) {
	return aggregatordomain.RunResult{}, nil
}

func (f *fakeBatches) ListParked(_ context.Context, limit int) ([]aggregatordomain.ProcessingBatch, error) {
	f.lastLimit = limit
	return f.parked, nil
}

func (f *fakeBatches) Requeue(_ context.Context, id snowflake.ID) (aggregatordomain.ProcessingBatch, error) {
	if f.requeueErr != nil {
		return aggregatordomain.ProcessingBatch{}, f.requeueErr
	}
	return aggregatordomain.ProcessingBatch{ID: id, Status: aggregatordomain.BatchStatusFailed}, nil
}

type fakeQuotes struct {
	quote pricedomain.Quote
	ok    bool
}

func (f fakeQuotes) Quote() (pricedomain.Quote, bool) { return f.quote, f.ok }

type fakeDeposits struct {
	depositdomain.Service
	accounts map[string]depositdomain.DepositAccount
}

func (f *fakeDeposits) CreateDepositAccount(_ context.Context, userID string) (depositdomain.DepositAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return depositdomain.DepositAccount{}, depositdomain.ErrInvalidUser
	}
	account := depositdomain.DepositAccount{ID: 7, UserID: userID, Address: "0x00000000000000000000000000000000000000aa"}
	f.accounts[userID] = account
	return account, nil
}

func (f *fakeDeposits) GetDepositAccount(_ context.Context, userID string) (depositdomain.DepositAccount, bool, error) {
	account, ok := f.accounts[userID]
	return account, ok, nil
}

type harness struct {
	engine   *gin.Engine
	ledger   ledgerdomain.Service
	batches  *fakeBatches
	deposits *fakeDeposits
}

func newHarness(t *testing.T, quotes QuoteSource) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t, ledgerdomain.Models()...)
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
	})
	h := &harness{
		engine:   NewEngine(false, nil),
		ledger:   ledger,
		batches:  &fakeBatches{},
		deposits: &fakeDeposits{accounts: map[string]depositdomain.DepositAccount{}},
	}
	NewServer(ServerParams{
		Gin:      h.engine,
		Log:      zap.NewNop(),
		Ledger:   ledger,
		Batches:  h.batches,
		Quotes:   quotes,
		Deposits: h.deposits,
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec, payload := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", payload["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestGetBalance(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ledger.ApplyCredit(context.Background(), ledgerdomain.ApplyCreditRequest{
		TransactionID: "tx-1",
		UserID:        "user-1",
		Amount:        decimal.NewFromInt(25),
		PaymentMethod: "test",
	})
	require.NoError(t, err)

	rec, payload := h.do(t, http.MethodGet, "/ops/balances/user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := payload["data"].(map[string]any)
	assert.Equal(t, "user-1", data["user_id"])
	assert.Equal(t, "25", data["available"])

	rec, payload = h.do(t, http.MethodGet, "/ops/balances/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", payload["error"].(map[string]any)["type"])
}

func TestListParkedBatchesClampsLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.batches.parked = []aggregatordomain.ProcessingBatch{{ID: 11, Status: aggregatordomain.BatchStatusFailed}}

	rec, payload := h.do(t, http.MethodGet, "/ops/batches/parked?limit=1000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxListLimit, h.batches.lastLimit)
	assert.Len(t, payload["data"], 1)

	h.do(t, http.MethodGet, "/ops/batches/parked", "")
	assert.Equal(t, defaultListLimit, h.batches.lastLimit)

	rec, _ = h.do(t, http.MethodGet, "/ops/batches/parked?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequeueBatchMapsErrors(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, http.MethodPost, "/ops/batches/42/requeue", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/ops/batches/abc/requeue", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.batches.requeueErr = aggregatordomain.ErrBatchNotParked
	rec, _ = h.do(t, http.MethodPost, "/ops/batches/42/requeue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	h.batches.requeueErr = aggregatordomain.ErrBatchNotFound
	rec, _ = h.do(t, http.MethodPost, "/ops/batches/42/requeue", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPrice(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := fakeQuotes{ok: true, quote: pricedomain.Quote{
		Rate:      decimal.RequireFromString("412.5"),
		AsOf:      asOf,
		FetchedAt: asOf,
		Age:       30 * time.Second,
	}}
	rec, payload := newHarness(t, fresh).do(t, http.MethodGet, "/ops/price", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := payload["data"].(map[string]any)
	assert.Equal(t, "412.5", data["rate"])
	assert.Equal(t, float64(30), data["age_seconds"])

	stale := fresh
	stale.quote.Stale = true
	rec, payload = newHarness(t, stale).do(t, http.MethodGet, "/ops/price", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, true, payload["data"].(map[string]any)["stale"])

	rec, _ = newHarness(t, fakeQuotes{}).do(t, http.MethodGet, "/ops/price", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDepositAccountRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec, _ := h.do(t, http.MethodGet, "/ops/deposit-accounts/user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/ops/deposit-accounts", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, payload := h.do(t, http.MethodPost, "/ops/deposit-accounts", `{"user_id":"user-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", payload["data"].(map[string]any)["user_id"])

	rec, _ = h.do(t, http.MethodGet, "/ops/deposit-accounts/user-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
