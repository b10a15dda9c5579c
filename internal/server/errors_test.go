package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{newValidationError("limit", "invalid_limit", "bad"), http.StatusBadRequest, "validation_error"},
		{fmt.Errorf("reserve: %w", ledgerdomain.ErrInvalidAmount), http.StatusBadRequest, "validation_error"},
		{depositdomain.ErrInvalidAddress, http.StatusBadRequest, "validation_error"},
		{fmt.Errorf("requeue 7: %w", aggregatordomain.ErrBatchNotParked), http.StatusConflict, "conflict"},
		{aggregatordomain.ErrBatchLeaseLost, http.StatusConflict, "conflict"},
		{ledgerdomain.ErrAccountNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("convert: %w", pricedomain.ErrPriceUnavailable), http.StatusServiceUnavailable, "service_unavailable"},
		{depositdomain.ErrTreasuryUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
		{nil, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, "%v", tc.err)
		assert.Equal(t, tc.kind, payload.Type, "%v", tc.err)
	}
}

func TestMapErrorKeepsSentinelCodeForDomainValidation(t *testing.T) {
	_, payload := mapError(fmt.Errorf("wrap: %w", depositdomain.ErrInvalidUser))
	if assert.Len(t, payload.Errors, 1) {
		assert.Equal(t, depositdomain.ErrInvalidUser.Error(), payload.Errors[0].Code)
	}
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(newValidationError("id", "invalid_id", "invalid batch id"))
	assert.Equal(t, "validation_error", kind)
	assert.Equal(t, "invalid_id", code)

	kind, code = classifyErrorForLog(errors.New("boom"))
	assert.Equal(t, "internal_error", kind)
	assert.Equal(t, "internal", code)

	kind, code = classifyErrorForLog(pricedomain.ErrPriceUnavailable)
	assert.Equal(t, "service_unavailable", kind)
	assert.Equal(t, "service_unavailable", code)
}
