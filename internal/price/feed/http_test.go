package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPFeedParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"1.2345","as_of":"2026-05-01T11:59:00Z"}`))
	}))
	defer srv.Close()

	f := NewHTTPFeed(HTTPConfig{URL: srv.URL, Timeout: time.Second, BreakerFailures: 2, BreakerOpenDelay: time.Minute}, clock.SystemClock{}, zap.NewNop())
	price, asOf, err := f.GetAssetUsdPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2345", price.String())
	assert.True(t, asOf.Equal(time.Date(2026, 5, 1, 11, 59, 0, 0, time.UTC)))
}

func TestHTTPFeedMissingAsOfUsesClock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price":3}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f := NewHTTPFeed(HTTPConfig{URL: srv.URL, Timeout: time.Second, BreakerOpenDelay: time.Minute}, clock.NewFakeClock(now), zap.NewNop())
	price, asOf, err := f.GetAssetUsdPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", price.String())
	assert.True(t, asOf.Equal(now))
}

func TestHTTPFeedBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFeed(HTTPConfig{URL: srv.URL, Timeout: time.Second, BreakerFailures: 2, BreakerOpenDelay: time.Hour}, clock.SystemClock{}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := f.GetAssetUsdPrice(ctx)
		require.Error(t, err)
	}
	_, _, err := f.GetAssetUsdPrice(ctx)
	assert.ErrorIs(t, err, pricedomain.ErrPriceUnavailable)
	assert.Equal(t, int32(2), hits.Load(), "open breaker short-circuits the request")
}
