package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/one-covenant/basilica-billing/internal/price/feed"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newConverter(t *testing.T) (*Converter, *feed.StaticFeed, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	f := feed.NewStaticFeed(decimal.RequireFromString("2.5"), clk)
	c := NewConverter(ConverterParams{
		Feed:  f,
		Clock: clk,
		Log:   zap.NewNop(),
		Config: config.Config{
			Price: config.PriceConfig{
				RefreshInterval: time.Minute,
				MaxAge:          10 * time.Minute,
				RequestTimeout:  time.Second,
			},
			Deposit: config.DepositConfig{AssetDecimals: 9},
		},
	})
	return c, f, clk
}

func TestConvertWithoutQuoteFailsClosed(t *testing.T) {
	c, _, _ := newConverter(t)
	_, err := c.Convert(decimal.NewFromInt(1_000_000_000))
	assert.ErrorIs(t, err, pricedomain.ErrPriceUnavailable)
}

func TestConvertUsesAssetDecimals(t *testing.T) {
	c, _, _ := newConverter(t)
	require.NoError(t, c.Refresh(context.Background()))

	got, err := c.Convert(decimal.RequireFromString("3000000000"))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("7.5")), "got %s", got)

	tiny, err := c.Convert(decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, tiny.IsZero(), "sub-precision amounts round to zero, got %s", tiny)
}

func TestStaleQuoteFailsClosed(t *testing.T) {
	c, f, clk := newConverter(t)
	f.Set(decimal.RequireFromString("2"), clk.Now())
	require.NoError(t, c.Refresh(context.Background()))

	clk.Advance(10 * time.Minute)
	_, err := c.Convert(decimal.NewFromInt(1_000_000_000))
	require.NoError(t, err, "exactly max age is still fresh")

	clk.Advance(time.Second)
	_, err = c.Convert(decimal.NewFromInt(1_000_000_000))
	assert.ErrorIs(t, err, pricedomain.ErrPriceUnavailable)

	quote, ok := c.Quote()
	require.True(t, ok)
	assert.True(t, quote.Stale)
	assert.Equal(t, 10*time.Minute+time.Second, quote.Age)
}

func TestFailedRefreshKeepsPreviousQuote(t *testing.T) {
	c, f, clk := newConverter(t)
	f.Set(decimal.RequireFromString("4"), clk.Now())
	require.NoError(t, c.Refresh(context.Background()))

	f.Fail(errors.New("feed down"))
	clk.Advance(2 * time.Minute)
	refreshed, err := c.RefreshIfDue(context.Background())
	assert.True(t, refreshed)
	assert.Error(t, err)

	got, err := c.Convert(decimal.NewFromInt(1_000_000_000))
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(4)))
}

func TestRefreshIfDue(t *testing.T) {
	c, f, clk := newConverter(t)
	ctx := context.Background()

	refreshed, err := c.RefreshIfDue(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)

	clk.Advance(30 * time.Second)
	refreshed, err = c.RefreshIfDue(ctx)
	require.NoError(t, err)
	assert.False(t, refreshed)

	clk.Advance(30 * time.Second)
	refreshed, err = c.RefreshIfDue(ctx)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, 2, f.Calls())
}
