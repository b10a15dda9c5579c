package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const creditPrecision = 8

type ConverterParams struct {
	fx.In

	Feed   pricedomain.Feed
	Clock  clock.Clock
	Config config.Config
	Log    *zap.Logger
}

// Converter caches the latest feed quote and converts native asset amounts
// into credits. It refuses to convert with a quote older than MaxAge.
type Converter struct {
	feed           pricedomain.Feed
	clock          clock.Clock
	log            *zap.Logger
	decimals       int32
	maxAge         time.Duration
	refreshEvery   time.Duration
	requestTimeout time.Duration

	mu        sync.RWMutex
	rate      decimal.Decimal
	asOf      time.Time
	fetchedAt time.Time
}

func NewConverter(p ConverterParams) *Converter {
	cfg := p.Config.Price
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Converter{
		feed:           p.Feed,
		clock:          p.Clock,
		log:            p.Log.Named("price.converter"),
		decimals:       p.Config.Deposit.AssetDecimals,
		maxAge:         cfg.MaxAge,
		refreshEvery:   cfg.RefreshInterval,
		requestTimeout: timeout,
	}
}

// Refresh pulls a quote from the feed. A failed fetch keeps the previous quote,
// which then ages out on its own.
func (c *Converter) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	rate, asOf, err := c.feed.GetAssetUsdPrice(ctx)
	if err != nil {
		c.log.Warn("price.refresh.failed", zap.Error(err))
		return fmt.Errorf("refresh price: %w", err)
	}
	if !rate.IsPositive() {
		return fmt.Errorf("%w: feed returned %s", pricedomain.ErrPriceUnavailable, rate)
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.rate = rate
	c.asOf = asOf
	c.fetchedAt = now
	c.mu.Unlock()

	obsmetrics.Scheduler().SetPriceQuoteAge(now.Sub(asOf))
	c.log.Debug("price.refresh.ok",
		zap.String("rate", rate.String()),
		zap.Time("as_of", asOf),
	)
	return nil
}

// RefreshIfDue refreshes when no quote is cached or the last fetch is older
// than the refresh interval.
func (c *Converter) RefreshIfDue(ctx context.Context) (bool, error) {
	c.mu.RLock()
	fetchedAt := c.fetchedAt
	c.mu.RUnlock()

	if !fetchedAt.IsZero() && c.clock.Now().Sub(fetchedAt) < c.refreshEvery {
		return false, nil
	}
	if err := c.Refresh(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Convert returns native / 10^decimals * rate rounded to 8 places.
func (c *Converter) Convert(native decimal.Decimal) (decimal.Decimal, error) {
	quote, ok := c.Quote()
	if !ok || quote.Stale {
		return decimal.Zero, pricedomain.ErrPriceUnavailable
	}
	if native.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative native amount %s", native)
	}
	return native.Shift(-c.decimals).Mul(quote.Rate).Round(creditPrecision), nil
}

// Quote reports the cached rate; ok is false when nothing was ever fetched.
func (c *Converter) Quote() (pricedomain.Quote, bool) {
	c.mu.RLock()
	rate, asOf, fetchedAt := c.rate, c.asOf, c.fetchedAt
	c.mu.RUnlock()

	if fetchedAt.IsZero() {
		return pricedomain.Quote{}, false
	}
	age := c.clock.Now().Sub(asOf)
	obsmetrics.Scheduler().SetPriceQuoteAge(age)
	return pricedomain.Quote{
		Rate:      rate,
		AsOf:      asOf,
		FetchedAt: fetchedAt,
		Age:       age,
		Stale:     c.maxAge > 0 && age > c.maxAge,
	}, true
}
