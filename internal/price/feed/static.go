package feed

import (
	"context"
	"sync"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/shopspring/decimal"
)

// StaticFeed serves an operator-pinned rate stamped with the current time.
// Tests use Set and Fail to drive the converter.
type StaticFeed struct {
	clock clock.Clock

	mu    sync.Mutex
	price decimal.Decimal
	asOf  time.Time
	err   error
	calls int
}

func NewStaticFeed(price decimal.Decimal, clk clock.Clock) *StaticFeed {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &StaticFeed{price: price, clock: clk}
}

func (f *StaticFeed) GetAssetUsdPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if f.err != nil {
		return decimal.Zero, time.Time{}, f.err
	}
	if !f.price.IsPositive() {
		return decimal.Zero, time.Time{}, pricedomain.ErrPriceUnavailable
	}
	asOf := f.asOf
	if asOf.IsZero() {
		asOf = f.clock.Now()
	}
	return f.price, asOf, nil
}

// Set pins price with an explicit as_of; a zero asOf means "now" on every read.
func (f *StaticFeed) Set(price decimal.Decimal, asOf time.Time) {
	f.mu.Lock()
	f.price, f.asOf, f.err = price, asOf, nil
	f.mu.Unlock()
}

func (f *StaticFeed) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *StaticFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
