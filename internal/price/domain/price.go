// Package domain declares the exchange-rate boundary used to turn native
// deposit amounts into credits.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrPriceUnavailable = errors.New("price_unavailable")

// Feed returns the USD price of one whole unit of the deposit asset and the
// instant the source priced it.
type Feed interface {
	GetAssetUsdPrice(ctx context.Context) (decimal.Decimal, time.Time, error)
}

type Quote struct {
	Rate      decimal.Decimal `json:"rate"`
	AsOf      time.Time       `json:"as_of"`
	FetchedAt time.Time       `json:"fetched_at"`
	Age       time.Duration   `json:"age"`
	Stale     bool            `json:"stale"`
}
