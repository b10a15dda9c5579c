package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/observability/tracing"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const maxFeedBody = 64 << 10

type HTTPConfig struct {
	URL              string
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// HTTPFeed reads {"price": "...", "as_of": "RFC3339"} from a JSON endpoint.
// Consecutive failures open the breaker so a dead feed is not hammered every tick.
type HTTPFeed struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	clock   clock.Clock
	log     *zap.Logger
}

type feedResponse struct {
	Price decimal.Decimal `json:"price"`
	AsOf  *time.Time      `json:"as_of"`
}

func NewHTTPFeed(cfg HTTPConfig, clk clock.Clock, log *zap.Logger) *HTTPFeed {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	log = log.Named("price.feed")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price_feed",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("price.feed.breaker",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPFeed{
		url:     cfg.URL,
		client:  tracing.WrapHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		breaker: breaker,
		clock:   clk,
		log:     log,
	}
}

func (f *HTTPFeed) GetAssetUsdPrice(ctx context.Context) (decimal.Decimal, time.Time, error) {
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return decimal.Zero, time.Time{}, fmt.Errorf("%w: %v", pricedomain.ErrPriceUnavailable, err)
		}
		return decimal.Zero, time.Time{}, err
	}
	resp := out.(feedResponse)
	asOf := f.clock.Now()
	if resp.AsOf != nil && !resp.AsOf.IsZero() {
		asOf = resp.AsOf.UTC()
	}
	return resp.Price, asOf, nil
}

func (f *HTTPFeed) fetch(ctx context.Context) (feedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return feedResponse{}, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.client.Do(req)
	if err != nil {
		return feedResponse{}, fmt.Errorf("price feed request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return feedResponse{}, fmt.Errorf("price feed status %d", res.StatusCode)
	}

	var body feedResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxFeedBody)).Decode(&body); err != nil {
		return feedResponse{}, fmt.Errorf("decode price feed: %w", err)
	}
	if !body.Price.IsPositive() {
		return feedResponse{}, fmt.Errorf("%w: non-positive price %s", pricedomain.ErrPriceUnavailable, body.Price)
	}
	return body, nil
}
