package price

import (
	"fmt"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	"github.com/one-covenant/basilica-billing/internal/price/feed"
	"github.com/one-covenant/basilica-billing/internal/price/service"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("price.service",
	fx.Provide(provideFeed),
	fx.Provide(service.NewConverter),
)

// provideFeed prefers the HTTP feed; PRICE_STATIC_USD pins a fixed rate.
func provideFeed(cfg config.Config, clk clock.Clock, log *zap.Logger) (pricedomain.Feed, error) {
	if cfg.Price.FeedURL != "" {
		return feed.NewHTTPFeed(feed.HTTPConfig{
			URL:              cfg.Price.FeedURL,
			Timeout:          cfg.Price.RequestTimeout,
			BreakerFailures:  cfg.Price.BreakerFailures,
			BreakerOpenDelay: cfg.Price.BreakerOpenDelay,
		}, clk, log), nil
	}
	price, err := decimal.NewFromString(cfg.Price.StaticPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: PRICE_STATIC_USD %q: %v", config.ErrConfiguration, cfg.Price.StaticPrice, err)
	}
	log.Info("price.feed.static", zap.String("rate", price.String()))
	return feed.NewStaticFeed(price, clk), nil
}
