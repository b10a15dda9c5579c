package rules

import (
	"context"

	"github.com/one-covenant/basilica-billing/internal/config"
	"github.com/one-covenant/basilica-billing/internal/rules/repository"
	"github.com/one-covenant/basilica-billing/internal/rules/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rules.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewPricer),
	fx.Provide(service.NewSyncer),
	fx.Invoke(registerSync),
)

// registerSync seeds the rules tables on start and follows pricing.yml reloads.
func registerSync(lc fx.Lifecycle, syncer *service.Syncer, holder *config.PricingConfigHolder, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := syncer.Sync(ctx, holder.Get()); err != nil {
				return err
			}
			holder.Subscribe(func(cfg config.PricingConfig) {
				if err := syncer.Sync(context.Background(), cfg); err != nil {
					log.Error("rules.sync.reload_failed", zap.Error(err))
				}
			})
			return nil
		},
	})
}
