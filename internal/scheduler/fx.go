package scheduler

import (
	"context"
	"time"

	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	priceservice "github.com/one-covenant/basilica-billing/internal/price/service"
	settlementservice "github.com/one-covenant/basilica-billing/internal/settlement/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(
		func(s aggregatordomain.Service) UsageAggregator { return s },
		func(d *settlementservice.Dispatcher) OutboxDispatcher { return d },
		func(c *priceservice.Converter) PriceRefresher { return c },
		func(l ledgerdomain.Service) ReservationExpirer { return l },
		provideDepositScanner,
	),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

type depositScannerParams struct {
	fx.In

	Deposits depositdomain.Service
	Chain    depositdomain.ChainScanner `optional:"true"`
}

// provideDepositScanner leaves the job off when no chain RPC is configured.
func provideDepositScanner(p depositScannerParams) DepositScanner {
	if p.Chain == nil {
		return nil
	}
	return p.Deposits
}

// NewScheduler starts the run loop with the app and gives in-flight work the
// shutdown grace before returning from stop.
func NewScheduler(lc fx.Lifecycle, sched *Scheduler, log *zap.Logger) {
	grace := sched.cfg.ShutdownGrace
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				log.Warn("scheduler shutdown grace elapsed", zap.Duration("grace", grace))
			case <-ctx.Done():
			}
			return nil
		},
	})
}
