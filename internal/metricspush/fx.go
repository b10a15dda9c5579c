package metricspush

import (
	"context"
	"io"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

type Totaler interface {
	Totals(ctx context.Context) (ledgerdomain.AccountingTotals, error)
}

// Worker refreshes the accounting gauges from the ledger and pushes them.
type Worker struct {
	metrics *AccountingMetrics
	pusher  Pusher
	ledger  Totaler
	clock   clock.Clock
	log     *zap.Logger
	timeout time.Duration
}

func NewWorker(metrics *AccountingMetrics, pusher Pusher, ledger Totaler, clk clock.Clock, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		metrics: metrics,
		pusher:  pusher,
		ledger:  ledger,
		clock:   clk,
		log:     log.Named("metricspush"),
		timeout: defaultPushTimeout,
	}
}

// PushOnce skips the push when totals cannot be read so a stale snapshot is
// never reported as current.
func (w *Worker) PushOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	totals, err := w.ledger.Totals(ctx)
	if err != nil {
		return err
	}
	w.metrics.SetTotals(totals, w.clock.Now().Unix())
	w.metrics.UpdateSystem()
	return w.pusher.Push(ctx, w.metrics.Registry())
}

func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := w.PushOnce(ctx); err != nil {
		w.log.Error("initial metrics push failed", zap.Error(err))
	}
	for {
		select {
		case <-ticker.C:
			if err := w.PushOnce(ctx); err != nil {
				w.log.Error("periodic metrics push failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.log.Info("stopping metrics push worker")
			return
		}
	}
}

type registerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Pusher    Pusher `optional:"true"`
	Ledger    ledgerdomain.Service
	Clock     clock.Clock
	Log       *zap.Logger
}

func Register(p registerParams) {
	if p.Pusher == nil {
		return
	}
	metrics := NewAccountingMetrics(p.Config.AppName, p.Config.Environment)
	worker := NewWorker(metrics, p.Pusher, p.Ledger, p.Clock, p.Log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Log.Info("starting metrics push worker", zap.Duration("interval", p.Config.MetricsPush.Interval))
			go func() {
				defer close(done)
				worker.Run(ctx, p.Config.MetricsPush.Interval)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			if closer, ok := p.Pusher.(io.Closer); ok {
				return closer.Close()
			}
			return nil
		},
	})
}
