package rental

import (
	"context"

	"github.com/one-covenant/basilica-billing/internal/rental/bus"
	rentaldomain "github.com/one-covenant/basilica-billing/internal/rental/domain"
	"github.com/one-covenant/basilica-billing/internal/rental/service"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rental.service",
	fx.Provide(service.NewService),
	fx.Provide(provideController),
	fx.Invoke(registerSubscriber),
)

type controllerParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func provideController(p controllerParams) rentaldomain.RentalController {
	if p.Client == nil {
		return bus.NewLogController(p.Log)
	}
	return bus.NewPublisher(p.Client, p.Log)
}

type subscriberParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *redis.Client `optional:"true"`
	Service   rentaldomain.Service
	Log       *zap.Logger
}

func registerSubscriber(p subscriberParams) {
	if p.Client == nil {
		p.Log.Info("rental lifecycle subscriber disabled: redis not configured")
		return
	}
	sub := bus.NewSubscriber(p.Client, p.Service, p.Log)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return sub.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return sub.Stop(ctx) },
	})
}
