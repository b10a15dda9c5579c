package usage

import (
	"github.com/one-covenant/basilica-billing/internal/usage/repository"
	"github.com/one-covenant/basilica-billing/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
