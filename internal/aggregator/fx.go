package aggregator

import (
	"github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	"github.com/one-covenant/basilica-billing/internal/aggregator/repository"
	"github.com/one-covenant/basilica-billing/internal/aggregator/service"
	rulesservice "github.com/one-covenant/basilica-billing/internal/rules/service"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregator.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(p *rulesservice.Pricer) domain.Pricer { return p }),
	fx.Provide(service.NewService),
)
