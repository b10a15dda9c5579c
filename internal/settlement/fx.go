package settlement

import (
	priceservice "github.com/one-covenant/basilica-billing/internal/price/service"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	"github.com/one-covenant/basilica-billing/internal/settlement/repository"
	"github.com/one-covenant/basilica-billing/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewLocalLedgerClient),
	fx.Provide(func(c *priceservice.Converter) settlementdomain.Converter { return c }),
	fx.Provide(service.NewDispatcher),
)
