package ledger

import (
	"github.com/one-covenant/basilica-billing/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)
