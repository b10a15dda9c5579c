package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/one-covenant/basilica-billing/internal/aggregator"
	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	"github.com/one-covenant/basilica-billing/internal/deposit"
	"github.com/one-covenant/basilica-billing/internal/ledger"
	"github.com/one-covenant/basilica-billing/internal/lock"
	"github.com/one-covenant/basilica-billing/internal/metricspush"
	"github.com/one-covenant/basilica-billing/internal/migration"
	"github.com/one-covenant/basilica-billing/internal/observability"
	"github.com/one-covenant/basilica-billing/internal/price"
	"github.com/one-covenant/basilica-billing/internal/rental"
	"github.com/one-covenant/basilica-billing/internal/rules"
	"github.com/one-covenant/basilica-billing/internal/scheduler"
	"github.com/one-covenant/basilica-billing/internal/server"
	"github.com/one-covenant/basilica-billing/internal/settlement"
	"github.com/one-covenant/basilica-billing/internal/usage"
	"github.com/one-covenant/basilica-billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		migration.Module,
		lock.Module,

		// Billing domains
		ledger.Module,
		usage.Module,
		rules.Module,
		price.Module,
		settlement.Module,
		deposit.Module,
		rental.Module,
		aggregator.Module,

		// Drivers
		scheduler.Module,
		server.Module,
		metricspush.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
