package deposit

import (
	"context"

	"github.com/one-covenant/basilica-billing/internal/config"
	"github.com/one-covenant/basilica-billing/internal/deposit/chain"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	"github.com/one-covenant/basilica-billing/internal/deposit/repository"
	"github.com/one-covenant/basilica-billing/internal/deposit/service"
	"github.com/one-covenant/basilica-billing/internal/deposit/treasury"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("deposit.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideScanner),
	fx.Provide(provideAddressProvider),
	fx.Provide(service.NewService),
	fx.Provide(func(s depositdomain.Service) settlementdomain.DepositMarker { return s }),
)

// provideScanner returns nil without DEPOSIT_CHAIN_RPC_URL; the scan job then
// reports the scanner as unavailable.
func provideScanner(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (depositdomain.ChainScanner, error) {
	if cfg.Deposit.ChainRPCURL == "" {
		log.Info("deposit chain scanner disabled")
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Deposit.RPCTimeout)
	defer cancel()
	scanner, err := chain.NewEVMScanner(ctx, cfg.Deposit.ChainRPCURL, cfg.Deposit.TokenContract, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		scanner.Close()
		return nil
	}})
	return scanner, nil
}

func provideAddressProvider(cfg config.Config) depositdomain.AddressProvider {
	if cfg.Deposit.TreasuryURL == "" {
		return nil
	}
	return treasury.NewHTTPProvider(cfg.Deposit.TreasuryURL, cfg.Deposit.RPCTimeout)
}
