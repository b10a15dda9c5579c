package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/one-covenant/basilica-billing/internal/config"
	rulesdomain "github.com/one-covenant/basilica-billing/internal/rules/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type PricerParams struct {
	fx.In

	Repo   rulesdomain.Repository
	Config config.Config
	Log    *zap.Logger
}

// Pricer turns a usage aggregation into a rule-adjusted charge.
type Pricer struct {
	repo             rulesdomain.Repository
	defaultUnitPrice decimal.Decimal
	log              *zap.Logger
}

func NewPricer(p PricerParams) (*Pricer, error) {
	unit := decimal.Zero
	if raw := strings.TrimSpace(p.Config.Aggregator.DefaultUnitPrice); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: default unit price %q: %v", config.ErrConfiguration, raw, err)
		}
		unit = parsed
	}
	return &Pricer{
		repo:             p.Repo,
		defaultUnitPrice: unit,
		log:              p.Log.Named("rules.pricer"),
	}, nil
}

// BaseCharge is max(0, quantity - included) * unit_price. Missing or inactive
// packages fall back to the default unit price with nothing included.
func (p *Pricer) BaseCharge(ctx context.Context, agg rulesdomain.Aggregation) (decimal.Decimal, error) {
	unit := p.defaultUnitPrice
	included := decimal.Zero
	if agg.PackageID != "" {
		pkg, err := p.repo.GetPackage(ctx, agg.PackageID)
		if err != nil {
			return decimal.Zero, err
		}
		if pkg != nil && pkg.Active {
			unit = pkg.UnitPrice
			included = pkg.IncludedQuantity
		} else {
			p.log.Warn("rules.package.fallback",
				zap.String("package_id", agg.PackageID),
				zap.String("rental_id", agg.RentalID),
			)
		}
	}
	billable := decimal.Max(decimal.Zero, agg.TotalQuantity.Sub(included))
	return billable.Mul(unit), nil
}

func (p *Pricer) Price(ctx context.Context, agg rulesdomain.Aggregation) (rulesdomain.Evaluation, error) {
	base, err := p.BaseCharge(ctx, agg)
	if err != nil {
		return rulesdomain.Evaluation{}, fmt.Errorf("base charge: %w", err)
	}
	rules, err := p.repo.ActiveRules(ctx)
	if err != nil {
		return rulesdomain.Evaluation{}, fmt.Errorf("load rules: %w", err)
	}
	return Evaluate(agg, base, rules), nil
}
