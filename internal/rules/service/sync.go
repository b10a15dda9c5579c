package service

import (
	"context"
	"fmt"
	"time"

	"github.com/one-covenant/basilica-billing/internal/clock"
	"github.com/one-covenant/basilica-billing/internal/config"
	rulesdomain "github.com/one-covenant/basilica-billing/internal/rules/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Syncer mirrors the pricing document into the rules tables.
type Syncer struct {
	repo  rulesdomain.Repository
	clock clock.Clock
	log   *zap.Logger
}

func NewSyncer(repo rulesdomain.Repository, clk clock.Clock, log *zap.Logger) *Syncer {
	return &Syncer{repo: repo, clock: clk, log: log.Named("rules.sync")}
}

// Sync upserts every package and rule in cfg. When cfg is non-empty it is
// authoritative and rows absent from it are deactivated; an empty document
// leaves database-managed rules untouched.
func (s *Syncer) Sync(ctx context.Context, cfg config.PricingConfig) error {
	if len(cfg.Packages) == 0 && len(cfg.Rules) == 0 {
		return nil
	}
	now := s.clock.Now()

	packages := make([]rulesdomain.BillingPackage, 0, len(cfg.Packages))
	packageIDs := make([]string, 0, len(cfg.Packages))
	for _, p := range cfg.Packages {
		pkg, err := packageFromConfig(p, now)
		if err != nil {
			return err
		}
		packages = append(packages, pkg)
		packageIDs = append(packageIDs, pkg.ID)
	}

	rules := make([]rulesdomain.BillingRule, 0, len(cfg.Rules))
	ruleIDs := make([]string, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rule, err := ruleFromConfig(r, now)
		if err != nil {
			return err
		}
		rules = append(rules, rule)
		ruleIDs = append(ruleIDs, rule.ID)
	}

	if err := s.repo.UpsertPackages(ctx, packages); err != nil {
		return fmt.Errorf("upsert packages: %w", err)
	}
	if err := s.repo.UpsertRules(ctx, rules); err != nil {
		return fmt.Errorf("upsert rules: %w", err)
	}
	if err := s.repo.DeactivatePackagesExcept(ctx, packageIDs); err != nil {
		return fmt.Errorf("deactivate packages: %w", err)
	}
	if err := s.repo.DeactivateRulesExcept(ctx, ruleIDs); err != nil {
		return fmt.Errorf("deactivate rules: %w", err)
	}

	s.log.Info("rules.sync.applied",
		zap.Int("packages", len(packages)),
		zap.Int("rules", len(rules)),
	)
	return nil
}

func packageFromConfig(p config.PackageConfig, now time.Time) (rulesdomain.BillingPackage, error) {
	unit, err := decimal.NewFromString(p.UnitPrice)
	if err != nil {
		return rulesdomain.BillingPackage{}, fmt.Errorf("%w: package %q unit_price: %v", rulesdomain.ErrInvalidPackage, p.ID, err)
	}
	included := decimal.Zero
	if p.IncludedQuantity != "" {
		if included, err = decimal.NewFromString(p.IncludedQuantity); err != nil {
			return rulesdomain.BillingPackage{}, fmt.Errorf("%w: package %q included_quantity: %v", rulesdomain.ErrInvalidPackage, p.ID, err)
		}
	}
	return rulesdomain.BillingPackage{
		ID:               p.ID,
		Name:             p.Name,
		UnitPrice:        unit,
		IncludedQuantity: included,
		Active:           p.IsActive(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func ruleFromConfig(r config.RuleConfig, now time.Time) (rulesdomain.BillingRule, error) {
	value, err := decimal.NewFromString(r.ActionValue)
	if err != nil {
		return rulesdomain.BillingRule{}, fmt.Errorf("%w: rule %q action_value: %v", rulesdomain.ErrInvalidRule, r.ID, err)
	}
	threshold := decimal.Zero
	if r.Threshold != "" {
		if threshold, err = decimal.NewFromString(r.Threshold); err != nil {
			return rulesdomain.BillingRule{}, fmt.Errorf("%w: rule %q threshold: %v", rulesdomain.ErrInvalidRule, r.ID, err)
		}
	}
	return rulesdomain.BillingRule{
		ID:            r.ID,
		Name:          r.Name,
		ConditionType: rulesdomain.ConditionType(r.Condition),
		Threshold:     threshold,
		PackageID:     r.PackageID,
		ActionType:    rulesdomain.ActionType(r.Action),
		ActionValue:   value,
		Priority:      r.Priority,
		Active:        r.IsActive(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
