// Package domain defines billing packages, pricing rules and their evaluation result.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type ConditionType string

const (
	ConditionAlways   ConditionType = "always"
	ConditionMinUsage ConditionType = "min_usage"
	ConditionMaxUsage ConditionType = "max_usage"
	ConditionPackage  ConditionType = "package"
)

type ActionType string

const (
	ActionDiscountPercent ActionType = "discount_percent"
	ActionFixedDiscount   ActionType = "fixed_discount"
	ActionOverrideCharge  ActionType = "override_charge"
	ActionMultiplier      ActionType = "multiplier"
)

// BillingRule adjusts a base charge when its condition matches. Higher priority wins.
type BillingRule struct {
	ID            string          `gorm:"primaryKey;type:text" json:"id"`
	Name          string          `gorm:"type:text" json:"name"`
	ConditionType ConditionType   `gorm:"type:text;not null" json:"condition_type"`
	Threshold     decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"threshold"`
	PackageID     string          `gorm:"type:text" json:"package_id,omitempty"`
	ActionType    ActionType      `gorm:"type:text;not null" json:"action_type"`
	ActionValue   decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"action_value"`
	Priority      int             `gorm:"not null;default:0" json:"priority"`
	Active        bool            `gorm:"not null" json:"active"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null" json:"updated_at"`
}

func (BillingRule) TableName() string { return "billing_rules" }

type BillingPackage struct {
	ID               string          `gorm:"primaryKey;type:text" json:"id"`
	Name             string          `gorm:"type:text" json:"name"`
	UnitPrice        decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"unit_price"`
	IncludedQuantity decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"included_quantity"`
	Active           bool            `gorm:"not null" json:"active"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

func (BillingPackage) TableName() string { return "billing_packages" }

// Aggregation is the ephemeral per-rental usage window handed to the engine.
type Aggregation struct {
	RentalID      string
	UserID        string
	PackageID     string
	WindowStart   time.Time
	WindowEnd     time.Time
	TotalQuantity decimal.Decimal
}

type Evaluation struct {
	BaseCharge     decimal.Decimal
	AdjustedCharge decimal.Decimal
	// RuleID is empty when no rule matched.
	RuleID         string
	Action         ActionType
	MatchedRuleIDs []string
}

type Repository interface {
	ActiveRules(ctx context.Context) ([]BillingRule, error)
	GetPackage(ctx context.Context, id string) (*BillingPackage, error)
	UpsertRules(ctx context.Context, rules []BillingRule) error
	UpsertPackages(ctx context.Context, packages []BillingPackage) error
	DeactivateRulesExcept(ctx context.Context, keep []string) error
	DeactivatePackagesExcept(ctx context.Context, keep []string) error
}

var (
	ErrInvalidRule    = errors.New("invalid_rule")
	ErrInvalidPackage = errors.New("invalid_package")
)

func Models() []any {
	return []any{&BillingRule{}, &BillingPackage{}}
}
