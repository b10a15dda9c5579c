package repository

import (
	"context"
	"errors"

	rulesdomain "github.com/one-covenant/basilica-billing/internal/rules/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) rulesdomain.Repository {
	return &repo{db: db}
}

func (r *repo) ActiveRules(ctx context.Context) ([]rulesdomain.BillingRule, error) {
	var rules []rulesdomain.BillingRule
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("priority DESC").
		Order("id ASC").
		Find(&rules).Error
	return rules, err
}

func (r *repo) GetPackage(ctx context.Context, id string) (*rulesdomain.BillingPackage, error) {
	var pkg rulesdomain.BillingPackage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (r *repo) UpsertRules(ctx context.Context, rules []rulesdomain.BillingRule) error {
	if len(rules) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "condition_type", "threshold", "package_id", "action_type", "action_value", "priority", "active", "updated_at"}),
	}).Create(&rules).Error
}

func (r *repo) UpsertPackages(ctx context.Context, packages []rulesdomain.BillingPackage) error {
	if len(packages) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "unit_price", "included_quantity", "active", "updated_at"}),
	}).Create(&packages).Error
}

func (r *repo) DeactivateRulesExcept(ctx context.Context, keep []string) error {
	stmt := r.db.WithContext(ctx).Model(&rulesdomain.BillingRule{}).Where("active = ?", true)
	if len(keep) > 0 {
		stmt = stmt.Where("id NOT IN ?", keep)
	}
	return stmt.Update("active", false).Error
}

func (r *repo) DeactivatePackagesExcept(ctx context.Context, keep []string) error {
	stmt := r.db.WithContext(ctx).Model(&rulesdomain.BillingPackage{}).Where("active = ?", true)
	if len(keep) > 0 {
		stmt = stmt.Where("id NOT IN ?", keep)
	}
	return stmt.Update("active", false).Error
}
