package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	rulesdomain "github.com/one-covenant/basilica-billing/internal/rules/domain"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
	usagedomain "github.com/one-covenant/basilica-billing/internal/usage/domain"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models lists every table the billing core owns.
func Models() []any {
	var models []any
	models = append(models, ledgerdomain.Models()...)
	models = append(models, usagedomain.Models()...)
	models = append(models, aggregatordomain.Models()...)
	models = append(models, rulesdomain.Models()...)
	models = append(models, depositdomain.Models()...)
	models = append(models, settlementdomain.Models()...)
	return models
}

// Apply brings the schema up to date. Postgres runs the versioned SQL files;
// other dialects are for local runs and use gorm AutoMigrate.
func Apply(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if dbType != "postgres" {
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func source() (fs.FS, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	return sub, nil
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := source()
	if err != nil {
		return err
	}

	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Closing the migrator would close the shared *sql.DB.

	return nil
}
