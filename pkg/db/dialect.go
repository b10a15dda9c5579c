package db

import (
	"fmt"
	"strings"

	"github.com/one-covenant/basilica-billing/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Postgres session limits. Ledger row locks are held for one short
// transaction, so a waiter that exceeds lockTimeout is reported as a lock
// timeout instead of queueing behind a stuck writer.
const (
	lockTimeout      = "5s"
	statementTimeout = "30s"
)

// Dialect resolves the gorm dialector for the configured database type.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "postgres":
		return postgres.Open(PostgresDSN(cfg)), nil
	case "mysql":
		return mysql.Open(MySQLDSN(cfg)), nil
	case "sqlite":
		return sqlite.Open(SQLiteDSN(cfg.DBName)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func PostgresDSN(cfg config.Config) string {
	parts := []string{
		"host=" + cfg.DBHost,
		"user=" + cfg.DBUser,
		"password=" + cfg.DBPassword,
		"dbname=" + cfg.DBName,
		"port=" + cfg.DBPort,
		"sslmode=" + cfg.DBSSLMode,
		"TimeZone=UTC",
		"application_name=" + cfg.AppName,
		"lock_timeout=" + lockTimeout,
		"statement_timeout=" + statementTimeout,
	}
	return strings.Join(parts, " ")
}

func MySQLDSN(cfg config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&innodb_lock_wait_timeout=5",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
	)
}

// SQLiteDSN treats name as a file path or a full DSN and adds a busy timeout
// so writers wait on the file lock instead of failing immediately.
func SQLiteDSN(name string) string {
	if strings.Contains(name, "_busy_timeout=") {
		return name
	}
	sep := "?"
	if strings.Contains(name, "?") {
		sep = "&"
	}
	return name + sep + "_busy_timeout=5000"
}
