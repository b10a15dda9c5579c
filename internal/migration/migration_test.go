package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/one-covenant/basilica-billing/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	sub, err := source()
	require.NoError(t, err)

	entries, err := fs.ReadDir(sub, ".")
	require.NoError(t, err)
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)

	src, err := iofs.New(sub, ".")
	require.NoError(t, err)
	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}

func TestEveryTableHasDDL(t *testing.T) {
	sub, err := source()
	require.NoError(t, err)
	var ddl strings.Builder
	entries, err := fs.Glob(sub, "*.up.sql")
	require.NoError(t, err)
	for _, name := range entries {
		data, err := fs.ReadFile(sub, name)
		require.NoError(t, err)
		ddl.Write(data)
	}

	db := testutil.OpenDB(t)
	for _, model := range Models() {
		stmt := db.Model(model).Statement
		require.NoError(t, stmt.Parse(model))
		assert.Contains(t, ddl.String(), "CREATE TABLE IF NOT EXISTS "+stmt.Schema.Table+" (")
		for _, field := range stmt.Schema.Fields {
			if field.DBName == "" {
				continue
			}
			assert.Contains(t, ddl.String(), "    "+field.DBName+" ", "%s.%s", stmt.Schema.Table, field.DBName)
		}
	}
}

func TestApplyAutoMigratesOutsidePostgres(t *testing.T) {
	db := testutil.OpenDB(t)
	require.NoError(t, Apply(db, "sqlite"))

	for _, table := range []string{
		"credit_balances",
		"reservations",
		"usage_events",
		"processing_batches",
		"usage_charges",
		"billing_rules",
		"observed_deposits",
		"settlement_outbox",
	} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestApplyRequiresConnection(t *testing.T) {
	assert.Error(t, Apply(nil, "postgres"))
}
