package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{`SELECT id FROM processing_batches WHERE status = ? FOR UPDATE SKIP LOCKED`, "SELECT", "processing_batches"},
		{`INSERT INTO "ledger_entries" ("id") VALUES (1)`, "INSERT", "ledger_entries"},
		{`UPDATE settlement_outbox SET attempts = 1`, "UPDATE", "settlement_outbox"},
		{`DELETE FROM reservations WHERE id = 1`, "DELETE", "reservations"},
		{`WITH due AS (SELECT 1) SELECT * FROM due`, "SELECT", "due"},
		{`PRAGMA foreign_keys`, "UNKNOWN", "unknown"},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestGormLoggerTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), GormConfigFor("info"))
	ctx := context.Background()
	query := func(sql string) func() (string, int64) {
		return func() (string, int64) { return sql, 1 }
	}

	l.Trace(ctx, time.Now(), query("SELECT * FROM credit_balances"), gormlogger.ErrRecordNotFound)
	l.Trace(ctx, time.Now(), query("SELECT * FROM credit_balances"), nil)
	assert.Equal(t, 0, logs.Len())

	l.Trace(ctx, time.Now(), query("UPDATE credit_balances SET available = 1"), errors.New("deadlock"))
	failed := logs.FilterMessage("gorm.query.failed").All()
	if assert.Len(t, failed, 1) {
		assert.Equal(t, "credit_balances", failed[0].ContextMap()["table"])
	}

	l.Trace(ctx, time.Now().Add(-150*time.Millisecond), query("SELECT id FROM usage_events FOR UPDATE SKIP LOCKED"), nil)
	slow := logs.FilterMessage("gorm.query.slow").All()
	if assert.Len(t, slow, 1) {
		assert.Equal(t, true, slow[0].ContextMap()["claim"])
	}
}

func TestGormConfigForLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Info, GormConfigFor("debug").Level)
	assert.Equal(t, gormlogger.Warn, GormConfigFor("info").Level)
	assert.Equal(t, gormlogger.Error, GormConfigFor("error").Level)
}
