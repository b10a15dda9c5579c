package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// ClaimSlowThreshold applies to SKIP LOCKED claim selects, which are
	// expected to return quickly even under contention.
	ClaimSlowThreshold time.Duration
}

// GormConfigFor maps the service log level onto gorm's levels.
func GormConfigFor(level string) GormLoggerConfig {
	cfg := GormLoggerConfig{
		Level:              gormlogger.Warn,
		SlowThreshold:      250 * time.Millisecond,
		ClaimSlowThreshold: 100 * time.Millisecond,
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = gormlogger.Info
	case "error":
		cfg.Level = gormlogger.Error
	}
	return cfg
}

// GormLogger writes statement failures and slow statements through zap with
// the request or job correlation fields carried in ctx. Record-not-found is
// never logged; every store treats it as a normal outcome.
type GormLogger struct {
	base *zap.Logger
	cfg  GormLoggerConfig
}

func NewGormLogger(base *zap.Logger, cfg GormLoggerConfig) *GormLogger {
	if base == nil {
		base = zap.L()
	}
	return &GormLogger{base: base.Named("gorm"), cfg: cfg}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.cfg.Level >= gormlogger.Info {
		WithContext(ctx, l.base).Info(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.cfg.Level >= gormlogger.Warn {
		WithContext(ctx, l.base).Warn(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.cfg.Level >= gormlogger.Error {
		WithContext(ctx, l.base).Error(msg, zap.Any("data", data))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	if err != nil && errors.Is(err, gormlogger.ErrRecordNotFound) {
		err = nil
	}

	if err != nil {
		if l.cfg.Level >= gormlogger.Error {
			sql, rows := fc()
			WithContext(ctx, l.base).Error("gorm.query.failed", append(queryFields(sql, rows, elapsed), zap.Error(err))...)
		}
		return
	}

	if l.cfg.Level < gormlogger.Warn {
		return
	}
	sql, rows := fc()
	threshold := l.cfg.SlowThreshold
	if isClaim(sql) && l.cfg.ClaimSlowThreshold > 0 {
		threshold = l.cfg.ClaimSlowThreshold
	}
	switch {
	case threshold > 0 && elapsed > threshold:
		WithContext(ctx, l.base).Warn("gorm.query.slow", queryFields(sql, rows, elapsed)...)
	case l.cfg.Level >= gormlogger.Info:
		WithContext(ctx, l.base).Debug("gorm.query", queryFields(sql, rows, elapsed)...)
	}
}

// ParamsFilter drops bound values so amounts, addresses and user ids stay out
// of SQL logs.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func queryFields(sql string, rows int64, elapsed time.Duration) []zap.Field {
	op, table := describeSQL(sql)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("table", table),
		zap.Bool("claim", isClaim(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", strings.TrimSpace(sql)),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	return fields
}

func isClaim(sql string) bool {
	return strings.Contains(strings.ToUpper(sql), "SKIP LOCKED")
}

// describeSQL returns the statement verb and the first table it names.
func describeSQL(sql string) (string, string) {
	tokens := strings.Fields(strings.TrimSpace(sql))
	op := "UNKNOWN"
	for i, raw := range tokens {
		token := strings.ToUpper(strings.Trim(raw, "();"))
		if op == "UNKNOWN" {
			switch token {
			case "SELECT", "INSERT", "UPDATE", "DELETE":
				op = token
			}
		}
		var next string
		if i+1 < len(tokens) {
			next = strings.Trim(tokens[i+1], "\"`();")
		}
		switch {
		case op == "UPDATE" && token == "UPDATE" && next != "":
			return op, next
		case (token == "FROM" || token == "INTO") && next != "":
			return op, next
		}
	}
	return op, "unknown"
}

var _ gormlogger.Interface = (*GormLogger)(nil)
