package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string `validate:"required"`
	NodeID      int64  `validate:"gte=0,lte=1023"`

	DBType            string `validate:"oneof=postgres mysql sqlite"`
	DBHost            string
	DBPort            string
	DBName            string `validate:"required"`
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int `validate:"gte=0"`
	DBMaxOpenConn     int `validate:"gte=0"`
	DBConnMaxLifetime int `validate:"gte=0"`
	DBConnMaxIdleTime int `validate:"gte=0"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	Observability ObservabilityConfig
	Ledger        LedgerConfig
	Aggregator    AggregatorConfig
	Settlement    SettlementConfig
	Price         PriceConfig
	Deposit       DepositConfig
	Scheduler     SchedulerConfig
	MetricsPush   MetricsPushConfig
}

// ObservabilityConfig drives logging, tracing and the otel metric exporter.
type ObservabilityConfig struct {
	LogLevel      string `validate:"oneof=debug info warn error"`
	LogFormat     string `validate:"oneof=json console"`
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string  `validate:"oneof=grpc grpc/protobuf http http/protobuf"`
	SamplingRatio float64 `validate:"gte=0,lte=1"`
}

type LedgerConfig struct {
	ReservationTTL time.Duration `validate:"gt=0"`
}

type AggregatorConfig struct {
	BatchSize        int           `validate:"gte=1,lte=5000"`
	LeaseTTL         time.Duration `validate:"gt=0"`
	MaxAttempts      int           `validate:"gte=1"`
	BackoffBase      time.Duration `validate:"gt=0"`
	BackoffMax       time.Duration `validate:"gt=0"`
	DefaultUnitPrice string        `validate:"required,numeric"`
}

type SettlementConfig struct {
	BatchSize     int           `validate:"gte=1,lte=5000"`
	LeaseTTL      time.Duration `validate:"gt=0"`
	BackoffBase   time.Duration `validate:"gt=0"`
	BackoffMax    time.Duration `validate:"gt=0"`
	LedgerTimeout time.Duration `validate:"gt=0"`
}

type PriceConfig struct {
	FeedURL          string        `validate:"omitempty,url"`
	StaticPrice      string        `validate:"omitempty,numeric"`
	RefreshInterval  time.Duration `validate:"gt=0"`
	MaxAge           time.Duration `validate:"gt=0"`
	RequestTimeout   time.Duration `validate:"gt=0"`
	BreakerFailures  uint32        `validate:"gte=1"`
	BreakerOpenDelay time.Duration `validate:"gt=0"`
}

type DepositConfig struct {
	AssetDecimals    int32  `validate:"gte=0,lte=36"`
	ChainRPCURL      string `validate:"omitempty,url"`
	TokenContract    string `validate:"omitempty,eth_addr"`
	TreasuryURL      string `validate:"omitempty,url"`
	MaxBlocksPerScan uint64 `validate:"gte=1"`
	StartBlock       uint64
	ScanLockTTL      time.Duration `validate:"gt=0"`
	RPCTimeout       time.Duration `validate:"gt=0"`
}

type SchedulerConfig struct {
	RunInterval   time.Duration `validate:"gt=0"`
	EnabledJobs   []string
	ShutdownGrace time.Duration `validate:"gte=0"`
}

type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string `validate:"omitempty,oneof=prometheus_pushgateway prometheus_remote_write otlp"`
	Endpoint  string `validate:"omitempty,url"`
	AuthToken string
	Interval  time.Duration `validate:"gt=0"`
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "basilica-billing"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		NodeID:      getenvInt64("SNOWFLAKE_NODE_ID", 1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "billing"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Ledger: LedgerConfig{
			ReservationTTL: getenvDuration("LEDGER_RESERVATION_TTL", 24*time.Hour),
		},
		Aggregator: AggregatorConfig{
			BatchSize:        int(getenvInt64("AGGREGATOR_BATCH_SIZE", 500)),
			LeaseTTL:         getenvDuration("AGGREGATOR_LEASE_TTL", 5*time.Minute),
			MaxAttempts:      int(getenvInt64("AGGREGATOR_MAX_ATTEMPTS", 5)),
			BackoffBase:      getenvDuration("AGGREGATOR_BACKOFF_BASE", 30*time.Second),
			BackoffMax:       getenvDuration("AGGREGATOR_BACKOFF_MAX", 30*time.Minute),
			DefaultUnitPrice: getenv("AGGREGATOR_DEFAULT_UNIT_PRICE", "1"),
		},
		Settlement: SettlementConfig{
			BatchSize:     int(getenvInt64("SETTLEMENT_BATCH_SIZE", 100)),
			LeaseTTL:      getenvDuration("SETTLEMENT_LEASE_TTL", 5*time.Minute),
			BackoffBase:   getenvDuration("SETTLEMENT_BACKOFF_BASE", 10*time.Second),
			BackoffMax:    getenvDuration("SETTLEMENT_BACKOFF_MAX", 15*time.Minute),
			LedgerTimeout: getenvDuration("SETTLEMENT_LEDGER_TIMEOUT", 5*time.Second),
		},
		Price: PriceConfig{
			FeedURL:          strings.TrimSpace(getenv("PRICE_FEED_URL", "")),
			StaticPrice:      strings.TrimSpace(getenv("PRICE_STATIC_USD", "")),
			RefreshInterval:  getenvDuration("PRICE_REFRESH_INTERVAL", time.Minute),
			MaxAge:           getenvDuration("PRICE_MAX_AGE", 10*time.Minute),
			RequestTimeout:   getenvDuration("PRICE_REQUEST_TIMEOUT", 5*time.Second),
			BreakerFailures:  uint32(getenvInt64("PRICE_BREAKER_FAILURES", 5)),
			BreakerOpenDelay: getenvDuration("PRICE_BREAKER_OPEN_DELAY", 30*time.Second),
		},
		Deposit: DepositConfig{
			AssetDecimals:    int32(getenvInt64("DEPOSIT_ASSET_DECIMALS", 9)),
			ChainRPCURL:      strings.TrimSpace(getenv("DEPOSIT_CHAIN_RPC_URL", "")),
			TokenContract:    strings.TrimSpace(getenv("DEPOSIT_TOKEN_CONTRACT", "")),
			TreasuryURL:      strings.TrimSpace(getenv("DEPOSIT_TREASURY_URL", "")),
			MaxBlocksPerScan: uint64(getenvInt64("DEPOSIT_MAX_BLOCKS_PER_SCAN", 500)),
			StartBlock:       uint64(getenvInt64("DEPOSIT_START_BLOCK", 0)),
			ScanLockTTL:      getenvDuration("DEPOSIT_SCAN_LOCK_TTL", time.Minute),
			RPCTimeout:       getenvDuration("DEPOSIT_RPC_TIMEOUT", 10*time.Second),
		},
		Scheduler: SchedulerConfig{
			RunInterval:   getenvDuration("SCHEDULER_RUN_INTERVAL", 10*time.Second),
			EnabledJobs:   getenvList("SCHEDULER_JOBS"),
			ShutdownGrace: getenvDuration("SCHEDULER_SHUTDOWN_GRACE", 15*time.Second),
		},
		MetricsPush: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "prometheus_pushgateway")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", 5*time.Minute),
		},
	}

	return cfg
}

// RedisEnabled reports whether a redis endpoint is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
