package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PricingConfig is the operator-authored set of packages and billing rules.
type PricingConfig struct {
	Packages []PackageConfig `mapstructure:"packages" validate:"dive"`
	Rules    []RuleConfig    `mapstructure:"rules" validate:"dive"`
}

type PackageConfig struct {
	ID               string `mapstructure:"id" validate:"required"`
	Name             string `mapstructure:"name"`
	UnitPrice        string `mapstructure:"unit_price" validate:"required,numeric"`
	IncludedQuantity string `mapstructure:"included_quantity" validate:"omitempty,numeric"`
	Active           *bool  `mapstructure:"active"`
}

type RuleConfig struct {
	ID          string `mapstructure:"id" validate:"required"`
	Name        string `mapstructure:"name"`
	Condition   string `mapstructure:"condition" validate:"required,oneof=always min_usage max_usage package"`
	Threshold   string `mapstructure:"threshold" validate:"omitempty,numeric"`
	PackageID   string `mapstructure:"package_id"`
	Action      string `mapstructure:"action" validate:"required,oneof=discount_percent fixed_discount override_charge multiplier"`
	ActionValue string `mapstructure:"action_value" validate:"required,numeric"`
	Priority    int    `mapstructure:"priority"`
	Active      *bool  `mapstructure:"active"`
}

// IsActive defaults to true when the field is omitted.
func (p PackageConfig) IsActive() bool { return p.Active == nil || *p.Active }

// IsActive defaults to true when the field is omitted.
func (r RuleConfig) IsActive() bool { return r.Active == nil || *r.Active }

type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig

	mu          sync.Mutex
	subscribers []func(PricingConfig)
}

// NewPricingConfigHolder loads pricing.yml and keeps it fresh on file changes.
// A missing file yields an empty config: rules then come from the database only.
func NewPricingConfigHolder(log *zap.Logger) (*PricingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.pricing")

	v := viper.New()
	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/basilica")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BASILICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PricingConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read pricing config: %v", ErrConfiguration, err)
		}
		log.Info("pricing config file not found, using database rules only")
		holder.current.Store(PricingConfig{})
		return holder, nil
	}

	cfg, err := decodePricing(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePricing(v)
		if err != nil {
			log.Warn("pricing config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.Set(updated)
		log.Info("pricing config reloaded",
			zap.String("file", e.Name),
			zap.Int("packages", len(updated.Packages)),
			zap.Int("rules", len(updated.Rules)),
		)
	})

	return holder, nil
}

// NewStaticPricingConfigHolder wraps a fixed config.
func NewStaticPricingConfigHolder(cfg PricingConfig) *PricingConfigHolder {
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

// Set replaces the current config and notifies subscribers.
func (h *PricingConfigHolder) Set(cfg PricingConfig) {
	h.current.Store(cfg)

	h.mu.Lock()
	subs := append([]func(PricingConfig){}, h.subscribers...)
	h.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}

// Subscribe registers fn to run after every successful reload.
func (h *PricingConfigHolder) Subscribe(fn func(PricingConfig)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.mu.Unlock()
}

func decodePricing(v *viper.Viper) (PricingConfig, error) {
	var cfg PricingConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return PricingConfig{}, fmt.Errorf("%w: decode pricing config: %v", ErrConfiguration, err)
	}
	if err := ValidatePricing(cfg); err != nil {
		return PricingConfig{}, err
	}
	return cfg, nil
}

// ValidatePricing checks the pricing document for structural errors and dangling references.
func ValidatePricing(cfg PricingConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: pricing: %v", ErrConfiguration, err)
	}

	packages := make(map[string]struct{}, len(cfg.Packages))
	for _, p := range cfg.Packages {
		if _, dup := packages[p.ID]; dup {
			return fmt.Errorf("%w: duplicate package id %q", ErrConfiguration, p.ID)
		}
		packages[p.ID] = struct{}{}
	}

	rules := make(map[string]struct{}, len(cfg.Rules))
	for _, r := range cfg.Rules {
		if _, dup := rules[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %q", ErrConfiguration, r.ID)
		}
		rules[r.ID] = struct{}{}

		switch r.Condition {
		case "min_usage", "max_usage":
			if r.Threshold == "" {
				return fmt.Errorf("%w: rule %q needs a threshold", ErrConfiguration, r.ID)
			}
		case "package":
			if _, ok := packages[r.PackageID]; !ok {
				return fmt.Errorf("%w: rule %q references unknown package %q", ErrConfiguration, r.ID, r.PackageID)
			}
		}
	}
	return nil
}
