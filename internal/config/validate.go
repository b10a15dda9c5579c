package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration marks a configuration that must stop the process at startup.
var ErrConfiguration = errors.New("configuration_error")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules of the loaded config.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields %s", ErrConfiguration, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	if cfg.Aggregator.BackoffBase > cfg.Aggregator.BackoffMax {
		return fmt.Errorf("%w: aggregator backoff base exceeds max", ErrConfiguration)
	}
	if cfg.Settlement.BackoffBase > cfg.Settlement.BackoffMax {
		return fmt.Errorf("%w: settlement backoff base exceeds max", ErrConfiguration)
	}
	if cfg.Price.FeedURL == "" && cfg.Price.StaticPrice == "" {
		return fmt.Errorf("%w: PRICE_FEED_URL or PRICE_STATIC_USD is required", ErrConfiguration)
	}
	if cfg.Price.MaxAge < cfg.Price.RefreshInterval {
		return fmt.Errorf("%w: price max age is shorter than the refresh interval", ErrConfiguration)
	}
	if cfg.Deposit.ChainRPCURL != "" && cfg.Deposit.TokenContract == "" {
		return fmt.Errorf("%w: DEPOSIT_TOKEN_CONTRACT is required with DEPOSIT_CHAIN_RPC_URL", ErrConfiguration)
	}
	if cfg.MetricsPush.Enabled && cfg.MetricsPush.Endpoint == "" {
		return fmt.Errorf("%w: METRICS_PUSH_ENDPOINT is required when metrics push is enabled", ErrConfiguration)
	}
	return nil
}
