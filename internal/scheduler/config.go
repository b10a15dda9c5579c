package scheduler

import (
	"time"

	"github.com/one-covenant/basilica-billing/internal/config"
)

// Config controls the run loop and per-job budgets.
type Config struct {
	RunInterval           time.Duration
	EnabledJobs           []string
	ShutdownGrace         time.Duration
	JobTimeout            time.Duration
	PriceRefreshTimeout   time.Duration
	ReservationSweepLimit int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:           10 * time.Second,
		ShutdownGrace:         15 * time.Second,
		JobTimeout:            30 * time.Second,
		PriceRefreshTimeout:   10 * time.Second,
		ReservationSweepLimit: 200,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   cfg.Scheduler.RunInterval,
		EnabledJobs:   cfg.Scheduler.EnabledJobs,
		ShutdownGrace: cfg.Scheduler.ShutdownGrace,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = defaults.ShutdownGrace
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.PriceRefreshTimeout <= 0 {
		c.PriceRefreshTimeout = defaults.PriceRefreshTimeout
	}
	if c.ReservationSweepLimit <= 0 {
		c.ReservationSweepLimit = defaults.ReservationSweepLimit
	}
	return c
}
