package scheduler

import (
	"time"

	"github.com/smallbiznis/tierline/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled        bool
	RunInterval    time.Duration
	BatchSize      int
	JobTimeout     time.Duration
	RenewalTimeout time.Duration
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RunInterval:    time.Hour,
		BatchSize:      100,
		JobTimeout:     time.Minute,
		RenewalTimeout: 20 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Scheduler.Enabled,
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.Jobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RenewalTimeout <= 0 {
		c.RenewalTimeout = defaults.RenewalTimeout
	}
	return c
}
