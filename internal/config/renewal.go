package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RenewalConfig is the auto-renewal policy. It can be changed at runtime
// through renewal.yml without restarting the scheduler.
type RenewalConfig struct {
	Lookahead      time.Duration `mapstructure:"lookahead"`
	RetryCooldown  time.Duration `mapstructure:"retryCooldown"`
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	GatewayTimeout time.Duration `mapstructure:"gatewayTimeout"`
	LockTTL        time.Duration `mapstructure:"lockTTL"`
}

func DefaultRenewalConfig() RenewalConfig {
	return RenewalConfig{
		Lookahead:      3 * 24 * time.Hour,
		RetryCooldown:  2 * 24 * time.Hour,
		MaxAttempts:    3,
		GatewayTimeout: 15 * time.Second,
		LockTTL:        30 * time.Minute,
	}
}

// RenewalGrace is how long an expired subscription stays active while
// retries are still pending. It covers every attempt the cooldown allows.
func (c RenewalConfig) RenewalGrace() time.Duration {
	return c.RetryCooldown * time.Duration(c.MaxAttempts)
}

type RenewalConfigHolder struct {
	current atomic.Value // holds RenewalConfig
}

// NewStaticRenewalConfigHolder pins a policy. Used by tests and one-off runs.
func NewStaticRenewalConfigHolder(cfg RenewalConfig) *RenewalConfigHolder {
	holder := &RenewalConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRenewalConfigHolder(log *zap.Logger) (*RenewalConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("renewal")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/tierline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TIERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRenewalConfig()
	v.SetDefault("renewal.lookahead", defaults.Lookahead)
	v.SetDefault("renewal.retryCooldown", defaults.RetryCooldown)
	v.SetDefault("renewal.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("renewal.gatewayTimeout", defaults.GatewayTimeout)
	v.SetDefault("renewal.lockTTL", defaults.LockTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg RenewalConfig
	if err := v.UnmarshalKey("renewal", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateRenewalConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticRenewalConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	log = log.Named("config.renewal")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RenewalConfig
		if err := v.UnmarshalKey("renewal", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := ValidateRenewalConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *RenewalConfigHolder) Get() RenewalConfig {
	return h.current.Load().(RenewalConfig)
}

func ValidateRenewalConfig(cfg RenewalConfig) error {
	if cfg.Lookahead < 0 {
		return errors.New("renewal.lookahead cannot be negative")
	}
	if cfg.RetryCooldown <= 0 {
		return errors.New("renewal.retryCooldown must be positive")
	}
	if cfg.MaxAttempts < 1 {
		return errors.New("renewal.maxAttempts must be at least 1")
	}
	if cfg.GatewayTimeout <= 0 {
		return errors.New("renewal.gatewayTimeout must be positive")
	}
	if cfg.LockTTL <= 0 {
		return errors.New("renewal.lockTTL must be positive")
	}
	return nil
}
