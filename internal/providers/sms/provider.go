// Package sms delivers short text messages.
package sms

import (
	"context"

	"github.com/smallbiznis/tierline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.sms",
	fx.Provide(NewFromConfig),
)

type Provider interface {
	Send(ctx context.Context, to string, message string) error
}

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	switch cfg.SMS.Provider {
	case "log":
		return &LogProvider{log: log.Named("sms.log")}
	default:
		return NoOpProvider{}
	}
}

// LogProvider writes messages to the log instead of a carrier. Development only.
type LogProvider struct {
	log *zap.Logger
}

func (p *LogProvider) Send(ctx context.Context, to string, message string) error {
	p.log.Info("sms", zap.String("to", to), zap.String("message", message))
	return nil
}

type NoOpProvider struct{}

func (NoOpProvider) Send(context.Context, string, string) error { return nil }
