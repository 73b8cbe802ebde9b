package scheduler

import (
	"context"

	"github.com/smallbiznis/tierline/internal/config"
	obsmetrics "github.com/smallbiznis/tierline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(providePusher),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

func providePusher(cfg config.Config, log *zap.Logger) obsmetrics.Pusher {
	return obsmetrics.NewPusher(obsmetrics.PushConfig{
		Exporter:    cfg.MetricsPush.Exporter,
		Endpoint:    cfg.MetricsPush.Endpoint,
		AuthToken:   cfg.MetricsPush.AuthToken,
		Job:         cfg.AppName + "-scheduler",
		Environment: cfg.Environment,
	}, log.Named("scheduler.metrics"))
}
