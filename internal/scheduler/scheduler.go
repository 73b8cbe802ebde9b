package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	obsmetrics "github.com/smallbiznis/tierline/internal/observability/metrics"
	"github.com/smallbiznis/tierline/internal/renewal"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// Job names, also used as metric labels and in SCHEDULER_JOBS.
const (
	JobRenewal     = "renewal"
	JobExpire      = "expire_subscriptions"
	JobPurgeTokens = "purge_tokens"
)

// Renewer runs one renewal pass.
type Renewer interface {
	Run(ctx context.Context) (*renewal.Summary, error)
}

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Config          Config
	Renewer         *renewal.Engine
	SubscriptionSvc subscriptiondomain.Service
	Tokens          authdomain.TokenRepository
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
	Pusher          obsmetrics.Pusher            `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	renewer         Renewer
	subscriptionSvc subscriptiondomain.Service
	tokens          authdomain.TokenRepository
	metrics         *obsmetrics.SchedulerMetrics
	pusher          obsmetrics.Pusher
	gatherer        prometheus.Gatherer
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Renewer == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := newScheduler(p.Log, p.GenID, p.Clock, p.Config, p.Renewer, p.SubscriptionSvc, p.Tokens, p.Metrics)
	s.pusher = p.Pusher
	return s, nil
}

func newScheduler(
	log *zap.Logger,
	genID *snowflake.Node,
	clk clock.Clock,
	cfg Config,
	renewer Renewer,
	subscriptions subscriptiondomain.Service,
	tokens authdomain.TokenRepository,
	metrics *obsmetrics.SchedulerMetrics,
) *Scheduler {
	return &Scheduler{
		log:             log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg.withDefaults(),
		genID:           genID,
		clock:           clk,
		renewer:         renewer,
		subscriptionSvc: subscriptions,
		tokens:          tokens,
		metrics:         metrics,
		gatherer:        prometheus.DefaultGatherer,
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick resumes the work.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		// Renewal runs first so a due charge lands before the sweep looks at
		// the row.
		{JobRenewal, func(ctx context.Context) error {
			return s.runJob(ctx, JobRenewal, s.cfg.BatchSize, s.cfg.RenewalTimeout, s.RenewalJob)
		}},
		{JobExpire, func(ctx context.Context) error {
			return s.runJob(ctx, JobExpire, s.cfg.BatchSize, s.cfg.JobTimeout, s.ExpireSubscriptionsJob)
		}},
		{JobPurgeTokens, func(ctx context.Context) error {
			return s.runJob(ctx, JobPurgeTokens, 0, s.cfg.JobTimeout, s.PurgeTokensJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		s.pushMetrics(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pushMetrics ships the scheduler counters when a push exporter is configured.
// Failures are logged only.
func (s *Scheduler) pushMetrics(ctx context.Context) {
	if s.pusher == nil || s.gatherer == nil {
		return
	}
	if err := s.pusher.Push(ctx, s.gatherer); err != nil {
		s.log.Warn("metrics push failed", zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireSubscriptionsJob deactivates lapsed subscriptions batch by batch.
func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context, run *jobRun) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		expired, err := s.subscriptionSvc.ExpireDue(ctx, s.cfg.BatchSize)
		run.AddProcessed(expired)
		s.metrics.AddBatchProcessed(JobExpire, "expired", expired)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.expire.failed", err)
			return err
		}
		if expired < s.cfg.BatchSize {
			return nil
		}
	}
}

// RenewalJob runs the renewal engine. A run held elsewhere is skipped.
func (s *Scheduler) RenewalJob(ctx context.Context, run *jobRun) error {
	summary, err := s.renewer.Run(ctx)
	if errors.Is(err, renewal.ErrRunInProgress) {
		s.metrics.IncRunSkipped(JobRenewal)
		s.logger(ctx).Info("scheduler.renewal.skipped", zap.String("run_id", run.runID))
		return nil
	}
	if summary != nil {
		run.AddProcessed(summary.Candidates)
		s.metrics.AddBatchProcessed(JobRenewal, renewal.OutcomeRenewed, summary.Renewed)
		s.metrics.AddBatchProcessed(JobRenewal, renewal.OutcomeFailed, summary.Failed-summary.Disabled)
		s.metrics.AddBatchProcessed(JobRenewal, renewal.OutcomeDisabled, summary.Disabled)
		for i := 0; i < summary.Errors; i++ {
			run.IncError()
		}
	}
	return err
}

// PurgeTokensJob drops revoked tokens that have expired on their own.
func (s *Scheduler) PurgeTokensJob(ctx context.Context, run *jobRun) error {
	if s.tokens == nil {
		return nil
	}
	purged, err := s.tokens.PurgeExpired(ctx, s.clock.Now())
	if err != nil {
		s.logJobError(ctx, run, "scheduler.tokens.purge_failed", err)
		return err
	}
	run.AddProcessed(int(purged))
	s.metrics.AddBatchProcessed(JobPurgeTokens, "purged", int(purged))
	return nil
}
