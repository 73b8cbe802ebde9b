package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/tierline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/smallbiznis/tierline/internal/ratelimit"
	"github.com/smallbiznis/tierline/internal/renewal"
	schedtesting "github.com/smallbiznis/tierline/internal/scheduler/testing"
	"github.com/smallbiznis/tierline/internal/testkit"
)

type stubRenewer struct {
	summary *renewal.Summary
	err     error
	calls   int
}

func (s *stubRenewer) Run(context.Context) (*renewal.Summary, error) {
	s.calls++
	return s.summary, s.err
}

func newTestScheduler(env *testkit.Env, renewer Renewer, m *obsmetrics.SchedulerMetrics) *Scheduler {
	return newScheduler(env.Log, env.Node, env.Clock, Config{BatchSize: 2}, renewer, env.Subscriptions, env.Tokens, m)
}

func newEngine(env *testkit.Env) *renewal.Engine {
	return renewal.New(renewal.Params{
		DB:            env.DB,
		Log:           env.Log,
		Clock:         env.Clock,
		Cfg:           env.Cfg,
		RenewalCfg:    env.RenewalCfg,
		Gateway:       env.Gateway,
		Users:         env.Users,
		Plans:         env.Plans,
		Subscriptions: env.Subscriptions,
		Locker:        ratelimit.NewLocalLocker(),
		Notifier:      env.Notifier,
	})
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	env := testkit.New(t)
	registry := prometheus.NewRegistry()
	m := obsmetrics.NewSchedulerMetricsForTest(registry)
	s := newTestScheduler(env, &stubRenewer{}, m)

	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context, _ *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := counterValue(t, registry, "tierline_scheduler_job_timeouts_total", map[string]string{"job": "timeout_job"}); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}
	if got := counterValue(t, registry, "tierline_scheduler_job_errors_total", map[string]string{
		"job":    "timeout_job",
		"reason": obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceExpiresAndRenews(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	accel := schedtesting.NewTimeAccelerator(env.DB, env.Clock.Now)

	// Three lapsed subscriptions without a card exercise batching.
	var lapsedIDs []snowflake.ID
	for i := 0; i < 3; i++ {
		user := env.CreateUser(t)
		sub := env.Subscribe(t, user.ID, "pi_lapsed_"+user.ID.String(), "")
		if err := accel.ExpireNow(ctx, sub.ID); err != nil {
			t.Fatalf("expire: %v", err)
		}
		lapsedIDs = append(lapsedIDs, sub.ID)
	}

	renewing := env.CreateUser(t)
	env.CreateCustomer(t, renewing.ID, "pm_card")
	due := env.Subscribe(t, renewing.ID, "pi_due", "pm_card")
	if err := accel.MakeRenewalDue(ctx, due.ID); err != nil {
		t.Fatalf("make due: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := obsmetrics.NewSchedulerMetricsForTest(registry)
	s := newTestScheduler(env, newEngine(env), m)
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var active int64
	if err := env.DB.Table("user_subscriptions").Where("id IN ? AND active = ?", lapsedIDs, true).Count(&active).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 0 {
		t.Fatalf("expected lapsed subscriptions to expire, %d still active", active)
	}

	info, err := accel.GetSubscriptionInfo(ctx, due.ID)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !info.Active || !info.ExpiryDate.After(due.ExpiryDate) {
		t.Fatalf("expected renewal to extend the subscription, got %+v", info)
	}

	if got := counterValue(t, registry, "tierline_scheduler_batch_processed_total", map[string]string{"job": JobExpire, "result": "expired"}); got != 3 {
		t.Fatalf("expected 3 expired, got %v", got)
	}
	if got := counterValue(t, registry, "tierline_scheduler_batch_processed_total", map[string]string{"job": JobRenewal, "result": renewal.OutcomeRenewed}); got != 1 {
		t.Fatalf("expected 1 renewed, got %v", got)
	}
}

func TestRunOnceRetriesRenewalPastExpiry(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	user := env.CreateUser(t)
	env.CreateCustomer(t, user.ID, "pm_card")
	sub := env.Subscribe(t, user.ID, "pi_first", "pm_card")

	decline := func() error {
		return &paymentdomain.GatewayError{Op: "charge_off_session", Code: "card_declined", Declined: true}
	}
	env.Gateway.ChargeErrors = []error{decline(), decline(), decline(), decline()}

	s := newTestScheduler(env, newEngine(env), obsmetrics.NewSchedulerMetricsForTest(prometheus.NewRegistry()))
	end := sub.ExpiryDate.Add(6 * 24 * time.Hour)
	for !env.Clock.Now().After(end) {
		if err := s.RunOnce(ctx); err != nil {
			t.Fatalf("run once at %s: %v", env.Clock.Now(), err)
		}
		env.Clock.Advance(12 * time.Hour)
	}

	policy := env.RenewalCfg.Get()
	if got := len(env.Gateway.Charges); got != policy.MaxAttempts {
		t.Fatalf("expected %d charges, got %d", policy.MaxAttempts, got)
	}
	final := env.Subscription(t, sub.ID)
	if final.RenewalAttempts != policy.MaxAttempts || final.AutoRenew || final.Active {
		t.Fatalf("expected exhausted and expired subscription, got %+v", final)
	}
	if env.Notifier.Count(notificationdomain.KindRenewalFailedRetry) != policy.MaxAttempts-1 {
		t.Fatalf("expected %d retry notices", policy.MaxAttempts-1)
	}
	if env.Notifier.Count(notificationdomain.KindRenewalFailedFinal) != 1 {
		t.Fatalf("expected one final failure notice")
	}
}

func TestRunOnceChargesOverdueRenewalBeforeSweep(t *testing.T) {
	env := testkit.New(t)
	ctx := context.Background()
	accel := schedtesting.NewTimeAccelerator(env.DB, env.Clock.Now)

	user := env.CreateUser(t)
	env.CreateCustomer(t, user.ID, "pm_card")
	sub := env.Subscribe(t, user.ID, "pi_first", "pm_card")
	if err := accel.ExpireNow(ctx, sub.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	s := newTestScheduler(env, newEngine(env), obsmetrics.NewSchedulerMetricsForTest(prometheus.NewRegistry()))
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	renewed := env.Subscription(t, sub.ID)
	if !renewed.Active || !renewed.ExpiryDate.After(env.Clock.Now()) {
		t.Fatalf("expected overdue subscription to be renewed, got %+v", renewed)
	}
	if got := env.PaymentCount(t, user.ID); got != 2 {
		t.Fatalf("expected a renewal payment, got %d payments", got)
	}
}

func TestRenewalJobSkippedWhenLocked(t *testing.T) {
	env := testkit.New(t)
	registry := prometheus.NewRegistry()
	m := obsmetrics.NewSchedulerMetricsForTest(registry)
	renewer := &stubRenewer{err: renewal.ErrRunInProgress}
	s := newTestScheduler(env, renewer, m)
	s.cfg.EnabledJobs = []string{JobRenewal}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected skip without error, got %v", err)
	}
	if renewer.calls != 1 {
		t.Fatalf("expected renewer to run once, got %d", renewer.calls)
	}
	if got := counterValue(t, registry, "tierline_scheduler_run_skipped_total", map[string]string{"job": JobRenewal}); got != 1 {
		t.Fatalf("expected skipped count 1, got %v", got)
	}
}

func TestJobSelection(t *testing.T) {
	s := &Scheduler{cfg: Config{EnabledJobs: []string{"Renewal"}}}
	if !s.isJobEnabled(JobRenewal) {
		t.Fatalf("expected renewal enabled")
	}
	if s.isJobEnabled(JobExpire) {
		t.Fatalf("expected expiry disabled")
	}
	if !(&Scheduler{}).isJobEnabled(JobExpire) {
		t.Fatalf("expected all jobs enabled by default")
	}
}

type recordingPusher struct {
	pushes int
}

func (p *recordingPusher) Push(_ context.Context, gatherer prometheus.Gatherer) error {
	if _, err := gatherer.Gather(); err != nil {
		return err
	}
	p.pushes++
	return nil
}

func TestPushMetricsUsesConfiguredPusher(t *testing.T) {
	env := testkit.New(t)
	registry := prometheus.NewRegistry()
	s := newTestScheduler(env, &stubRenewer{}, obsmetrics.NewSchedulerMetricsForTest(registry))
	s.gatherer = registry

	s.pushMetrics(context.Background())

	pusher := &recordingPusher{}
	s.pusher = pusher
	s.pushMetrics(context.Background())
	if pusher.pushes != 1 {
		t.Fatalf("expected one push, got %d", pusher.pushes)
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if want, ok := labels[label.GetName()]; ok && want != label.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}
