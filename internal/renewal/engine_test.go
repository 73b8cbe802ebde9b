package renewal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/tierline/internal/config"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/smallbiznis/tierline/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"github.com/smallbiznis/tierline/internal/testkit"
)

func newEngine(env *testkit.Env, locker ratelimit.RunLocker) *Engine {
	return New(Params{
		DB:            env.DB,
		Log:           env.Log,
		Clock:         env.Clock,
		Cfg:           env.Cfg,
		RenewalCfg:    env.RenewalCfg,
		Gateway:       env.Gateway,
		Users:         env.Users,
		Plans:         env.Plans,
		Subscriptions: env.Subscriptions,
		Locker:        locker,
		Notifier:      env.Notifier,
	})
}

// dueSubscription returns a paid subscription whose renewal date has passed.
func dueSubscription(t *testing.T, env *testkit.Env) *subscriptiondomain.Subscription {
	t.Helper()
	user := env.CreateUser(t)
	env.CreateCustomer(t, user.ID, "pm_card")
	sub := env.Subscribe(t, user.ID, "pi_initial_"+user.ID.String(), "pm_card")

	past := env.Clock.Now().Add(-time.Hour)
	if err := env.DB.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{"next_renewal_date": past, "expiry_date": past, "queries_used": 42}).Error; err != nil {
		t.Fatalf("backdate subscription: %v", err)
	}
	return env.Subscription(t, sub.ID)
}

func TestRenewalSuccess(t *testing.T) {
	env := testkit.New(t)
	sub := dueSubscription(t, env)
	engine := newEngine(env, ratelimit.NewLocalLocker())

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Candidates != 1 || summary.Renewed != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	renewed := env.Subscription(t, sub.ID)
	if want := sub.ExpiryDate.Add(30 * 24 * time.Hour); !renewed.ExpiryDate.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, renewed.ExpiryDate)
	}
	if renewed.QueriesUsed != 0 || renewed.RenewalAttempts != 0 || renewed.RenewalFailed {
		t.Fatalf("expected counters reset, got %+v", renewed)
	}
	if renewed.NextRenewalDate == nil || !renewed.NextRenewalDate.Equal(renewed.ExpiryDate) {
		t.Fatalf("expected next renewal at expiry, got %v", renewed.NextRenewalDate)
	}
	if got := env.PaymentCount(t, sub.UserID); got != 2 {
		t.Fatalf("expected renewal payment recorded, got %d payments", got)
	}

	if len(env.Gateway.Charges) != 1 {
		t.Fatalf("expected one charge, got %d", len(env.Gateway.Charges))
	}
	charge := env.Gateway.Charges[0]
	if charge.IdempotencyKey != IdempotencyKey(sub, 1) {
		t.Fatalf("unexpected idempotency key %q", charge.IdempotencyKey)
	}
	if charge.Metadata[paymentdomain.MetaType] != paymentdomain.PurposeRenewal ||
		charge.Metadata[paymentdomain.MetaSubscriptionID] != sub.ID.String() {
		t.Fatalf("unexpected charge metadata %+v", charge.Metadata)
	}
	if env.Notifier.Count(notificationdomain.KindRenewalSuccess) != 1 {
		t.Fatalf("expected renewal success notification")
	}
	summaryNote, ok := env.Notifier.Last(notificationdomain.KindRenewalSummary)
	if !ok || summaryNote.To != env.Cfg.Billing.AdminEmail {
		t.Fatalf("expected admin summary, got %+v", summaryNote)
	}

	// Nothing is due until the next period.
	summary, err = engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Candidates != 0 {
		t.Fatalf("expected no candidates, got %d", summary.Candidates)
	}
}

func TestRenewalFailuresDisableAutoRenew(t *testing.T) {
	env := testkit.New(t)
	sub := dueSubscription(t, env)
	engine := newEngine(env, ratelimit.NewLocalLocker())
	decline := func() error {
		return &paymentdomain.GatewayError{Op: "charge_off_session", Code: "insufficient_funds", Declined: true}
	}
	env.Gateway.ChargeErrors = []error{decline(), decline(), decline()}

	policy := env.RenewalCfg.Get()
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		summary, err := engine.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: %v", attempt, err)
		}
		if summary.Failed != 1 {
			t.Fatalf("run %d: expected a failure, got %+v", attempt, summary)
		}

		// Still cooling down: the next run right away does nothing.
		summary, err = engine.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d retry: %v", attempt, err)
		}
		if summary.Candidates != 0 {
			t.Fatalf("run %d: expected cooldown, got %+v", attempt, summary)
		}
		env.Clock.Advance(policy.RetryCooldown)
	}

	failed := env.Subscription(t, sub.ID)
	if failed.AutoRenew || !failed.RenewalFailed || failed.RenewalAttempts != policy.MaxAttempts {
		t.Fatalf("expected auto renew disabled after %d failures, got %+v", policy.MaxAttempts, failed)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "insufficient_funds" {
		t.Fatalf("unexpected failure reason %v", failed.FailureReason)
	}
	if env.Notifier.Count(notificationdomain.KindRenewalFailedRetry) != 2 {
		t.Fatalf("expected two retry notifications")
	}
	if env.Notifier.Count(notificationdomain.KindRenewalFailedFinal) != 1 {
		t.Fatalf("expected a final failure notification")
	}
	if got := env.PaymentCount(t, sub.UserID); got != 1 {
		t.Fatalf("expected no renewal payment, got %d payments", got)
	}

	keys := map[string]bool{}
	for _, charge := range env.Gateway.Charges {
		keys[charge.IdempotencyKey] = true
	}
	if len(keys) != policy.MaxAttempts {
		t.Fatalf("expected a fresh idempotency key per attempt, got %v", keys)
	}

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("final run: %v", err)
	}
	if summary.Candidates != 0 {
		t.Fatalf("expected disabled subscription to be skipped")
	}
}

func TestRenewalTimeoutCountsAsFailure(t *testing.T) {
	env := testkit.New(t)
	policy := config.DefaultRenewalConfig()
	policy.GatewayTimeout = 20 * time.Millisecond
	env.RenewalCfg = config.NewStaticRenewalConfigHolder(policy)
	sub := dueSubscription(t, env)
	env.Gateway.BlockCharges = true

	summary, err := newEngine(env, ratelimit.NewLocalLocker()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Renewed != 0 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	failed := env.Subscription(t, sub.ID)
	if failed.FailureReason == nil || *failed.FailureReason != "gateway_timeout" {
		t.Fatalf("expected gateway_timeout, got %v", failed.FailureReason)
	}
	if !failed.AutoRenew || failed.ExpiryDate.After(sub.ExpiryDate) {
		t.Fatalf("a timeout must not extend the subscription")
	}
}

func TestRenewalWithoutCustomer(t *testing.T) {
	env := testkit.New(t)
	sub := dueSubscription(t, env)
	if err := env.Users.UpdateFields(context.Background(), sub.UserID, map[string]any{"payment_customer_id": nil}); err != nil {
		t.Fatalf("clear customer: %v", err)
	}

	summary, err := newEngine(env, ratelimit.NewLocalLocker()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Failed != 1 || len(env.Gateway.Charges) != 0 {
		t.Fatalf("expected failure without a charge, got %+v", summary)
	}
	failed := env.Subscription(t, sub.ID)
	if failed.FailureReason == nil || *failed.FailureReason != ReasonMissingCustomer {
		t.Fatalf("unexpected reason %v", failed.FailureReason)
	}
}

func TestRenewalSkipsOptedOutUsers(t *testing.T) {
	env := testkit.New(t)
	sub := dueSubscription(t, env)
	if err := env.Users.UpdateFields(context.Background(), sub.UserID, map[string]any{"auto_renew_enabled": false}); err != nil {
		t.Fatalf("opt out: %v", err)
	}

	summary, err := newEngine(env, ratelimit.NewLocalLocker()).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Candidates != 0 {
		t.Fatalf("expected opted out user to be skipped, got %+v", summary)
	}
	if env.Notifier.Count(notificationdomain.KindRenewalSummary) != 0 {
		t.Fatalf("empty runs must not notify the admin")
	}
}

func TestOverlappingRunsAreRefused(t *testing.T) {
	env := testkit.New(t)
	dueSubscription(t, env)
	locker := ratelimit.NewLocalLocker()
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, runLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock: %v", err)
	}
	engine := newEngine(env, locker)
	if _, err := engine.Run(ctx); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if len(env.Gateway.Charges) != 0 {
		t.Fatalf("expected no charges while locked")
	}

	if err := locker.Release(ctx, runLockKey, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	summary, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Renewed != 1 {
		t.Fatalf("expected renewal after release, got %+v", summary)
	}
}
