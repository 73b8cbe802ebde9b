package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	planrepository "github.com/smallbiznis/tierline/internal/plan/repository"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"github.com/smallbiznis/tierline/internal/subscription/repository"
	"github.com/smallbiznis/tierline/pkg/db"
	"github.com/smallbiznis/tierline/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notificationdomain.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n notificationdomain.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) count(kind notificationdomain.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.sent {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	db       *gorm.DB
	svc      *Service
	repo     subscriptiondomain.Repository
	clock    *clock.FakeClock
	node     *snowflake.Node
	notifier *captureNotifier
	free     *plandomain.Plan
	solo     *plandomain.Plan
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := conn.AutoMigrate(&authdomain.User{}, &plandomain.Plan{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := repository.Migrate(conn); err != nil {
		t.Fatalf("failed to migrate subscriptions: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	planRepo := planrepository.Provide()

	env := &testEnv{db: conn, clock: clk, node: node, notifier: &captureNotifier{}, repo: repository.Provide()}
	env.free = env.createPlan(t, planRepo, &plandomain.Plan{
		Code: "free", Name: "Free", Currency: "usd", QueryLimit: 10, DocumentLimit: 3, IsActive: true,
	})
	env.solo = env.createPlan(t, planRepo, &plandomain.Plan{
		Code: "solo", Name: "Solo", Currency: "usd", PriceMonthly: 999, PriceYearly: 9900,
		QueryLimit: 500, DocumentLimit: 10, NinjaMode: true, MemeGenerator: true, IsActive: true, SortOrder: 1,
	})

	var cfg config.Config
	cfg.Billing.FreePlanCode = "free"
	cfg.Stripe.Currency = "usd"

	env.svc = NewService(ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Cfg:        cfg,
		Repo:       env.repo,
		PlanRepo:   planRepo,
		Notifier:   env.notifier,
		RenewalCfg: config.NewStaticRenewalConfigHolder(config.DefaultRenewalConfig()),
	}).(*Service)
	return env
}

func (e *testEnv) createPlan(t *testing.T, repo plandomain.Repository, plan *plandomain.Plan) *plandomain.Plan {
	t.Helper()
	plan.ID = e.node.Generate()
	plan.CreatedAt = e.clock.Now()
	plan.UpdatedAt = e.clock.Now()
	if err := repo.Upsert(context.Background(), e.db, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	stored, err := repo.FindByCode(context.Background(), e.db, plan.Code)
	if err != nil || stored == nil {
		t.Fatalf("load plan: %v", err)
	}
	return stored
}

func (e *testEnv) createUser(t *testing.T) snowflake.ID {
	t.Helper()
	id := e.node.Generate()
	now := e.clock.Now()
	user := &authdomain.User{
		ID:               id,
		ExternalID:       id.String(),
		Email:            id.String() + "@example.com",
		PasswordHash:     "x",
		Role:             authdomain.RoleUser,
		IsActive:         true,
		EmailVerified:    true,
		TwoFactorMethod:  authdomain.TwoFactorEmail,
		AutoRenewEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func (e *testEnv) activeCount(t *testing.T, userID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(&subscriptiondomain.Subscription{}).
		Where("user_id = ? AND active = ?", userID, true).
		Count(&count).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	return count
}

func (e *testEnv) paymentCount(t *testing.T, userID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(&subscriptiondomain.Payment{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	return count
}

func (e *testEnv) activatePaid(t *testing.T, userID snowflake.ID, intentID, methodID string) *subscriptiondomain.Subscription {
	t.Helper()
	res, err := e.svc.Activate(context.Background(), subscriptiondomain.ActivateRequest{
		UserID:          userID,
		PlanID:          e.solo.ID,
		BillingCycle:    plandomain.BillingCycleMonthly,
		PaymentIntentID: intentID,
		PaymentMethodID: methodID,
		Amount:          999,
		Currency:        "usd",
		Source:          subscriptiondomain.SourceCheckout,
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return res.Subscription
}

func TestFreePlanQueryLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	if _, err := env.svc.ActivateFree(ctx, userID); err != nil {
		t.Fatalf("activate free: %v", err)
	}

	for i := 1; i <= 10; i++ {
		usage, err := env.svc.Consume(ctx, userID, subscriptiondomain.UsageQuery)
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if usage.Current != i || usage.Limit != 10 {
			t.Fatalf("query %d: unexpected usage %+v", i, usage)
		}
	}

	_, err := env.svc.Consume(ctx, userID, subscriptiondomain.UsageQuery)
	var entErr *subscriptiondomain.EntitlementError
	if !errors.As(err, &entErr) {
		t.Fatalf("expected EntitlementError, got %v", err)
	}
	if entErr.Current != 10 || entErr.Limit != 10 || entErr.Kind != subscriptiondomain.UsageQuery {
		t.Fatalf("unexpected entitlement error %+v", entErr)
	}
	if !errors.Is(err, subscriptiondomain.ErrEntitlementExceeded) {
		t.Fatalf("expected error to match ErrEntitlementExceeded")
	}

	sub, err := env.repo.FindActiveByUser(ctx, env.db, userID, false)
	if err != nil || sub == nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.QueriesUsed != 10 {
		t.Fatalf("expected counter to stay at 10, got %d", sub.QueriesUsed)
	}
	if _, err := env.svc.Check(ctx, userID, subscriptiondomain.UsageDocument); err != nil {
		t.Fatalf("documents should still be allowed: %v", err)
	}
}

func TestConsumeWithoutSubscription(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t)

	_, err := env.svc.Consume(context.Background(), userID, subscriptiondomain.UsageQuery)
	if !errors.Is(err, subscriptiondomain.ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
	if _, err := env.svc.Consume(context.Background(), userID, "video"); !errors.Is(err, subscriptiondomain.ErrInvalidUsageKind) {
		t.Fatalf("expected ErrInvalidUsageKind, got %v", err)
	}
}

func TestExpiryAtNowCountsAsExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	sub := env.activatePaid(t, userID, "pi_expiry", "")
	env.clock.Set(sub.ExpiryDate)

	_, err := env.svc.Consume(ctx, userID, subscriptiondomain.UsageQuery)
	if !errors.Is(err, subscriptiondomain.ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
	if env.activeCount(t, userID) != 0 {
		t.Fatalf("expected expired subscription to be deactivated")
	}
	if _, err := env.svc.Check(ctx, userID, subscriptiondomain.UsageQuery); !errors.Is(err, subscriptiondomain.ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription after expiry, got %v", err)
	}
}

func TestCheckoutActivationReplacesPriorRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	freeRes, err := env.svc.ActivateFree(ctx, userID)
	if err != nil {
		t.Fatalf("activate free: %v", err)
	}

	start := env.clock.Now()
	sub := env.activatePaid(t, userID, "pi_checkout", "pm_card")

	if !sub.ExpiryDate.Equal(start.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expected expiry start+30d, got %s", sub.ExpiryDate)
	}
	if !sub.Active || !sub.AutoRenew {
		t.Fatalf("expected active auto-renewing subscription")
	}
	if sub.NextRenewalDate == nil || !sub.NextRenewalDate.Equal(sub.ExpiryDate) {
		t.Fatalf("expected next renewal at expiry")
	}

	prior, err := env.repo.FindByID(ctx, env.db, freeRes.Subscription.ID, false)
	if err != nil || prior == nil {
		t.Fatalf("load prior: %v", err)
	}
	if prior.Active {
		t.Fatalf("expected prior row to be inactive")
	}
	if env.activeCount(t, userID) != 1 {
		t.Fatalf("expected exactly one active row")
	}

	payments, _, err := env.svc.ListPayments(ctx, userID, pagination.Pagination{})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 1 || payments[0].Amount != 999 || payments[0].IsRenewal {
		t.Fatalf("unexpected payments %+v", payments)
	}
}

func TestActivateIdempotentByIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	first := env.activatePaid(t, userID, "pi_dup", "pm_card")
	res, err := env.svc.Activate(ctx, subscriptiondomain.ActivateRequest{
		UserID:          userID,
		PlanID:          env.solo.ID,
		BillingCycle:    plandomain.BillingCycleMonthly,
		PaymentIntentID: "pi_dup",
		Source:          subscriptiondomain.SourceWebhook,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.AlreadyApplied || res.Subscription.ID != first.ID {
		t.Fatalf("expected replay of the first activation")
	}
	if env.paymentCount(t, userID) != 1 {
		t.Fatalf("expected one payment row")
	}
	if env.activeCount(t, userID) != 1 {
		t.Fatalf("expected one active row")
	}
}

func TestYearlyActivation(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t)

	res, err := env.svc.Activate(context.Background(), subscriptiondomain.ActivateRequest{
		UserID:          userID,
		PlanID:          env.solo.ID,
		BillingCycle:    plandomain.BillingCycleYearly,
		PaymentIntentID: "pi_year",
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !res.Subscription.ExpiryDate.Equal(env.clock.Now().Add(365 * 24 * time.Hour)) {
		t.Fatalf("expected yearly expiry")
	}
	if res.Subscription.AutoRenew {
		t.Fatalf("expected auto_renew=false without a payment method")
	}
	if res.Payment.Amount != 9900 {
		t.Fatalf("expected plan yearly price, got %d", res.Payment.Amount)
	}
}

func TestActivateFreeRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	first, err := env.svc.ActivateFree(ctx, userID)
	if err != nil {
		t.Fatalf("activate free: %v", err)
	}
	again, err := env.svc.ActivateFree(ctx, userID)
	if err != nil {
		t.Fatalf("activate free again: %v", err)
	}
	if !again.AlreadyApplied || again.Subscription.ID != first.Subscription.ID {
		t.Fatalf("expected existing free subscription")
	}

	paidUser := env.createUser(t)
	env.activatePaid(t, paidUser, "pi_paid", "pm_1")
	if _, err := env.svc.ActivateFree(ctx, paidUser); !errors.Is(err, subscriptiondomain.ErrActiveSubscriptionExists) {
		t.Fatalf("expected ErrActiveSubscriptionExists, got %v", err)
	}
}

func TestEnsureFeature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	freeUser := env.createUser(t)
	paidUser := env.createUser(t)

	if _, err := env.svc.ActivateFree(ctx, freeUser); err != nil {
		t.Fatalf("activate free: %v", err)
	}
	env.activatePaid(t, paidUser, "pi_feature", "pm_1")

	if err := env.svc.EnsureFeature(ctx, freeUser, plandomain.FeatureNinjaMode); !errors.Is(err, subscriptiondomain.ErrFeatureNotIncluded) {
		t.Fatalf("expected ErrFeatureNotIncluded, got %v", err)
	}
	if err := env.svc.EnsureFeature(ctx, paidUser, plandomain.FeatureNinjaMode); err != nil {
		t.Fatalf("expected feature to be included: %v", err)
	}
}

func TestCancelKeepsAccessUntilExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	sub := env.activatePaid(t, userID, "pi_cancel", "pm_1")
	env.clock.Set(sub.ExpiryDate.Add(-10 * 24 * time.Hour))

	res, err := env.svc.Cancel(ctx, subscriptiondomain.CancelRequest{
		UserID:    userID,
		Reason:    "too_expensive",
		Feedback:  "pricey",
		IPAddress: "10.0.0.1",
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Subscription.AccessEndsAt == nil || !res.Subscription.AccessEndsAt.Equal(sub.ExpiryDate) {
		t.Fatalf("expected access_ends_at == expiry")
	}
	if !res.Subscription.IsCancelled || res.Subscription.AutoRenew || !res.Subscription.Active {
		t.Fatalf("unexpected cancelled state %+v", res.Subscription)
	}
	if res.RemainingDays != 10 || res.Cancellation.RemainingDays != 10 {
		t.Fatalf("expected 10 remaining days, got %d", res.RemainingDays)
	}
	if res.Cancellation.Reason != subscriptiondomain.ReasonTooExpensive || res.Cancellation.PlanName != "Solo" {
		t.Fatalf("unexpected snapshot %+v", res.Cancellation)
	}

	if _, err := env.svc.Consume(ctx, userID, subscriptiondomain.UsageQuery); err != nil {
		t.Fatalf("expected access to continue after cancel: %v", err)
	}
	if _, err := env.svc.Cancel(ctx, subscriptiondomain.CancelRequest{UserID: userID}); !errors.Is(err, subscriptiondomain.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
	if env.notifier.count(notificationdomain.KindCancellationConfirmation) != 1 {
		t.Fatalf("expected one cancellation notification")
	}

	history, err := env.svc.CancellationHistory(ctx, userID)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one history row, got %d (%v)", len(history), err)
	}
}

func TestUnknownReasonMapsToUserRequest(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t)
	env.activatePaid(t, userID, "pi_reason", "pm_1")

	res, err := env.svc.Cancel(context.Background(), subscriptiondomain.CancelRequest{UserID: userID, Reason: "aliens"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Cancellation.Reason != subscriptiondomain.ReasonUserRequest {
		t.Fatalf("expected user_request, got %s", res.Cancellation.Reason)
	}
}

func TestCancelThenReactivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	sub := env.activatePaid(t, userID, "pi_react", "pm_1")
	if _, err := env.svc.Reactivate(ctx, userID); !errors.Is(err, subscriptiondomain.ErrNoCancelledSubscription) {
		t.Fatalf("expected ErrNoCancelledSubscription, got %v", err)
	}
	if _, err := env.svc.Cancel(ctx, subscriptiondomain.CancelRequest{UserID: userID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	status, err := env.svc.CancellationStatus(ctx, userID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsCancelled || !status.CanReactivate {
		t.Fatalf("unexpected status %+v", status)
	}

	reactivated, err := env.svc.Reactivate(ctx, userID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if reactivated.IsCancelled || !reactivated.AutoRenew || reactivated.AccessEndsAt != nil || reactivated.CancelledAt != nil {
		t.Fatalf("expected cancellation fields cleared, got %+v", reactivated)
	}
	if !reactivated.ExpiryDate.Equal(sub.ExpiryDate) {
		t.Fatalf("expected expiry unchanged")
	}
}

func TestReactivateAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	sub := env.activatePaid(t, userID, "pi_late", "pm_1")
	if _, err := env.svc.Cancel(ctx, subscriptiondomain.CancelRequest{UserID: userID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.clock.Set(sub.ExpiryDate.Add(time.Second))
	if _, err := env.svc.Reactivate(ctx, userID); !errors.Is(err, subscriptiondomain.ErrReactivationExpired) {
		t.Fatalf("expected ErrReactivationExpired, got %v", err)
	}
}

func TestImmediateCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	adminID := env.createUser(t)
	env.activatePaid(t, userID, "pi_admin", "pm_1")

	res, err := env.svc.Cancel(ctx, subscriptiondomain.CancelRequest{UserID: userID, ActorID: adminID, Immediate: true})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Subscription.Active || res.RemainingDays != 0 {
		t.Fatalf("expected inactive subscription with zero remaining days")
	}
	if !res.Subscription.AccessEndsAt.Equal(env.clock.Now()) {
		t.Fatalf("expected access to end now")
	}
	if res.Cancellation.Reason != subscriptiondomain.ReasonAdminAction || res.Cancellation.CancelledByUserID != adminID {
		t.Fatalf("unexpected snapshot %+v", res.Cancellation)
	}
	if _, err := env.svc.Check(ctx, userID, subscriptiondomain.UsageQuery); !errors.Is(err, subscriptiondomain.ErrNoActiveSubscription) {
		t.Fatalf("expected no active subscription, got %v", err)
	}
}

func TestRenewalSuccessExtendsAndResets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	sub := env.activatePaid(t, userID, "pi_initial", "pm_1")
	for i := 0; i < 5; i++ {
		if _, err := env.svc.Consume(ctx, userID, subscriptiondomain.UsageQuery); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	env.clock.Set(sub.ExpiryDate.Add(-time.Hour))

	res, err := env.svc.ApplyRenewalSuccess(ctx, subscriptiondomain.RenewalSuccess{
		SubscriptionID:  sub.ID,
		PaymentIntentID: "pi_renew_1",
	})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	renewed := res.Subscription
	if !renewed.ExpiryDate.Equal(sub.ExpiryDate.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expected expiry +30d, got %s", renewed.ExpiryDate)
	}
	if renewed.QueriesUsed != 0 || renewed.RenewalAttempts != 0 || renewed.RenewalFailed {
		t.Fatalf("expected counters reset, got %+v", renewed)
	}
	if !res.Payment.IsRenewal || res.Payment.Amount != 999 {
		t.Fatalf("unexpected renewal payment %+v", res.Payment)
	}

	again, err := env.svc.ApplyRenewalSuccess(ctx, subscriptiondomain.RenewalSuccess{SubscriptionID: sub.ID, PaymentIntentID: "pi_renew_1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.AlreadyApplied || !again.Subscription.ExpiryDate.Equal(renewed.ExpiryDate) {
		t.Fatalf("expected idempotent replay")
	}
	if env.notifier.count(notificationdomain.KindRenewalSuccess) != 1 {
		t.Fatalf("expected one renewal_success notification")
	}
}

func TestRenewalFailuresDisableAutoRenew(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	sub := env.activatePaid(t, userID, "pi_start", "pm_1")

	for i, intent := range []string{"pi_f1", "pi_f2", "pi_f3"} {
		res, err := env.svc.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{
			SubscriptionID:  sub.ID,
			PaymentIntentID: intent,
			Reason:          "card_declined",
		})
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if res.Final != (i == 2) {
			t.Fatalf("attempt %d: unexpected final=%v", i+1, res.Final)
		}
	}

	dup, err := env.svc.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{SubscriptionID: sub.ID, PaymentIntentID: "pi_f3"})
	if err != nil || !dup.AlreadyApplied {
		t.Fatalf("expected duplicate failure to be a no-op: %v", err)
	}

	stored, err := env.repo.FindByID(ctx, env.db, sub.ID, false)
	if err != nil || stored == nil {
		t.Fatalf("load: %v", err)
	}
	if stored.AutoRenew || !stored.RenewalFailed || stored.RenewalAttempts != 3 {
		t.Fatalf("unexpected state after failures %+v", stored)
	}
	if env.notifier.count(notificationdomain.KindRenewalFailedRetry) != 2 {
		t.Fatalf("expected two retry notifications")
	}
	if env.notifier.count(notificationdomain.KindRenewalFailedFinal) != 1 {
		t.Fatalf("expected one final notification")
	}
}

func TestRenewalCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	due := env.createUser(t)
	dueSub := env.activatePaid(t, due, "pi_due", "pm_1")

	noMethod := env.createUser(t)
	if _, err := env.svc.Activate(ctx, subscriptiondomain.ActivateRequest{
		UserID: noMethod, PlanID: env.solo.ID, BillingCycle: plandomain.BillingCycleMonthly, PaymentIntentID: "pi_nomethod",
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	optedOut := env.createUser(t)
	env.activatePaid(t, optedOut, "pi_optout", "pm_2")
	if err := env.db.Model(&authdomain.User{}).Where("id = ?", optedOut).Update("auto_renew_enabled", false).Error; err != nil {
		t.Fatalf("opt out: %v", err)
	}

	criteria := subscriptiondomain.RenewalCriteria{
		Lookahead:   72 * time.Hour,
		Cooldown:    48 * time.Hour,
		MaxAttempts: 3,
	}

	criteria.Now = env.clock.Now()
	early, err := env.svc.ListRenewalCandidates(ctx, criteria)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("expected no candidates a month out, got %d", len(early))
	}

	criteria.Now = dueSub.ExpiryDate.Add(-48 * time.Hour)
	candidates, err := env.svc.ListRenewalCandidates(ctx, criteria)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != dueSub.ID {
		t.Fatalf("expected only the due subscription, got %d", len(candidates))
	}

	env.clock.Set(criteria.Now)
	if _, err := env.svc.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{SubscriptionID: dueSub.ID, Reason: "declined"}); err != nil {
		t.Fatalf("failure: %v", err)
	}
	cooling, err := env.svc.ListRenewalCandidates(ctx, criteria)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cooling) != 0 {
		t.Fatalf("expected failed subscription to wait for cooldown")
	}
	criteria.Now = criteria.Now.Add(48 * time.Hour)
	retry, err := env.svc.ListRenewalCandidates(ctx, criteria)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(retry) != 1 {
		t.Fatalf("expected retry after cooldown, got %d", len(retry))
	}
}

func TestExpireDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createUser(t)
	b := env.createUser(t)

	subA := env.activatePaid(t, a, "pi_a", "")
	env.clock.Advance(24 * time.Hour)
	env.activatePaid(t, b, "pi_b", "pm_b")

	env.clock.Set(subA.ExpiryDate)
	expired, err := env.svc.ExpireDue(ctx, 100)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired subscription, got %d", expired)
	}
	if env.activeCount(t, a) != 0 || env.activeCount(t, b) != 1 {
		t.Fatalf("unexpected active rows after sweep")
	}
}

func TestDetachPaymentMethodDisablesAutoRenew(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	sub := env.activatePaid(t, userID, "pi_detach", "pm_gone")

	affected, err := env.svc.DetachPaymentMethod(ctx, userID, "pm_gone")
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected one subscription updated, got %d", affected)
	}
	stored, _ := env.repo.FindByID(ctx, env.db, sub.ID, false)
	if stored.AutoRenew {
		t.Fatalf("expected auto_renew=false")
	}
}

func TestListPaymentsPaginates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)

	for _, intent := range []string{"pi_1", "pi_2", "pi_3"} {
		env.activatePaid(t, userID, intent, "pm_1")
		env.clock.Advance(time.Minute)
	}

	page, info, err := env.svc.ListPayments(ctx, userID, pagination.Pagination{PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || !info.HasMore {
		t.Fatalf("expected a full first page")
	}
	if *page[0].PaymentIntentID != "pi_3" {
		t.Fatalf("expected newest first, got %s", *page[0].PaymentIntentID)
	}
	rest, info, err := env.svc.ListPayments(ctx, userID, pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest) != 1 || info.HasMore || *rest[0].PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected second page")
	}

	got, err := env.svc.GetPayment(ctx, userID, page[0].ID.String())
	if err != nil || got.ID != page[0].ID {
		t.Fatalf("get payment: %v", err)
	}
	if _, err := env.svc.GetPayment(ctx, env.createUser(t), page[0].ID.String()); !errors.Is(err, subscriptiondomain.ErrPaymentNotFound) {
		t.Fatalf("expected other users to get not found, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from subscriptiondomain.State
		ev   subscriptiondomain.Event
		want error
	}{
		{subscriptiondomain.StateActive, subscriptiondomain.EventCancel, nil},
		{subscriptiondomain.StateCancelRequested, subscriptiondomain.EventCancel, subscriptiondomain.ErrAlreadyCancelled},
		{subscriptiondomain.StateActive, subscriptiondomain.EventReactivate, subscriptiondomain.ErrNoCancelledSubscription},
		{subscriptiondomain.StateCancelRequested, subscriptiondomain.EventReactivate, nil},
		{subscriptiondomain.StateInactive, subscriptiondomain.EventRenew, subscriptiondomain.ErrInvalidTransition},
		{subscriptiondomain.StateNone, subscriptiondomain.EventActivate, nil},
	}
	for _, tc := range cases {
		_, err := subscriptiondomain.Next(tc.from, tc.ev)
		if tc.want == nil && err != nil {
			t.Fatalf("%s on %s: unexpected error %v", tc.ev, tc.from, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s on %s: expected %v, got %v", tc.ev, tc.from, tc.want, err)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(999, "usd"); got != "USD 9.99" {
		t.Fatalf("unexpected %q", got)
	}
	if got := FormatAmount(9900, "eur"); got != "EUR 99.00" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestExpireDueKeepsRowsAwaitingRenewal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	sub := env.activatePaid(t, userID, "pi_grace", "pm_card")
	grace := config.DefaultRenewalConfig().RenewalGrace()

	env.clock.Set(sub.ExpiryDate.Add(time.Hour))
	expired, err := env.svc.ExpireDue(ctx, 100)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 0 || env.activeCount(t, userID) != 1 {
		t.Fatalf("expected row with retries left to stay active, expired=%d", expired)
	}

	// Access is denied during the grace period but the row survives for the retry.
	if _, err := env.svc.Consume(ctx, userID, subscriptiondomain.UsageQuery); !errors.Is(err, subscriptiondomain.ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
	if env.activeCount(t, userID) != 1 {
		t.Fatalf("expected access check to leave the row active")
	}

	env.clock.Set(sub.ExpiryDate.Add(grace))
	expired, err = env.svc.ExpireDue(ctx, 100)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 || env.activeCount(t, userID) != 0 {
		t.Fatalf("expected row to expire once the grace period ends, expired=%d", expired)
	}
}

func TestExpireDueAfterFinalRenewalFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	sub := env.activatePaid(t, userID, "pi_final", "pm_card")
	env.clock.Set(sub.ExpiryDate.Add(time.Hour))

	for i := 0; i < config.DefaultRenewalConfig().MaxAttempts; i++ {
		if _, err := env.svc.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{
			SubscriptionID: sub.ID,
			Reason:         "card_declined",
		}); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	expired, err := env.svc.ExpireDue(ctx, 100)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected exhausted row to expire, got %d", expired)
	}
	if env.notifier.count(notificationdomain.KindRenewalFailedFinal) != 1 {
		t.Fatalf("expected a final failure notice")
	}
}

func TestLateRenewalSuccessReactivatesLapsedRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	sub := env.activatePaid(t, userID, "pi_first", "")

	env.clock.Set(sub.ExpiryDate.Add(time.Hour))
	if _, err := env.svc.ExpireDue(ctx, 100); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if env.activeCount(t, userID) != 0 {
		t.Fatalf("expected lapsed row to be inactive")
	}

	res, err := env.svc.ApplyRenewalSuccess(ctx, subscriptiondomain.RenewalSuccess{
		SubscriptionID:  sub.ID,
		PaymentIntentID: "pi_settled_late",
		PaymentMethodID: "pm_card",
	})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !res.Subscription.Active || res.Subscription.ID != sub.ID {
		t.Fatalf("expected the paid row to be active again, got %+v", res.Subscription)
	}
	if want := env.clock.Now().Add(30 * 24 * time.Hour); !res.Subscription.ExpiryDate.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, res.Subscription.ExpiryDate)
	}
	if env.activeCount(t, userID) != 1 || env.paymentCount(t, userID) != 2 {
		t.Fatalf("expected one active row and a ledger entry for the late charge")
	}

	// A decline reported afterwards for an older intent does not undo it.
	late, err := env.svc.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{
		SubscriptionID:  sub.ID,
		PaymentIntentID: "pi_settled_late",
		Reason:          "card_declined",
	})
	if err != nil {
		t.Fatalf("late failure: %v", err)
	}
	if !late.AlreadyApplied {
		t.Fatalf("expected late failure to be ignored")
	}
}

func TestLateRenewalFailureOnEndedRowIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	sub := env.activatePaid(t, userID, "pi_first", "")

	env.clock.Set(sub.ExpiryDate.Add(time.Hour))
	if _, err := env.svc.ExpireDue(ctx, 100); err != nil {
		t.Fatalf("expire: %v", err)
	}
	res, err := env.svc.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{
		SubscriptionID:  sub.ID,
		PaymentIntentID: "pi_declined_late",
		Reason:          "card_declined",
	})
	if err != nil {
		t.Fatalf("failure: %v", err)
	}
	if !res.AlreadyApplied || res.Subscription.RenewalAttempts != 0 {
		t.Fatalf("expected no change on an ended row, got %+v", res.Subscription)
	}
}

func TestCancelLapsedSubscriptionCommitsExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t)
	sub := env.activatePaid(t, userID, "pi_cancel_late", "pm_card")

	env.clock.Set(sub.ExpiryDate.Add(time.Hour))
	_, err := env.svc.Cancel(ctx, subscriptiondomain.CancelRequest{UserID: userID})
	if !errors.Is(err, subscriptiondomain.ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
	if env.activeCount(t, userID) != 0 {
		t.Fatalf("expected the deactivation to be committed")
	}
	if _, err := env.svc.Cancel(ctx, subscriptiondomain.CancelRequest{UserID: userID}); !errors.Is(err, subscriptiondomain.ErrNoActiveSubscription) {
		t.Fatalf("expected ErrNoActiveSubscription, got %v", err)
	}
}
