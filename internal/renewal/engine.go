// Package renewal charges due subscriptions off-session and records the outcome.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	"github.com/smallbiznis/tierline/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"github.com/smallbiznis/tierline/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const runLockKey = "tierline:renewal:run"

var ErrRunInProgress = errors.New("renewal_run_in_progress")

// Failure reasons recorded when no charge could be attempted.
const (
	ReasonMissingCustomer = "missing_customer"
	ReasonMissingMethod   = "missing_payment_method"
	ReasonMissingPrice    = "missing_price"
)

// Outcomes, also used as metric attributes.
const (
	OutcomeRenewed  = "renewed"
	OutcomeFailed   = "failed"
	OutcomeDisabled = "disabled"
	OutcomeSkipped  = "skipped"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Cfg           config.Config
	RenewalCfg    *config.RenewalConfigHolder
	Gateway       paymentdomain.Gateway
	Users         authdomain.Repository
	Plans         plandomain.Repository
	Subscriptions subscriptiondomain.Service
	Locker        ratelimit.RunLocker
	Notifier      notificationdomain.Sender
	Metrics       *metrics.Metrics `optional:"true"`
}

// Summary describes one renewal run.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Candidates int       `json:"candidates"`
	Renewed    int       `json:"renewed"`
	Failed     int       `json:"failed"`
	Disabled   int       `json:"disabled"`
	Errors     int       `json:"errors"`
}

type Engine struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	renewalCfg    *config.RenewalConfigHolder
	gateway       paymentdomain.Gateway
	users         authdomain.Repository
	plans         plandomain.Repository
	subscriptions subscriptiondomain.Service
	locker        ratelimit.RunLocker
	notifier      notificationdomain.Sender
	metrics       *metrics.Metrics

	batchSize  int
	currency   string
	adminEmail string
}

func New(p Params) *Engine {
	batch := p.Cfg.Scheduler.BatchSize
	if batch <= 0 {
		batch = 100
	}
	currency := strings.ToLower(strings.TrimSpace(p.Cfg.Stripe.Currency))
	if currency == "" {
		currency = "usd"
	}
	locker := p.Locker
	if locker == nil {
		locker = ratelimit.NewLocalLocker()
	}
	return &Engine{
		db:            p.DB,
		log:           p.Log.Named("renewal.engine"),
		clock:         p.Clock,
		renewalCfg:    p.RenewalCfg,
		gateway:       p.Gateway,
		users:         p.Users,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		locker:        locker,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
		batchSize:     batch,
		currency:      currency,
		adminEmail:    strings.TrimSpace(p.Cfg.Billing.AdminEmail),
	}
}

// Run charges every subscription that is due. Overlapping runs are refused
// with ErrRunInProgress.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	policy := e.renewalCfg.Get()
	token, ok, err := e.locker.TryLock(ctx, runLockKey, policy.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire renewal lock: %w", err)
	}
	if !ok {
		e.metrics.RecordRenewal(ctx, OutcomeSkipped)
		e.log.Info("renewal run already in progress")
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := e.locker.Release(context.Background(), runLockKey, token); err != nil {
			e.log.Warn("failed to release renewal lock", zap.Error(err))
		}
	}()

	summary := &Summary{StartedAt: e.clock.Now()}
	candidates, err := e.subscriptions.ListRenewalCandidates(ctx, subscriptiondomain.RenewalCriteria{
		Now:         summary.StartedAt,
		Lookahead:   policy.Lookahead,
		Cooldown:    policy.RetryCooldown,
		MaxAttempts: policy.MaxAttempts,
		Limit:       e.batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list renewal candidates: %w", err)
	}
	summary.Candidates = len(candidates)

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			break
		}
		outcome, err := e.renew(ctx, &candidates[i], policy)
		if err != nil {
			summary.Errors++
			e.log.Error("renewal failed to record",
				zap.String("subscription_id", candidates[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		e.metrics.RecordRenewal(ctx, outcome)
		switch outcome {
		case OutcomeRenewed:
			summary.Renewed++
		case OutcomeDisabled:
			summary.Failed++
			summary.Disabled++
		case OutcomeFailed:
			summary.Failed++
		}
	}
	summary.FinishedAt = e.clock.Now()

	e.log.Info("renewal run finished",
		zap.Int("candidates", summary.Candidates),
		zap.Int("renewed", summary.Renewed),
		zap.Int("failed", summary.Failed),
		zap.Int("disabled", summary.Disabled),
		zap.Int("errors", summary.Errors),
	)
	e.notifySummary(ctx, summary)
	return summary, ctx.Err()
}

func (e *Engine) renew(ctx context.Context, sub *subscriptiondomain.Subscription, policy config.RenewalConfig) (string, error) {
	user, err := e.users.FindByID(ctx, sub.UserID)
	if err != nil {
		return "", err
	}
	if user == nil || user.PaymentCustomerID == nil || *user.PaymentCustomerID == "" {
		return e.fail(ctx, sub, "", ReasonMissingCustomer)
	}

	methodID := ""
	if sub.PaymentMethodID != nil {
		methodID = strings.TrimSpace(*sub.PaymentMethodID)
	}
	if methodID == "" && user.DefaultPaymentMethodID != nil {
		methodID = strings.TrimSpace(*user.DefaultPaymentMethodID)
	}
	if methodID == "" {
		return e.fail(ctx, sub, "", ReasonMissingMethod)
	}

	plan, err := e.plans.FindByID(ctx, e.db, sub.PlanID)
	if err != nil {
		return "", err
	}
	if plan == nil || plan.PriceFor(sub.BillingCycle) <= 0 {
		return e.fail(ctx, sub, "", ReasonMissingPrice)
	}
	amount := plan.PriceFor(sub.BillingCycle)
	currency := strings.ToLower(strings.TrimSpace(plan.Currency))
	if currency == "" {
		currency = e.currency
	}

	attempt := sub.RenewalAttempts + 1
	callCtx, cancel := context.WithTimeout(ctx, policy.GatewayTimeout)
	intent, err := e.gateway.ChargeOffSession(callCtx, paymentdomain.ChargeRequest{
		CustomerID:      *user.PaymentCustomerID,
		PaymentMethodID: methodID,
		Amount:          amount,
		Currency:        currency,
		IdempotencyKey:  IdempotencyKey(sub, attempt),
		Metadata: map[string]string{
			paymentdomain.MetaType:           paymentdomain.PurposeRenewal,
			paymentdomain.MetaSubscriptionID: sub.ID.String(),
			paymentdomain.MetaUserID:         sub.UserID.String(),
			paymentdomain.MetaPlanID:         sub.PlanID.String(),
			paymentdomain.MetaBillingCycle:   string(sub.BillingCycle),
		},
	})
	cancel()
	if err != nil {
		intentID := ""
		var gwErr *paymentdomain.GatewayError
		if errors.As(err, &gwErr) {
			intentID = gwErr.PaymentIntentID
		}
		return e.fail(ctx, sub, intentID, failureReason(err))
	}

	_, err = e.subscriptions.ApplyRenewalSuccess(ctx, subscriptiondomain.RenewalSuccess{
		SubscriptionID:  sub.ID,
		PaymentIntentID: intent.ID,
		PaymentMethodID: methodID,
		Amount:          amount,
		Currency:        currency,
		Metadata:        map[string]any{"attempt": attempt},
	})
	if err != nil {
		return "", err
	}
	return OutcomeRenewed, nil
}

func (e *Engine) fail(ctx context.Context, sub *subscriptiondomain.Subscription, intentID, reason string) (string, error) {
	res, err := e.subscriptions.ApplyRenewalFailure(ctx, subscriptiondomain.RenewalFailure{
		SubscriptionID:  sub.ID,
		PaymentIntentID: intentID,
		Reason:          reason,
	})
	if err != nil {
		return "", err
	}
	if res.Final {
		return OutcomeDisabled, nil
	}
	return OutcomeFailed, nil
}

func (e *Engine) notifySummary(ctx context.Context, summary *Summary) {
	if e.notifier == nil || e.adminEmail == "" || summary.Candidates == 0 {
		return
	}
	err := e.notifier.Notify(ctx, notificationdomain.Notification{
		Kind:    notificationdomain.KindRenewalSummary,
		To:      e.adminEmail,
		Channel: notificationdomain.ChannelEmail,
		Params: map[string]any{
			"candidates":  summary.Candidates,
			"succeeded":   summary.Renewed,
			"failed":      summary.Failed,
			"disabled":    summary.Disabled,
			"errors":      summary.Errors,
			"finished_at": summary.FinishedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		e.log.Warn("failed to send renewal summary", zap.Error(err))
	}
}

// IdempotencyKey is stable for one attempt at one period, so a retried
// request never charges twice.
func IdempotencyKey(sub *subscriptiondomain.Subscription, attempt int) string {
	return "renewal:" + sub.ID.String() + ":" + strconv.FormatInt(sub.ExpiryDate.Unix(), 10) + ":" + strconv.Itoa(attempt)
}

func failureReason(err error) string {
	var gwErr *paymentdomain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Reason()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "gateway_timeout"
	}
	return "gateway_error"
}
