package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	"github.com/smallbiznis/tierline/internal/observability/metrics"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"github.com/smallbiznis/tierline/pkg/db"
	"github.com/smallbiznis/tierline/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	clock        clock.Clock
	repo         subscriptiondomain.Repository
	planRepo     plandomain.Repository
	notifier     notificationdomain.Sender
	metrics      *metrics.Metrics
	renewalCfg   *config.RenewalConfigHolder
	freePlanCode string
	currency     string
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       subscriptiondomain.Repository
	PlanRepo   plandomain.Repository
	Notifier   notificationdomain.Sender
	RenewalCfg *config.RenewalConfigHolder
	Metrics    *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	freeCode := strings.TrimSpace(p.Cfg.Billing.FreePlanCode)
	if freeCode == "" {
		freeCode = "free"
	}
	currency := strings.ToLower(strings.TrimSpace(p.Cfg.Stripe.Currency))
	if currency == "" {
		currency = "usd"
	}
	renewalCfg := p.RenewalCfg
	if renewalCfg == nil {
		renewalCfg = config.NewStaticRenewalConfigHolder(config.DefaultRenewalConfig())
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		planRepo:     p.PlanRepo,
		notifier:     p.Notifier,
		metrics:      p.Metrics,
		renewalCfg:   renewalCfg,
		freePlanCode: freeCode,
		currency:     currency,
	}
}

// Activate replaces the user's active subscription with a fresh period on the
// requested plan. It is idempotent by payment intent id.
func (s *Service) Activate(ctx context.Context, req subscriptiondomain.ActivateRequest) (*subscriptiondomain.ActivationResult, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if req.PlanID == 0 {
		return nil, plandomain.ErrInvalidPlan
	}
	if !req.BillingCycle.Valid() {
		return nil, plandomain.ErrInvalidBillingCycle
	}
	intentID := strings.TrimSpace(req.PaymentIntentID)
	methodID := strings.TrimSpace(req.PaymentMethodID)

	if intentID != "" {
		if replay, err := s.replay(ctx, s.db, intentID); replay != nil || err != nil {
			return replay, err
		}
	}

	plan, err := s.planRepo.FindByID(ctx, s.db, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.IsActive {
		return nil, plandomain.ErrPlanNotFound
	}

	var (
		result   subscriptiondomain.ActivationResult
		previous subscriptiondomain.State
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if intentID != "" {
			replay, err := s.replay(ctx, tx, intentID)
			if err != nil {
				return err
			}
			if replay != nil {
				result = *replay
				return nil
			}
		}

		current, err := s.repo.FindActiveByUser(ctx, tx, req.UserID, true)
		if err != nil {
			return err
		}
		previous = subscriptiondomain.StateNone
		if current != nil {
			previous = current.State()
		}
		if _, err := subscriptiondomain.Next(previous, subscriptiondomain.EventActivate); err != nil {
			return err
		}

		now := s.clock.Now()
		if _, err := s.repo.DeactivateAllForUser(ctx, tx, req.UserID, now); err != nil {
			return err
		}

		expiry := now.Add(req.BillingCycle.Period())
		sub := &subscriptiondomain.Subscription{
			ID:              s.genID.Generate(),
			UserID:          req.UserID,
			PlanID:          plan.ID,
			StartDate:       now,
			ExpiryDate:      expiry,
			BillingCycle:    req.BillingCycle,
			Active:          true,
			AutoRenew:       methodID != "",
			NextRenewalDate: &expiry,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if methodID != "" {
			sub.PaymentMethodID = &methodID
		}
		if intentID != "" {
			sub.LastPaymentDate = &now
			sub.LastPaymentIntentID = &intentID
		}
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			return err
		}
		result.Subscription = sub

		if intentID == "" {
			return nil
		}
		amount := req.Amount
		if amount <= 0 {
			amount = plan.PriceFor(req.BillingCycle)
		}
		payment := s.newPayment(sub, plan, amount, req.Currency, intentID, methodID, false, now, req.Source, req.Metadata)
		if err := s.repo.InsertPayment(ctx, tx, payment); err != nil {
			return err
		}
		result.Payment = payment
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent delivery of the same payment won the race.
			if intentID != "" {
				if replay, rerr := s.replay(ctx, s.db, intentID); rerr == nil && replay != nil {
					return replay, nil
				}
			}
			return nil, subscriptiondomain.ErrConcurrentActivation
		}
		return nil, err
	}

	if result.AlreadyApplied {
		return &result, nil
	}

	s.metrics.RecordSubscriptionTransition(ctx, string(previous), string(subscriptiondomain.StateActive))
	s.log.Info("subscription activated",
		zap.String("user_id", req.UserID.String()),
		zap.String("subscription_id", result.Subscription.ID.String()),
		zap.String("plan", plan.Code),
		zap.String("billing_cycle", string(req.BillingCycle)),
		zap.String("source", req.Source),
	)
	return &result, nil
}

// replay returns the outcome of an already-applied payment, or nil when the
// intent has not been seen.
func (s *Service) replay(ctx context.Context, tx *gorm.DB, intentID string) (*subscriptiondomain.ActivationResult, error) {
	payment, err := s.repo.FindPaymentByIntent(ctx, tx, intentID)
	if err != nil || payment == nil {
		return nil, err
	}
	sub, err := s.repo.FindByID(ctx, tx, payment.SubscriptionID, false)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return &subscriptiondomain.ActivationResult{Subscription: sub, Payment: payment, AlreadyApplied: true}, nil
}

func (s *Service) newPayment(sub *subscriptiondomain.Subscription, plan *plandomain.Plan, amount int64, currency, intentID, methodID string, renewal bool, now time.Time, source string, extra map[string]any) *subscriptiondomain.Payment {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = strings.ToLower(plan.Currency)
	}
	if currency == "" {
		currency = s.currency
	}
	metadata := datatypes.JSONMap{
		"plan_code": plan.Code,
		"plan_name": plan.Name,
	}
	if source != "" {
		metadata["source"] = source
	}
	for k, v := range extra {
		metadata[k] = v
	}
	payment := &subscriptiondomain.Payment{
		ID:              s.genID.Generate(),
		UserID:          sub.UserID,
		SubscriptionID:  sub.ID,
		PlanID:          plan.ID,
		Amount:          amount,
		Currency:        currency,
		Status:          subscriptiondomain.PaymentStatusSucceeded,
		BillingCycle:    sub.BillingCycle,
		IsRenewal:       renewal,
		PaymentIntentID: &intentID,
		Metadata:        metadata,
		PaymentDate:     now,
		CreatedAt:       now,
	}
	if methodID != "" {
		payment.PaymentMethodID = &methodID
	}
	return payment
}

// ActivateFree puts the user on the configured free plan. An existing free
// subscription is returned as is; a running paid one is never downgraded.
func (s *Service) ActivateFree(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.ActivationResult, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	free, err := s.planRepo.FindByCode(ctx, s.db, s.freePlanCode)
	if err != nil {
		return nil, err
	}
	if free == nil {
		return nil, plandomain.ErrFreePlanMissing
	}

	current, err := s.repo.FindActiveByUser(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if current != nil && !current.ExpiredAt(s.clock.Now()) {
		if current.PlanID == free.ID {
			return &subscriptiondomain.ActivationResult{Subscription: current, AlreadyApplied: true}, nil
		}
		return nil, subscriptiondomain.ErrActiveSubscriptionExists
	}

	return s.Activate(ctx, subscriptiondomain.ActivateRequest{
		UserID:       userID,
		PlanID:       free.ID,
		BillingCycle: plandomain.BillingCycleMonthly,
		Source:       subscriptiondomain.SourceFree,
	})
}

func (s *Service) GetCurrent(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Current, error) {
	sub, plan, err := s.loadActive(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	end := sub.ExpiryDate
	if sub.AccessEndsAt != nil {
		end = *sub.AccessEndsAt
	}
	return &subscriptiondomain.Current{
		Subscription:  sub,
		Plan:          plan,
		State:         sub.State(),
		RemainingDays: subscriptiondomain.RemainingDays(s.clock.Now(), end),
	}, nil
}

func (s *Service) Entitlements(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Entitlements, error) {
	sub, plan, err := s.loadActive(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	return &subscriptiondomain.Entitlements{
		PlanID:            plan.ID,
		PlanCode:          plan.Code,
		PlanName:          plan.Name,
		QueriesUsed:       sub.QueriesUsed,
		QueryLimit:        plan.QueryLimit,
		DocumentsUploaded: sub.DocumentsUploaded,
		DocumentLimit:     plan.DocumentLimit,
		Features:          plan.Features(),
		ExpiryDate:        sub.ExpiryDate,
	}, nil
}

func (s *Service) ListPayments(ctx context.Context, userID snowflake.ID, page pagination.Pagination) ([]subscriptiondomain.Payment, pagination.PageInfo, error) {
	if userID == 0 {
		return nil, pagination.PageInfo{}, subscriptiondomain.ErrInvalidUser
	}
	var after *pagination.Cursor
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		after = cursor
	}
	limit := page.Limit()
	items, err := s.repo.ListPayments(ctx, s.db, userID, after, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	return pagination.Trim(items, limit, func(p subscriptiondomain.Payment) pagination.Cursor {
		return pagination.Cursor{ID: int64(p.ID), CreatedAt: p.CreatedAt}
	})
}

func (s *Service) GetPayment(ctx context.Context, userID snowflake.ID, paymentID string) (*subscriptiondomain.Payment, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(paymentID))
	if err != nil || id == 0 {
		return nil, subscriptiondomain.ErrInvalidPayment
	}
	payment, err := s.repo.FindPaymentByID(ctx, s.db, userID, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, subscriptiondomain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) notify(ctx context.Context, n notificationdomain.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification failed",
			zap.String("kind", string(n.Kind)),
			zap.String("user_id", n.UserID.String()),
			zap.Error(err),
		)
	}
}
