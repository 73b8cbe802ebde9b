package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"github.com/smallbiznis/tierline/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExpireDue deactivates active subscriptions whose expiry has passed. A row
// with renewal retries left stays active for the renewal grace period.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	policy := s.renewalCfg.Get()
	due, err := s.repo.ListExpiredActive(ctx, s.db, subscriptiondomain.ExpiryCriteria{
		Now:         now,
		GraceCutoff: now.Add(-policy.RenewalGrace()),
		MaxAttempts: policy.MaxAttempts,
		Limit:       limit,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range due {
		sub := due[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := s.repo.FindByID(ctx, tx, sub.ID, true)
			if err != nil {
				return err
			}
			if locked == nil || !locked.Active || !locked.ExpiredAt(now) {
				return nil
			}
			if err := s.expire(ctx, tx, locked, now); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			return expired, fmt.Errorf("expire subscription %s: %w", sub.ID, err)
		}
	}
	return expired, nil
}

func (s *Service) ListRenewalCandidates(ctx context.Context, criteria subscriptiondomain.RenewalCriteria) ([]subscriptiondomain.Subscription, error) {
	if criteria.Now.IsZero() {
		criteria.Now = s.clock.Now()
	}
	if criteria.MaxAttempts <= 0 {
		criteria.MaxAttempts = s.renewalCfg.Get().MaxAttempts
	}
	return s.repo.ListRenewalCandidates(ctx, s.db, criteria)
}

// ApplyRenewalSuccess extends the period by one cycle and resets usage. It is
// idempotent by payment intent id so the renewal engine and the webhook can
// both report the same charge.
func (s *Service) ApplyRenewalSuccess(ctx context.Context, req subscriptiondomain.RenewalSuccess) (*subscriptiondomain.ActivationResult, error) {
	if req.SubscriptionID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		return nil, subscriptiondomain.ErrInvalidPayment
	}
	if replay, err := s.replay(ctx, s.db, intentID); replay != nil || err != nil {
		return replay, err
	}

	var (
		result subscriptiondomain.ActivationResult
		plan   *plandomain.Plan
		from   subscriptiondomain.State
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		replay, err := s.replay(ctx, tx, intentID)
		if err != nil {
			return err
		}
		if replay != nil {
			result = *replay
			return nil
		}

		sub, err := s.repo.FindByID(ctx, tx, req.SubscriptionID, true)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		from = sub.State()
		event := subscriptiondomain.EventRenew
		if from != subscriptiondomain.StateActive {
			// The charge settled after the row lapsed or was cancelled; the
			// paid period brings it back.
			event = subscriptiondomain.EventActivate
		}
		if _, err := subscriptiondomain.Next(from, event); err != nil {
			return err
		}
		plan, err = s.planRepo.FindByID(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return plandomain.ErrPlanNotFound
		}

		now := s.clock.Now()
		base := sub.ExpiryDate
		if from != subscriptiondomain.StateActive && now.After(base) {
			base = now
		}
		expiry := base.Add(sub.BillingCycle.Period())
		methodID := strings.TrimSpace(req.PaymentMethodID)
		fields := map[string]any{
			"expiry_date":            expiry,
			"next_renewal_date":      expiry,
			"queries_used":           0,
			"documents_uploaded":     0,
			"renewal_attempts":       0,
			"renewal_failed":         false,
			"failure_reason":         nil,
			"last_renewal_attempt":   now,
			"last_payment_date":      now,
			"last_payment_intent_id": intentID,
			"updated_at":             now,
		}
		if methodID != "" {
			fields["payment_method_id"] = methodID
		} else if sub.PaymentMethodID != nil {
			methodID = *sub.PaymentMethodID
		}
		if from != subscriptiondomain.StateActive {
			if _, err := s.repo.DeactivateAllForUser(ctx, tx, sub.UserID, now); err != nil {
				return err
			}
			fields["active"] = true
			fields["is_cancelled"] = false
			fields["cancelled_at"] = nil
			fields["cancellation_reason"] = nil
			fields["cancellation_note"] = nil
			fields["cancelled_by_user_id"] = nil
			fields["access_ends_at"] = nil
		}
		if err := s.repo.Update(ctx, tx, sub.ID, fields); err != nil {
			return err
		}

		amount := req.Amount
		if amount <= 0 {
			amount = plan.PriceFor(sub.BillingCycle)
		}
		updated, err := s.repo.FindByID(ctx, tx, sub.ID, false)
		if err != nil {
			return err
		}
		payment := s.newPayment(updated, plan, amount, req.Currency, intentID, methodID, true, now, "renewal", req.Metadata)
		if err := s.repo.InsertPayment(ctx, tx, payment); err != nil {
			return err
		}
		result = subscriptiondomain.ActivationResult{Subscription: updated, Payment: payment}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			if replay, rerr := s.replay(ctx, s.db, intentID); rerr == nil && replay != nil {
				return replay, nil
			}
		}
		return nil, err
	}
	if result.AlreadyApplied {
		return &result, nil
	}

	sub := result.Subscription
	s.metrics.RecordSubscriptionTransition(ctx, string(from), string(subscriptiondomain.StateActive))
	s.log.Info("subscription renewed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.Time("expiry_date", sub.ExpiryDate),
	)
	s.notify(ctx, notificationdomain.Notification{
		Kind:   notificationdomain.KindRenewalSuccess,
		UserID: sub.UserID,
		Params: map[string]any{
			"plan":          plan.Name,
			"amount":        FormatAmount(result.Payment.Amount, result.Payment.Currency),
			"billing_cycle": string(sub.BillingCycle),
			"expiry_date":   sub.ExpiryDate.Format("2006-01-02"),
		},
	})
	return &result, nil
}

// ApplyRenewalFailure counts a failed charge. Reaching the attempt limit turns
// auto-renew off. Reporting the same failed intent twice is a no-op.
func (s *Service) ApplyRenewalFailure(ctx context.Context, req subscriptiondomain.RenewalFailure) (*subscriptiondomain.RenewalFailureResult, error) {
	if req.SubscriptionID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	intentID := strings.TrimSpace(req.PaymentIntentID)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "payment_failed"
	}
	maxAttempts := s.renewalCfg.Get().MaxAttempts

	var (
		result   subscriptiondomain.RenewalFailureResult
		planName string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByID(ctx, tx, req.SubscriptionID, true)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if intentID != "" && sub.LastFailedPaymentIntentID != nil && *sub.LastFailedPaymentIntentID == intentID {
			result = subscriptiondomain.RenewalFailureResult{Subscription: sub, AlreadyApplied: true, Final: !sub.AutoRenew}
			return nil
		}
		if intentID != "" && sub.LastPaymentIntentID != nil && *sub.LastPaymentIntentID == intentID {
			// The same intent already succeeded; a late failure event must not undo it.
			result = subscriptiondomain.RenewalFailureResult{Subscription: sub, AlreadyApplied: true}
			return nil
		}
		if sub.State() != subscriptiondomain.StateActive {
			// A late decline for a row that already ended changes nothing.
			result = subscriptiondomain.RenewalFailureResult{Subscription: sub, AlreadyApplied: true, Final: !sub.AutoRenew}
			return nil
		}
		if _, err := subscriptiondomain.Next(sub.State(), subscriptiondomain.EventRenewFail); err != nil {
			return err
		}

		now := s.clock.Now()
		attempts := sub.RenewalAttempts + 1
		final := attempts >= maxAttempts
		fields := map[string]any{
			"renewal_attempts":     attempts,
			"last_renewal_attempt": now,
			"renewal_failed":       true,
			"failure_reason":       reason,
			"updated_at":           now,
		}
		if intentID != "" {
			fields["last_failed_payment_intent_id"] = intentID
		}
		if final {
			fields["auto_renew"] = false
		}
		if err := s.repo.Update(ctx, tx, sub.ID, fields); err != nil {
			return err
		}
		if plan, err := s.planRepo.FindByID(ctx, tx, sub.PlanID); err == nil && plan != nil {
			planName = plan.Name
		}
		updated, err := s.repo.FindByID(ctx, tx, sub.ID, false)
		if err != nil {
			return err
		}
		result = subscriptiondomain.RenewalFailureResult{Subscription: updated, Final: final}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyApplied {
		return &result, nil
	}

	sub := result.Subscription
	kind := notificationdomain.KindRenewalFailedRetry
	if result.Final {
		kind = notificationdomain.KindRenewalFailedFinal
	}
	s.log.Warn("subscription renewal failed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.Int("attempt", sub.RenewalAttempts),
		zap.Bool("final", result.Final),
		zap.String("reason", reason),
	)
	s.notify(ctx, notificationdomain.Notification{
		Kind:   kind,
		UserID: sub.UserID,
		Params: map[string]any{
			"plan":         planName,
			"reason":       reason,
			"attempt":      sub.RenewalAttempts,
			"max_attempts": maxAttempts,
			"expiry_date":  sub.ExpiryDate.Format("2006-01-02"),
		},
	})
	return &result, nil
}

// DetachPaymentMethod turns auto-renew off on subscriptions charged to the method.
func (s *Service) DetachPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) (int64, error) {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if userID == 0 || paymentMethodID == "" {
		return 0, subscriptiondomain.ErrPaymentMethodRequired
	}
	return s.repo.DisableAutoRenewForPaymentMethod(ctx, s.db, userID, paymentMethodID, s.clock.Now())
}

// FormatAmount renders minor units for people, e.g. 999 usd -> "USD 9.99".
func FormatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s %s%d.%02d", strings.ToUpper(currency), sign, amount/100, amount%100)
}
