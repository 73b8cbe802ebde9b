package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Cancel stops auto-renewal and keeps access until the paid period ends.
// Immediate cancellation also ends access now.
func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (*subscriptiondomain.CancelResult, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	actorID := req.ActorID
	if actorID == 0 {
		actorID = req.UserID
	}
	event := subscriptiondomain.EventCancel
	reason := subscriptiondomain.ParseCancellationReason(strings.TrimSpace(req.Reason))
	if req.Immediate {
		event = subscriptiondomain.EventCancelImmediate
		if strings.TrimSpace(req.Reason) == "" {
			reason = subscriptiondomain.ReasonAdminAction
		}
	}

	var (
		result   subscriptiondomain.CancelResult
		from     subscriptiondomain.State
		to       subscriptiondomain.State
		planName string
		denial   error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindActiveByUser(ctx, tx, req.UserID, true)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrNoActiveSubscription
		}
		now := s.clock.Now()
		if sub.ExpiredAt(now) {
			// Cancelling a lapsed row also stops any pending renewal retry.
			// Commit the deactivation, then report the denial.
			if err := s.expire(ctx, tx, sub, now); err != nil {
				return err
			}
			denial = subscriptiondomain.ErrSubscriptionExpired
			return nil
		}

		from = sub.State()
		to, err = subscriptiondomain.Next(from, event)
		if err != nil {
			return err
		}

		plan, err := s.planRepo.FindByID(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		if plan != nil {
			planName = plan.Name
		}

		accessEnds := sub.ExpiryDate
		remaining := subscriptiondomain.RemainingDays(now, accessEnds)
		fields := map[string]any{
			"is_cancelled":         true,
			"cancelled_at":         now,
			"cancellation_reason":  string(reason),
			"cancellation_note":    optionalString(req.Feedback),
			"cancelled_by_user_id": actorID,
			"auto_renew":           false,
			"access_ends_at":       accessEnds,
			"updated_at":           now,
		}
		if req.Immediate {
			accessEnds = now
			remaining = 0
			fields["active"] = false
			fields["access_ends_at"] = now
		}
		if err := s.repo.Update(ctx, tx, sub.ID, fields); err != nil {
			return err
		}

		cancellation := &subscriptiondomain.Cancellation{
			ID:                s.genID.Generate(),
			UserID:            sub.UserID,
			SubscriptionID:    sub.ID,
			PlanName:          planName,
			BillingCycle:      sub.BillingCycle,
			Reason:            reason,
			Feedback:          optionalString(req.Feedback),
			RemainingDays:     remaining,
			AccessUntil:       &accessEnds,
			Immediate:         req.Immediate,
			CancelledByUserID: actorID,
			IPAddress:         optionalString(req.IPAddress),
			UserAgent:         optionalString(req.UserAgent),
			CreatedAt:         now,
		}
		if err := s.repo.InsertCancellation(ctx, tx, cancellation); err != nil {
			return err
		}

		updated, err := s.repo.FindByID(ctx, tx, sub.ID, false)
		if err != nil {
			return err
		}
		result = subscriptiondomain.CancelResult{
			Subscription:  updated,
			Cancellation:  cancellation,
			RemainingDays: remaining,
		}
		return nil
	})
	if err == nil {
		err = denial
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSubscriptionTransition(ctx, string(from), string(to))
	s.log.Info("subscription cancelled",
		zap.String("subscription_id", result.Subscription.ID.String()),
		zap.String("user_id", req.UserID.String()),
		zap.String("actor_id", actorID.String()),
		zap.String("reason", string(reason)),
		zap.Bool("immediate", req.Immediate),
	)
	s.notify(ctx, notificationdomain.Notification{
		Kind:   notificationdomain.KindCancellationConfirmation,
		UserID: req.UserID,
		Params: map[string]any{
			"plan":           planName,
			"immediate":      req.Immediate,
			"access_until":   result.Cancellation.AccessUntil.Format("2006-01-02"),
			"remaining_days": result.RemainingDays,
		},
	})
	return &result, nil
}

// Reactivate undoes a pending cancellation while the paid period is running.
func (s *Service) Reactivate(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	var (
		updated *subscriptiondomain.Subscription
		from    subscriptiondomain.State
		to      subscriptiondomain.State
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindActiveByUser(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrNoCancelledSubscription
		}
		now := s.clock.Now()
		from = sub.State()
		to, err = subscriptiondomain.Next(from, subscriptiondomain.EventReactivate)
		if err != nil {
			return err
		}
		if now.After(sub.ExpiryDate) {
			return subscriptiondomain.ErrReactivationExpired
		}

		if err := s.repo.Update(ctx, tx, sub.ID, map[string]any{
			"is_cancelled":         false,
			"cancelled_at":         nil,
			"cancellation_reason":  nil,
			"cancellation_note":    nil,
			"cancelled_by_user_id": nil,
			"access_ends_at":       nil,
			"auto_renew":           true,
			"updated_at":           now,
		}); err != nil {
			return err
		}
		updated, err = s.repo.FindByID(ctx, tx, sub.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSubscriptionTransition(ctx, string(from), string(to))
	s.log.Info("subscription reactivated",
		zap.String("subscription_id", updated.ID.String()),
		zap.String("user_id", userID.String()),
	)
	return updated, nil
}

func (s *Service) CancellationStatus(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.CancellationStatus, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	sub, err := s.repo.FindActiveByUser(ctx, s.db, userID, false)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrNoActiveSubscription
	}

	now := s.clock.Now()
	status := &subscriptiondomain.CancellationStatus{
		SubscriptionID: sub.ID,
		IsCancelled:    sub.IsCancelled,
		CancelledAt:    sub.CancelledAt,
		AccessEndsAt:   sub.AccessEndsAt,
		ExpiryDate:     sub.ExpiryDate,
		RemainingDays:  subscriptiondomain.RemainingDays(now, sub.ExpiryDate),
		AutoRenew:      sub.AutoRenew,
		CanReactivate:  sub.IsCancelled && !now.After(sub.ExpiryDate),
	}
	if sub.CancellationReason != nil {
		reason := subscriptiondomain.CancellationReason(*sub.CancellationReason)
		status.Reason = &reason
	}
	if plan, err := s.planRepo.FindByID(ctx, s.db, sub.PlanID); err == nil && plan != nil {
		status.PlanName = plan.Name
	}
	return status, nil
}

func (s *Service) CancellationHistory(ctx context.Context, userID snowflake.ID) ([]subscriptiondomain.Cancellation, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	return s.repo.ListCancellations(ctx, s.db, userID)
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
