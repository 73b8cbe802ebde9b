package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// loadActive returns the user's live subscription and plan. A row whose expiry
// has passed is reported as expired and deactivated on the way out, unless a
// renewal retry is still pending.
func (s *Service) loadActive(ctx context.Context, tx *gorm.DB, userID snowflake.ID, forUpdate bool) (*subscriptiondomain.Subscription, *plandomain.Plan, error) {
	if userID == 0 {
		return nil, nil, subscriptiondomain.ErrInvalidUser
	}
	sub, err := s.repo.FindActiveByUser(ctx, tx, userID, forUpdate)
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, subscriptiondomain.ErrNoActiveSubscription
	}

	now := s.clock.Now()
	if sub.ExpiredAt(now) {
		if err := s.lapse(ctx, tx, sub, now); err != nil {
			return nil, nil, err
		}
		return nil, nil, subscriptiondomain.ErrSubscriptionExpired
	}

	plan, err := s.planRepo.FindByID(ctx, tx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	if plan == nil {
		return nil, nil, plandomain.ErrPlanNotFound
	}
	return sub, plan, nil
}

// lapse deactivates an expired row unless it is still inside the renewal
// grace period.
func (s *Service) lapse(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
	policy := s.renewalCfg.Get()
	if sub.AwaitingRenewal(policy.MaxAttempts) && now.Before(sub.ExpiryDate.Add(policy.RenewalGrace())) {
		return nil
	}
	return s.expire(ctx, tx, sub, now)
}

func (s *Service) expire(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
	from := sub.State()
	to, err := subscriptiondomain.Next(from, subscriptiondomain.EventExpire)
	if err != nil {
		return err
	}
	if err := s.repo.Update(ctx, tx, sub.ID, map[string]any{
		"active":     false,
		"updated_at": now,
	}); err != nil {
		return err
	}
	sub.Active = false
	s.metrics.RecordSubscriptionTransition(ctx, string(from), string(to))
	s.log.Info("subscription expired",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
	)
	return nil
}

func evaluate(sub *subscriptiondomain.Subscription, plan *plandomain.Plan, kind subscriptiondomain.UsageKind) (*subscriptiondomain.Usage, error) {
	limit := subscriptiondomain.LimitFor(*plan, kind)
	used := sub.Used(kind)
	usage := &subscriptiondomain.Usage{Kind: kind, Current: used, Limit: limit, Unlimited: limit == 0}
	if limit > 0 && used >= limit {
		return usage, &subscriptiondomain.EntitlementError{Kind: kind, Current: used, Limit: limit}
	}
	return usage, nil
}

// Check reports whether one more unit of kind is allowed without consuming it.
func (s *Service) Check(ctx context.Context, userID snowflake.ID, kind subscriptiondomain.UsageKind) (*subscriptiondomain.Usage, error) {
	if !kind.Valid() {
		return nil, subscriptiondomain.ErrInvalidUsageKind
	}
	sub, plan, err := s.loadActive(ctx, s.db, userID, false)
	if err != nil {
		s.recordDenied(ctx, string(kind), err)
		return nil, err
	}
	usage, err := evaluate(sub, plan, kind)
	if err != nil {
		s.recordDenied(ctx, string(kind), err)
		return nil, err
	}
	return usage, nil
}

// Consume checks and increments in one transaction while holding the row
// lock, so concurrent callers cannot overshoot the limit.
func (s *Service) Consume(ctx context.Context, userID snowflake.ID, kind subscriptiondomain.UsageKind) (*subscriptiondomain.Usage, error) {
	if !kind.Valid() {
		return nil, subscriptiondomain.ErrInvalidUsageKind
	}

	var (
		usage  *subscriptiondomain.Usage
		denial error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, plan, err := s.loadActive(ctx, tx, userID, true)
		if errors.Is(err, subscriptiondomain.ErrSubscriptionExpired) {
			// Commit the deactivation, then report the denial.
			denial = err
			return nil
		}
		if err != nil {
			return err
		}

		current, err := evaluate(sub, plan, kind)
		if err != nil {
			denial = err
			return nil
		}
		if err := s.repo.IncrementUsage(ctx, tx, sub.ID, kind, s.clock.Now()); err != nil {
			return err
		}
		current.Current++
		usage = current
		return nil
	})
	if err == nil {
		err = denial
	}
	if err != nil {
		s.recordDenied(ctx, string(kind), err)
		return nil, err
	}
	return usage, nil
}

func (s *Service) EnsureFeature(ctx context.Context, userID snowflake.ID, feature string) error {
	_, plan, err := s.loadActive(ctx, s.db, userID, false)
	if err != nil {
		s.recordDenied(ctx, feature, err)
		return err
	}
	if !plan.HasFeature(feature) {
		s.recordDenied(ctx, feature, subscriptiondomain.ErrFeatureNotIncluded)
		return subscriptiondomain.ErrFeatureNotIncluded
	}
	return nil
}

func (s *Service) recordDenied(ctx context.Context, kind string, err error) {
	var reason string
	switch {
	case errors.Is(err, subscriptiondomain.ErrNoActiveSubscription):
		reason = "no_subscription"
	case errors.Is(err, subscriptiondomain.ErrSubscriptionExpired):
		reason = "expired"
	case errors.Is(err, subscriptiondomain.ErrEntitlementExceeded):
		reason = "limit"
	case errors.Is(err, subscriptiondomain.ErrFeatureNotIncluded):
		reason = "feature"
	default:
		return
	}
	s.metrics.RecordEntitlementDenied(ctx, kind, reason)
}
