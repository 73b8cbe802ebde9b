package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidUser               = errors.New("invalid_user")
	ErrInvalidSubscription       = errors.New("invalid_subscription")
	ErrInvalidUsageKind          = errors.New("invalid_usage_kind")
	ErrInvalidPayment            = errors.New("invalid_payment")
	ErrSubscriptionNotFound      = errors.New("subscription_not_found")
	ErrPaymentNotFound           = errors.New("payment_not_found")
	ErrNoActiveSubscription      = errors.New("no_active_subscription")
	ErrSubscriptionExpired       = errors.New("subscription_expired")
	ErrEntitlementExceeded       = errors.New("entitlement_exceeded")
	ErrFeatureNotIncluded        = errors.New("feature_not_included")
	ErrActiveSubscriptionExists  = errors.New("active_subscription_exists")
	ErrAlreadyCancelled          = errors.New("subscription_already_cancelled")
	ErrNoCancelledSubscription   = errors.New("no_cancelled_subscription")
	ErrReactivationExpired       = errors.New("reactivation_window_expired")
	ErrInvalidTransition         = errors.New("invalid_subscription_transition")
	ErrConcurrentActivation      = errors.New("concurrent_activation")
	ErrImmediateCancelNotAllowed = errors.New("immediate_cancel_not_allowed")
	ErrPaymentMethodRequired     = errors.New("payment_method_required")
)

// EntitlementError reports which quota was hit. It matches ErrEntitlementExceeded.
type EntitlementError struct {
	Kind    UsageKind `json:"kind"`
	Current int       `json:"current"`
	Limit   int       `json:"limit"`
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("entitlement_exceeded: %s %d/%d", e.Kind, e.Current, e.Limit)
}

func (e *EntitlementError) Is(target error) bool {
	return target == ErrEntitlementExceeded
}
