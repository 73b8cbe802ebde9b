package domain

import "errors"

var (
	ErrPlanNotFound        = errors.New("plan_not_found")
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidBillingCycle = errors.New("invalid_billing_cycle")
	ErrFreePlanMissing     = errors.New("free_plan_not_configured")
	ErrPlanNotPurchasable  = errors.New("plan_not_purchasable")
)
