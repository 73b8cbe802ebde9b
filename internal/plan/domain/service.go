package domain

import "context"

type Service interface {
	List(ctx context.Context) ([]Plan, error)
	Get(ctx context.Context, id string) (*Plan, error)
	GetByCode(ctx context.Context, code string) (*Plan, error)
	FreePlan(ctx context.Context) (*Plan, error)
	// Quote resolves a purchasable plan and the amount due for one cycle.
	Quote(ctx context.Context, planID string, cycle BillingCycle) (*Plan, int64, error)
}
