package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"github.com/smallbiznis/tierline/pkg/db/pagination"
)

type Service interface {
	// Activate is the only way a subscription row is created.
	Activate(ctx context.Context, req ActivateRequest) (*ActivationResult, error)
	ActivateFree(ctx context.Context, userID snowflake.ID) (*ActivationResult, error)
	GetCurrent(ctx context.Context, userID snowflake.ID) (*Current, error)
	Entitlements(ctx context.Context, userID snowflake.ID) (*Entitlements, error)

	Check(ctx context.Context, userID snowflake.ID, kind UsageKind) (*Usage, error)
	Consume(ctx context.Context, userID snowflake.ID, kind UsageKind) (*Usage, error)
	EnsureFeature(ctx context.Context, userID snowflake.ID, feature string) error

	Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error)
	Reactivate(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	CancellationStatus(ctx context.Context, userID snowflake.ID) (*CancellationStatus, error)
	CancellationHistory(ctx context.Context, userID snowflake.ID) ([]Cancellation, error)

	ListPayments(ctx context.Context, userID snowflake.ID, page pagination.Pagination) ([]Payment, pagination.PageInfo, error)
	GetPayment(ctx context.Context, userID snowflake.ID, paymentID string) (*Payment, error)

	ExpireDue(ctx context.Context, limit int) (int, error)
	ListRenewalCandidates(ctx context.Context, criteria RenewalCriteria) ([]Subscription, error)
	ApplyRenewalSuccess(ctx context.Context, req RenewalSuccess) (*ActivationResult, error)
	ApplyRenewalFailure(ctx context.Context, req RenewalFailure) (*RenewalFailureResult, error)
	DetachPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) (int64, error)
}

// Activation sources, recorded in payment metadata and logs.
const (
	SourceCheckout    = "checkout"
	SourcePurchase    = "saved_method"
	SourceWebhook     = "webhook"
	SourceFree        = "free"
	SourceAdmin       = "admin"
	SourcePaymentFlow = "payment_intent"
)

type ActivateRequest struct {
	UserID          snowflake.ID
	PlanID          snowflake.ID
	BillingCycle    plandomain.BillingCycle
	PaymentIntentID string
	PaymentMethodID string
	// Amount in minor units; zero falls back to the plan price for the cycle.
	Amount   int64
	Currency string
	Source   string
	Metadata map[string]any
}

type ActivationResult struct {
	Subscription   *Subscription `json:"subscription"`
	Payment        *Payment      `json:"payment,omitempty"`
	AlreadyApplied bool          `json:"already_applied"`
}

// Current is the active subscription joined with its plan.
type Current struct {
	Subscription  *Subscription    `json:"subscription"`
	Plan          *plandomain.Plan `json:"plan"`
	State         State            `json:"state"`
	RemainingDays int              `json:"remaining_days"`
}

type Entitlements struct {
	PlanID            snowflake.ID `json:"plan_id"`
	PlanCode          string       `json:"plan_code"`
	PlanName          string       `json:"plan_name"`
	QueriesUsed       int          `json:"queries_used"`
	QueryLimit        int          `json:"query_limit"`
	DocumentsUploaded int          `json:"documents_uploaded"`
	DocumentLimit     int          `json:"document_limit"`
	Features          []string     `json:"features"`
	ExpiryDate        time.Time    `json:"expiry_date"`
}

// Usage is the counter state after a check or consume. Limit 0 is unlimited.
type Usage struct {
	Kind      UsageKind `json:"kind"`
	Current   int       `json:"current"`
	Limit     int       `json:"limit"`
	Unlimited bool      `json:"unlimited"`
}

type CancelRequest struct {
	UserID    snowflake.ID
	ActorID   snowflake.ID
	Reason    string
	Feedback  string
	Immediate bool
	IPAddress string
	UserAgent string
}

type CancelResult struct {
	Subscription  *Subscription `json:"subscription"`
	Cancellation  *Cancellation `json:"cancellation"`
	RemainingDays int           `json:"remaining_days"`
}

type CancellationStatus struct {
	SubscriptionID snowflake.ID        `json:"subscription_id"`
	PlanName       string              `json:"plan_name"`
	IsCancelled    bool                `json:"is_cancelled"`
	CancelledAt    *time.Time          `json:"cancelled_at,omitempty"`
	Reason         *CancellationReason `json:"reason,omitempty"`
	AccessEndsAt   *time.Time          `json:"access_ends_at,omitempty"`
	ExpiryDate     time.Time           `json:"expiry_date"`
	RemainingDays  int                 `json:"remaining_days"`
	AutoRenew      bool                `json:"auto_renew"`
	CanReactivate  bool                `json:"can_reactivate"`
}

type RenewalSuccess struct {
	SubscriptionID  snowflake.ID
	PaymentIntentID string
	PaymentMethodID string
	Amount          int64
	Currency        string
	Metadata        map[string]any
}

type RenewalFailure struct {
	SubscriptionID  snowflake.ID
	PaymentIntentID string
	Reason          string
}

type RenewalFailureResult struct {
	Subscription   *Subscription
	Final          bool
	AlreadyApplied bool
}
