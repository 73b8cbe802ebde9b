package domain

import (
	"context"
	"io"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
)

// Service drives the customer-present purchase flows and payment methods.
type Service interface {
	EnsureCustomer(ctx context.Context, userID snowflake.ID) (string, error)

	CreateCheckoutSession(ctx context.Context, req PurchaseRequest) (*CheckoutSession, error)
	CheckoutStatus(ctx context.Context, userID snowflake.ID, sessionID string) (*CheckoutStatus, error)
	CreatePaymentIntent(ctx context.Context, req PurchaseRequest) (*PaymentIntent, error)
	ConfirmPayment(ctx context.Context, userID snowflake.ID, paymentIntentID string) (*subscriptiondomain.ActivationResult, error)
	PurchaseWithSavedMethod(ctx context.Context, req PurchaseRequest) (*subscriptiondomain.ActivationResult, error)
	ApplyPaidCheckout(ctx context.Context, paid PaidCheckout) (*subscriptiondomain.ActivationResult, error)

	ListPaymentMethods(ctx context.Context, userID snowflake.ID) ([]PaymentMethod, error)
	CreateSetupIntent(ctx context.Context, userID snowflake.ID) (*SetupIntent, error)
	SetDefaultPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) error
	DetachPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) error
	AdoptDefaultPaymentMethod(ctx context.Context, userID snowflake.ID, paymentMethodID string) error

	Receipt(ctx context.Context, userID snowflake.ID, paymentID string) (*Receipt, error)
}

// WebhookService verifies, records and dispatches processor events.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, signature string) error
}

type PurchaseRequest struct {
	UserID       snowflake.ID
	PlanID       snowflake.ID
	BillingCycle plandomain.BillingCycle
	// SaveMethod keeps the card for off-session renewals.
	SaveMethod bool
	// PaymentMethodID selects a saved card; empty uses the account default.
	PaymentMethodID string
	IdempotencyKey  string
}

// PaidCheckout is a completed customer-present payment carrying checkout metadata.
type PaidCheckout struct {
	PaymentIntentID string
	PaymentMethodID string
	Amount          int64
	Currency        string
	Metadata        map[string]string
	Source          string
}

type CheckoutStatus struct {
	Session    *CheckoutSession                     `json:"session"`
	Activated  bool                                 `json:"activated"`
	Activation *subscriptiondomain.ActivationResult `json:"activation,omitempty"`
}

type Receipt struct {
	Filename string
	Payment  *subscriptiondomain.Payment
	Body     io.Reader
}
