package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway is the card processor boundary. Amounts are in minor units.
type Gateway interface {
	Provider() string

	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	// ChargeOffSession confirms a charge against a saved method without the
	// customer present. A decline is returned as a *GatewayError.
	ChargeOffSession(ctx context.Context, req ChargeRequest) (*PaymentIntent, error)

	CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// ParseWebhook verifies the signature header and normalizes the payload.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

type CustomerRequest struct {
	UserID string
	Email  string
	Name   string
}

type CheckoutRequest struct {
	CustomerID  string
	ProductName string
	Amount      int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	// SaveMethod asks the processor to keep the card for off-session renewals.
	SaveMethod bool
	Metadata   map[string]string
}

type CheckoutSession struct {
	ID              string            `json:"id"`
	URL             string            `json:"url,omitempty"`
	Status          string            `json:"status"`
	PaymentStatus   string            `json:"payment_status"`
	CustomerID      string            `json:"customer_id,omitempty"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	PaymentMethodID string            `json:"payment_method_id,omitempty"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (s CheckoutSession) Paid() bool {
	return s.PaymentStatus == "paid"
}

type PaymentIntentRequest struct {
	CustomerID string
	Amount     int64
	Currency   string
	SaveMethod bool
	Metadata   map[string]string
}

type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Currency        string
	IdempotencyKey  string
	Metadata        map[string]string
}

type PaymentIntent struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	ClientSecret    string            `json:"client_secret,omitempty"`
	CustomerID      string            `json:"customer_id,omitempty"`
	PaymentMethodID string            `json:"payment_method_id,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (p PaymentIntent) Succeeded() bool {
	return p.Status == "succeeded"
}

type SetupIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type PaymentMethod struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Brand      string `json:"brand,omitempty"`
	Last4      string `json:"last4,omitempty"`
	ExpMonth   int64  `json:"exp_month,omitempty"`
	ExpYear    int64  `json:"exp_year,omitempty"`
	CustomerID string `json:"-"`
	IsDefault  bool   `json:"is_default"`
}

// GatewayError wraps a processor failure. Declined is set when the card was
// refused, as opposed to a transport or API error.
type GatewayError struct {
	Op              string
	Code            string
	Message         string
	Declined        bool
	PaymentIntentID string
	Err             error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Reason is the short failure reason stored on the subscription.
func (e *GatewayError) Reason() string {
	if e.Code != "" {
		return e.Code
	}
	if e.Declined {
		return "card_declined"
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "gateway_timeout"
	}
	return "gateway_error"
}

// Canonical webhook event types.
type EventType string

const (
	EventCheckoutCompleted     EventType = "checkout.completed"
	EventPaymentSucceeded      EventType = "payment.succeeded"
	EventPaymentFailed         EventType = "payment.failed"
	EventPaymentMethodAttached EventType = "payment_method.attached"
	EventSetupIntentSucceeded  EventType = "setup_intent.succeeded"
	EventIgnored               EventType = "ignored"
)

// Metadata keys attached to checkout sessions and payment intents.
const (
	MetaUserID         = "user_id"
	MetaPlanID         = "plan_id"
	MetaBillingCycle   = "billing_cycle"
	MetaType           = "type"
	MetaSubscriptionID = "subscription_id"
	MetaSaveMethod     = "save_payment_method"
)

// Payment purposes carried in MetaType.
const (
	PurposeCheckout = "checkout"
	PurposeRenewal  = "renewal"
)

// Event is a verified webhook normalized across processors.
type Event struct {
	ID              string
	Provider        string
	Type            EventType
	RawType         string
	CustomerID      string
	PaymentIntentID string
	PaymentMethodID string
	Amount          int64
	Currency        string
	FailureReason   string
	Metadata        map[string]string
	OccurredAt      time.Time
	Payload         []byte
}
