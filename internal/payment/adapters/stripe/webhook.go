package stripe

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/stripe/stripe-go/v79/webhook"
)

// ParseWebhook verifies the Stripe-Signature header against the endpoint
// secret and maps the event onto the canonical types.
func (a *Adapter) ParseWebhook(payload []byte, signature string) (*paymentdomain.Event, error) {
	if a.webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}
	if strings.TrimSpace(signature) == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrInvalidHeader) || errors.Is(err, webhook.ErrTooOld) {
			return nil, paymentdomain.ErrInvalidSignature
		}
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.Event{
		ID:         event.ID,
		Provider:   Provider,
		RawType:    string(event.Type),
		OccurredAt: timestamp(event.Created),
		Payload:    payload,
	}
	raw := event.Data.Raw

	switch string(event.Type) {
	case "checkout.session.completed":
		var sess checkoutObject
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Type = paymentdomain.EventCheckoutCompleted
		out.CustomerID = sess.Customer.ID
		out.PaymentIntentID = sess.PaymentIntent.ID
		out.PaymentMethodID = sess.PaymentIntent.PaymentMethod
		out.Amount = sess.AmountTotal
		out.Currency = strings.ToLower(sess.Currency)
		out.Metadata = sess.Metadata
		if sess.PaymentStatus != "paid" {
			// Async payment methods settle later through payment_intent.succeeded.
			out.Type = paymentdomain.EventIgnored
		}
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent paymentIntentObject
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Type = paymentdomain.EventPaymentSucceeded
		if string(event.Type) == "payment_intent.payment_failed" {
			out.Type = paymentdomain.EventPaymentFailed
			out.FailureReason = intent.LastPaymentError.reason()
		}
		out.CustomerID = intent.Customer.ID
		out.PaymentIntentID = intent.ID
		out.PaymentMethodID = intent.PaymentMethod.ID
		out.Amount = intent.AmountReceived
		if out.Amount <= 0 {
			out.Amount = intent.Amount
		}
		out.Currency = strings.ToLower(intent.Currency)
		out.Metadata = intent.Metadata
	case "payment_method.attached":
		var pm paymentMethodObject
		if err := json.Unmarshal(raw, &pm); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Type = paymentdomain.EventPaymentMethodAttached
		out.CustomerID = pm.Customer.ID
		out.PaymentMethodID = pm.ID
	case "setup_intent.succeeded":
		var intent setupIntentObject
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Type = paymentdomain.EventSetupIntentSucceeded
		out.CustomerID = intent.Customer.ID
		out.PaymentMethodID = intent.PaymentMethod.ID
		out.Metadata = intent.Metadata
	default:
		out.Type = paymentdomain.EventIgnored
	}
	return out, nil
}

// expandable decodes a field Stripe sends either as an id or as the expanded object.
type expandable struct {
	ID string
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

type checkoutObject struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	PaymentIntent checkoutIntent    `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// checkoutIntent is the session's payment_intent, possibly expanded with its method.
type checkoutIntent struct {
	ID            string
	PaymentMethod string
}

func (c *checkoutIntent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.ID)
	}
	var obj struct {
		ID            string     `json:"id"`
		PaymentMethod expandable `json:"payment_method"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.ID = obj.ID
	c.PaymentMethod = obj.PaymentMethod.ID
	return nil
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Customer         expandable        `json:"customer"`
	PaymentMethod    expandable        `json:"payment_method"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *paymentError     `json:"last_payment_error"`
}

type paymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *paymentError) reason() string {
	switch {
	case e == nil:
		return "payment_failed"
	case e.DeclineCode != "":
		return e.DeclineCode
	case e.Code != "":
		return e.Code
	case e.Message != "":
		return e.Message
	default:
		return "payment_failed"
	}
}

type paymentMethodObject struct {
	ID       string     `json:"id"`
	Customer expandable `json:"customer"`
}

type setupIntentObject struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	PaymentMethod expandable        `json:"payment_method"`
	Metadata      map[string]string `json:"metadata"`
}

func timestamp(created int64) time.Time {
	if created == 0 {
		return time.Now().UTC()
	}
	return time.Unix(created, 0).UTC()
}
