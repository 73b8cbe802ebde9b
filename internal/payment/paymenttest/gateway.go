// Package paymenttest provides an in-memory payment gateway for tests.
package paymenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
)

// ValidSignature is the only signature the fake gateway accepts.
const ValidSignature = "valid"

type Gateway struct {
	mu sync.Mutex

	seq      int
	sessions map[string]*paymentdomain.CheckoutSession
	intents  map[string]*paymentdomain.PaymentIntent
	methods  map[string][]paymentdomain.PaymentMethod
	defaults map[string]string

	Customers []paymentdomain.CustomerRequest
	Charges   []paymentdomain.ChargeRequest
	// ChargeErrors are returned by successive off-session charges before any succeed.
	ChargeErrors []error
	// BlockCharges makes off-session charges wait for the context to end.
	BlockCharges bool
}

func NewGateway() *Gateway {
	return &Gateway{
		sessions: map[string]*paymentdomain.CheckoutSession{},
		intents:  map[string]*paymentdomain.PaymentIntent{},
		methods:  map[string][]paymentdomain.PaymentMethod{},
		defaults: map[string]string{},
	}
}

func (g *Gateway) next(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *Gateway) Provider() string { return "fake" }

func (g *Gateway) CreateCustomer(_ context.Context, req paymentdomain.CustomerRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Customers = append(g.Customers, req)
	return g.next("cus"), nil
}

func (g *Gateway) CreateCheckoutSession(_ context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next("cs")
	sess := &paymentdomain.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.test/" + id,
		Status:        "open",
		PaymentStatus: "unpaid",
		CustomerID:    req.CustomerID,
		AmountTotal:   req.Amount,
		Currency:      req.Currency,
		Metadata:      req.Metadata,
	}
	g.sessions[id] = sess
	out := *sess
	return &out, nil
}

// CompleteSession marks a session paid by a new intent and returns the intent id.
func (g *Gateway) CompleteSession(sessionID, paymentMethodID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess := g.sessions[sessionID]
	sess.Status = "complete"
	sess.PaymentStatus = "paid"
	sess.PaymentIntentID = g.next("pi")
	sess.PaymentMethodID = paymentMethodID
	g.intents[sess.PaymentIntentID] = &paymentdomain.PaymentIntent{
		ID:              sess.PaymentIntentID,
		Status:          "succeeded",
		Amount:          sess.AmountTotal,
		Currency:        sess.Currency,
		CustomerID:      sess.CustomerID,
		PaymentMethodID: paymentMethodID,
		Metadata:        sess.Metadata,
	}
	return sess.PaymentIntentID
}

func (g *Gateway) GetCheckoutSession(_ context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[sessionID]
	if !ok {
		return nil, &paymentdomain.GatewayError{Op: "get_checkout_session", Code: "resource_missing"}
	}
	out := *sess
	return &out, nil
}

func (g *Gateway) CreatePaymentIntent(_ context.Context, req paymentdomain.PaymentIntentRequest) (*paymentdomain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next("pi")
	intent := &paymentdomain.PaymentIntent{
		ID:           id,
		Status:       "requires_payment_method",
		Amount:       req.Amount,
		Currency:     req.Currency,
		ClientSecret: id + "_secret",
		CustomerID:   req.CustomerID,
		Metadata:     req.Metadata,
	}
	g.intents[id] = intent
	out := *intent
	return &out, nil
}

// SucceedIntent simulates the client confirming an intent with a card.
func (g *Gateway) SucceedIntent(paymentIntentID, paymentMethodID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent := g.intents[paymentIntentID]
	intent.Status = "succeeded"
	intent.PaymentMethodID = paymentMethodID
}

func (g *Gateway) GetPaymentIntent(_ context.Context, paymentIntentID string) (*paymentdomain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[paymentIntentID]
	if !ok {
		return nil, &paymentdomain.GatewayError{Op: "get_payment_intent", Code: "resource_missing"}
	}
	out := *intent
	return &out, nil
}

func (g *Gateway) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.PaymentIntent, error) {
	g.mu.Lock()
	g.Charges = append(g.Charges, req)
	block := g.BlockCharges
	var failure error
	if len(g.ChargeErrors) > 0 {
		failure = g.ChargeErrors[0]
		g.ChargeErrors = g.ChargeErrors[1:]
	}
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, &paymentdomain.GatewayError{Op: "charge_off_session", Err: ctx.Err()}
	}
	if failure != nil {
		return nil, failure
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	intent := &paymentdomain.PaymentIntent{
		ID:              g.next("pi"),
		Status:          "succeeded",
		Amount:          req.Amount,
		Currency:        req.Currency,
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		Metadata:        req.Metadata,
	}
	g.intents[intent.ID] = intent
	out := *intent
	return &out, nil
}

func (g *Gateway) CreateSetupIntent(_ context.Context, customerID string) (*paymentdomain.SetupIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next("seti")
	return &paymentdomain.SetupIntent{ID: id, ClientSecret: id + "_secret"}, nil
}

// AddPaymentMethod stores a card on a customer.
func (g *Gateway) AddPaymentMethod(customerID, paymentMethodID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.methods[customerID] = append(g.methods[customerID], paymentdomain.PaymentMethod{
		ID:         paymentMethodID,
		Type:       "card",
		Brand:      "visa",
		Last4:      "4242",
		ExpMonth:   12,
		ExpYear:    2030,
		CustomerID: customerID,
	})
}

func (g *Gateway) ListPaymentMethods(_ context.Context, customerID string) ([]paymentdomain.PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]paymentdomain.PaymentMethod, len(g.methods[customerID]))
	copy(out, g.methods[customerID])
	return out, nil
}

func (g *Gateway) AttachPaymentMethod(_ context.Context, customerID, paymentMethodID string) (*paymentdomain.PaymentMethod, error) {
	g.AddPaymentMethod(customerID, paymentMethodID)
	return &paymentdomain.PaymentMethod{ID: paymentMethodID, Type: "card", CustomerID: customerID}, nil
}

func (g *Gateway) DetachPaymentMethod(_ context.Context, paymentMethodID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for customer, methods := range g.methods {
		kept := methods[:0]
		for _, m := range methods {
			if m.ID != paymentMethodID {
				kept = append(kept, m)
			}
		}
		g.methods[customer] = kept
	}
	return nil
}

func (g *Gateway) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaults[customerID] = paymentMethodID
	return nil
}

// DefaultPaymentMethod returns what SetDefaultPaymentMethod stored for the customer.
func (g *Gateway) DefaultPaymentMethod(customerID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.defaults[customerID]
}

// ParseWebhook accepts a JSON-encoded canonical event signed with ValidSignature.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (*paymentdomain.Event, error) {
	if signature != ValidSignature {
		return nil, paymentdomain.ErrInvalidSignature
	}
	var event paymentdomain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if event.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	event.Provider = g.Provider()
	event.Payload = payload
	return &event, nil
}
