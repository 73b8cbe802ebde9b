package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/tierline/internal/config"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"
)

const Provider = "stripe"

// Adapter implements the payment gateway on the Stripe API. It holds its own
// API client so the secret key never lands in package state.
type Adapter struct {
	api           *client.API
	webhookSecret string
	log           *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) paymentdomain.Gateway {
	if strings.TrimSpace(cfg.Stripe.SecretKey) == "" {
		log.Warn("stripe secret key not configured; gateway calls will fail")
	}
	return NewWithClient(client.New(cfg.Stripe.SecretKey, nil), cfg.Stripe.WebhookSecret, log)
}

func NewWithClient(api *client.API, webhookSecret string, log *zap.Logger) *Adapter {
	return &Adapter{
		api:           api,
		webhookSecret: strings.TrimSpace(webhookSecret),
		log:           log.Named("payment.stripe"),
	}
}

func (a *Adapter) Provider() string {
	return Provider
}

func (a *Adapter) CreateCustomer(ctx context.Context, req paymentdomain.CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	params.AddMetadata(paymentdomain.MetaUserID, req.UserID)

	cust, err := a.api.Customers.New(params)
	if err != nil {
		return "", gatewayError("create_customer", err)
	}
	return cust.ID, nil
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	intentData := &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: req.Metadata,
	}
	if req.SaveMethod {
		intentData.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer: stripe.String(req.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		PaymentIntentData: intentData,
		Metadata:          req.Metadata,
	}
	params.Context = ctx

	sess, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, gatewayError("create_checkout_session", err)
	}
	return toCheckoutSession(sess), nil
}

func (a *Adapter) GetCheckoutSession(ctx context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	sess, err := a.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, gatewayError("get_checkout_session", err)
	}
	return toCheckoutSession(sess), nil
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req paymentdomain.PaymentIntentRequest) (*paymentdomain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		Customer: stripe.String(req.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: req.Metadata,
	}
	if req.SaveMethod {
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	params.Context = ctx

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return nil, gatewayError("create_payment_intent", err)
	}
	return toPaymentIntent(intent), nil
}

func (a *Adapter) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*paymentdomain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := a.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, gatewayError("get_payment_intent", err)
	}
	return toPaymentIntent(intent), nil
}

func (a *Adapter) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata:      req.Metadata,
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return nil, gatewayError("charge_off_session", err)
	}
	out := toPaymentIntent(intent)
	if !out.Succeeded() {
		// requires_action and similar states cannot complete without the customer.
		return out, &paymentdomain.GatewayError{
			Op:              "charge_off_session",
			Code:            string(intent.Status),
			Message:         "payment requires customer action",
			Declined:        true,
			PaymentIntentID: intent.ID,
		}
	}
	return out, nil
}

func (a *Adapter) CreateSetupIntent(ctx context.Context, customerID string) (*paymentdomain.SetupIntent, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
		PaymentMethodTypes: stripe.StringSlice([]string{string(stripe.PaymentMethodTypeCard)}),
	}
	params.Context = ctx

	intent, err := a.api.SetupIntents.New(params)
	if err != nil {
		return nil, gatewayError("create_setup_intent", err)
	}
	return &paymentdomain.SetupIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (a *Adapter) ListPaymentMethods(ctx context.Context, customerID string) ([]paymentdomain.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	out := []paymentdomain.PaymentMethod{}
	iter := a.api.PaymentMethods.List(params)
	for iter.Next() {
		out = append(out, toPaymentMethod(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, gatewayError("list_payment_methods", err)
	}
	return out, nil
}

func (a *Adapter) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*paymentdomain.PaymentMethod, error) {
	params := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx

	pm, err := a.api.PaymentMethods.Attach(paymentMethodID, params)
	if err != nil {
		return nil, gatewayError("attach_payment_method", err)
	}
	method := toPaymentMethod(pm)
	return &method, nil
}

func (a *Adapter) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx

	if _, err := a.api.PaymentMethods.Detach(paymentMethodID, params); err != nil {
		return gatewayError("detach_payment_method", err)
	}
	return nil
}

func (a *Adapter) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	params.Context = ctx

	if _, err := a.api.Customers.Update(customerID, params); err != nil {
		return gatewayError("set_default_payment_method", err)
	}
	return nil
}

func toCheckoutSession(sess *stripe.CheckoutSession) *paymentdomain.CheckoutSession {
	out := &paymentdomain.CheckoutSession{
		ID:            sess.ID,
		URL:           sess.URL,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		AmountTotal:   sess.AmountTotal,
		Currency:      string(sess.Currency),
		Metadata:      sess.Metadata,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
		if sess.PaymentIntent.PaymentMethod != nil {
			out.PaymentMethodID = sess.PaymentIntent.PaymentMethod.ID
		}
	}
	return out
}

func toPaymentIntent(intent *stripe.PaymentIntent) *paymentdomain.PaymentIntent {
	out := &paymentdomain.PaymentIntent{
		ID:           intent.ID,
		Status:       string(intent.Status),
		Amount:       intent.Amount,
		Currency:     string(intent.Currency),
		ClientSecret: intent.ClientSecret,
		Metadata:     intent.Metadata,
	}
	if intent.Customer != nil {
		out.CustomerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil {
		out.PaymentMethodID = intent.PaymentMethod.ID
	}
	if intent.LastPaymentError != nil {
		out.FailureReason = failureCode(intent.LastPaymentError)
		if out.FailureReason == "" {
			out.FailureReason = strings.TrimSpace(intent.LastPaymentError.Msg)
		}
	}
	return out
}

func toPaymentMethod(pm *stripe.PaymentMethod) paymentdomain.PaymentMethod {
	out := paymentdomain.PaymentMethod{
		ID:   pm.ID,
		Type: string(pm.Type),
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = pm.Card.ExpMonth
		out.ExpYear = pm.Card.ExpYear
	}
	if pm.Customer != nil {
		out.CustomerID = pm.Customer.ID
	}
	return out
}

func failureCode(e *stripe.Error) string {
	if e.DeclineCode != "" {
		return string(e.DeclineCode)
	}
	return string(e.Code)
}

// gatewayError maps stripe-go errors onto the gateway error type. Card errors
// are declines; everything else is an API or transport failure.
func gatewayError(op string, err error) error {
	out := &paymentdomain.GatewayError{Op: op, Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		out.Code = failureCode(stripeErr)
		out.Message = stripeErr.Msg
		out.Declined = stripeErr.Type == stripe.ErrorTypeCard
		if stripeErr.PaymentIntent != nil {
			out.PaymentIntentID = stripeErr.PaymentIntent.ID
		}
	}
	return out
}
