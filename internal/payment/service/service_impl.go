package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/config"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"github.com/smallbiznis/tierline/internal/providers/pdf"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Cfg           config.Config
	Gateway       paymentdomain.Gateway
	Users         authdomain.Repository
	Plans         plandomain.Repository
	Subscriptions subscriptiondomain.Service
	Receipts      pdf.Provider `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	gateway       paymentdomain.Gateway
	users         authdomain.Repository
	plans         plandomain.Repository
	subscriptions subscriptiondomain.Service
	receipts      pdf.Provider

	currency      string
	successURL    string
	cancelURL     string
	receiptIssuer string
}

func NewService(p Params) paymentdomain.Service {
	currency := strings.ToLower(strings.TrimSpace(p.Cfg.Stripe.Currency))
	if currency == "" {
		currency = "usd"
	}
	issuer := strings.TrimSpace(p.Cfg.Billing.ReceiptIssuer)
	if issuer == "" {
		issuer = p.Cfg.AppName
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		gateway:       p.Gateway,
		users:         p.Users,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		receipts:      p.Receipts,
		currency:      currency,
		successURL:    p.Cfg.Stripe.SuccessURL,
		cancelURL:     p.Cfg.Stripe.CancelURL,
		receiptIssuer: issuer,
	}
}

// EnsureCustomer returns the user's processor customer, creating it on first use.
func (s *Service) EnsureCustomer(ctx context.Context, userID snowflake.ID) (string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.ensureCustomer(ctx, user)
}

func (s *Service) ensureCustomer(ctx context.Context, user *authdomain.User) (string, error) {
	if user.PaymentCustomerID != nil && strings.TrimSpace(*user.PaymentCustomerID) != "" {
		return *user.PaymentCustomerID, nil
	}
	customerID, err := s.gateway.CreateCustomer(ctx, paymentdomain.CustomerRequest{
		UserID: user.ID.String(),
		Email:  user.Email,
		Name:   user.FullName,
	})
	if err != nil {
		return "", err
	}
	if err := s.users.UpdateFields(ctx, user.ID, map[string]any{"payment_customer_id": customerID}); err != nil {
		return "", err
	}
	user.PaymentCustomerID = &customerID
	s.log.Info("payment customer created",
		zap.String("user_id", user.ID.String()),
		zap.String("customer_id", customerID),
	)
	return customerID, nil
}

func (s *Service) loadUser(ctx context.Context, userID snowflake.ID) (*authdomain.User, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, paymentdomain.ErrUserNotFound
	}
	return user, nil
}

// purchasable resolves a paid plan and its price for the cycle.
func (s *Service) purchasable(ctx context.Context, planID snowflake.ID, cycle plandomain.BillingCycle) (*plandomain.Plan, int64, error) {
	if planID == 0 {
		return nil, 0, plandomain.ErrInvalidPlan
	}
	if !cycle.Valid() {
		return nil, 0, plandomain.ErrInvalidBillingCycle
	}
	plan, err := s.plans.FindByID(ctx, s.db, planID)
	if err != nil {
		return nil, 0, err
	}
	if plan == nil || !plan.IsActive {
		return nil, 0, plandomain.ErrPlanNotFound
	}
	price := plan.PriceFor(cycle)
	if price <= 0 {
		return nil, 0, plandomain.ErrPlanNotPurchasable
	}
	return plan, price, nil
}

func (s *Service) planCurrency(plan *plandomain.Plan) string {
	if c := strings.ToLower(strings.TrimSpace(plan.Currency)); c != "" {
		return c
	}
	return s.currency
}

func checkoutMetadata(userID snowflake.ID, plan *plandomain.Plan, cycle plandomain.BillingCycle, saveMethod bool) map[string]string {
	return map[string]string{
		paymentdomain.MetaUserID:       userID.String(),
		paymentdomain.MetaPlanID:       plan.ID.String(),
		paymentdomain.MetaBillingCycle: string(cycle),
		paymentdomain.MetaType:         paymentdomain.PurposeCheckout,
		paymentdomain.MetaSaveMethod:   strconv.FormatBool(saveMethod),
	}
}

func (s *Service) CreateCheckoutSession(ctx context.Context, req paymentdomain.PurchaseRequest) (*paymentdomain.CheckoutSession, error) {
	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	plan, price, err := s.purchasable(ctx, req.PlanID, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	sess, err := s.gateway.CreateCheckoutSession(ctx, paymentdomain.CheckoutRequest{
		CustomerID:  customerID,
		ProductName: plan.Name + " (" + string(req.BillingCycle) + ")",
		Amount:      price,
		Currency:    s.planCurrency(plan),
		SuccessURL:  s.successURL,
		CancelURL:   s.cancelURL,
		SaveMethod:  req.SaveMethod,
		Metadata:    checkoutMetadata(user.ID, plan, req.BillingCycle, req.SaveMethod),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("checkout session created",
		zap.String("user_id", user.ID.String()),
		zap.String("session_id", sess.ID),
		zap.String("plan", plan.Code),
	)
	return sess, nil
}

// CheckoutStatus polls the session and activates the subscription once paid.
// Activation is idempotent by payment intent, so polling and the webhook can
// both apply it.
func (s *Service) CheckoutStatus(ctx context.Context, userID snowflake.ID, sessionID string) (*paymentdomain.CheckoutStatus, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, paymentdomain.ErrSessionRequired
	}
	sess, err := s.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Metadata[paymentdomain.MetaUserID] != userID.String() {
		return nil, paymentdomain.ErrPaymentOwnerMismatch
	}

	status := &paymentdomain.CheckoutStatus{Session: sess}
	if !sess.Paid() || sess.PaymentIntentID == "" {
		return status, nil
	}
	activation, err := s.ApplyPaidCheckout(ctx, paymentdomain.PaidCheckout{
		PaymentIntentID: sess.PaymentIntentID,
		PaymentMethodID: sess.PaymentMethodID,
		Amount:          sess.AmountTotal,
		Currency:        sess.Currency,
		Metadata:        sess.Metadata,
		Source:          subscriptiondomain.SourceCheckout,
	})
	if err != nil {
		return nil, err
	}
	status.Activated = true
	status.Activation = activation
	return status, nil
}

func (s *Service) CreatePaymentIntent(ctx context.Context, req paymentdomain.PurchaseRequest) (*paymentdomain.PaymentIntent, error) {
	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	plan, price, err := s.purchasable(ctx, req.PlanID, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.gateway.CreatePaymentIntent(ctx, paymentdomain.PaymentIntentRequest{
		CustomerID: customerID,
		Amount:     price,
		Currency:   s.planCurrency(plan),
		SaveMethod: req.SaveMethod,
		Metadata:   checkoutMetadata(user.ID, plan, req.BillingCycle, req.SaveMethod),
	})
}

// ConfirmPayment activates the subscription paid by a client-confirmed intent.
func (s *Service) ConfirmPayment(ctx context.Context, userID snowflake.ID, paymentIntentID string) (*subscriptiondomain.ActivationResult, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return nil, paymentdomain.ErrPaymentIntentRequired
	}
	intent, err := s.gateway.GetPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if intent.Metadata[paymentdomain.MetaUserID] != userID.String() {
		return nil, paymentdomain.ErrPaymentOwnerMismatch
	}
	if !intent.Succeeded() {
		return nil, paymentdomain.ErrPaymentIncomplete
	}
	return s.ApplyPaidCheckout(ctx, paymentdomain.PaidCheckout{
		PaymentIntentID: intent.ID,
		PaymentMethodID: intent.PaymentMethodID,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		Metadata:        intent.Metadata,
		Source:          subscriptiondomain.SourcePaymentFlow,
	})
}

// PurchaseWithSavedMethod charges a stored card off-session and activates on success.
func (s *Service) PurchaseWithSavedMethod(ctx context.Context, req paymentdomain.PurchaseRequest) (*subscriptiondomain.ActivationResult, error) {
	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	plan, price, err := s.purchasable(ctx, req.PlanID, req.BillingCycle)
	if err != nil {
		return nil, err
	}
	methodID := strings.TrimSpace(req.PaymentMethodID)
	if methodID == "" && user.DefaultPaymentMethodID != nil {
		methodID = *user.DefaultPaymentMethodID
	}
	if methodID == "" {
		return nil, paymentdomain.ErrPaymentMethodRequired
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwnedMethod(ctx, customerID, methodID); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = "purchase:" + uuid.NewString()
	}
	metadata := checkoutMetadata(user.ID, plan, req.BillingCycle, true)
	currency := s.planCurrency(plan)
	intent, err := s.gateway.ChargeOffSession(ctx, paymentdomain.ChargeRequest{
		CustomerID:      customerID,
		PaymentMethodID: methodID,
		Amount:          price,
		Currency:        currency,
		IdempotencyKey:  key,
		Metadata:        metadata,
	})
	if err != nil {
		s.log.Warn("saved method purchase failed",
			zap.String("user_id", user.ID.String()),
			zap.String("plan", plan.Code),
			zap.Error(err),
		)
		return nil, err
	}

	return s.ApplyPaidCheckout(ctx, paymentdomain.PaidCheckout{
		PaymentIntentID: intent.ID,
		PaymentMethodID: methodID,
		Amount:          price,
		Currency:        currency,
		Metadata:        metadata,
		Source:          subscriptiondomain.SourcePurchase,
	})
}

// ApplyPaidCheckout activates the plan named in checkout metadata. It backs
// polling, client confirmation, saved-method purchases and webhooks alike.
func (s *Service) ApplyPaidCheckout(ctx context.Context, paid paymentdomain.PaidCheckout) (*subscriptiondomain.ActivationResult, error) {
	userID, err := snowflake.ParseString(strings.TrimSpace(paid.Metadata[paymentdomain.MetaUserID]))
	if err != nil || userID == 0 {
		return nil, paymentdomain.ErrInvalidMetadata
	}
	planID, err := snowflake.ParseString(strings.TrimSpace(paid.Metadata[paymentdomain.MetaPlanID]))
	if err != nil || planID == 0 {
		return nil, paymentdomain.ErrInvalidMetadata
	}
	cycle, err := plandomain.ParseBillingCycle(paid.Metadata[paymentdomain.MetaBillingCycle])
	if err != nil {
		return nil, paymentdomain.ErrInvalidMetadata
	}
	if strings.TrimSpace(paid.PaymentIntentID) == "" {
		return nil, paymentdomain.ErrPaymentIntentRequired
	}

	saveMethod, _ := strconv.ParseBool(paid.Metadata[paymentdomain.MetaSaveMethod])
	methodID := ""
	if saveMethod {
		methodID = strings.TrimSpace(paid.PaymentMethodID)
	}

	result, err := s.subscriptions.Activate(ctx, subscriptiondomain.ActivateRequest{
		UserID:          userID,
		PlanID:          planID,
		BillingCycle:    cycle,
		PaymentIntentID: paid.PaymentIntentID,
		PaymentMethodID: methodID,
		Amount:          paid.Amount,
		Currency:        paid.Currency,
		Source:          paid.Source,
	})
	if err != nil {
		return nil, err
	}
	if methodID != "" {
		if err := s.AdoptDefaultPaymentMethod(ctx, userID, methodID); err != nil {
			s.log.Warn("failed to store default payment method",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}
	return result, nil
}
