// Package testkit wires the billing services against an in-memory database
// and a fake payment gateway.
package testkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	authrepository "github.com/smallbiznis/tierline/internal/auth/repository"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/smallbiznis/tierline/internal/payment/paymenttest"
	paymentservice "github.com/smallbiznis/tierline/internal/payment/service"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	planrepository "github.com/smallbiznis/tierline/internal/plan/repository"
	"github.com/smallbiznis/tierline/internal/providers/pdf"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tierline/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/tierline/internal/subscription/service"
	"github.com/smallbiznis/tierline/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Start is the fake clock's initial time.
var Start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Notifier records notifications instead of delivering them.
type Notifier struct {
	mu   sync.Mutex
	sent []notificationdomain.Notification
}

func (n *Notifier) Notify(_ context.Context, item notificationdomain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, item)
	return nil
}

func (n *Notifier) Count(kind notificationdomain.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, item := range n.sent {
		if item.Kind == kind {
			count++
		}
	}
	return count
}

func (n *Notifier) Last(kind notificationdomain.Kind) (notificationdomain.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Kind == kind {
			return n.sent[i], true
		}
	}
	return notificationdomain.Notification{}, false
}

type Env struct {
	DB         *gorm.DB
	Log        *zap.Logger
	Clock      *clock.FakeClock
	Node       *snowflake.Node
	Cfg        config.Config
	RenewalCfg *config.RenewalConfigHolder

	Gateway  *paymenttest.Gateway
	Notifier *Notifier

	Users            authdomain.Repository
	Tokens           authdomain.TokenRepository
	Plans            plandomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Subscriptions    subscriptiondomain.Service
	Payments         paymentdomain.Service

	Free *plandomain.Plan
	Solo *plandomain.Plan
	Team *plandomain.Plan
}

// New opens a fresh database with the free, solo and team plans.
func New(t *testing.T) *Env {
	t.Helper()

	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := conn.AutoMigrate(
		&authdomain.User{},
		&authdomain.BlacklistedToken{},
		&plandomain.Plan{},
		&paymentdomain.EventRecord{},
		&notificationdomain.Log{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := subscriptionrepository.Migrate(conn); err != nil {
		t.Fatalf("failed to migrate subscriptions: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}

	var cfg config.Config
	cfg.AppName = "tierline"
	cfg.Billing.FreePlanCode = "free"
	cfg.Billing.AdminEmail = "ops@example.com"
	cfg.Billing.ReceiptIssuer = "Tierline"
	cfg.Stripe.Currency = "usd"
	cfg.Stripe.SuccessURL = "https://app.test/success"
	cfg.Stripe.CancelURL = "https://app.test/cancel"
	cfg.Scheduler.BatchSize = 50

	env := &Env{
		DB:         conn,
		Log:        zap.NewNop(),
		Clock:      clock.NewFakeClock(Start),
		Node:       node,
		Cfg:        cfg,
		RenewalCfg: config.NewStaticRenewalConfigHolder(config.DefaultRenewalConfig()),
		Gateway:    paymenttest.NewGateway(),
		Notifier:   &Notifier{},
		Plans:      planrepository.Provide(),
	}
	env.Users, env.Tokens = authrepository.New(conn)
	env.SubscriptionRepo = subscriptionrepository.Provide()

	env.Free = env.createPlan(t, &plandomain.Plan{
		Code: "free", Name: "Free", Currency: "usd", QueryLimit: 10, DocumentLimit: 3, IsActive: true,
	})
	env.Solo = env.createPlan(t, &plandomain.Plan{
		Code: "solo", Name: "Solo", Currency: "usd", PriceMonthly: 999, PriceYearly: 9900,
		QueryLimit: 500, DocumentLimit: 10, NinjaMode: true, MemeGenerator: true, IsActive: true, SortOrder: 1,
	})
	env.Team = env.createPlan(t, &plandomain.Plan{
		Code: "team", Name: "Team", Currency: "usd", PriceMonthly: 2999, PriceYearly: 29900,
		QueryLimit: 0, DocumentLimit: 0, NinjaMode: true, MemeGenerator: true, IsActive: true, SortOrder: 2,
	})

	env.Subscriptions = subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:         conn,
		Log:        env.Log,
		GenID:      node,
		Clock:      env.Clock,
		Cfg:        cfg,
		Repo:       env.SubscriptionRepo,
		PlanRepo:   env.Plans,
		Notifier:   env.Notifier,
		RenewalCfg: env.RenewalCfg,
	})
	env.Payments = paymentservice.NewService(paymentservice.Params{
		DB:            conn,
		Log:           env.Log,
		Cfg:           cfg,
		Gateway:       env.Gateway,
		Users:         env.Users,
		Plans:         env.Plans,
		Subscriptions: env.Subscriptions,
		Receipts:      pdf.New(),
	})
	return env
}

func (e *Env) createPlan(t *testing.T, plan *plandomain.Plan) *plandomain.Plan {
	t.Helper()
	plan.ID = e.Node.Generate()
	plan.CreatedAt = e.Clock.Now()
	plan.UpdatedAt = e.Clock.Now()
	if err := e.Plans.Upsert(context.Background(), e.DB, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	stored, err := e.Plans.FindByCode(context.Background(), e.DB, plan.Code)
	if err != nil || stored == nil {
		t.Fatalf("load plan %s: %v", plan.Code, err)
	}
	return stored
}

// CreateUser inserts a verified user with auto-renew enabled.
func (e *Env) CreateUser(t *testing.T) *authdomain.User {
	t.Helper()
	id := e.Node.Generate()
	now := e.Clock.Now()
	user := &authdomain.User{
		ID:               id,
		ExternalID:       id.String(),
		Email:            id.String() + "@example.com",
		FullName:         "User " + id.String(),
		PasswordHash:     "x",
		Role:             authdomain.RoleUser,
		IsActive:         true,
		EmailVerified:    true,
		TwoFactorMethod:  authdomain.TwoFactorEmail,
		AutoRenewEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Users.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// CreateCustomer gives the user a processor customer holding one card and
// makes that card the account default.
func (e *Env) CreateCustomer(t *testing.T, userID snowflake.ID, paymentMethodID string) string {
	t.Helper()
	ctx := context.Background()
	customerID, err := e.Payments.EnsureCustomer(ctx, userID)
	if err != nil {
		t.Fatalf("ensure customer: %v", err)
	}
	if paymentMethodID != "" {
		e.Gateway.AddPaymentMethod(customerID, paymentMethodID)
		if err := e.Users.UpdateFields(ctx, userID, map[string]any{"default_payment_method_id": paymentMethodID}); err != nil {
			t.Fatalf("set default method: %v", err)
		}
	}
	return customerID
}

// Subscribe activates a monthly Solo subscription paid with the card.
func (e *Env) Subscribe(t *testing.T, userID snowflake.ID, intentID, paymentMethodID string) *subscriptiondomain.Subscription {
	t.Helper()
	res, err := e.Subscriptions.Activate(context.Background(), subscriptiondomain.ActivateRequest{
		UserID:          userID,
		PlanID:          e.Solo.ID,
		BillingCycle:    plandomain.BillingCycleMonthly,
		PaymentIntentID: intentID,
		PaymentMethodID: paymentMethodID,
		Amount:          e.Solo.PriceMonthly,
		Currency:        "usd",
		Source:          subscriptiondomain.SourceCheckout,
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return res.Subscription
}

func (e *Env) User(t *testing.T, userID snowflake.ID) *authdomain.User {
	t.Helper()
	user, err := e.Users.FindByID(context.Background(), userID)
	if err != nil || user == nil {
		t.Fatalf("load user: %v", err)
	}
	return user
}

func (e *Env) Subscription(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	if err := e.DB.First(&sub, "id = ?", id).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	return &sub
}

func (e *Env) ActiveSubscriptions(t *testing.T, userID snowflake.ID) []subscriptiondomain.Subscription {
	t.Helper()
	var subs []subscriptiondomain.Subscription
	if err := e.DB.Where("user_id = ? AND active = ?", userID, true).Find(&subs).Error; err != nil {
		t.Fatalf("load active subscriptions: %v", err)
	}
	return subs
}

func (e *Env) PaymentCount(t *testing.T, userID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := e.DB.Model(&subscriptiondomain.Payment{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	return count
}
