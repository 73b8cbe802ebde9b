package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tierline/internal/auth"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/authorization"
	"github.com/smallbiznis/tierline/internal/config"
	"github.com/smallbiznis/tierline/internal/notification"
	"github.com/smallbiznis/tierline/internal/observability"
	obslogger "github.com/smallbiznis/tierline/internal/observability/logger"
	obstracing "github.com/smallbiznis/tierline/internal/observability/tracing"
	"github.com/smallbiznis/tierline/internal/payment"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/smallbiznis/tierline/internal/plan"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"github.com/smallbiznis/tierline/internal/providers/pdf"
	"github.com/smallbiznis/tierline/internal/ratelimit"
	"github.com/smallbiznis/tierline/internal/renewal"
	"github.com/smallbiznis/tierline/internal/settings"
	settingsdomain "github.com/smallbiznis/tierline/internal/settings/domain"
	"github.com/smallbiznis/tierline/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxWebhookBytes = 1 << 20

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	auth.Module,
	notification.Module,
	pdf.Module,
	plan.Module,
	subscription.Module,
	payment.Module,
	settings.Module,
	ratelimit.Module,
	renewal.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{
		ServiceName: obsCfg.ServiceName,
		SkipPaths:   []string{"/health", "/metrics"},
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("listen", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			log.Info("listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// RenewalRunner triggers one renewal pass on demand.
type RenewalRunner interface {
	Run(ctx context.Context) (*renewal.Summary, error)
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	authsvc         authdomain.Service
	authzSvc        authorization.Service
	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      paymentdomain.WebhookService
	settingsSvc     settingsdomain.Service
	renewer         RenewalRunner
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Authsvc         authdomain.Service
	AuthzSvc        authorization.Service
	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      paymentdomain.WebhookService
	SettingsSvc     settingsdomain.Service
	Renewer         *renewal.Engine `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		genID:           p.GenID,
		authsvc:         p.Authsvc,
		authzSvc:        p.AuthzSvc,
		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
		settingsSvc:     p.SettingsSvc,
	}
	if p.Renewer != nil {
		svc.renewer = p.Renewer
	}

	svc.registerAuthRoutes()
	svc.registerPublicRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerWebhookRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAuthRoutes() {
	auth := s.engine.Group("/auth")

	auth.POST("/signup", s.Signup)
	auth.GET("/verify-email", s.VerifyEmail)
	auth.POST("/login", s.Login)
	auth.POST("/2fa/send", s.SendOTP)
	auth.POST("/2fa/verify", s.VerifyOTP)
	auth.POST("/refresh", s.Refresh)
	auth.POST("/logout", s.AuthRequired(), s.Logout)
	auth.POST("/forgot-password", s.ForgotPassword)
	auth.POST("/reset-password", s.ResetPassword)
	auth.GET("/me", s.AuthRequired(), s.Me)
}

func (s *Server) registerPublicRoutes() {
	plans := s.engine.Group("/plans")
	{
		plans.GET("", s.ListPlans)
		plans.GET("/:id", s.GetPlan)
	}
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	subscriptions := api.Group("/subscriptions")
	{
		subscriptions.GET("/current", s.GetCurrentSubscription)
		subscriptions.GET("/entitlements", s.GetEntitlements)
		subscriptions.POST("/checkout-session", s.CreateCheckoutSession)
		subscriptions.GET("/checkout-session/:id", s.GetCheckoutStatus)
		subscriptions.POST("/payment-intent", s.CreatePaymentIntent)
		subscriptions.POST("/confirm-payment", s.ConfirmPayment)
		subscriptions.POST("/purchase", s.PurchaseWithSavedMethod)
		subscriptions.POST("/activate-free", s.ActivateFree)
		subscriptions.POST("/cancel", s.CancelSubscription)
		subscriptions.POST("/reactivate", s.ReactivateSubscription)
		subscriptions.GET("/cancellation-status", s.GetCancellationStatus)
		subscriptions.GET("/cancellations", s.ListCancellations)
	}

	usage := api.Group("/usage")
	{
		usage.GET("/queries", s.checkUsage(subscriptiondomain.UsageQuery))
		usage.POST("/queries", s.consumeUsage(subscriptiondomain.UsageQuery))
		usage.GET("/documents", s.checkUsage(subscriptiondomain.UsageDocument))
		usage.POST("/documents", s.consumeUsage(subscriptiondomain.UsageDocument))
	}

	payments := api.Group("/payments")
	{
		payments.GET("", s.ListPayments)
		payments.GET("/:id", s.GetPayment)
		payments.GET("/:id/receipt", s.DownloadReceipt)
	}

	methods := api.Group("/payment-methods")
	{
		methods.GET("", s.ListPaymentMethods)
		methods.POST("/setup-intent", s.CreateSetupIntent)
		methods.POST("/:id/default", s.SetDefaultPaymentMethod)
		methods.DELETE("/:id", s.DetachPaymentMethod)
	}

	settings := api.Group("/settings")
	{
		settings.GET("", s.GetSettings)
		settings.PATCH("/notifications", s.UpdateNotificationSettings)
		settings.PATCH("/personalization", s.UpdatePersonalization)
		settings.PUT("/two-factor", s.UpdateTwoFactor)
		settings.POST("/change-password", s.ChangePassword)
		settings.PUT("/auto-renew", s.UpdateAutoRenew)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AuthRequired(), s.RequireAdmin())

	admin.POST("/subscriptions/activate",
		s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionActivate),
		s.AdminActivateSubscription)
	admin.POST("/subscriptions/:userId/cancel",
		s.authorizeAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCancelImmediate),
		s.AdminCancelSubscription)
	admin.POST("/renewals/run",
		s.authorizeAction(authorization.ObjectRenewal, authorization.ActionRenewalRun),
		s.AdminRunRenewals)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleWebhook)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
