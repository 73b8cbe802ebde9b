package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
)

type purchaseRequest struct {
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
	// SavePaymentMethod defaults to true so renewals can charge the card.
	SavePaymentMethod *bool  `json:"save_payment_method"`
	PaymentMethodID   string `json:"payment_method_id"`
}

func (r purchaseRequest) toDomain(userID snowflake.ID) (paymentdomain.PurchaseRequest, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(r.PlanID))
	if err != nil || planID == 0 {
		return paymentdomain.PurchaseRequest{}, plandomain.ErrInvalidPlan
	}
	cycle := plandomain.BillingCycleMonthly
	if raw := strings.TrimSpace(r.BillingCycle); raw != "" {
		cycle, err = plandomain.ParseBillingCycle(raw)
		if err != nil {
			return paymentdomain.PurchaseRequest{}, err
		}
	}
	save := true
	if r.SavePaymentMethod != nil {
		save = *r.SavePaymentMethod
	}
	return paymentdomain.PurchaseRequest{
		UserID:          userID,
		PlanID:          planID,
		BillingCycle:    cycle,
		SaveMethod:      save,
		PaymentMethodID: strings.TrimSpace(r.PaymentMethodID),
	}, nil
}

func (s *Server) bindPurchase(c *gin.Context) (paymentdomain.PurchaseRequest, bool) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return paymentdomain.PurchaseRequest{}, false
	}
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return paymentdomain.PurchaseRequest{}, false
	}
	purchase, err := req.toDomain(principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return paymentdomain.PurchaseRequest{}, false
	}
	return purchase, true
}

func (s *Server) GetCurrentSubscription(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	current, err := s.subscriptionSvc.GetCurrent(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": current})
}

func (s *Server) GetEntitlements(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	entitlements, err := s.subscriptionSvc.Entitlements(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entitlements})
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	purchase, ok := s.bindPurchase(c)
	if !ok {
		return
	}

	session, err := s.paymentSvc.CreateCheckoutSession(c.Request.Context(), purchase)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

// GetCheckoutStatus polls the session and activates the plan once it is paid.
func (s *Server) GetCheckoutStatus(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	status, err := s.paymentSvc.CheckoutStatus(c.Request.Context(), principal.UserID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) CreatePaymentIntent(c *gin.Context) {
	purchase, ok := s.bindPurchase(c)
	if !ok {
		return
	}

	intent, err := s.paymentSvc.CreatePaymentIntent(c.Request.Context(), purchase)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": intent})
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.ConfirmPayment(c.Request.Context(), principal.UserID, strings.TrimSpace(req.PaymentIntentID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// PurchaseWithSavedMethod charges a stored card off-session. Clients may send
// an Idempotency-Key header so a retried request is not charged twice.
func (s *Server) PurchaseWithSavedMethod(c *gin.Context) {
	purchase, ok := s.bindPurchase(c)
	if !ok {
		return
	}
	purchase.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	result, err := s.paymentSvc.PurchaseWithSavedMethod(c.Request.Context(), purchase)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ActivateFree(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	result, err := s.subscriptionSvc.ActivateFree(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type cancelRequest struct {
	Reason    string `json:"reason"`
	Feedback  string `json:"feedback"`
	Immediate bool   `json:"immediate"`
}

func (s *Server) CancelSubscription(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if req.Immediate {
		AbortWithError(c, subscriptiondomain.ErrImmediateCancelNotAllowed)
		return
	}

	result, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		UserID:    principal.UserID,
		ActorID:   principal.UserID,
		Reason:    strings.TrimSpace(req.Reason),
		Feedback:  strings.TrimSpace(req.Feedback),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ReactivateSubscription(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	sub, err := s.subscriptionSvc.Reactivate(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) GetCancellationStatus(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	status, err := s.subscriptionSvc.CancellationStatus(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) ListCancellations(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	history, err := s.subscriptionSvc.CancellationHistory(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": history})
}

// checkUsage reports the counter without consuming it.
func (s *Server) checkUsage(kind subscriptiondomain.UsageKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := mustPrincipal(c)
		if !ok {
			return
		}

		usage, err := s.subscriptionSvc.Check(c.Request.Context(), principal.UserID, kind)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": usage})
	}
}

// consumeUsage gates one metered action and counts it.
func (s *Server) consumeUsage(kind subscriptiondomain.UsageKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := mustPrincipal(c)
		if !ok {
			return
		}

		usage, err := s.subscriptionSvc.Consume(c.Request.Context(), principal.UserID, kind)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": usage})
	}
}
