package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"go.uber.org/zap"
)

type adminActivateRequest struct {
	UserID       string `json:"user_id"`
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
}

// AdminActivateSubscription grants a plan without a payment, through the same
// activation path as checkout.
func (s *Server) AdminActivateSubscription(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req adminActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		AbortWithError(c, subscriptiondomain.ErrInvalidUser)
		return
	}
	planID, err := snowflake.ParseString(strings.TrimSpace(req.PlanID))
	if err != nil || planID == 0 {
		AbortWithError(c, plandomain.ErrInvalidPlan)
		return
	}
	cycle := plandomain.BillingCycleMonthly
	if raw := strings.TrimSpace(req.BillingCycle); raw != "" {
		cycle, err = plandomain.ParseBillingCycle(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	result, err := s.subscriptionSvc.Activate(c.Request.Context(), subscriptiondomain.ActivateRequest{
		UserID:       userID,
		PlanID:       planID,
		BillingCycle: cycle,
		Source:       subscriptiondomain.SourceAdmin,
		Metadata: map[string]any{
			"activated_by": principal.UserID.String(),
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Info("admin activation",
		zap.String("admin_id", principal.UserID.String()),
		zap.String("user_id", userID.String()),
		zap.String("plan_id", planID.String()),
	)
	c.JSON(http.StatusOK, gin.H{"data": result})
}

type adminCancelRequest struct {
	Reason   string `json:"reason"`
	Feedback string `json:"feedback"`
}

// AdminCancelSubscription ends the user's access now.
func (s *Server) AdminCancelSubscription(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	userID, err := snowflake.ParseString(strings.TrimSpace(c.Param("userId")))
	if err != nil || userID == 0 {
		AbortWithError(c, subscriptiondomain.ErrInvalidUser)
		return
	}
	var req adminCancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = string(subscriptiondomain.ReasonAdminAction)
	}

	result, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		UserID:    userID,
		ActorID:   principal.UserID,
		Reason:    reason,
		Feedback:  strings.TrimSpace(req.Feedback),
		Immediate: true,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// AdminRunRenewals runs one renewal pass now. A run already in flight yields 409.
func (s *Server) AdminRunRenewals(c *gin.Context) {
	if s.renewer == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	summary, err := s.renewer.Run(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}
