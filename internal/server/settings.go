package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	settingsdomain "github.com/smallbiznis/tierline/internal/settings/domain"
)

func (s *Server) GetSettings(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	settings, err := s.settingsSvc.Get(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (s *Server) UpdateNotificationSettings(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req settingsdomain.NotificationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settings, err := s.settingsSvc.UpdateNotifications(c.Request.Context(), principal.UserID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (s *Server) UpdatePersonalization(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req settingsdomain.PersonalizationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settings, err := s.settingsSvc.UpdatePersonalization(c.Request.Context(), principal.UserID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}

type twoFactorRequest struct {
	Enabled     bool   `json:"enabled"`
	Method      string `json:"method"`
	PhoneNumber string `json:"phone_number"`
}

func (s *Server) UpdateTwoFactor(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req twoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	user, err := s.authsvc.UpdateTwoFactor(c.Request.Context(), principal.UserID, authdomain.TwoFactorRequest{
		Enabled:     req.Enabled,
		Method:      strings.TrimSpace(req.Method),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"two_factor_enabled": user.TwoFactorEnabled,
		"two_factor_method":  user.TwoFactorMethod,
	}})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) ChangePassword(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.authsvc.ChangePassword(c.Request.Context(), principal.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"changed": true}})
}

type autoRenewRequest struct {
	Enabled *bool `json:"enabled"`
}

// UpdateAutoRenew flips the account-wide switch; the renewal engine skips
// users who turned it off.
func (s *Server) UpdateAutoRenew(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var req autoRenewRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, newValidationError("enabled", "required", "enabled is required"))
		return
	}

	if err := s.settingsSvc.SetAutoRenewPreference(c.Request.Context(), principal.UserID, *req.Enabled); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"auto_renew_enabled": *req.Enabled}})
}
