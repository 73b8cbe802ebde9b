package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tierline/pkg/db/pagination"
)

func (s *Server) ListPayments(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payments, info, err := s.subscriptionSvc.ListPayments(c.Request.Context(), principal.UserID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payments, "page_info": info})
}

func (s *Server) GetPayment(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	payment, err := s.subscriptionSvc.GetPayment(c.Request.Context(), principal.UserID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) DownloadReceipt(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	receipt, err := s.paymentSvc.Receipt(c.Request.Context(), principal.UserID, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.DataFromReader(http.StatusOK, -1, "application/pdf", receipt.Body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, receipt.Filename),
	})
}

func (s *Server) ListPaymentMethods(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	methods, err := s.paymentSvc.ListPaymentMethods(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": methods})
}

func (s *Server) CreateSetupIntent(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	intent, err := s.paymentSvc.CreateSetupIntent(c.Request.Context(), principal.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": intent})
}

func (s *Server) SetDefaultPaymentMethod(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	methodID := strings.TrimSpace(c.Param("id"))
	if err := s.paymentSvc.SetDefaultPaymentMethod(c.Request.Context(), principal.UserID, methodID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"default_payment_method_id": methodID}})
}

// DetachPaymentMethod also turns off auto-renew on subscriptions billed to the card.
func (s *Server) DetachPaymentMethod(c *gin.Context) {
	principal, ok := mustPrincipal(c)
	if !ok {
		return
	}

	if err := s.paymentSvc.DetachPaymentMethod(c.Request.Context(), principal.UserID, strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
