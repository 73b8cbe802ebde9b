package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/authorization"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"github.com/smallbiznis/tierline/internal/renewal"
	settingsdomain "github.com/smallbiznis/tierline/internal/settings/domain"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"github.com/smallbiznis/tierline/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Detail  any               `json:"detail,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var entErr *subscriptiondomain.EntitlementError
	if errors.As(err, &entErr) {
		return http.StatusForbidden, errorPayload{
			Type:    "entitlement_exceeded",
			Message: "plan limit reached",
			Detail:  entErr,
		}
	}

	var gwErr *paymentdomain.GatewayError
	if errors.As(err, &gwErr) {
		payload := errorPayload{
			Type:    "gateway_error",
			Message: "payment processor error",
		}
		if gwErr.Declined {
			payload.Type = "payment_declined"
			payload.Message = "payment declined"
			if gwErr.Code != "" {
				payload.Detail = gin.H{"code": gwErr.Code}
			}
		}
		return http.StatusBadGateway, payload
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authdomain.ErrInvalidCredentials),
		errors.Is(err, authdomain.ErrInvalidToken),
		errors.Is(err, authdomain.ErrTokenRevoked):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, authdomain.ErrTooManyOTPRequests),
		errors.Is(err, authdomain.ErrOTPAttemptsExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: err.Error(),
		}
	case isForbiddenError(err):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: forbiddenMessage(err),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the access log with the mapped error type and code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, sentinelCode(err)
}

func sentinelCode(err error) string {
	code := err.Error()
	if strings.ContainsAny(code, " :") {
		return ""
	}
	return code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return true
	case isAuthValidationError(err),
		isPlanValidationError(err),
		isSubscriptionValidationError(err),
		isPaymentValidationError(err),
		isSettingsValidationError(err):
		return true
	default:
		return false
	}
}

func isAuthValidationError(err error) bool {
	switch {
	case errors.Is(err, authdomain.ErrInvalidEmail),
		errors.Is(err, authdomain.ErrWeakPassword),
		errors.Is(err, authdomain.ErrInvalidOTP),
		errors.Is(err, authdomain.ErrPhoneRequired),
		errors.Is(err, authdomain.ErrInvalidTwoFactor),
		errors.Is(err, authdomain.ErrTwoFactorNotEnabled):
		return true
	default:
		return false
	}
}

func isPlanValidationError(err error) bool {
	switch {
	case errors.Is(err, plandomain.ErrInvalidPlan),
		errors.Is(err, plandomain.ErrInvalidBillingCycle),
		errors.Is(err, plandomain.ErrPlanNotPurchasable):
		return true
	default:
		return false
	}
}

func isSubscriptionValidationError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidUsageKind),
		errors.Is(err, subscriptiondomain.ErrInvalidPayment),
		errors.Is(err, subscriptiondomain.ErrReactivationExpired),
		errors.Is(err, subscriptiondomain.ErrPaymentMethodRequired):
		return true
	default:
		return false
	}
}

func isPaymentValidationError(err error) bool {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, paymentdomain.ErrInvalidMetadata),
		errors.Is(err, paymentdomain.ErrCustomerMissing),
		errors.Is(err, paymentdomain.ErrPaymentMethodRequired),
		errors.Is(err, paymentdomain.ErrPaymentIncomplete),
		errors.Is(err, paymentdomain.ErrSessionRequired),
		errors.Is(err, paymentdomain.ErrPaymentIntentRequired):
		return true
	default:
		return false
	}
}

func isSettingsValidationError(err error) bool {
	switch {
	case errors.Is(err, settingsdomain.ErrInvalidExpertiseLevel),
		errors.Is(err, settingsdomain.ErrInvalidCommunicationTone),
		errors.Is(err, settingsdomain.ErrEmptyUpdate):
		return true
	default:
		return false
	}
}

func isForbiddenError(err error) bool {
	switch {
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, authdomain.ErrEmailNotVerified),
		errors.Is(err, authdomain.ErrAccountDisabled),
		errors.Is(err, subscriptiondomain.ErrEntitlementExceeded),
		errors.Is(err, subscriptiondomain.ErrFeatureNotIncluded),
		errors.Is(err, subscriptiondomain.ErrNoActiveSubscription),
		errors.Is(err, subscriptiondomain.ErrSubscriptionExpired),
		errors.Is(err, subscriptiondomain.ErrImmediateCancelNotAllowed),
		errors.Is(err, paymentdomain.ErrPaymentOwnerMismatch):
		return true
	default:
		return false
	}
}

func forbiddenMessage(err error) string {
	if errors.Is(err, ErrForbidden) || errors.Is(err, authorization.ErrForbidden) {
		return "forbidden"
	}
	return err.Error()
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, authdomain.ErrUserExists),
		errors.Is(err, subscriptiondomain.ErrAlreadyCancelled),
		errors.Is(err, subscriptiondomain.ErrActiveSubscriptionExists),
		errors.Is(err, subscriptiondomain.ErrConcurrentActivation),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, renewal.ErrRunInProgress):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	if errors.Is(err, ErrConflict) {
		return "conflict"
	}
	return err.Error()
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, authdomain.ErrUserNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrNoCancelledSubscription),
		errors.Is(err, subscriptiondomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrUserNotFound),
		errors.Is(err, paymentdomain.ErrPaymentMethodNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "password_too_short":
		return "password is too short"
	case "reactivation_window_expired":
		return "subscription can no longer be reactivated"
	default:
		return "invalid value"
	}
}
