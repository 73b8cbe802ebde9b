package domain

import "errors"

var (
	ErrInvalidCredentials  = errors.New("invalid_credentials")
	ErrInvalidEmail        = errors.New("invalid_email")
	ErrWeakPassword        = errors.New("password_too_short")
	ErrUserNotFound        = errors.New("user_not_found")
	ErrUserExists          = errors.New("email_already_registered")
	ErrEmailNotVerified    = errors.New("email_not_verified")
	ErrAccountDisabled     = errors.New("account_disabled")
	ErrInvalidToken        = errors.New("invalid_token")
	ErrTokenRevoked        = errors.New("token_revoked")
	ErrInvalidOTP          = errors.New("invalid_otp")
	ErrOTPAttemptsExceeded = errors.New("otp_attempts_exceeded")
	ErrTooManyOTPRequests  = errors.New("too_many_otp_requests")
	ErrPhoneRequired       = errors.New("phone_number_required")
	ErrInvalidTwoFactor    = errors.New("invalid_two_factor_method")
	ErrTwoFactorNotEnabled = errors.New("two_factor_not_enabled")
)
