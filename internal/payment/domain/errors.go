package domain

import "errors"

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidMetadata       = errors.New("invalid_payment_metadata")
	ErrProviderNotFound      = errors.New("payment_provider_not_found")
	ErrUserNotFound          = errors.New("user_not_found")
	ErrCustomerMissing       = errors.New("payment_customer_missing")
	ErrPaymentMethodNotFound = errors.New("payment_method_not_found")
	ErrPaymentMethodRequired = errors.New("payment_method_required")
	ErrPaymentIncomplete     = errors.New("payment_not_completed")
	ErrSessionRequired       = errors.New("checkout_session_required")
	ErrPaymentIntentRequired = errors.New("payment_intent_required")
	ErrPaymentOwnerMismatch  = errors.New("payment_owner_mismatch")
)
