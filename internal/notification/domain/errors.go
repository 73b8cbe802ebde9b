package domain

import "errors"

var (
	ErrUnknownKind  = errors.New("unknown_notification_kind")
	ErrNoRecipient  = errors.New("notification_recipient_missing")
	ErrUserNotFound = errors.New("notification_user_not_found")
)
