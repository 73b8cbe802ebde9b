// Package domain defines the outbound notification contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind identifies a notification template.
type Kind string

const (
	KindWelcome                  Kind = "welcome"
	KindVerifyEmail              Kind = "verify_email"
	KindOTP                      Kind = "otp"
	KindPasswordReset            Kind = "password_reset"
	KindRenewalSuccess           Kind = "renewal_success"
	KindRenewalFailedRetry       Kind = "renewal_failed_retry"
	KindRenewalFailedFinal       Kind = "renewal_failed_final"
	KindCancellationConfirmation Kind = "cancellation_confirmation"
	KindRenewalSummary           Kind = "renewal_summary"
)

func (k Kind) Valid() bool {
	switch k {
	case KindWelcome, KindVerifyEmail, KindOTP, KindPasswordReset,
		KindRenewalSuccess, KindRenewalFailedRetry, KindRenewalFailedFinal,
		KindCancellationConfirmation, KindRenewalSummary:
		return true
	default:
		return false
	}
}

// Security-critical kinds are delivered regardless of user preferences.
func (k Kind) Mandatory() bool {
	switch k {
	case KindOTP, KindVerifyEmail, KindPasswordReset:
		return true
	default:
		return false
	}
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Notification is a request to tell a user (or an operator address) something.
// When To is empty the recipient is resolved from UserID.
type Notification struct {
	Kind    Kind
	UserID  snowflake.ID
	To      string
	Channel Channel
	Params  map[string]any
}

// Sender delivers notifications. Callers log failures; they never roll back
// state because a notification could not be delivered.
type Sender interface {
	Notify(ctx context.Context, n Notification) error
}

// Log records every delivery attempt.
type Log struct {
	ID        snowflake.ID  `gorm:"primaryKey" json:"id"`
	Kind      Kind          `gorm:"type:text;not null;index" json:"kind"`
	UserID    *snowflake.ID `gorm:"index" json:"user_id,omitempty"`
	Channel   Channel       `gorm:"type:text;not null" json:"channel"`
	Recipient string        `gorm:"type:text;not null" json:"recipient"`
	Status    Status        `gorm:"type:text;not null" json:"status"`
	Error     *string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
}

func (Log) TableName() string { return "notification_logs" }

type Repository interface {
	Insert(ctx context.Context, log *Log) error
	ListByUser(ctx context.Context, userID snowflake.ID, kind Kind) ([]Log, error)
}
