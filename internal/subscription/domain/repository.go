package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tierline/pkg/db/pagination"
	"gorm.io/gorm"
)

// ExpiryCriteria selects lapsed subscriptions to deactivate. Rows still
// awaiting a renewal retry are kept until GraceCutoff.
type ExpiryCriteria struct {
	Now         time.Time
	GraceCutoff time.Time
	MaxAttempts int
	Limit       int
}

// RenewalCriteria selects subscriptions due for an off-session charge.
type RenewalCriteria struct {
	Now         time.Time
	Lookahead   time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	Limit       int
}

type Repository interface {
	// FindActiveByUser returns nil, nil when the user has no active row.
	FindActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, forUpdate bool) (*Subscription, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Update(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error
	DeactivateAllForUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (int64, error)
	IncrementUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, kind UsageKind, now time.Time) error
	ListExpiredActive(ctx context.Context, db *gorm.DB, criteria ExpiryCriteria) ([]Subscription, error)
	ListRenewalCandidates(ctx context.Context, db *gorm.DB, criteria RenewalCriteria) ([]Subscription, error)
	DisableAutoRenewForPaymentMethod(ctx context.Context, db *gorm.DB, userID snowflake.ID, paymentMethodID string, now time.Time) (int64, error)

	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindPaymentByIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*Payment, error)
	FindPaymentByID(ctx context.Context, db *gorm.DB, userID, id snowflake.ID) (*Payment, error)
	ListPayments(ctx context.Context, db *gorm.DB, userID snowflake.ID, after *pagination.Cursor, limit int) ([]Payment, error)

	InsertCancellation(ctx context.Context, db *gorm.DB, cancellation *Cancellation) error
	ListCancellations(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Cancellation, error)
}
