package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"github.com/smallbiznis/tierline/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const activeUserIndex = "ux_user_subscriptions_active_user"

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

// Migrate creates the subscription tables and the partial unique index that
// allows a single active row per user. MySQL has no partial indexes, so there
// the invariant rests on the activation transaction alone.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.Payment{},
		&subscriptiondomain.Cancellation{},
	); err != nil {
		return err
	}
	if db.Dialector.Name() == "mysql" {
		return nil
	}
	return db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS " + activeUserIndex +
			" ON user_subscriptions (user_id) WHERE active",
	).Error
}

func lockable(db *gorm.DB, forUpdate bool) *gorm.DB {
	if forUpdate {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (r *repo) FindActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := lockable(db.WithContext(ctx), forUpdate).
		Where("user_id = ? AND active = ?", userID, true).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := lockable(db.WithContext(ctx), forUpdate).
		Where("id = ?", id).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error {
	result := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	return nil
}

func (r *repo) DeactivateAllForUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(map[string]any{"active": false, "updated_at": now})
	return result.RowsAffected, result.Error
}

func (r *repo) IncrementUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, kind subscriptiondomain.UsageKind, now time.Time) error {
	column := kind.Column()
	return db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{
			column:       gorm.Expr(column+" + ?", 1),
			"updated_at": now,
		}).Error
}

// ListExpiredActive skips rows the renewal engine may still charge, so a retry
// due after the expiry date is not lost to the sweep.
func (r *repo) ListExpiredActive(ctx context.Context, db *gorm.DB, c subscriptiondomain.ExpiryCriteria) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	query := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Select("user_subscriptions.*").
		Joins("JOIN users ON users.id = user_subscriptions.user_id").
		Where("user_subscriptions.active = ? AND user_subscriptions.expiry_date <= ?", true, c.Now).
		Where(
			"user_subscriptions.expiry_date <= ? OR NOT ("+
				"user_subscriptions.auto_renew = ? AND user_subscriptions.is_cancelled = ? AND "+
				"COALESCE(user_subscriptions.payment_method_id, '') <> '' AND "+
				"user_subscriptions.renewal_attempts < ? AND users.auto_renew_enabled = ?)",
			c.GraceCutoff, true, false, c.MaxAttempts, true,
		).
		Order("user_subscriptions.expiry_date ASC, user_subscriptions.id ASC")
	if c.Limit > 0 {
		query = query.Limit(c.Limit)
	}
	if err := query.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// ListRenewalCandidates joins users so an account-wide opt out is honoured
// without touching each subscription row.
func (r *repo) ListRenewalCandidates(ctx context.Context, db *gorm.DB, c subscriptiondomain.RenewalCriteria) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	query := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Select("user_subscriptions.*").
		Joins("JOIN users ON users.id = user_subscriptions.user_id").
		Where("user_subscriptions.active = ? AND user_subscriptions.auto_renew = ?", true, true).
		Where("user_subscriptions.is_cancelled = ?", false).
		Where("user_subscriptions.payment_method_id IS NOT NULL AND user_subscriptions.payment_method_id <> ''").
		Where("users.auto_renew_enabled = ?", true).
		Where("user_subscriptions.renewal_attempts < ?", c.MaxAttempts).
		Where(
			"(user_subscriptions.renewal_failed = ? AND user_subscriptions.next_renewal_date <= ?) OR "+
				"(user_subscriptions.renewal_failed = ? AND user_subscriptions.last_renewal_attempt <= ?)",
			false, c.Now.Add(c.Lookahead),
			true, c.Now.Add(-c.Cooldown),
		).
		Order("user_subscriptions.next_renewal_date ASC, user_subscriptions.id ASC")
	if c.Limit > 0 {
		query = query.Limit(c.Limit)
	}
	if err := query.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) DisableAutoRenewForPaymentMethod(ctx context.Context, db *gorm.DB, userID snowflake.ID, paymentMethodID string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("user_id = ? AND payment_method_id = ? AND active = ?", userID, paymentMethodID, true).
		Updates(map[string]any{"auto_renew": false, "updated_at": now})
	return result.RowsAffected, result.Error
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *subscriptiondomain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindPaymentByIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*subscriptiondomain.Payment, error) {
	var payment subscriptiondomain.Payment
	err := db.WithContext(ctx).Where("payment_intent_id = ?", paymentIntentID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repo) FindPaymentByID(ctx context.Context, db *gorm.DB, userID, id snowflake.ID) (*subscriptiondomain.Payment, error) {
	var payment subscriptiondomain.Payment
	err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repo) ListPayments(ctx context.Context, db *gorm.DB, userID snowflake.ID, after *pagination.Cursor, limit int) ([]subscriptiondomain.Payment, error) {
	query := db.WithContext(ctx).Where("user_id = ?", userID)
	if after != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			after.CreatedAt, after.CreatedAt, after.ID,
		)
	}
	var payments []subscriptiondomain.Payment
	err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repo) InsertCancellation(ctx context.Context, db *gorm.DB, cancellation *subscriptiondomain.Cancellation) error {
	return db.WithContext(ctx).Create(cancellation).Error
}

func (r *repo) ListCancellations(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]subscriptiondomain.Cancellation, error) {
	var items []subscriptiondomain.Cancellation
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
