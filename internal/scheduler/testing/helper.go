// Package testing moves subscriptions through time so scheduler jobs have work.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites subscription dates relative to a reference time.
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// MakeRenewalDue moves the next renewal date a minute into the past.
func (ta *TimeAccelerator) MakeRenewalDue(ctx context.Context, subscriptionID snowflake.ID) error {
	now := ta.now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET next_renewal_date = ?, updated_at = ?
		 WHERE id = ? AND active = ?`,
		now.Add(-1*time.Minute),
		now,
		subscriptionID,
		true,
	).Error
}

// ExpireNow ends the paid period a minute ago.
func (ta *TimeAccelerator) ExpireNow(ctx context.Context, subscriptionID snowflake.ID) error {
	now := ta.now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE user_subscriptions
		 SET expiry_date = ?, next_renewal_date = ?, updated_at = ?
		 WHERE id = ?`,
		now.Add(-1*time.Minute),
		now.Add(-1*time.Minute),
		now,
		subscriptionID,
	).Error
}

// SubscriptionInfo shows where a subscription stands for debugging.
type SubscriptionInfo struct {
	ID              snowflake.ID
	Active          bool
	AutoRenew       bool
	ExpiryDate      time.Time
	TimeUntilExpiry time.Duration
	RenewalAttempts int
}

func (ta *TimeAccelerator) GetSubscriptionInfo(ctx context.Context, subscriptionID snowflake.ID) (*SubscriptionInfo, error) {
	var row struct {
		ID              snowflake.ID
		Active          bool
		AutoRenew       bool
		ExpiryDate      time.Time
		RenewalAttempts int
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, active, auto_renew, expiry_date, renewal_attempts
		 FROM user_subscriptions
		 WHERE id = ?`,
		subscriptionID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &SubscriptionInfo{
		ID:              row.ID,
		Active:          row.Active,
		AutoRenew:       row.AutoRenew,
		ExpiryDate:      row.ExpiryDate,
		TimeUntilExpiry: row.ExpiryDate.Sub(ta.now()),
		RenewalAttempts: row.RenewalAttempts,
	}, nil
}
