package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Get(ctx context.Context, userID snowflake.ID) (*UserSettings, error)
	UpdateNotifications(ctx context.Context, userID snowflake.ID, req NotificationUpdate) (*UserSettings, error)
	UpdatePersonalization(ctx context.Context, userID snowflake.ID, req PersonalizationUpdate) (*UserSettings, error)
	// EmailEnabled reports the email preference without creating a row.
	EmailEnabled(ctx context.Context, userID snowflake.ID) (bool, error)
	// SetAutoRenewPreference flips the account-wide auto-renew switch.
	SetAutoRenewPreference(ctx context.Context, userID snowflake.ID, enabled bool) error
}
