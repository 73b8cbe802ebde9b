package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// FindByUser returns nil, nil when the user has no settings row yet.
	FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*UserSettings, error)
	// CreateIfMissing inserts the row unless one already exists for the user.
	CreateIfMissing(ctx context.Context, db *gorm.DB, settings *UserSettings) error
	Update(ctx context.Context, db *gorm.DB, userID snowflake.ID, fields map[string]any) error
}
