package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Repository interface {
	Count(ctx context.Context) (int64, error)
	Create(ctx context.Context, user *User) error
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id snowflake.ID) (*User, error)
	FindByPaymentCustomerID(ctx context.Context, customerID string) (*User, error)
	UpdateFields(ctx context.Context, id snowflake.ID, fields map[string]any) error
}

type TokenRepository interface {
	Blacklist(ctx context.Context, token *BlacklistedToken) error
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
