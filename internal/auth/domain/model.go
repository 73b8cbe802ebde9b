// Package domain contains core types for the auth service.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TwoFactorMethod string

const (
	TwoFactorEmail TwoFactorMethod = "email"
	TwoFactorPhone TwoFactorMethod = "phone"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a system user account.
type User struct {
	ID                     snowflake.ID    `gorm:"primaryKey" json:"id"`
	ExternalID             string          `gorm:"type:text;not null;uniqueIndex" json:"external_id"`
	Email                  string          `gorm:"type:text;not null;uniqueIndex" json:"email"`
	FullName               string          `gorm:"type:text" json:"full_name"`
	PasswordHash           string          `gorm:"type:text;not null" json:"-"`
	Role                   string          `gorm:"type:text;not null;default:'user'" json:"role"`
	IsActive               bool            `gorm:"not null;default:true" json:"is_active"`
	EmailVerified          bool            `gorm:"not null;default:false" json:"email_verified"`
	EmailVerifiedAt        *time.Time      `json:"email_verified_at,omitempty"`
	PhoneNumber            *string         `gorm:"type:text" json:"phone_number,omitempty"`
	TwoFactorEnabled       bool            `gorm:"column:two_factor_enabled;not null;default:false" json:"two_factor_enabled"`
	TwoFactorMethod        TwoFactorMethod `gorm:"column:two_factor_method;type:text;not null;default:'email'" json:"two_factor_method"`
	PaymentCustomerID      *string         `gorm:"type:text;index" json:"-"`
	DefaultPaymentMethodID *string         `gorm:"type:text" json:"default_payment_method_id,omitempty"`
	AutoRenewEnabled       bool            `gorm:"not null;default:true" json:"auto_renew_enabled"`
	LastLoginAt            *time.Time      `json:"last_login_at,omitempty"`
	LastPasswordChanged    *time.Time      `json:"-"`
	CreatedAt              time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// BlacklistedToken is a revoked JWT, keyed by the SHA-256 of the raw token.
type BlacklistedToken struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	TokenHash string       `gorm:"type:text;not null;uniqueIndex"`
	TokenType TokenType    `gorm:"type:text;not null"`
	UserID    snowflake.ID `gorm:"not null;index"`
	ExpiresAt time.Time    `gorm:"not null;index"`
	CreatedAt time.Time    `gorm:"not null"`
}

func (BlacklistedToken) TableName() string { return "blacklisted_tokens" }

type TokenType string

const (
	TokenAccess        TokenType = "access"
	TokenRefresh       TokenType = "refresh"
	TokenEmailVerify   TokenType = "email_verify"
	TokenPasswordReset TokenType = "password_reset"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    snowflake.ID
	Email     string
	Role      string
	ExpiresAt time.Time
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
