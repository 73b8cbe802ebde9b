package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Signup(ctx context.Context, req SignupRequest) (*User, error)
	VerifyEmail(ctx context.Context, rawToken string) (*User, error)
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	SendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, rawToken, newPassword string) error
	ChangePassword(ctx context.Context, userID snowflake.ID, currentPassword, newPassword string) error
	UpdateTwoFactor(ctx context.Context, userID snowflake.ID, req TwoFactorRequest) (*User, error)
	Authenticate(ctx context.Context, accessToken string) (*Principal, error)
	GetUser(ctx context.Context, userID snowflake.ID) (*User, error)
}

type SignupRequest struct {
	Email       string
	Password    string
	FullName    string
	PhoneNumber string
}

type LoginRequest struct {
	Email    string
	Password string
}

// LoginResult carries tokens, or the 2FA challenge when the account requires one.
type LoginResult struct {
	Tokens      *TokenPair      `json:"tokens,omitempty"`
	Requires2FA bool            `json:"requires_2fa"`
	AuthMethod  TwoFactorMethod `json:"auth_method,omitempty"`
	Contact     string          `json:"contact,omitempty"`
}

type TwoFactorRequest struct {
	Enabled     bool
	Method      string
	PhoneNumber string
}
