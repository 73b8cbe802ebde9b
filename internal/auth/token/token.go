// Package token issues and verifies the service's signed JWTs.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
	"go.uber.org/zap"
)

// Claims are the registered claims plus the token purpose.
type Claims struct {
	jwt.RegisteredClaims
	Type  authdomain.TokenType `json:"typ"`
	Email string               `json:"email,omitempty"`
	Role  string               `json:"role,omitempty"`
}

func (c Claims) UserID() (snowflake.ID, error) {
	return snowflake.ParseString(c.Subject)
}

type Manager struct {
	secret []byte
	issuer string
	clock  clock.Clock
	ttls   map[authdomain.TokenType]time.Duration
}

func NewManager(cfg config.Config, clk clock.Clock, log *zap.Logger) (*Manager, error) {
	secret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if secret == "" {
		if cfg.IsProduction() {
			return nil, errors.New("AUTH_JWT_SECRET is required in production")
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(buf)
		log.Warn("AUTH_JWT_SECRET not set, using an ephemeral signing key")
	}
	return New(secret, cfg.Auth.JWTIssuer, clk, map[authdomain.TokenType]time.Duration{
		authdomain.TokenAccess:        cfg.Auth.AccessTokenTTL,
		authdomain.TokenRefresh:       cfg.Auth.RefreshTokenTTL,
		authdomain.TokenEmailVerify:   cfg.Auth.EmailTokenTTL,
		authdomain.TokenPasswordReset: cfg.Auth.EmailTokenTTL,
	}), nil
}

func New(secret, issuer string, clk clock.Clock, ttls map[authdomain.TokenType]time.Duration) *Manager {
	if issuer == "" {
		issuer = "tierline"
	}
	return &Manager{secret: []byte(secret), issuer: issuer, clock: clk, ttls: ttls}
}

func (m *Manager) TTL(tokenType authdomain.TokenType) time.Duration {
	if ttl := m.ttls[tokenType]; ttl > 0 {
		return ttl
	}
	return time.Hour
}

// Issue signs a token of the given purpose for the user.
func (m *Manager) Issue(tokenType authdomain.TokenType, user authdomain.User) (string, time.Time, error) {
	now := m.clock.Now()
	expiresAt := now.Add(m.TTL(tokenType))
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Issuer:    m.issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type:  tokenType,
		Email: user.Email,
	}
	if tokenType == authdomain.TokenAccess {
		claims.Role = user.Role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Parse verifies signature, issuer, expiry and purpose.
func (m *Manager) Parse(raw string, expected authdomain.TokenType) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, authdomain.ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		return nil, authdomain.ErrInvalidToken
	}
	if claims.Type != expected {
		return nil, authdomain.ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, authdomain.ErrInvalidToken
	}
	return claims, nil
}
