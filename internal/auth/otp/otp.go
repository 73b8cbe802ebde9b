// Package otp issues and checks one-time login codes.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
)

const (
	codeDigits = 6
	keyPrefix  = "otp:login:"
)

type record struct {
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Manager stores only the SHA-256 of each code.
type Manager struct {
	store       Store
	clock       clock.Clock
	ttl         time.Duration
	maxAttempts int
}

func NewManager(cfg config.Config, store Store, clk clock.Clock) *Manager {
	return New(store, clk, cfg.Auth.OTPTTL, cfg.Auth.OTPMaxAttempts)
}

func New(store Store, clk clock.Clock, ttl time.Duration, maxAttempts int) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Manager{store: store, clock: clk, ttl: ttl, maxAttempts: maxAttempts}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue replaces any outstanding code for the subject.
func (m *Manager) Issue(ctx context.Context, subject string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(record{
		Hash:      hashCode(code),
		ExpiresAt: m.clock.Now().Add(m.ttl),
	})
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, keyPrefix+subject, payload, m.ttl); err != nil {
		return "", err
	}
	return code, nil
}

// Verify consumes the code on success. Each mismatch counts an attempt; the
// code is discarded once the limit is reached.
func (m *Manager) Verify(ctx context.Context, subject, code string) error {
	key := keyPrefix + subject
	raw, remaining, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return authdomain.ErrInvalidOTP
	}
	if err != nil {
		return err
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		_ = m.store.Delete(ctx, key)
		return authdomain.ErrInvalidOTP
	}
	if !m.clock.Now().Before(rec.ExpiresAt) {
		_ = m.store.Delete(ctx, key)
		return authdomain.ErrInvalidOTP
	}
	if rec.Attempts >= m.maxAttempts {
		_ = m.store.Delete(ctx, key)
		return authdomain.ErrOTPAttemptsExceeded
	}

	if subtle.ConstantTimeCompare([]byte(rec.Hash), []byte(hashCode(code))) == 1 {
		return m.store.Delete(ctx, key)
	}

	rec.Attempts++
	if rec.Attempts >= m.maxAttempts {
		_ = m.store.Delete(ctx, key)
		return authdomain.ErrOTPAttemptsExceeded
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, key, payload, remaining); err != nil {
		return err
	}
	return authdomain.ErrInvalidOTP
}

func generateCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
