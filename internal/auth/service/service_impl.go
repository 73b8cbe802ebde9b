package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/auth/otp"
	"github.com/smallbiznis/tierline/internal/auth/password"
	"github.com/smallbiznis/tierline/internal/auth/token"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
	notificationdomain "github.com/smallbiznis/tierline/internal/notification/domain"
	"github.com/smallbiznis/tierline/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

type Service struct {
	log       *zap.Logger
	repo      domain.Repository
	tokenRepo domain.TokenRepository
	genID     *snowflake.Node
	clock     clock.Clock
	tokens    *token.Manager
	otp       *otp.Manager
	limiter   ratelimit.OTPSendLimiter
	notifier  notificationdomain.Sender
	baseURL   string
}

type ServiceParam struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Repo      domain.Repository
	TokenRepo domain.TokenRepository
	GenID     *snowflake.Node
	Clock     clock.Clock
	Tokens    *token.Manager
	OTP       *otp.Manager
	Limiter   ratelimit.OTPSendLimiter
	Notifier  notificationdomain.Sender
}

func New(p ServiceParam) domain.Service {
	return &Service{
		log:       p.Log.Named("auth.service"),
		repo:      p.Repo,
		tokenRepo: p.TokenRepo,
		genID:     p.GenID,
		clock:     p.Clock,
		tokens:    p.Tokens,
		otp:       p.OTP,
		limiter:   p.Limiter,
		notifier:  p.Notifier,
		baseURL:   strings.TrimRight(p.Cfg.Auth.PublicBaseURL, "/"),
	}
}

func (s *Service) Signup(ctx context.Context, req domain.SignupRequest) (*domain.User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, domain.ErrInvalidEmail
	}
	if err := password.Validate(req.Password); err != nil {
		return nil, domain.ErrWeakPassword
	}
	var phone *string
	if raw := strings.TrimSpace(req.PhoneNumber); raw != "" {
		if !phonePattern.MatchString(raw) {
			return nil, domain.ErrPhoneRequired
		}
		phone = &raw
	}

	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return nil, domain.ErrUserExists
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}

	hashed, err := password.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	fullName := strings.TrimSpace(req.FullName)
	if fullName == "" {
		fullName = defaultDisplayName(email)
	}
	user := &domain.User{
		ID:                  s.genID.Generate(),
		ExternalID:          uuid.NewString(),
		Email:               email,
		FullName:            fullName,
		PasswordHash:        hashed,
		Role:                domain.RoleUser,
		IsActive:            true,
		PhoneNumber:         phone,
		TwoFactorMethod:     domain.TwoFactorEmail,
		AutoRenewEnabled:    true,
		LastPasswordChanged: &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}

	s.notify(ctx, notificationdomain.Notification{
		Kind:   notificationdomain.KindWelcome,
		UserID: user.ID,
		Params: map[string]any{"name": user.FullName},
	})
	s.sendVerification(ctx, *user)

	s.log.Info("user signed up", zap.String("user_id", user.ID.String()))
	return user, nil
}

func (s *Service) sendVerification(ctx context.Context, user domain.User) {
	raw, _, err := s.tokens.Issue(domain.TokenEmailVerify, user)
	if err != nil {
		s.log.Error("issue verification token", zap.Error(err))
		return
	}
	s.notify(ctx, notificationdomain.Notification{
		Kind:   notificationdomain.KindVerifyEmail,
		UserID: user.ID,
		Params: map[string]any{
			"name": user.FullName,
			"link": s.baseURL + "/auth/verify-email?token=" + url.QueryEscape(raw),
		},
	})
}

func (s *Service) VerifyEmail(ctx context.Context, rawToken string) (*domain.User, error) {
	claims, err := s.tokens.Parse(rawToken, domain.TokenEmailVerify)
	if err != nil {
		return nil, err
	}
	userID, _ := claims.UserID()
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}
	if !strings.EqualFold(user.Email, claims.Email) {
		return nil, domain.ErrInvalidToken
	}
	if user.EmailVerified {
		return user, nil
	}

	now := s.clock.Now()
	if err := s.repo.UpdateFields(ctx, user.ID, map[string]any{
		"email_verified":    true,
		"email_verified_at": now,
		"updated_at":        now,
	}); err != nil {
		return nil, err
	}
	user.EmailVerified = true
	user.EmailVerifiedAt = &now
	return user, nil
}

func (s *Service) Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResult, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	if strings.TrimSpace(req.Password) == "" {
		return nil, domain.ErrInvalidCredentials
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if !password.Verify(req.Password, user.PasswordHash) {
		return nil, domain.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, domain.ErrAccountDisabled
	}
	if !user.EmailVerified {
		return nil, domain.ErrEmailNotVerified
	}

	if user.TwoFactorEnabled {
		if err := s.sendOTP(ctx, *user); err != nil {
			return nil, err
		}
		return &domain.LoginResult{
			Requires2FA: true,
			AuthMethod:  user.TwoFactorMethod,
			Contact:     maskContact(*user),
		}, nil
	}

	tokens, err := s.completeLogin(ctx, *user)
	if err != nil {
		return nil, err
	}
	return &domain.LoginResult{Tokens: tokens}, nil
}

// SendOTP resends a login code. Unknown accounts and accounts without 2FA
// get the same silent success so the endpoint cannot enumerate users.
func (s *Service) SendOTP(ctx context.Context, email string) error {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return domain.ErrInvalidEmail
	}
	user, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if !user.TwoFactorEnabled || !user.IsActive {
		return nil
	}
	return s.sendOTP(ctx, *user)
}

func (s *Service) sendOTP(ctx context.Context, user domain.User) error {
	res, err := s.limiter.Allow(ctx, user.ID.String())
	if err != nil {
		return err
	}
	if !res.Allowed {
		return domain.ErrTooManyOTPRequests
	}

	code, err := s.otp.Issue(ctx, user.ID.String())
	if err != nil {
		return err
	}

	channel := notificationdomain.ChannelEmail
	if user.TwoFactorMethod == domain.TwoFactorPhone {
		channel = notificationdomain.ChannelSMS
	}
	s.notify(ctx, notificationdomain.Notification{
		Kind:    notificationdomain.KindOTP,
		UserID:  user.ID,
		Channel: channel,
		Params: map[string]any{
			"code":        code,
			"ttl_minutes": int(s.otp.TTL().Minutes()),
		},
	})
	return nil
}

func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*domain.TokenPair, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return nil, domain.ErrInvalidOTP
	}
	user, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidOTP
		}
		return nil, err
	}
	if !user.TwoFactorEnabled {
		return nil, domain.ErrTwoFactorNotEnabled
	}
	if err := s.otp.Verify(ctx, user.ID.String(), strings.TrimSpace(code)); err != nil {
		return nil, err
	}
	return s.completeLogin(ctx, *user)
}

func (s *Service) completeLogin(ctx context.Context, user domain.User) (*domain.TokenPair, error) {
	tokens, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.repo.UpdateFields(ctx, user.ID, map[string]any{"last_login_at": now}); err != nil {
		s.log.Warn("update last login", zap.String("user_id", user.ID.String()), zap.Error(err))
	}
	return tokens, nil
}

func (s *Service) issuePair(user domain.User) (*domain.TokenPair, error) {
	access, accessExp, err := s.tokens.Issue(domain.TokenAccess, user)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.tokens.Issue(domain.TokenRefresh, user)
	if err != nil {
		return nil, err
	}
	return &domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh rotates the refresh token; the presented one is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken, domain.TokenRefresh)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotRevoked(ctx, refreshToken); err != nil {
		return nil, err
	}
	userID, _ := claims.UserID()
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, domain.ErrAccountDisabled
	}
	if err := s.revoke(ctx, refreshToken, claims); err != nil {
		return nil, err
	}
	return s.issuePair(*user)
}

func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := s.tokens.Parse(accessToken, domain.TokenAccess)
	if err != nil {
		return err
	}
	if err := s.revoke(ctx, accessToken, claims); err != nil {
		return err
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	refreshClaims, err := s.tokens.Parse(refreshToken, domain.TokenRefresh)
	if err != nil {
		return nil
	}
	if refreshClaims.Subject != claims.Subject {
		return domain.ErrInvalidToken
	}
	return s.revoke(ctx, refreshToken, refreshClaims)
}

// ForgotPassword never reveals whether the account exists.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return nil
	}
	user, err := s.repo.FindByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive {
		return nil
	}

	raw, _, err := s.tokens.Issue(domain.TokenPasswordReset, *user)
	if err != nil {
		return err
	}
	s.notify(ctx, notificationdomain.Notification{
		Kind:   notificationdomain.KindPasswordReset,
		UserID: user.ID,
		Params: map[string]any{
			"name": user.FullName,
			"link": s.baseURL + "/reset-password?token=" + url.QueryEscape(raw),
		},
	})
	return nil
}

// ResetPassword accepts each reset token once.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if err := password.Validate(newPassword); err != nil {
		return domain.ErrWeakPassword
	}
	claims, err := s.tokens.Parse(rawToken, domain.TokenPasswordReset)
	if err != nil {
		return err
	}
	if err := s.ensureNotRevoked(ctx, rawToken); err != nil {
		return domain.ErrInvalidToken
	}
	userID, _ := claims.UserID()
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.ErrInvalidToken
		}
		return err
	}
	if !strings.EqualFold(user.Email, claims.Email) {
		return domain.ErrInvalidToken
	}

	if err := s.setPassword(ctx, user.ID, newPassword); err != nil {
		return err
	}
	return s.revoke(ctx, rawToken, claims)
}

func (s *Service) ChangePassword(ctx context.Context, userID snowflake.ID, currentPassword, newPassword string) error {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !password.Verify(currentPassword, user.PasswordHash) {
		return domain.ErrInvalidCredentials
	}
	if err := password.Validate(newPassword); err != nil {
		return domain.ErrWeakPassword
	}
	return s.setPassword(ctx, user.ID, newPassword)
}

func (s *Service) setPassword(ctx context.Context, userID snowflake.ID, newPassword string) error {
	hashed, err := password.Hash(newPassword)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	return s.repo.UpdateFields(ctx, userID, map[string]any{
		"password_hash":         hashed,
		"last_password_changed": now,
		"updated_at":            now,
	})
}

func (s *Service) UpdateTwoFactor(ctx context.Context, userID snowflake.ID, req domain.TwoFactorRequest) (*domain.User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	method := domain.TwoFactorMethod(strings.ToLower(strings.TrimSpace(req.Method)))
	if method == "" {
		method = user.TwoFactorMethod
	}
	if method != domain.TwoFactorEmail && method != domain.TwoFactorPhone {
		return nil, domain.ErrInvalidTwoFactor
	}

	fields := map[string]any{
		"two_factor_enabled": req.Enabled,
		"two_factor_method":  method,
		"updated_at":         s.clock.Now(),
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone != "" {
		if !phonePattern.MatchString(phone) {
			return nil, domain.ErrPhoneRequired
		}
		fields["phone_number"] = phone
		user.PhoneNumber = &phone
	}
	if req.Enabled && method == domain.TwoFactorPhone && (user.PhoneNumber == nil || *user.PhoneNumber == "") {
		return nil, domain.ErrPhoneRequired
	}

	if err := s.repo.UpdateFields(ctx, user.ID, fields); err != nil {
		return nil, err
	}
	user.TwoFactorEnabled = req.Enabled
	user.TwoFactorMethod = method
	return user, nil
}

func (s *Service) Authenticate(ctx context.Context, accessToken string) (*domain.Principal, error) {
	claims, err := s.tokens.Parse(accessToken, domain.TokenAccess)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNotRevoked(ctx, accessToken); err != nil {
		return nil, err
	}
	userID, _ := claims.UserID()
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, domain.ErrAccountDisabled
	}
	return &domain.Principal{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) GetUser(ctx context.Context, userID snowflake.ID) (*domain.User, error) {
	return s.repo.FindByID(ctx, userID)
}

func (s *Service) ensureNotRevoked(ctx context.Context, raw string) error {
	revoked, err := s.tokenRepo.IsBlacklisted(ctx, hashToken(raw))
	if err != nil {
		return err
	}
	if revoked {
		return domain.ErrTokenRevoked
	}
	return nil
}

func (s *Service) revoke(ctx context.Context, raw string, claims *token.Claims) error {
	userID, _ := claims.UserID()
	return s.tokenRepo.Blacklist(ctx, &domain.BlacklistedToken{
		ID:        s.genID.Generate(),
		TokenHash: hashToken(raw),
		TokenType: claims.Type,
		UserID:    userID,
		ExpiresAt: claims.ExpiresAt.Time,
		CreatedAt: s.clock.Now(),
	})
}

func (s *Service) notify(ctx context.Context, n notificationdomain.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification failed",
			zap.String("kind", string(n.Kind)),
			zap.String("user_id", n.UserID.String()),
			zap.Error(err),
		)
	}
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(addr.Address)), nil
}

func defaultDisplayName(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) > 0 && strings.TrimSpace(parts[0]) != "" {
		return strings.TrimSpace(parts[0])
	}
	return email
}

// maskContact hides all but a hint of where the code was sent.
func maskContact(user domain.User) string {
	if user.TwoFactorMethod == domain.TwoFactorPhone && user.PhoneNumber != nil {
		phone := *user.PhoneNumber
		if len(phone) <= 4 {
			return "****"
		}
		return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
	}
	local, domainPart, ok := strings.Cut(user.Email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domainPart
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
