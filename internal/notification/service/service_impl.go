package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/notification/domain"
	"github.com/smallbiznis/tierline/internal/notification/templates"
	"github.com/smallbiznis/tierline/internal/observability/metrics"
	"github.com/smallbiznis/tierline/internal/providers/email"
	"github.com/smallbiznis/tierline/internal/providers/sms"
	settingsdomain "github.com/smallbiznis/tierline/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Users    authdomain.Repository
	Settings settingsdomain.Service
	Email    email.Provider
	SMS      sms.Provider
	Metrics  *metrics.Metrics `optional:"true"`
}

// Service renders templates, honours the user's email preference and records
// one notification_logs row per attempt.
type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	users    authdomain.Repository
	settings settingsdomain.Service
	email    email.Provider
	sms      sms.Provider
	metrics  *metrics.Metrics
}

func New(p ServiceParam) domain.Sender {
	return &Service{
		log:      p.Log.Named("notification.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		users:    p.Users,
		settings: p.Settings,
		email:    p.Email,
		sms:      p.SMS,
		metrics:  p.Metrics,
	}
}

func (s *Service) Notify(ctx context.Context, n domain.Notification) error {
	if !n.Kind.Valid() {
		return domain.ErrUnknownKind
	}
	if n.Channel == "" {
		n.Channel = domain.ChannelEmail
	}

	recipient, channel, err := s.resolveRecipient(ctx, n)
	if err != nil {
		return err
	}
	n.Channel = channel

	if s.optedOut(ctx, n) {
		s.record(ctx, n, recipient, domain.StatusSkipped, nil)
		return nil
	}

	sendErr := s.deliver(ctx, n, recipient)
	if sendErr != nil {
		s.record(ctx, n, recipient, domain.StatusFailed, sendErr)
		return sendErr
	}
	s.record(ctx, n, recipient, domain.StatusSent, nil)
	return nil
}

// resolveRecipient falls back to email when an SMS was requested for a user
// without a phone number.
func (s *Service) resolveRecipient(ctx context.Context, n domain.Notification) (string, domain.Channel, error) {
	if to := strings.TrimSpace(n.To); to != "" {
		return to, n.Channel, nil
	}
	if n.UserID == 0 {
		return "", "", domain.ErrNoRecipient
	}

	user, err := s.users.FindByID(ctx, n.UserID)
	if err != nil {
		if errors.Is(err, authdomain.ErrUserNotFound) {
			return "", "", domain.ErrUserNotFound
		}
		return "", "", err
	}

	if n.Channel == domain.ChannelSMS {
		if user.PhoneNumber != nil && strings.TrimSpace(*user.PhoneNumber) != "" {
			return *user.PhoneNumber, domain.ChannelSMS, nil
		}
		s.log.Warn("sms requested without phone number, using email", zap.String("user_id", user.ID.String()))
	}
	if strings.TrimSpace(user.Email) == "" {
		return "", "", domain.ErrNoRecipient
	}
	return user.Email, domain.ChannelEmail, nil
}

func (s *Service) optedOut(ctx context.Context, n domain.Notification) bool {
	if n.Kind.Mandatory() || n.Channel != domain.ChannelEmail || n.UserID == 0 || s.settings == nil {
		return false
	}
	enabled, err := s.settings.EmailEnabled(ctx, n.UserID)
	if err != nil {
		s.log.Warn("load email preference", zap.String("user_id", n.UserID.String()), zap.Error(err))
		return false
	}
	return !enabled
}

func (s *Service) deliver(ctx context.Context, n domain.Notification, recipient string) error {
	if n.Channel == domain.ChannelSMS {
		text, err := templates.SMS(string(n.Kind), n.Params)
		if err != nil {
			return err
		}
		return s.sms.Send(ctx, recipient, text)
	}

	rendered, err := templates.Email(string(n.Kind), n.Params)
	if err != nil {
		return err
	}
	return s.email.Send(ctx, []string{recipient}, rendered.Subject, rendered.Body)
}

func (s *Service) record(ctx context.Context, n domain.Notification, recipient string, status domain.Status, sendErr error) {
	entry := &domain.Log{
		ID:        s.genID.Generate(),
		Kind:      n.Kind,
		Channel:   n.Channel,
		Recipient: recipient,
		Status:    status,
		CreatedAt: s.clock.Now(),
	}
	if n.UserID != 0 {
		userID := n.UserID
		entry.UserID = &userID
	}
	if sendErr != nil {
		msg := sendErr.Error()
		entry.Error = &msg
	}
	if err := s.repo.Insert(ctx, entry); err != nil {
		s.log.Warn("record notification", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
	s.metrics.RecordNotification(ctx, string(n.Kind), string(n.Channel), string(status))
}
