package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	UserRepo authdomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	userRepo authdomain.Repository
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settings.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		userRepo: p.UserRepo,
	}
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID) (*domain.UserSettings, error) {
	settings, err := s.repo.FindByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if settings != nil {
		return settings, nil
	}

	if err := s.repo.CreateIfMissing(ctx, s.db, domain.Defaults(s.genID.Generate(), userID, s.clock.Now())); err != nil {
		return nil, err
	}
	return s.repo.FindByUser(ctx, s.db, userID)
}

func (s *Service) EmailEnabled(ctx context.Context, userID snowflake.ID) (bool, error) {
	settings, err := s.repo.FindByUser(ctx, s.db, userID)
	if err != nil {
		return false, err
	}
	if settings == nil {
		return true, nil
	}
	return settings.EmailNotifications, nil
}

func (s *Service) UpdateNotifications(ctx context.Context, userID snowflake.ID, req domain.NotificationUpdate) (*domain.UserSettings, error) {
	fields := map[string]any{}
	if req.EmailNotifications != nil {
		fields["email_notifications"] = *req.EmailNotifications
	}
	if req.PushNotifications != nil {
		fields["push_notifications"] = *req.PushNotifications
	}
	if req.MarketingCommunications != nil {
		fields["marketing_communications"] = *req.MarketingCommunications
	}
	return s.apply(ctx, userID, fields)
}

func (s *Service) UpdatePersonalization(ctx context.Context, userID snowflake.ID, req domain.PersonalizationUpdate) (*domain.UserSettings, error) {
	fields := map[string]any{}
	if req.ExpertiseLevel != nil {
		level := strings.ToLower(strings.TrimSpace(*req.ExpertiseLevel))
		if !domain.ValidExpertiseLevel(level) {
			return nil, domain.ErrInvalidExpertiseLevel
		}
		fields["expertise_level"] = level
	}
	if req.CommunicationTone != nil {
		tone := strings.ToLower(strings.TrimSpace(*req.CommunicationTone))
		if !domain.ValidCommunicationTone(tone) {
			return nil, domain.ErrInvalidCommunicationTone
		}
		fields["communication_tone"] = tone
	}
	setOptional(fields, "profile_avatar", req.ProfileAvatar)
	setOptional(fields, "profession", req.Profession)
	setOptional(fields, "industry", req.Industry)
	setOptional(fields, "response_instructions", req.ResponseInstructions)
	return s.apply(ctx, userID, fields)
}

// setOptional stores trimmed text; an empty string clears the column.
func setOptional(fields map[string]any, column string, value *string) {
	if value == nil {
		return
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		fields[column] = nil
		return
	}
	fields[column] = trimmed
}

func (s *Service) apply(ctx context.Context, userID snowflake.ID, fields map[string]any) (*domain.UserSettings, error) {
	if len(fields) == 0 {
		return nil, domain.ErrEmptyUpdate
	}
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}
	fields["updated_at"] = s.clock.Now()
	if err := s.repo.Update(ctx, s.db, userID, fields); err != nil {
		return nil, err
	}
	return s.repo.FindByUser(ctx, s.db, userID)
}

func (s *Service) SetAutoRenewPreference(ctx context.Context, userID snowflake.ID, enabled bool) error {
	if err := s.userRepo.UpdateFields(ctx, userID, map[string]any{
		"auto_renew_enabled": enabled,
		"updated_at":         s.clock.Now(),
	}); err != nil {
		return err
	}
	s.log.Info("auto-renew preference updated",
		zap.String("user_id", userID.String()),
		zap.Bool("enabled", enabled),
	)
	return nil
}
