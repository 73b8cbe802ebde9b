package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	authrepo "github.com/smallbiznis/tierline/internal/auth/repository"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/settings/domain"
	"github.com/smallbiznis/tierline/internal/settings/repository"
	"github.com/smallbiznis/tierline/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (domain.Service, authdomain.Repository, snowflake.ID) {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&authdomain.User{}, &domain.UserSettings{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	userRepo, _ := authrepo.New(dbConn)
	now := time.Now().UTC().Truncate(time.Second)
	user := &authdomain.User{
		ID:               node.Generate(),
		ExternalID:       "ext-1",
		Email:            "alice@example.com",
		PasswordHash:     "x",
		Role:             authdomain.RoleUser,
		IsActive:         true,
		AutoRenewEnabled: true,
		TwoFactorMethod:  authdomain.TwoFactorEmail,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, userRepo.Create(context.Background(), user))

	svc := New(ServiceParam{
		DB:       dbConn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(now),
		Repo:     repository.Provide(),
		UserRepo: userRepo,
	})
	return svc, userRepo, user.ID
}

func TestGetCreatesDefaults(t *testing.T) {
	svc, _, userID := newTestService(t)
	ctx := context.Background()

	enabled, err := svc.EmailEnabled(ctx, userID)
	require.NoError(t, err)
	require.True(t, enabled)

	settings, err := svc.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultExpertiseLevel, settings.ExpertiseLevel)
	require.Equal(t, domain.DefaultCommunicationTone, settings.CommunicationTone)
	require.True(t, settings.EmailNotifications)
	require.False(t, settings.MarketingCommunications)

	again, err := svc.Get(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, settings.ID, again.ID)
}

func TestUpdateNotifications(t *testing.T) {
	svc, _, userID := newTestService(t)
	ctx := context.Background()

	off := false
	settings, err := svc.UpdateNotifications(ctx, userID, domain.NotificationUpdate{EmailNotifications: &off})
	require.NoError(t, err)
	require.False(t, settings.EmailNotifications)
	require.True(t, settings.PushNotifications)

	enabled, err := svc.EmailEnabled(ctx, userID)
	require.NoError(t, err)
	require.False(t, enabled)

	_, err = svc.UpdateNotifications(ctx, userID, domain.NotificationUpdate{})
	require.True(t, errors.Is(err, domain.ErrEmptyUpdate))
}

func TestUpdatePersonalizationPartial(t *testing.T) {
	svc, _, userID := newTestService(t)
	ctx := context.Background()

	profession := "  Engineer "
	settings, err := svc.UpdatePersonalization(ctx, userID, domain.PersonalizationUpdate{Profession: &profession})
	require.NoError(t, err)
	require.NotNil(t, settings.Profession)
	require.Equal(t, "Engineer", *settings.Profession)
	require.Equal(t, domain.DefaultExpertiseLevel, settings.ExpertiseLevel)

	level := "Expert"
	settings, err = svc.UpdatePersonalization(ctx, userID, domain.PersonalizationUpdate{ExpertiseLevel: &level})
	require.NoError(t, err)
	require.Equal(t, "expert", settings.ExpertiseLevel)
	require.Equal(t, "Engineer", *settings.Profession)

	bogus := "shouty"
	_, err = svc.UpdatePersonalization(ctx, userID, domain.PersonalizationUpdate{CommunicationTone: &bogus})
	require.True(t, errors.Is(err, domain.ErrInvalidCommunicationTone))
}

func TestSetAutoRenewPreference(t *testing.T) {
	svc, userRepo, userID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetAutoRenewPreference(ctx, userID, false))
	user, err := userRepo.FindByID(ctx, userID)
	require.NoError(t, err)
	require.False(t, user.AutoRenewEnabled)

	err = svc.SetAutoRenewPreference(ctx, snowflake.ID(42), true)
	require.True(t, errors.Is(err, authdomain.ErrUserNotFound))
}
