package authorization

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*gorm.DB, Service) {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(&authdomain.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	enforcer, err := NewEnforcer(conn)
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	return conn, NewService(Params{DB: conn, Log: zap.NewNop(), Enforcer: enforcer})
}

func createUser(t *testing.T, conn *gorm.DB, id snowflake.ID, role string) {
	t.Helper()
	now := time.Now().UTC()
	user := authdomain.User{
		ID:           id,
		ExternalID:   id.String(),
		Email:        id.String() + "@example.com",
		PasswordHash: "x",
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := conn.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func TestAdminMayRunAdminActions(t *testing.T) {
	conn, svc := newTestService(t)
	createUser(t, conn, 1001, authdomain.RoleAdmin)

	ctx := context.Background()
	for _, tc := range []struct{ object, action string }{
		{ObjectSubscription, ActionSubscriptionActivate},
		{ObjectSubscription, ActionSubscriptionCancelImmediate},
		{ObjectRenewal, ActionRenewalRun},
	} {
		if err := svc.Authorize(ctx, "user:1001", tc.object, tc.action); err != nil {
			t.Fatalf("%s/%s: expected allowed, got %v", tc.object, tc.action, err)
		}
	}
}

func TestRegularUserIsForbidden(t *testing.T) {
	conn, svc := newTestService(t)
	createUser(t, conn, 1002, authdomain.RoleUser)

	err := svc.Authorize(context.Background(), "user:1002", ObjectSubscription, ActionSubscriptionCancelImmediate)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDemotedAdminLosesAccess(t *testing.T) {
	conn, svc := newTestService(t)
	createUser(t, conn, 1003, authdomain.RoleAdmin)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "user:1003", ObjectRenewal, ActionRenewalRun); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	if err := conn.Model(&authdomain.User{}).Where("id = ?", 1003).Update("role", authdomain.RoleUser).Error; err != nil {
		t.Fatalf("demote: %v", err)
	}
	if err := svc.Authorize(ctx, "user:1003", ObjectRenewal, ActionRenewalRun); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden after demotion, got %v", err)
	}
}

func TestSystemActor(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Authorize(ctx, "system", ObjectRenewal, ActionRenewalRun); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	if err := svc.Authorize(ctx, "system", ObjectSubscription, ActionSubscriptionCancelImmediate); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestInvalidActors(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		actor string
		want  error
	}{
		{"", ErrInvalidActor},
		{"api_key:1", ErrInvalidActor},
		{"user:abc", ErrInvalidActor},
		{"user:999", ErrForbidden},
	}
	for _, tc := range cases {
		err := svc.Authorize(ctx, tc.actor, ObjectRenewal, ActionRenewalRun)
		if !errors.Is(err, tc.want) {
			t.Fatalf("actor %q: expected %v, got %v", tc.actor, tc.want, err)
		}
	}
}

func TestSeedPoliciesIsRepeatable(t *testing.T) {
	conn, _ := newTestService(t)
	if _, err := NewEnforcer(conn); err != nil {
		t.Fatalf("second enforcer: %v", err)
	}
	var count int64
	if err := conn.Table("casbin_rule").Where("ptype = ?", "p").Count(&count).Error; err != nil {
		t.Fatalf("count rules: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4 policies, got %d", count)
	}
}
