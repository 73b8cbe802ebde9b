package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSubscription = "subscription"
	ObjectRenewal      = "renewal"
)

const (
	ActionSubscriptionActivate        = "subscription.activate"
	ActionSubscriptionCancelImmediate = "subscription.cancel_immediate"

	ActionRenewalRun = "renewal.run"
)

const (
	roleSystem = "role:system"
	roleAdmin  = "role:admin"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := s.resolveRole(ctx, actor)
	if err != nil {
		s.logDenied(actor, object, action, err)
		return err
	}
	if err := s.ensureGrouping(actor, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(actor, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

// resolveRole reads the role from the users table so a demoted admin loses
// access before their token expires.
func (s *ServiceImpl) resolveRole(ctx context.Context, actor string) (string, error) {
	if actor == "system" {
		return roleSystem, nil
	}
	if !strings.HasPrefix(actor, "user:") {
		return "", ErrInvalidActor
	}
	userID, err := snowflake.ParseString(strings.TrimPrefix(actor, "user:"))
	if err != nil || userID == 0 {
		return "", ErrInvalidActor
	}

	var row struct {
		Role     string `gorm:"column:role"`
		IsActive bool   `gorm:"column:is_active"`
	}
	result := s.db.WithContext(ctx).Raw(
		`SELECT role, is_active
		 FROM users
		 WHERE id = ?
		 LIMIT 1`,
		userID,
	).Scan(&row)
	if result.Error != nil {
		return "", fmt.Errorf("resolve role: %w", result.Error)
	}
	if result.RowsAffected == 0 || !row.IsActive {
		return "", ErrForbidden
	}

	role := strings.ToLower(strings.TrimSpace(row.Role))
	if role == "" {
		role = "user"
	}
	return fmt.Sprintf("role:%s", role), nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) logDenied(actor, object, action string, reason error) {
	level := s.log.Info
	if !errors.Is(reason, ErrForbidden) {
		level = s.log.Warn
	}
	level("authorization denied",
		zap.String("actor", actor),
		zap.String("object", object),
		zap.String("action", action),
		zap.Error(reason),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{roleAdmin, ObjectSubscription, ActionSubscriptionActivate},
		{roleAdmin, ObjectSubscription, ActionSubscriptionCancelImmediate},
		{roleAdmin, ObjectRenewal, ActionRenewalRun},

		// Scheduled jobs and operator tooling.
		{roleSystem, ObjectRenewal, ActionRenewalRun},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
