package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tierline/internal/config"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	repo         plandomain.Repository
	freePlanCode string
}

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Cfg  config.Config
	Repo plandomain.Repository
}

func NewService(p ServiceParam) plandomain.Service {
	code := strings.TrimSpace(p.Cfg.Billing.FreePlanCode)
	if code == "" {
		code = "free"
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("plan.service"),
		repo:         p.Repo,
		freePlanCode: code,
	}
}

func (s *Service) List(ctx context.Context) ([]plandomain.Plan, error) {
	return s.repo.List(ctx, s.db, true)
}

func (s *Service) Get(ctx context.Context, id string) (*plandomain.Plan, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || planID == 0 {
		return nil, plandomain.ErrInvalidPlan
	}
	plan, err := s.repo.FindByID(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*plandomain.Plan, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, plandomain.ErrInvalidPlan
	}
	plan, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

// FreePlan resolves the plan configured by FREE_PLAN_CODE.
func (s *Service) FreePlan(ctx context.Context) (*plandomain.Plan, error) {
	plan, err := s.repo.FindByCode(ctx, s.db, s.freePlanCode)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		s.log.Error("free plan missing from catalog", zap.String("code", s.freePlanCode))
		return nil, plandomain.ErrFreePlanMissing
	}
	return plan, nil
}

func (s *Service) Quote(ctx context.Context, planID string, cycle plandomain.BillingCycle) (*plandomain.Plan, int64, error) {
	if !cycle.Valid() {
		return nil, 0, plandomain.ErrInvalidBillingCycle
	}
	plan, err := s.Get(ctx, planID)
	if err != nil {
		return nil, 0, err
	}
	if !plan.IsActive || plan.Code == s.freePlanCode {
		return nil, 0, plandomain.ErrPlanNotPurchasable
	}
	amount := plan.PriceFor(cycle)
	if amount <= 0 {
		return nil, 0, plandomain.ErrPlanNotPurchasable
	}
	return plan, amount, nil
}
