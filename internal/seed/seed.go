package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/auth/password"
	"github.com/smallbiznis/tierline/internal/config"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"gorm.io/gorm"
)

const defaultAdminName = "Tierline Admin"

// DefaultPlans is the catalog written at startup. Limits of 0 are unlimited.
func DefaultPlans(currency string) []plandomain.Plan {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	return []plandomain.Plan{
		{
			Name:          "Free",
			Description:   "Basic free plan with limited usage",
			Currency:      currency,
			QueryLimit:    10,
			DocumentLimit: 3,
			SortOrder:     0,
		},
		{
			Name:          "Solo",
			Description:   "Perfect for individual users",
			PriceMonthly:  999,
			PriceYearly:   9900,
			Currency:      currency,
			QueryLimit:    500,
			DocumentLimit: 10,
			NinjaMode:     true,
			MemeGenerator: true,
			SortOrder:     1,
		},
		{
			Name:          "Team",
			Description:   "For teams and businesses",
			PriceMonthly:  2999,
			PriceYearly:   29900,
			Currency:      currency,
			QueryLimit:    2000,
			DocumentLimit: 50,
			NinjaMode:     true,
			MemeGenerator: true,
			SortOrder:     2,
		},
		{
			Name:          "Enterprise",
			Description:   "For large organizations",
			PriceMonthly:  9999,
			PriceYearly:   99900,
			Currency:      currency,
			QueryLimit:    0,
			DocumentLimit: 200,
			NinjaMode:     true,
			MemeGenerator: true,
			SortOrder:     3,
		},
	}
}

// EnsurePlans upserts the default catalog by code. The free plan takes the
// configured FREE_PLAN_CODE so the lookup used at signup always resolves.
func EnsurePlans(ctx context.Context, db *gorm.DB, node *snowflake.Node, repo plandomain.Repository, cfg config.Config) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	freeCode := strings.ToLower(strings.TrimSpace(cfg.Billing.FreePlanCode))
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, plan := range DefaultPlans(cfg.Stripe.Currency) {
			plan := plan
			plan.ID = node.Generate()
			plan.Code = slug.Make(plan.Name)
			if plan.IsFree() && freeCode != "" {
				plan.Code = freeCode
			}
			plan.IsActive = true
			plan.CreatedAt = now
			plan.UpdatedAt = now
			if err := repo.Upsert(ctx, tx, &plan); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureAdmin creates the bootstrap admin, or promotes an existing account with
// the same email. Nothing happens unless both email and password are set.
func EnsureAdmin(ctx context.Context, db *gorm.DB, node *snowflake.Node, cfg config.BootstrapConfig) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || cfg.AdminPassword == "" {
		return nil
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user authdomain.User
		err := tx.Where("email = ?", email).First(&user).Error
		if err == nil {
			if user.Role == authdomain.RoleAdmin {
				return nil
			}
			return tx.Model(&authdomain.User{}).
				Where("id = ?", user.ID).
				Updates(map[string]any{
					"role":       authdomain.RoleAdmin,
					"updated_at": time.Now().UTC(),
				}).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		hashed, err := password.Hash(cfg.AdminPassword)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		user = authdomain.User{
			ID:               node.Generate(),
			ExternalID:       uuid.NewString(),
			Email:            email,
			FullName:         defaultAdminName,
			PasswordHash:     hashed,
			Role:             authdomain.RoleAdmin,
			IsActive:         true,
			EmailVerified:    true,
			EmailVerifiedAt:  &now,
			TwoFactorMethod:  authdomain.TwoFactorEmail,
			AutoRenewEnabled: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return tx.Create(&user).Error
	})
}
