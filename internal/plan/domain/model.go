package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingCycle is the renewal period of a paid subscription.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

const (
	monthlyPeriod = 30 * 24 * time.Hour
	yearlyPeriod  = 365 * 24 * time.Hour
)

// ParseBillingCycle accepts the canonical names plus the "month"/"year" spellings
// some clients send.
func ParseBillingCycle(raw string) (BillingCycle, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "monthly", "month":
		return BillingCycleMonthly, nil
	case "yearly", "year", "annual", "annually":
		return BillingCycleYearly, nil
	default:
		return "", ErrInvalidBillingCycle
	}
}

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// Period is the fixed length added to expiry on activation and renewal.
func (c BillingCycle) Period() time.Duration {
	if c == BillingCycleYearly {
		return yearlyPeriod
	}
	return monthlyPeriod
}

// Feature flags a plan can grant.
const (
	FeatureNinjaMode     = "ninja_mode"
	FeatureMemeGenerator = "meme_generator"
)

// Plan is a catalog entry. Limits of 0 mean unlimited.
type Plan struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	Code          string       `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name          string       `gorm:"type:text;not null;uniqueIndex" json:"name"`
	Description   string       `gorm:"type:text" json:"description"`
	PriceMonthly  int64        `gorm:"not null;default:0" json:"price_monthly"`
	PriceYearly   int64        `gorm:"not null;default:0" json:"price_yearly"`
	Currency      string       `gorm:"type:text;not null" json:"currency"`
	QueryLimit    int          `gorm:"not null;default:0" json:"query_limit"`
	DocumentLimit int          `gorm:"not null;default:0" json:"document_limit"`
	NinjaMode     bool         `gorm:"not null;default:false" json:"ninja_mode"`
	MemeGenerator bool         `gorm:"not null;default:false" json:"meme_generator"`
	IsActive      bool         `gorm:"not null;default:true" json:"is_active"`
	SortOrder     int          `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updated_at"`
}

func (Plan) TableName() string { return "subscription_plans" }

// PriceFor returns the amount charged per cycle, in minor units.
func (p Plan) PriceFor(cycle BillingCycle) int64 {
	if cycle == BillingCycleYearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}

// IsFree reports whether the plan costs nothing in either cycle.
func (p Plan) IsFree() bool {
	return p.PriceMonthly == 0 && p.PriceYearly == 0
}

func (p Plan) HasFeature(feature string) bool {
	switch feature {
	case FeatureNinjaMode:
		return p.NinjaMode
	case FeatureMemeGenerator:
		return p.MemeGenerator
	default:
		return false
	}
}

// Features lists the enabled feature flags.
func (p Plan) Features() []string {
	out := []string{}
	if p.NinjaMode {
		out = append(out, FeatureNinjaMode)
	}
	if p.MemeGenerator {
		out = append(out, FeatureMemeGenerator)
	}
	return out
}
