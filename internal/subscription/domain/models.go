package domain

import (
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"gorm.io/datatypes"
)

// Subscription is a user's plan assignment for one paid (or free) period.
// Rows are never deleted; replacing a plan deactivates the old row.
type Subscription struct {
	ID           snowflake.ID            `gorm:"primaryKey" json:"id"`
	UserID       snowflake.ID            `gorm:"not null;index" json:"user_id"`
	PlanID       snowflake.ID            `gorm:"not null;index" json:"plan_id"`
	StartDate    time.Time               `gorm:"not null" json:"start_date"`
	ExpiryDate   time.Time               `gorm:"not null;index" json:"expiry_date"`
	BillingCycle plandomain.BillingCycle `gorm:"type:text;not null" json:"billing_cycle"`
	Active       bool                    `gorm:"not null" json:"active"`
	AutoRenew    bool                    `gorm:"not null" json:"auto_renew"`

	QueriesUsed       int `gorm:"not null" json:"queries_used"`
	DocumentsUploaded int `gorm:"not null" json:"documents_uploaded"`

	LastPaymentDate     *time.Time `json:"last_payment_date,omitempty"`
	LastPaymentIntentID *string    `gorm:"type:text" json:"last_payment_intent_id,omitempty"`
	PaymentMethodID     *string    `gorm:"type:text;index" json:"payment_method_id,omitempty"`

	NextRenewalDate           *time.Time `gorm:"index" json:"next_renewal_date,omitempty"`
	RenewalAttempts           int        `gorm:"not null" json:"renewal_attempts"`
	LastRenewalAttempt        *time.Time `json:"last_renewal_attempt,omitempty"`
	RenewalFailed             bool       `gorm:"not null" json:"renewal_failed"`
	FailureReason             *string    `gorm:"type:text" json:"failure_reason,omitempty"`
	LastFailedPaymentIntentID *string    `gorm:"type:text" json:"-"`

	IsCancelled        bool          `gorm:"not null" json:"is_cancelled"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancellationReason *string       `gorm:"type:text" json:"cancellation_reason,omitempty"`
	CancellationNote   *string       `gorm:"type:text" json:"cancellation_note,omitempty"`
	CancelledByUserID  *snowflake.ID `json:"cancelled_by_user_id,omitempty"`
	AccessEndsAt       *time.Time    `json:"access_ends_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "user_subscriptions" }

// State derives the lifecycle state from the persisted flags.
func (s Subscription) State() State {
	switch {
	case !s.Active:
		return StateInactive
	case s.IsCancelled:
		return StateCancelRequested
	default:
		return StateActive
	}
}

// ExpiredAt reports whether the paid period is over. An expiry equal to now
// counts as expired.
func (s Subscription) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiryDate)
}

// AwaitingRenewal reports whether the renewal engine may still charge the
// subscription for its next period.
func (s Subscription) AwaitingRenewal(maxAttempts int) bool {
	return s.Active && s.AutoRenew && !s.IsCancelled &&
		s.PaymentMethodID != nil && strings.TrimSpace(*s.PaymentMethodID) != "" &&
		s.RenewalAttempts < maxAttempts
}

// RemainingDays is the number of whole days left until end, never negative.
func RemainingDays(now, end time.Time) int {
	if !end.After(now) {
		return 0
	}
	return int(math.Floor(end.Sub(now).Hours() / 24))
}

const PaymentStatusSucceeded = "succeeded"

// Payment is the append-only history of successful charges.
type Payment struct {
	ID              snowflake.ID            `gorm:"primaryKey" json:"id"`
	UserID          snowflake.ID            `gorm:"not null;index" json:"user_id"`
	SubscriptionID  snowflake.ID            `gorm:"not null;index" json:"subscription_id"`
	PlanID          snowflake.ID            `gorm:"not null" json:"plan_id"`
	Amount          int64                   `gorm:"not null" json:"amount"`
	Currency        string                  `gorm:"type:text;not null" json:"currency"`
	Status          string                  `gorm:"type:text;not null" json:"status"`
	BillingCycle    plandomain.BillingCycle `gorm:"type:text;not null" json:"billing_cycle"`
	IsRenewal       bool                    `gorm:"not null" json:"is_renewal"`
	PaymentIntentID *string                 `gorm:"type:text;uniqueIndex" json:"payment_intent_id,omitempty"`
	PaymentMethodID *string                 `gorm:"type:text" json:"payment_method_id,omitempty"`
	Metadata        datatypes.JSONMap       `json:"metadata,omitempty"`
	PaymentDate     time.Time               `gorm:"not null;index" json:"payment_date"`
	CreatedAt       time.Time               `gorm:"not null" json:"created_at"`
}

func (Payment) TableName() string { return "payment_history" }

// Cancellation is an immutable snapshot written with every cancellation.
type Cancellation struct {
	ID                   snowflake.ID            `gorm:"primaryKey" json:"id"`
	UserID               snowflake.ID            `gorm:"not null;index" json:"user_id"`
	SubscriptionID       snowflake.ID            `gorm:"not null;index" json:"subscription_id"`
	PlanName             string                  `gorm:"type:text;not null" json:"plan_name"`
	BillingCycle         plandomain.BillingCycle `gorm:"type:text;not null" json:"billing_cycle"`
	Reason               CancellationReason      `gorm:"type:text;not null" json:"reason"`
	Feedback             *string                 `gorm:"type:text" json:"feedback,omitempty"`
	RemainingDays        int                     `gorm:"not null" json:"remaining_days"`
	AccessUntil          *time.Time              `json:"access_until,omitempty"`
	Immediate            bool                    `gorm:"not null" json:"immediate"`
	CancelledByUserID    snowflake.ID            `gorm:"not null" json:"cancelled_by_user_id"`
	ProratedRefundAmount int64                   `gorm:"not null" json:"prorated_refund_amount"`
	RefundProcessed      bool                    `gorm:"not null" json:"refund_processed"`
	IPAddress            *string                 `gorm:"type:text" json:"ip_address,omitempty"`
	UserAgent            *string                 `gorm:"type:text" json:"user_agent,omitempty"`
	CreatedAt            time.Time               `gorm:"not null" json:"created_at"`
}

func (Cancellation) TableName() string { return "subscription_cancellations" }

type CancellationReason string

const (
	ReasonUserRequest      CancellationReason = "user_request"
	ReasonTooExpensive     CancellationReason = "too_expensive"
	ReasonNotUsing         CancellationReason = "not_using"
	ReasonFoundAlternative CancellationReason = "found_alternative"
	ReasonAdminAction      CancellationReason = "admin_action"
	ReasonOther            CancellationReason = "other"
)

// ParseCancellationReason maps free-form input onto a known reason. Anything
// unrecognised is recorded as a plain user request.
func ParseCancellationReason(raw string) CancellationReason {
	switch CancellationReason(raw) {
	case ReasonUserRequest, ReasonTooExpensive, ReasonNotUsing, ReasonFoundAlternative, ReasonAdminAction, ReasonOther:
		return CancellationReason(raw)
	default:
		return ReasonUserRequest
	}
}

// UsageKind is a metered action gated by plan limits.
type UsageKind string

const (
	UsageQuery    UsageKind = "query"
	UsageDocument UsageKind = "document"
)

func (k UsageKind) Valid() bool {
	return k == UsageQuery || k == UsageDocument
}

// Column is the counter column incremented for the kind.
func (k UsageKind) Column() string {
	if k == UsageDocument {
		return "documents_uploaded"
	}
	return "queries_used"
}

// Used returns the counter value for the kind.
func (s Subscription) Used(kind UsageKind) int {
	if kind == UsageDocument {
		return s.DocumentsUploaded
	}
	return s.QueriesUsed
}

// LimitFor returns the plan quota for the kind; 0 means unlimited.
func LimitFor(plan plandomain.Plan, kind UsageKind) int {
	if kind == UsageDocument {
		return plan.DocumentLimit
	}
	return plan.QueryLimit
}
