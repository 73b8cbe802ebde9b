// Package domain holds per-user preferences.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultExpertiseLevel    = "intermediate"
	DefaultCommunicationTone = "casual_friendly"
)

var (
	expertiseLevels    = []string{"beginner", "intermediate", "advanced", "expert"}
	communicationTones = []string{"casual_friendly", "professional", "concise", "detailed"}
)

// UserSettings is 1:1 with a user and created on first access.
type UserSettings struct {
	ID                      snowflake.ID `gorm:"primaryKey" json:"-"`
	UserID                  snowflake.ID `gorm:"not null;uniqueIndex" json:"user_id"`
	EmailNotifications      bool         `gorm:"not null;default:true" json:"email_notifications"`
	PushNotifications       bool         `gorm:"not null;default:true" json:"push_notifications"`
	MarketingCommunications bool         `gorm:"not null;default:false" json:"marketing_communications"`
	ProfileAvatar           *string      `gorm:"type:text" json:"profile_avatar,omitempty"`
	Profession              *string      `gorm:"type:text" json:"profession,omitempty"`
	Industry                *string      `gorm:"type:text" json:"industry,omitempty"`
	ExpertiseLevel          string       `gorm:"type:text;not null;default:'intermediate'" json:"expertise_level"`
	CommunicationTone       string       `gorm:"type:text;not null;default:'casual_friendly'" json:"communication_tone"`
	ResponseInstructions    *string      `gorm:"type:text" json:"response_instructions,omitempty"`
	CreatedAt               time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time    `gorm:"not null" json:"updated_at"`
}

func (UserSettings) TableName() string { return "user_settings" }

// Defaults returns a fresh settings row for a user.
func Defaults(id, userID snowflake.ID, now time.Time) *UserSettings {
	return &UserSettings{
		ID:                 id,
		UserID:             userID,
		EmailNotifications: true,
		PushNotifications:  true,
		ExpertiseLevel:     DefaultExpertiseLevel,
		CommunicationTone:  DefaultCommunicationTone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func ValidExpertiseLevel(v string) bool    { return contains(expertiseLevels, v) }
func ValidCommunicationTone(v string) bool { return contains(communicationTones, v) }

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// NotificationUpdate toggles notification channels. Nil fields are left unchanged.
type NotificationUpdate struct {
	EmailNotifications      *bool `json:"email_notifications"`
	PushNotifications       *bool `json:"push_notifications"`
	MarketingCommunications *bool `json:"marketing_communications"`
}

// PersonalizationUpdate is a partial update. Nil fields are left unchanged.
type PersonalizationUpdate struct {
	ProfileAvatar        *string `json:"profile_avatar"`
	Profession           *string `json:"profession"`
	Industry             *string `json:"industry"`
	ExpertiseLevel       *string `json:"expertise_level"`
	CommunicationTone    *string `json:"communication_tone"`
	ResponseInstructions *string `json:"response_instructions"`
}
