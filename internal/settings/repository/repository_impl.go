package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tierline/internal/settings/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.UserSettings, error) {
	var settings domain.UserSettings
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (r *repo) CreateIfMissing(ctx context.Context, db *gorm.DB, settings *domain.UserSettings) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(settings).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, userID snowflake.ID, fields map[string]any) error {
	return db.WithContext(ctx).
		Model(&domain.UserSettings{}).
		Where("user_id = ?", userID).
		Updates(fields).Error
}
