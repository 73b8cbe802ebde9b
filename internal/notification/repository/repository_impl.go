package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tierline/internal/notification/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Insert(ctx context.Context, log *domain.Log) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *repo) ListByUser(ctx context.Context, userID snowflake.ID, kind domain.Kind) ([]domain.Log, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var logs []domain.Log
	if err := query.Order("created_at ASC, id ASC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
