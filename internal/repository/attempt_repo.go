package repository

import (
	"context"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.Attempt) error
	GetByMessageID(ctx context.Context, channel domain.Channel, messageID string) ([]domain.Attempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.Attempt) error {
	model := attemptModelFromDomain(a)
	if model == nil {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*a = *attemptModelToDomain(model)
	return nil
}

func (r *GormAttemptRepo) GetByMessageID(ctx context.Context, channel domain.Channel, messageID string) ([]domain.Attempt, error) {
	var models []MessageAttemptModel
	err := r.db.WithContext(ctx).
		Where("channel = ? AND message_id = ?", channel, messageID).
		Order("created_at ASC").
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.Attempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}
