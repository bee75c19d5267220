package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TemplateRepository interface {
	GetBySlug(ctx context.Context, channel domain.Channel, slug string) (*domain.Template, error)
	Save(ctx context.Context, t *domain.Template) error
}

type GormTemplateRepo struct {
	db *gorm.DB
}

func NewGormTemplateRepo(db *gorm.DB) *GormTemplateRepo {
	return &GormTemplateRepo{db: db}
}

func (r *GormTemplateRepo) GetBySlug(ctx context.Context, channel domain.Channel, slug string) (*domain.Template, error) {
	db := r.db.WithContext(ctx)

	var model TemplateModel
	err := db.Where("channel = ? AND slug = ?", channel, slug).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var disallowed []TemplateDisallowedObjectModel
	err = db.Where("template_channel = ? AND template_slug = ?", channel, slug).
		Order("id ASC").
		Find(&disallowed).Error
	if err != nil {
		return nil, err
	}

	return templateModelToDomain(&model, disallowed), nil
}

// Save upserts the template and replaces its disallowed objects.
func (r *GormTemplateRepo) Save(ctx context.Context, t *domain.Template) error {
	if t == nil {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveTemplate(tx, t)
	})
}

func saveTemplate(tx *gorm.DB, t *domain.Template) error {
	model, disallowed := templateModelFromDomain(t)

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel"}, {Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"body", "subject", "heading", "sender", "sender_name",
			"is_active", "is_allowed_duplicate_messages", "updated_at",
		}),
	}).Create(model).Error
	if err != nil {
		return err
	}

	err = tx.Where("template_channel = ? AND template_slug = ?", t.Channel, t.Slug).
		Delete(&TemplateDisallowedObjectModel{}).Error
	if err != nil {
		return err
	}
	if len(disallowed) > 0 {
		if err := tx.Create(&disallowed).Error; err != nil {
			return err
		}
	}

	t.CreatedAt = model.CreatedAt
	t.UpdatedAt = model.UpdatedAt
	return nil
}
