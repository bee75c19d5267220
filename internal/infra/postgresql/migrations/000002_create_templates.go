package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"gorm.io/gorm"
)

func createTemplatesTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_templates",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.TemplateModel{}, &repository.TemplateDisallowedObjectModel{}); err != nil {
				return err
			}
			statements := []string{
				`ALTER TABLE template_disallowed_objects ADD CONSTRAINT fk_template_disallowed_objects_template FOREIGN KEY (template_channel, template_slug) REFERENCES templates (channel, slug) ON DELETE CASCADE`,
				`CREATE INDEX IF NOT EXISTS idx_template_disallowed_objects_template ON template_disallowed_objects (template_channel, template_slug)`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.TemplateDisallowedObjectModel{}, &repository.TemplateModel{})
		},
	}
}
