package migrations

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"gorm.io/gorm"
)

func createMessageTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_message_tables",
		Migrate: func(tx *gorm.DB) error {
			for _, channel := range domain.Channels() {
				if err := createMessageTable(tx, channel); err != nil {
					return fmt.Errorf("%s: %w", channel, err)
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			for _, channel := range domain.Channels() {
				if err := tx.Migrator().DropTable(repository.RelatedObjectsTable(channel), repository.MessagesTable(channel)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func createMessageTable(tx *gorm.DB, channel domain.Channel) error {
	messages := repository.MessagesTable(channel)
	related := repository.RelatedObjectsTable(channel)

	if err := tx.Table(messages).AutoMigrate(&repository.MessageModel{}); err != nil {
		return err
	}
	if err := tx.Table(related).AutoMigrate(&repository.RelatedObjectModel{}); err != nil {
		return err
	}

	statements := []string{
		fmt.Sprintf(`ALTER TABLE %[1]s ADD CONSTRAINT fk_%[1]s_message FOREIGN KEY (message_id) REFERENCES %[2]s (id) ON DELETE CASCADE`, related, messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_message_id ON %[1]s (message_id)`, related),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_object ON %[1]s (type_tag, object_id)`, related),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_sendable ON %[1]s (created_at, priority) WHERE state IN ('WAITING', 'ERROR_RETRY')`, messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_backend_state ON %[1]s (backend, state) WHERE is_final_state = false`, messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_external_id ON %[1]s (external_id) WHERE external_id IS NOT NULL`, messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_template_slug ON %[1]s (template_slug) WHERE template_slug IS NOT NULL`, messages),
	}
	for _, sql := range statements {
		if err := tx.Exec(sql).Error; err != nil {
			return err
		}
	}
	return nil
}
