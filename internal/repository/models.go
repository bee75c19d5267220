package repository

import (
	"strings"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"gorm.io/datatypes"
)

// MessagesTable returns the table holding the messages of a channel.
func MessagesTable(channel domain.Channel) string {
	return strings.ToLower(channel.String()) + "_messages"
}

// RelatedObjectsTable returns the related object table of a channel.
func RelatedObjectsTable(channel domain.Channel) string {
	return MessagesTable(channel) + "_related_objects"
}

// MessageModel is the persistence model shared by the per-channel message
// tables; it is always used with an explicit table name.
type MessageModel struct {
	ID                          string            `gorm:"type:uuid;primaryKey"`
	Recipient                   string            `gorm:"type:varchar(255);not null"`
	Content                     string            `gorm:"type:text;not null"`
	Tag                         *string           `gorm:"type:varchar(128)"`
	Priority                    int               `gorm:"not null;default:3"`
	State                       domain.State      `gorm:"type:varchar(32);not null"`
	IsFinalState                bool              `gorm:"not null;default:false"`
	Backend                     *string           `gorm:"type:varchar(64)"`
	NumberOfSendAttempts        int               `gorm:"not null;default:0"`
	NumberOfStatusCheckAttempts int               `gorm:"not null;default:0"`
	RetrySending                bool              `gorm:"not null"`
	Error                       *string           `gorm:"type:text"`
	ExtraData                   datatypes.JSONMap `gorm:"type:jsonb"`
	ExtraSenderData             datatypes.JSONMap `gorm:"type:jsonb"`
	TemplateSlug                *string           `gorm:"type:varchar(100)"`
	Sender                      *string           `gorm:"type:varchar(255)"`
	SenderName                  *string           `gorm:"type:varchar(255)"`
	Subject                     *string           `gorm:"type:text"`
	Heading                     *string           `gorm:"type:text"`
	URL                         *string           `gorm:"column:url;type:text"`
	IsAutodialer                *bool
	ExternalID                  *string `gorm:"type:varchar(255)"`
	SentAt                      *time.Time
	LastWebhookReceivedAt       *time.Time
	InfoChangedAt               *time.Time
	ClaimedBy                   *string `gorm:"type:varchar(64)"`
	ClaimedAt                   *time.Time
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

// RelatedObjectModel links a message to an entity of another system.
type RelatedObjectModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"type:uuid;not null"`
	TypeTag   string `gorm:"type:varchar(64);not null"`
	ObjectID  string `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time
}

type TemplateModel struct {
	Channel                    domain.Channel `gorm:"type:varchar(10);primaryKey"`
	Slug                       string         `gorm:"type:varchar(100);primaryKey"`
	Body                       string         `gorm:"type:text;not null"`
	Subject                    *string        `gorm:"type:text"`
	Heading                    *string        `gorm:"type:text"`
	Sender                     *string        `gorm:"type:varchar(255)"`
	SenderName                 *string        `gorm:"type:varchar(255)"`
	IsActive                   bool           `gorm:"not null"`
	IsAllowedDuplicateMessages bool           `gorm:"not null;default:false"`
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

func (TemplateModel) TableName() string {
	return "templates"
}

type TemplateDisallowedObjectModel struct {
	ID              uint64         `gorm:"primaryKey;autoIncrement"`
	TemplateChannel domain.Channel `gorm:"type:varchar(10);not null"`
	TemplateSlug    string         `gorm:"type:varchar(100);not null"`
	TypeTag         string         `gorm:"type:varchar(64);not null"`
	ObjectID        string         `gorm:"type:varchar(255);not null"`
}

func (TemplateDisallowedObjectModel) TableName() string {
	return "template_disallowed_objects"
}

// MessageAttemptModel is the persistence model for message_attempts.
type MessageAttemptModel struct {
	ID            string           `gorm:"type:uuid;primaryKey"`
	MessageID     string           `gorm:"type:uuid;not null"`
	Channel       domain.Channel   `gorm:"type:varchar(10);not null"`
	Operation     domain.Operation `gorm:"type:varchar(20);not null"`
	AttemptNumber int              `gorm:"not null"`
	Backend       string           `gorm:"type:varchar(64);not null"`
	StatusCode    *int             `gorm:"type:int"`
	Error         *string          `gorm:"type:text"`
	CreatedAt     time.Time
}

func (MessageAttemptModel) TableName() string {
	return "message_attempts"
}

func messageModelFromDomain(m *domain.Message) *MessageModel {
	if m == nil {
		return nil
	}

	return &MessageModel{
		ID:                          m.ID,
		Recipient:                   m.Recipient,
		Content:                     m.Content,
		Tag:                         m.Tag,
		Priority:                    m.Priority,
		State:                       m.State,
		IsFinalState:                m.IsFinal(),
		Backend:                     m.Backend,
		NumberOfSendAttempts:        m.NumberOfSendAttempts,
		NumberOfStatusCheckAttempts: m.NumberOfStatusCheckAttempts,
		RetrySending:                m.RetrySending,
		Error:                       m.Error,
		ExtraData:                   toJSONMap(m.ExtraData),
		ExtraSenderData:             toJSONMap(m.ExtraSenderData),
		TemplateSlug:                m.TemplateSlug,
		Sender:                      m.Sender,
		SenderName:                  m.SenderName,
		Subject:                     m.Subject,
		Heading:                     m.Heading,
		URL:                         m.URL,
		IsAutodialer:                m.IsAutodialer,
		ExternalID:                  m.ExternalID,
		SentAt:                      m.SentAt,
		LastWebhookReceivedAt:       m.LastWebhookReceivedAt,
		InfoChangedAt:               m.InfoChangedAt,
		ClaimedBy:                   m.ClaimedBy,
		ClaimedAt:                   m.ClaimedAt,
		CreatedAt:                   m.CreatedAt,
		UpdatedAt:                   m.UpdatedAt,
	}
}

func messageModelToDomain(channel domain.Channel, m *MessageModel, related []RelatedObjectModel) *domain.Message {
	if m == nil {
		return nil
	}

	message := &domain.Message{
		ID:                          m.ID,
		Channel:                     channel,
		Recipient:                   m.Recipient,
		Content:                     m.Content,
		Tag:                         m.Tag,
		Priority:                    m.Priority,
		State:                       m.State,
		Backend:                     m.Backend,
		NumberOfSendAttempts:        m.NumberOfSendAttempts,
		NumberOfStatusCheckAttempts: m.NumberOfStatusCheckAttempts,
		RetrySending:                m.RetrySending,
		Error:                       m.Error,
		ExtraData:                   fromJSONMap(m.ExtraData),
		ExtraSenderData:             fromJSONMap(m.ExtraSenderData),
		TemplateSlug:                m.TemplateSlug,
		ChannelFields: domain.ChannelFields{
			Sender:       m.Sender,
			SenderName:   m.SenderName,
			Subject:      m.Subject,
			Heading:      m.Heading,
			URL:          m.URL,
			IsAutodialer: m.IsAutodialer,
		},
		ExternalID:            m.ExternalID,
		SentAt:                m.SentAt,
		LastWebhookReceivedAt: m.LastWebhookReceivedAt,
		InfoChangedAt:         m.InfoChangedAt,
		ClaimedBy:             m.ClaimedBy,
		ClaimedAt:             m.ClaimedAt,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
	for _, obj := range related {
		message.RelatedObjects = append(message.RelatedObjects, domain.RelatedObject{TypeTag: obj.TypeTag, ObjectID: obj.ObjectID})
	}
	return message
}

func relatedObjectModels(m *domain.Message) []RelatedObjectModel {
	models := make([]RelatedObjectModel, 0, len(m.RelatedObjects))
	for _, obj := range m.RelatedObjects {
		models = append(models, RelatedObjectModel{
			MessageID: m.ID,
			TypeTag:   obj.TypeTag,
			ObjectID:  obj.ObjectID,
			CreatedAt: m.CreatedAt,
		})
	}
	return models
}

func templateModelToDomain(m *TemplateModel, disallowed []TemplateDisallowedObjectModel) *domain.Template {
	if m == nil {
		return nil
	}

	t := &domain.Template{
		Channel:                    m.Channel,
		Slug:                       m.Slug,
		Body:                       m.Body,
		Subject:                    m.Subject,
		Heading:                    m.Heading,
		Sender:                     m.Sender,
		SenderName:                 m.SenderName,
		IsActive:                   m.IsActive,
		IsAllowedDuplicateMessages: m.IsAllowedDuplicateMessages,
		CreatedAt:                  m.CreatedAt,
		UpdatedAt:                  m.UpdatedAt,
	}
	for _, obj := range disallowed {
		t.DisallowedObjects = append(t.DisallowedObjects, domain.RelatedObject{TypeTag: obj.TypeTag, ObjectID: obj.ObjectID})
	}
	return t
}

func templateModelFromDomain(t *domain.Template) (*TemplateModel, []TemplateDisallowedObjectModel) {
	model := &TemplateModel{
		Channel:                    t.Channel,
		Slug:                       t.Slug,
		Body:                       t.Body,
		Subject:                    t.Subject,
		Heading:                    t.Heading,
		Sender:                     t.Sender,
		SenderName:                 t.SenderName,
		IsActive:                   t.IsActive,
		IsAllowedDuplicateMessages: t.IsAllowedDuplicateMessages,
		CreatedAt:                  t.CreatedAt,
		UpdatedAt:                  t.UpdatedAt,
	}
	disallowed := make([]TemplateDisallowedObjectModel, 0, len(t.DisallowedObjects))
	for _, obj := range t.DisallowedObjects {
		disallowed = append(disallowed, TemplateDisallowedObjectModel{
			TemplateChannel: t.Channel,
			TemplateSlug:    t.Slug,
			TypeTag:         obj.TypeTag,
			ObjectID:        obj.ObjectID,
		})
	}
	return model, disallowed
}

func attemptModelFromDomain(a *domain.Attempt) *MessageAttemptModel {
	if a == nil {
		return nil
	}

	return &MessageAttemptModel{
		ID:            a.ID,
		MessageID:     a.MessageID,
		Channel:       a.Channel,
		Operation:     a.Operation,
		AttemptNumber: a.AttemptNumber,
		Backend:       a.Backend,
		StatusCode:    a.StatusCode,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *MessageAttemptModel) *domain.Attempt {
	if m == nil {
		return nil
	}

	return &domain.Attempt{
		ID:            m.ID,
		MessageID:     m.MessageID,
		Channel:       m.Channel,
		Operation:     m.Operation,
		AttemptNumber: m.AttemptNumber,
		Backend:       m.Backend,
		StatusCode:    m.StatusCode,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}

func toJSONMap(data map[string]any) datatypes.JSONMap {
	if data == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(data)
}

func fromJSONMap(data datatypes.JSONMap) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return map[string]any(data)
}
