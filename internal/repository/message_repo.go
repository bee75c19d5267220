package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepository persists messages of every channel. Claim methods mark
// rows with an owner so concurrent dispatchers and reconcilers never handle
// the same message; Update is conditional on the state the caller observed.
type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error
	CreateMany(ctx context.Context, messages []*domain.Message) error
	GetByID(ctx context.Context, channel domain.Channel, id string) (*domain.Message, error)
	GetByExternalID(ctx context.Context, channel domain.Channel, externalID string) (*domain.Message, error)
	ListSendable(ctx context.Context, q SendableQuery, limit int) ([]domain.Message, error)
	ClaimNextForSending(ctx context.Context, q SendableQuery, owner string, exclude []string) (*domain.Message, error)
	ClaimForStatusCheck(ctx context.Context, q StatusCheckQuery, owner string, limit int) ([]domain.Message, error)
	ClaimNextForInfoPull(ctx context.Context, q InfoPullQuery, owner string, exclude []string) (*domain.Message, error)
	Update(ctx context.Context, channel domain.Channel, id string, expected domain.State, u domain.Update) error
	ReleaseClaim(ctx context.Context, channel domain.Channel, id string, owner string) error
	ExpireRetries(ctx context.Context, q SendableQuery, reason string) (int64, error)
	CountIdle(ctx context.Context, q IdleQuery) (int64, error)
	FailIdle(ctx context.Context, q IdleQuery, state domain.State, reason string) (int64, error)
	RecordWebhook(ctx context.Context, channel domain.Channel, externalID string, at time.Time, payload map[string]any) (bool, error)
	ExistsForTemplate(ctx context.Context, channel domain.Channel, slug string, objects []domain.RelatedObject) (bool, error)
}

type GormMessageRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db, now: time.Now}
}

func (r *GormMessageRepo) Create(ctx context.Context, m *domain.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createMessage(tx, m)
	})
}

// CreateMany stores all messages in one transaction; either every message
// is persisted or none.
func (r *GormMessageRepo) CreateMany(ctx context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range messages {
			if err := createMessage(tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func createMessage(tx *gorm.DB, m *domain.Message) error {
	if m == nil {
		return nil
	}
	model := messageModelFromDomain(m)
	if err := tx.Table(MessagesTable(m.Channel)).Create(model).Error; err != nil {
		return err
	}
	if related := relatedObjectModels(m); len(related) > 0 {
		if err := tx.Table(RelatedObjectsTable(m.Channel)).Create(&related).Error; err != nil {
			return err
		}
	}
	m.CreatedAt = model.CreatedAt
	m.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *GormMessageRepo) GetByID(ctx context.Context, channel domain.Channel, id string) (*domain.Message, error) {
	return r.first(r.db.WithContext(ctx), channel, "id = ?", id)
}

func (r *GormMessageRepo) GetByExternalID(ctx context.Context, channel domain.Channel, externalID string) (*domain.Message, error) {
	return r.first(r.db.WithContext(ctx), channel, "external_id = ?", externalID)
}

func (r *GormMessageRepo) first(db *gorm.DB, channel domain.Channel, query string, args ...any) (*domain.Message, error) {
	var model MessageModel
	err := db.Table(MessagesTable(channel)).Where(query, args...).Order("created_at ASC").Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	messages, err := r.withRelated(db, channel, []MessageModel{model})
	if err != nil {
		return nil, err
	}
	return &messages[0], nil
}

// withRelated converts models to messages and loads their related objects.
func (r *GormMessageRepo) withRelated(db *gorm.DB, channel domain.Channel, models []MessageModel) ([]domain.Message, error) {
	if len(models) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(models))
	for i := range models {
		ids = append(ids, models[i].ID)
	}

	var related []RelatedObjectModel
	err := db.Table(RelatedObjectsTable(channel)).
		Where("message_id IN ?", ids).
		Order("id ASC").
		Find(&related).Error
	if err != nil {
		return nil, err
	}

	byMessage := make(map[string][]RelatedObjectModel, len(models))
	for _, obj := range related {
		byMessage[obj.MessageID] = append(byMessage[obj.MessageID], obj)
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(channel, &models[i], byMessage[models[i].ID]))
	}
	return messages, nil
}

func sendableScope(db *gorm.DB, q SendableQuery) *gorm.DB {
	retry, args := q.retryCondition()
	return db.Where(
		"(state = ? OR (state = ? AND "+retry+"))",
		append([]any{domain.StateWaiting, domain.StateErrorRetry}, args...)...,
	)
}

func claimFreeScope(db *gorm.DB, staleBefore time.Time) *gorm.DB {
	return db.Where("(claimed_at IS NULL OR claimed_at < ?)", staleBefore)
}

func (r *GormMessageRepo) ListSendable(ctx context.Context, q SendableQuery, limit int) ([]domain.Message, error) {
	db := r.db.WithContext(ctx)

	var models []MessageModel
	err := sendableScope(db.Table(MessagesTable(q.Channel)), q).
		Order("created_at ASC").
		Order("priority ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return r.withRelated(db, q.Channel, models)
}

func (r *GormMessageRepo) ClaimNextForSending(ctx context.Context, q SendableQuery, owner string, exclude []string) (*domain.Message, error) {
	return r.claimOne(ctx, q.Channel, owner, sendingScope(q, exclude))
}

// sendingScope orders the claimable sendable messages, skipping the ids a
// run already handled.
func sendingScope(q SendableQuery, exclude []string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		query := claimFreeScope(sendableScope(tx, q), q.StaleBefore)
		if len(exclude) > 0 {
			query = query.Where("id NOT IN ?", exclude)
		}
		return query.Order("created_at ASC").Order("priority ASC")
	}
}

func (r *GormMessageRepo) ClaimNextForInfoPull(ctx context.Context, q InfoPullQuery, owner string, exclude []string) (*domain.Message, error) {
	return r.claimOne(ctx, q.Channel, owner, func(tx *gorm.DB) *gorm.DB {
		query := tx.
			Where("last_webhook_received_at IS NOT NULL AND last_webhook_received_at < ?", q.Now.Add(-q.Delay)).
			Where("(info_changed_at IS NULL OR info_changed_at < last_webhook_received_at + make_interval(secs => ?))", q.Delay.Seconds()).
			Where("sent_at > ?", q.Now.Add(-q.MaxAge))
		query = claimFreeScope(query, q.StaleBefore)
		if len(exclude) > 0 {
			query = query.Where("id NOT IN ?", exclude)
		}
		return query.Order("sent_at DESC")
	})
}

// claimOne locks the first row of the scope without waiting on rows other
// transactions hold, then marks it claimed by owner.
func (r *GormMessageRepo) claimOne(ctx context.Context, channel domain.Channel, owner string, scope func(*gorm.DB) *gorm.DB) (*domain.Message, error) {
	var claimed *domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		err := lockFirst(scope(tx.Table(MessagesTable(channel)))).Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := r.markClaimed(tx, channel, []*MessageModel{&model}, owner); err != nil {
			return err
		}
		messages, err := r.withRelated(tx, channel, []MessageModel{model})
		if err != nil {
			return err
		}
		claimed = &messages[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func lockFirst(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).Limit(1)
}

func (r *GormMessageRepo) ClaimForStatusCheck(ctx context.Context, q StatusCheckQuery, owner string, limit int) ([]domain.Message, error) {
	var claimed []domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		states := domain.LifecycleFor(q.Channel).InFlightStates()
		if len(states) == 0 {
			return nil
		}

		var models []MessageModel
		err := claimFreeScope(tx.Table(MessagesTable(q.Channel)), q.StaleBefore).
			Where("state IN ? AND sent_at IS NOT NULL AND backend = ?", states, q.Backend).
			Order("updated_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&models).Error
		if err != nil || len(models) == 0 {
			return err
		}

		refs := make([]*MessageModel, 0, len(models))
		for i := range models {
			refs = append(refs, &models[i])
		}
		if err := r.markClaimed(tx, q.Channel, refs, owner); err != nil {
			return err
		}
		claimed, err = r.withRelated(tx, q.Channel, models)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *GormMessageRepo) markClaimed(tx *gorm.DB, channel domain.Channel, models []*MessageModel, owner string) error {
	now := r.now()
	ids := make([]string, 0, len(models))
	for _, model := range models {
		ids = append(ids, model.ID)
		model.ClaimedBy = &owner
		model.ClaimedAt = &now
	}
	return tx.Table(MessagesTable(channel)).
		Where("id IN ?", ids).
		Updates(map[string]any{"claimed_by": owner, "claimed_at": now}).Error
}

func (r *GormMessageRepo) Update(ctx context.Context, channel domain.Channel, id string, expected domain.State, u domain.Update) error {
	db := r.db.WithContext(ctx)
	result := db.Table(MessagesTable(channel)).
		Where("id = ? AND state = ?", id, expected).
		Updates(updateColumns(channel, u, r.now()))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Table(MessagesTable(channel)).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: %s message %s is no longer %s", domain.ErrStateConflict, channel, id, expected)
}

func updateColumns(channel domain.Channel, u domain.Update, now time.Time) map[string]any {
	columns := map[string]any{"updated_at": now}
	if u.State != nil {
		columns["state"] = *u.State
		columns["is_final_state"] = domain.LifecycleFor(channel).IsTerminal(*u.State)
	}
	if u.IncrementSendAttempts {
		columns["number_of_send_attempts"] = gorm.Expr("number_of_send_attempts + 1")
	}
	if u.IncrementStatusCheckAttempts {
		columns["number_of_status_check_attempts"] = gorm.Expr("number_of_status_check_attempts + 1")
	}
	if u.Error != nil {
		columns["error"] = *u.Error
	}
	if u.Backend != "" {
		columns["backend"] = gorm.Expr("COALESCE(backend, ?)", u.Backend)
	}
	if u.ExternalID != nil {
		columns["external_id"] = *u.ExternalID
	}
	if u.SentAt != nil {
		columns["sent_at"] = *u.SentAt
	}
	if u.LastWebhookReceivedAt != nil {
		columns["last_webhook_received_at"] = *u.LastWebhookReceivedAt
	}
	if u.InfoChangedAt != nil {
		columns["info_changed_at"] = *u.InfoChangedAt
	}
	if len(u.ExtraData) > 0 {
		columns["extra_data"] = mergeJSON("extra_data", u.ExtraData)
	}
	if len(u.ExtraSenderData) > 0 {
		columns["extra_sender_data"] = mergeJSON("extra_sender_data", u.ExtraSenderData)
	}
	if u.ReleaseClaim {
		columns["claimed_by"] = nil
		columns["claimed_at"] = nil
	}
	return columns
}

// mergeJSON merges the top level keys of data into a jsonb column.
func mergeJSON(column string, data map[string]any) clause.Expr {
	return gorm.Expr("COALESCE("+column+", '{}'::jsonb) || ?::jsonb", datatypes.JSONMap(data))
}

func (r *GormMessageRepo) ReleaseClaim(ctx context.Context, channel domain.Channel, id string, owner string) error {
	return r.db.WithContext(ctx).
		Table(MessagesTable(channel)).
		Where("id = ? AND claimed_by = ?", id, owner).
		Updates(map[string]any{"claimed_by": nil, "claimed_at": nil}).Error
}

// ExpireRetries moves ERROR_RETRY messages outside the retry limits to ERROR.
func (r *GormMessageRepo) ExpireRetries(ctx context.Context, q SendableQuery, reason string) (int64, error) {
	retry, args := q.retryCondition()
	result := claimFreeScope(r.db.WithContext(ctx).Table(MessagesTable(q.Channel)), q.StaleBefore).
		Where("state = ?", domain.StateErrorRetry).
		Where("NOT ("+retry+")", args...).
		Updates(map[string]any{
			"state":          domain.StateError,
			"is_final_state": true,
			"error":          reason,
			"updated_at":     r.now(),
		})
	return result.RowsAffected, result.Error
}

func idleScope(db *gorm.DB, q IdleQuery) *gorm.DB {
	return db.Table(MessagesTable(q.Channel)).
		Where("state IN ? AND created_at < ? AND backend IN ?", domain.LifecycleFor(q.Channel).InFlightStates(), q.Before, q.Backends)
}

func (r *GormMessageRepo) CountIdle(ctx context.Context, q IdleQuery) (int64, error) {
	if len(q.Backends) == 0 {
		return 0, nil
	}
	var count int64
	err := idleScope(r.db.WithContext(ctx), q).Count(&count).Error
	return count, err
}

func (r *GormMessageRepo) FailIdle(ctx context.Context, q IdleQuery, state domain.State, reason string) (int64, error) {
	if len(q.Backends) == 0 {
		return 0, nil
	}
	result := idleScope(r.db.WithContext(ctx), q).
		Updates(map[string]any{
			"state":          state,
			"is_final_state": domain.LifecycleFor(q.Channel).IsTerminal(state),
			"error":          reason,
			"updated_at":     r.now(),
		})
	return result.RowsAffected, result.Error
}

// RecordWebhook stamps the webhook time and keeps the raw payload under
// last_webhook. It reports whether a message with externalID exists.
func (r *GormMessageRepo) RecordWebhook(ctx context.Context, channel domain.Channel, externalID string, at time.Time, payload map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Table(MessagesTable(channel)).
		Where("external_id = ?", externalID).
		Updates(map[string]any{
			"last_webhook_received_at": at,
			"extra_sender_data":        mergeJSON("extra_sender_data", map[string]any{"last_webhook": payload}),
			"updated_at":               r.now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ExistsForTemplate reports whether a non-failed message rendered from slug
// shares a related object with objects.
func (r *GormMessageRepo) ExistsForTemplate(ctx context.Context, channel domain.Channel, slug string, objects []domain.RelatedObject) (bool, error) {
	if len(objects) == 0 {
		return false, nil
	}

	conditions := make([]string, 0, len(objects))
	args := make([]any, 0, len(objects)*2)
	for _, obj := range objects {
		conditions = append(conditions, "(type_tag = ? AND object_id = ?)")
		args = append(args, obj.TypeTag, obj.ObjectID)
	}

	db := r.db.WithContext(ctx)
	related := db.Table(RelatedObjectsTable(channel)).
		Select("message_id").
		Where(strings.Join(conditions, " OR "), args...)

	query := db.Table(MessagesTable(channel)).
		Where("template_slug = ? AND id IN (?)", slug, related)
	if failures := domain.LifecycleFor(channel).FailureStates(); len(failures) > 0 {
		query = query.Where("state NOT IN ?", failures)
	}

	var count int64
	if err := query.Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
