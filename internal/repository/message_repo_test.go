package repository

import (
	"context"
	"testing"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"gorm.io/datatypes"
)

var testTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testMessage(id string) *domain.Message {
	return &domain.Message{
		ID:              id,
		Channel:         domain.ChannelSMS,
		Recipient:       "+905551112233",
		Content:         "hello",
		Priority:        domain.DefaultPriority,
		State:           domain.StateWaiting,
		RetrySending:    true,
		ExtraData:       map[string]any{},
		ExtraSenderData: map[string]any{},
		CreatedAt:       testTime,
		UpdatedAt:       testTime,
	}
}

func newTestMessageRepo(t *testing.T) (*GormMessageRepo, *statementRecorder) {
	t.Helper()

	db, rec := newDryRunDB(t)
	repo := NewGormMessageRepo(db)
	repo.now = func() time.Time { return testTime }
	return repo, rec
}

func TestCreateMessageBindsBooleans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		retrySending bool
	}{
		{name: "retry disabled", retrySending: false},
		{name: "retry enabled", retrySending: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, rec := newDryRunDB(t)
			m := testMessage("m1")
			m.RetrySending = tt.retrySending

			if err := createMessage(db, m); err != nil {
				t.Fatalf("createMessage() error = %v", err)
			}

			values := insertedValues(t, rec.find(t, "INSERT INTO `sms_messages`"))
			got, ok := values["retry_sending"]
			if !ok || got != tt.retrySending {
				t.Fatalf("retry_sending = %v (bound %v), want %v", got, ok, tt.retrySending)
			}
			if values["is_final_state"] != false {
				t.Fatalf("is_final_state = %v, want false", values["is_final_state"])
			}
		})
	}
}

func TestCreateMessageStoresRelatedObjects(t *testing.T) {
	t.Parallel()

	db, rec := newDryRunDB(t)
	m := testMessage("m1")
	m.RelatedObjects = []domain.RelatedObject{{TypeTag: "order", ObjectID: "42"}}

	if err := createMessage(db, m); err != nil {
		t.Fatalf("createMessage() error = %v", err)
	}

	values := insertedValues(t, rec.find(t, "INSERT INTO `sms_messages_related_objects`"))
	if values["message_id"] != "m1" || values["type_tag"] != "order" || values["object_id"] != "42" {
		t.Fatalf("related object values = %v", values)
	}
	if len(rec.all()) != 2 {
		t.Fatalf("statements = %d, want message and related object inserts", len(rec.all()))
	}
}

func TestSendingScope(t *testing.T) {
	t.Parallel()

	stale := testTime.Add(-10 * time.Minute)
	tests := []struct {
		name     string
		query    SendableQuery
		exclude  []string
		want     []string
		notWant  []string
		wantVars []any
	}{
		{
			name: "bounded limits",
			query: SendableQuery{
				Channel:      domain.ChannelSMS,
				MaxAttempts:  3,
				CreatedAfter: testTime.Add(-time.Hour),
				StaleBefore:  stale,
			},
			exclude: []string{"m1", "m2"},
			want: []string{
				"retry_sending = ? AND number_of_send_attempts < ? AND created_at >= ?",
				"(claimed_at IS NULL OR claimed_at < ?)",
				"id NOT IN (?,?)",
			},
			wantVars: []any{domain.StateWaiting, domain.StateErrorRetry, 3, testTime.Add(-time.Hour), stale, "m1", "m2"},
		},
		{
			name: "unbounded limits",
			query: SendableQuery{
				Channel:     domain.ChannelSMS,
				StaleBefore: stale,
			},
			want:     []string{"state = ? AND retry_sending = ?)"},
			notWant:  []string{"number_of_send_attempts <", "created_at >=", "NOT IN"},
			wantVars: []any{domain.StateErrorRetry, true, stale},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			db, _ := newDryRunDB(t)
			var model MessageModel
			stmt := lockFirst(sendingScope(tt.query, tt.exclude)(db.Table(MessagesTable(tt.query.Channel)))).
				Take(&model).Statement
			sql := stmt.SQL.String()

			assertContains(t, sql, tt.want...)
			assertContains(t, sql, "ORDER BY created_at ASC,priority ASC", "LIMIT ", "FOR UPDATE SKIP LOCKED")
			assertNotContains(t, sql, tt.notWant...)
			for _, v := range tt.wantVars {
				if !hasVar(stmt.Vars, v) {
					t.Fatalf("vars = %v, want %v", stmt.Vars, v)
				}
			}
		})
	}
}

func TestExpireRetriesStatement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query SendableQuery
		want  string
	}{
		{
			name:  "attempts only",
			query: SendableQuery{Channel: domain.ChannelSMS, MaxAttempts: 5},
			want:  "NOT (retry_sending = ? AND number_of_send_attempts < ?)",
		},
		{
			name:  "window only",
			query: SendableQuery{Channel: domain.ChannelSMS, CreatedAfter: testTime.Add(-time.Hour)},
			want:  "NOT (retry_sending = ? AND created_at >= ?)",
		},
		{
			name:  "unbounded",
			query: SendableQuery{Channel: domain.ChannelSMS},
			want:  "NOT (retry_sending = ?)",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo, rec := newTestMessageRepo(t)
			if _, err := repo.ExpireRetries(context.Background(), tt.query, "out of attempts"); err != nil {
				t.Fatalf("ExpireRetries() error = %v", err)
			}

			st := rec.find(t, "UPDATE `sms_messages`")
			assertContains(t, st.SQL, tt.want, "state = ?", "(claimed_at IS NULL OR claimed_at < ?)")
			if !hasVar(st.Vars, "out of attempts") || !hasVar(st.Vars, domain.StateError) {
				t.Fatalf("vars = %v, want reason and ERROR", st.Vars)
			}
		})
	}
}

func TestUpdateColumns(t *testing.T) {
	t.Parallel()

	state := domain.StateDelivered
	externalID := "ext-1"
	sentAt := testTime.Add(-time.Minute)
	u := domain.Update{
		State:                 &state,
		IncrementSendAttempts: true,
		Backend:               "ats",
		ExternalID:            &externalID,
		SentAt:                &sentAt,
		ExtraSenderData:       map[string]any{"sender_state": 23},
		ReleaseClaim:          true,
	}

	columns := updateColumns(domain.ChannelSMS, u, testTime)
	if columns["state"] != domain.StateDelivered {
		t.Fatalf("state = %v, want DELIVERED", columns["state"])
	}
	if columns["is_final_state"] != domain.LifecycleFor(domain.ChannelSMS).IsTerminal(state) {
		t.Fatalf("is_final_state = %v", columns["is_final_state"])
	}
	for _, key := range []string{"claimed_by", "claimed_at"} {
		if v, ok := columns[key]; !ok || v != nil {
			t.Fatalf("%s = %v (set %v), want cleared", key, v, ok)
		}
	}
	if _, ok := columns["extra_data"]; ok {
		t.Fatal("empty extra data should leave the column untouched")
	}

	db, _ := newDryRunDB(t)
	stmt := db.Table(MessagesTable(domain.ChannelSMS)).
		Where("id = ? AND state = ?", "m1", domain.StateSent).
		Updates(columns).Statement
	sql := stmt.SQL.String()

	assertContains(t, sql,
		"number_of_send_attempts + 1",
		"COALESCE(backend, ?)",
		"COALESCE(extra_sender_data, '{}'::jsonb) || ?::jsonb",
		"id = ? AND state = ?",
	)
	if !hasVar(stmt.Vars, "ats") || !hasVar(stmt.Vars, "ext-1") {
		t.Fatalf("vars = %v, want backend and external id", stmt.Vars)
	}
	if !hasVar(stmt.Vars, datatypes.JSONMap{"sender_state": 23}) {
		t.Fatalf("vars = %v, want merged sender data", stmt.Vars)
	}
}

func TestUpdateColumnsOnlyTouchesUpdatedAt(t *testing.T) {
	t.Parallel()

	columns := updateColumns(domain.ChannelEmail, domain.Update{}, testTime)
	if len(columns) != 1 || columns["updated_at"] != testTime {
		t.Fatalf("columns = %v, want only updated_at", columns)
	}
}

func TestRecordWebhookMergesPayload(t *testing.T) {
	t.Parallel()

	repo, rec := newTestMessageRepo(t)
	payload := map[string]any{"event": "open"}
	if _, err := repo.RecordWebhook(context.Background(), domain.ChannelEmail, "ext-1", testTime, payload); err != nil {
		t.Fatalf("RecordWebhook() error = %v", err)
	}

	st := rec.find(t, "UPDATE `email_messages`")
	assertContains(t, st.SQL, "COALESCE(extra_sender_data, '{}'::jsonb) || ?::jsonb", "external_id = ?")
	if !hasVar(st.Vars, datatypes.JSONMap{"last_webhook": payload}) {
		t.Fatalf("vars = %v, want payload under last_webhook", st.Vars)
	}
}

func TestExistsForTemplateStatement(t *testing.T) {
	t.Parallel()

	repo, rec := newTestMessageRepo(t)
	objects := []domain.RelatedObject{{TypeTag: "order", ObjectID: "42"}, {TypeTag: "invoice", ObjectID: "7"}}

	exists, err := repo.ExistsForTemplate(context.Background(), domain.ChannelSMS, "welcome", objects)
	if err != nil {
		t.Fatalf("ExistsForTemplate() error = %v", err)
	}
	if exists {
		t.Fatal("dry run should find nothing")
	}

	st := rec.find(t, "count(*)")
	assertContains(t, st.SQL,
		"template_slug = ?",
		"id IN (SELECT message_id FROM `sms_messages_related_objects`",
		"(type_tag = ? AND object_id = ?) OR (type_tag = ? AND object_id = ?)",
		"state NOT IN (",
	)
	for _, v := range []any{"welcome", "order", "42", "invoice", "7"} {
		if !hasVar(st.Vars, v) {
			t.Fatalf("vars = %v, want %v", st.Vars, v)
		}
	}
	for _, state := range domain.LifecycleFor(domain.ChannelSMS).FailureStates() {
		if !hasVar(st.Vars, state) {
			t.Fatalf("vars = %v, want failure state %s", st.Vars, state)
		}
	}
}

func TestExistsForTemplateWithoutObjects(t *testing.T) {
	t.Parallel()

	repo, rec := newTestMessageRepo(t)
	exists, err := repo.ExistsForTemplate(context.Background(), domain.ChannelSMS, "welcome", nil)
	if err != nil || exists {
		t.Fatalf("ExistsForTemplate() = %v, %v; want false, nil", exists, err)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("statements = %v, want none", rec.all())
	}
}
