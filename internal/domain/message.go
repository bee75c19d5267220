package domain

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// MaxSMSContentLength bounds SMS bodies; longer texts are split by vendors
// but the engine refuses anything above this size.
const MaxSMSContentLength = 700

// ChannelFields holds the optional per-channel attributes of a message.
type ChannelFields struct {
	Sender       *string
	SenderName   *string
	Subject      *string
	Heading      *string
	URL          *string
	IsAutodialer *bool
}

// Fill copies every field of defaults that is unset on f.
func (f *ChannelFields) Fill(defaults ChannelFields) {
	if f.Sender == nil {
		f.Sender = defaults.Sender
	}
	if f.SenderName == nil {
		f.SenderName = defaults.SenderName
	}
	if f.Subject == nil {
		f.Subject = defaults.Subject
	}
	if f.Heading == nil {
		f.Heading = defaults.Heading
	}
	if f.URL == nil {
		f.URL = defaults.URL
	}
	if f.IsAutodialer == nil {
		f.IsAutodialer = defaults.IsAutodialer
	}
}

// RelatedObject is a tagged reference to an entity owned by another system.
type RelatedObject struct {
	TypeTag  string `json:"typeTag"`
	ObjectID string `json:"objectId"`
}

func (o RelatedObject) Validate() error {
	if strings.TrimSpace(o.TypeTag) == "" {
		return fmt.Errorf("%w: related object type tag is required", ErrValidation)
	}
	if strings.TrimSpace(o.ObjectID) == "" {
		return fmt.Errorf("%w: related object id is required", ErrValidation)
	}
	return nil
}

func (o RelatedObject) String() string {
	return o.TypeTag + ":" + o.ObjectID
}

// Message is a single outbound notification on one channel.
type Message struct {
	ID        string
	Channel   Channel
	Recipient string
	Content   string
	Tag       *string
	Priority  int
	State     State
	Backend   *string

	NumberOfSendAttempts        int
	NumberOfStatusCheckAttempts int
	RetrySending                bool
	Error                       *string

	ExtraData       map[string]any
	ExtraSenderData map[string]any
	RelatedObjects  []RelatedObject
	TemplateSlug    *string

	ChannelFields

	ExternalID            *string
	SentAt                *time.Time
	LastWebhookReceivedAt *time.Time
	InfoChangedAt         *time.Time

	ClaimedBy *string
	ClaimedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Failed reports whether the message is in a terminal failure state.
func (m *Message) Failed() bool {
	return LifecycleFor(m.Channel).IsFailure(m.State)
}

// IsFinal reports whether the message reached a terminal state.
func (m *Message) IsFinal() bool {
	return LifecycleFor(m.Channel).IsTerminal(m.State)
}

// BackendName returns the provider name stored on the message or "".
func (m *Message) BackendName() string {
	if m.Backend == nil {
		return ""
	}
	return *m.Backend
}

// SenderValue returns the extra sender data entry under key as a string.
func (m *Message) SenderValue(key string) string {
	if m.ExtraSenderData == nil {
		return ""
	}
	value, ok := m.ExtraSenderData[key].(string)
	if !ok {
		return ""
	}
	return value
}

// Update is a partial change of a persisted message. Nil pointers and empty
// maps leave the corresponding column untouched.
type Update struct {
	State                        *State
	IncrementSendAttempts        bool
	IncrementStatusCheckAttempts bool
	Error                        *string
	Backend                      string
	ExternalID                   *string
	SentAt                       *time.Time
	LastWebhookReceivedAt        *time.Time
	InfoChangedAt                *time.Time
	ExtraData                    map[string]any
	ExtraSenderData              map[string]any
	ReleaseClaim                 bool
}

// Apply mirrors an Update that was persisted onto the in-memory message.
func (m *Message) Apply(u Update, at time.Time) {
	if u.State != nil {
		m.State = *u.State
	}
	if u.IncrementSendAttempts {
		m.NumberOfSendAttempts++
	}
	if u.IncrementStatusCheckAttempts {
		m.NumberOfStatusCheckAttempts++
	}
	if u.Error != nil {
		value := *u.Error
		m.Error = &value
	}
	if u.Backend != "" && m.Backend == nil {
		value := u.Backend
		m.Backend = &value
	}
	if u.ExternalID != nil {
		value := *u.ExternalID
		m.ExternalID = &value
	}
	if u.SentAt != nil {
		value := *u.SentAt
		m.SentAt = &value
	}
	if u.LastWebhookReceivedAt != nil {
		value := *u.LastWebhookReceivedAt
		m.LastWebhookReceivedAt = &value
	}
	if u.InfoChangedAt != nil {
		value := *u.InfoChangedAt
		m.InfoChangedAt = &value
	}
	m.ExtraData = mergeData(m.ExtraData, u.ExtraData)
	m.ExtraSenderData = mergeData(m.ExtraSenderData, u.ExtraSenderData)
	if u.ReleaseClaim {
		m.ClaimedBy = nil
		m.ClaimedAt = nil
	}
	m.UpdatedAt = at
}

func mergeData(dst map[string]any, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
