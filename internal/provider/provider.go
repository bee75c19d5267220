package provider

import (
	"context"
	"errors"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

var ErrUnsupportedOperation = errors.New("operation not supported by provider")

// Provider is the outbound delivery port of one vendor on one channel.
type Provider interface {
	Name() string
	Channel() domain.Channel
	Policy() Policy
	Publish(ctx context.Context, message domain.Message) (*Outcome, error)
}

// BatchPublisher is implemented by vendors with a native multi-message API.
// Outcomes are keyed by message ID and must cover exactly the sent set.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error)
}

// StatusChecker is implemented by vendors that report delivery status.
type StatusChecker interface {
	CheckStatus(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error)
}

// InfoPuller is implemented by vendors exposing extended message details.
type InfoPuller interface {
	PullInfo(ctx context.Context, message domain.Message) (*Outcome, error)
}

// Defaulter supplies channel fields a new message gets when the caller
// leaves them empty.
type Defaulter interface {
	DefaultFields(recipient string) domain.ChannelFields
}

// Policy bounds how long and how often a message may be sent.
type Policy struct {
	MaxSendAttempts  int
	MaxSecondsToSend int
	RetrySending     bool
}

// Outcome is what a provider learned about one message from the vendor.
// An empty State leaves the message state unchanged.
type Outcome struct {
	State      domain.State
	Error      string
	ExternalID string
	SenderData map[string]any
	Sent       bool
	StatusCode int
}

// base carries the identity shared by every provider implementation.
type base struct {
	name    string
	channel domain.Channel
	policy  Policy
}

func (b base) Name() string            { return b.name }
func (b base) Channel() domain.Channel { return b.channel }
func (b base) Policy() Policy          { return b.policy }

func (b base) lifecycle() domain.Lifecycle {
	return domain.LifecycleFor(b.channel)
}
