package provider

import (
	"context"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// DummyProvider accepts everything and marks messages DEBUG. It is the
// default for channels without configured vendors.
type DummyProvider struct {
	base
}

func NewDummyProvider(name string, channel domain.Channel, policy Policy) *DummyProvider {
	return &DummyProvider{base: base{name: name, channel: channel, policy: policy}}
}

func (p *DummyProvider) Publish(_ context.Context, _ domain.Message) (*Outcome, error) {
	return &Outcome{State: domain.StateDebug, Sent: true}, nil
}

func (p *DummyProvider) PublishBatch(_ context.Context, messages []domain.Message) (map[string]*Outcome, error) {
	outcomes := make(map[string]*Outcome, len(messages))
	for _, message := range messages {
		outcomes[message.ID] = &Outcome{State: domain.StateDebug, Sent: true}
	}
	return outcomes, nil
}

func (p *DummyProvider) PullInfo(_ context.Context, _ domain.Message) (*Outcome, error) {
	return &Outcome{SenderData: map[string]any{"info": map[string]any{"debug": true}}}, nil
}

var (
	_ BatchPublisher = (*DummyProvider)(nil)
	_ InfoPuller     = (*DummyProvider)(nil)
)
