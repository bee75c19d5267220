package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// DispatchSignal tells dispatch workers that a message of a channel waits
// to be sent. It carries no ownership: the worker still has to claim it.
type DispatchSignal struct {
	MessageID     string         `json:"messageId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Channel       domain.Channel `json:"channel"`
	Priority      int            `json:"priority"`
}

func (m DispatchSignal) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("messageId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if !domain.IsValidPriority(m.Priority) {
		return fmt.Errorf("invalid priority %d", m.Priority)
	}
	return nil
}
