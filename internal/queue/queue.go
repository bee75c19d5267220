package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// Publisher publishes dispatch signals to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg DispatchSignal) error
	Close() error
}

// MessageHandler handles a consumed dispatch signal.
type MessageHandler func(ctx context.Context, msg DispatchSignal) error

// Consumer consumes dispatch signals from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	queuePrefix = "dispatch"

	// queueMaxPriority is the RabbitMQ x-max-priority value for signal queues.
	queueMaxPriority int32 = 3
)

// QueueName returns the dispatch signal queue of a channel, e.g. dispatch.sms.
func QueueName(channel domain.Channel) string {
	return queuePrefix + "." + strings.ToLower(channel.String())
}

// DLQName returns the dead-letter queue of a channel, e.g. dlq.dispatch.sms.
func DLQName(channel domain.Channel) string {
	return fmt.Sprintf("dlq.%s", QueueName(channel))
}

// PriorityValue maps message priority (1 highest) to RabbitMQ priority
// (higher first).
func PriorityValue(priority int) uint8 {
	if !domain.IsValidPriority(priority) {
		return 0
	}
	return uint8(domain.PriorityLowest - priority + 1)
}
