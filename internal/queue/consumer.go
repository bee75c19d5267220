package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// verdict is how a delivery is settled with the broker.
type verdict int

const (
	verdictAck verdict = iota
	verdictRequeue
	verdictDeadLetter
)

func (v verdict) String() string {
	switch v {
	case verdictAck:
		return "ack"
	case verdictRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

var errDeliveriesClosed = errors.New("delivery channel closed")

// RabbitMQConsumer feeds dispatch signals to a handler. A failing signal is
// requeued once; when it fails again it goes to the dead-letter queue and
// the message is left to the periodic dispatch loop.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{client: client, prefetch: prefetch, logger: logger}
}

// Consume blocks until ctx is cancelled, resubscribing with backoff when
// the broker drops the subscription.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	logger := c.logger.With(zap.String("queue", queue))
	wait := reconnectBackoff
	for {
		err := c.subscribe(ctx, queue, handler, logger)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("signal subscription ended, resubscribing", zap.Error(err), zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue string, handler MessageHandler, logger *zap.Logger) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			v := decide(ctx, d.Body, d.Redelivered, handler, logger)
			if err := settle(d, v); err != nil {
				return err
			}
		}
	}
}

// decide runs the handler on a raw delivery body and picks its verdict.
func decide(ctx context.Context, body []byte, redelivered bool, handler MessageHandler, logger *zap.Logger) verdict {
	var msg DispatchSignal
	if err := json.Unmarshal(body, &msg); err != nil {
		logger.Warn("dead-lettering signal: invalid JSON", zap.Error(err))
		return verdictDeadLetter
	}
	if err := msg.Validate(); err != nil {
		logger.Warn("dead-lettering signal: validation failed", zap.Error(err), zap.String("messageId", msg.MessageID))
		return verdictDeadLetter
	}

	if err := handler(ctx, msg); err != nil {
		v := verdictRequeue
		if redelivered {
			v = verdictDeadLetter
		}
		logger.Warn("dispatch signal handler failed",
			zap.Error(err),
			zap.String("messageId", msg.MessageID),
			zap.String("channel", msg.Channel.String()),
			zap.Stringer("verdict", v),
		)
		return v
	}
	return verdictAck
}

func settle(d amqp.Delivery, v verdict) error {
	var err error
	switch v {
	case verdictAck:
		err = d.Ack(false)
	case verdictRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", v, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
