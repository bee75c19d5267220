package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQPublisher sends dispatch signals through the signal exchange.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg DispatchSignal) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	publishing, routingKey, err := p.publishing(queue, msg)
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.PublishWithContext(ctx, signalExchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish signal to queue %q: %w", queue, err)
	}
	return nil
}

// publishing builds the AMQP message of a signal. The queue must be the
// signal queue of the signal channel.
func (p *RabbitMQPublisher) publishing(queue string, msg DispatchSignal) (amqp.Publishing, string, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("invalid dispatch signal: %w", err)
	}
	b := bindingFor(msg.Channel)
	if queue != b.queue {
		return amqp.Publishing{}, "", fmt.Errorf("queue %q does not carry %s signals", queue, msg.Channel)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("failed to marshal dispatch signal: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     p.now().UTC(),
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Type:          "dispatch_signal",
		Priority:      PriorityValue(msg.Priority),
		Body:          payload,
	}, b.routingKey, nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
