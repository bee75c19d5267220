package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	signalExchange     = "outbound.signals"
	deadLetterExchange = "outbound.dlx"

	// Signals only shorten the wait for the next dispatch loop. Old ones are
	// dropped instead of piling up while no worker runs.
	signalTTL       = time.Hour
	signalMaxLength = 10000

	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	connectTimeout   = 15 * time.Second
)

// binding is the declared topology of one channel.
type binding struct {
	queue      string
	deadLetter string
	routingKey string
}

func bindingFor(channel domain.Channel) binding {
	return binding{
		queue:      QueueName(channel),
		deadLetter: DLQName(channel),
		routingKey: strings.ToLower(channel.String()),
	}
}

func (b binding) queueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": b.routingKey,
		"x-max-priority":            queueMaxPriority,
		"x-message-ttl":             signalTTL.Milliseconds(),
		"x-max-length":              int64(signalMaxLength),
		"x-overflow":                "drop-head",
	}
}

// RabbitMQ owns the broker connection. The topology is declared once per
// connection; a dropped connection is redialed with backoff on next use.
type RabbitMQ struct {
	url  string
	dial func(url string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewRabbitMQ(ctx context.Context, url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url, dial: amqp.Dial}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// channel opens an AMQP channel, redialing once when the connection turned
// out to be dead.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	for attempt := 0; ; attempt++ {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err == nil {
			return ch, nil
		}
		if attempt > 0 {
			return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
		}
		r.drop(conn)
	}
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	wait := reconnectBackoff
	for {
		conn, err := r.dial(r.url)
		if err == nil {
			if err := declareTopology(conn); err != nil {
				_ = conn.Close()
				return nil, err
			}
			r.conn = conn
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

// drop forgets conn if it is still the current connection.
func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	_ = conn.Close()
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func declareTopology(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	for _, exchange := range []string{signalExchange, deadLetterExchange} {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
		}
	}

	for _, channel := range domain.Channels() {
		b := bindingFor(channel)

		if _, err := ch.QueueDeclare(b.deadLetter, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", b.deadLetter, err)
		}
		if err := ch.QueueBind(b.deadLetter, b.routingKey, deadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", b.deadLetter, err)
		}

		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, b.queueArgs()); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, signalExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q: %w", b.queue, err)
		}
	}

	return nil
}
