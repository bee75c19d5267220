package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SignalWorker consumes dispatch signals and runs the dispatcher of the
// signalled channel. Signals only wake dispatchers up; the store claim
// still decides which run sends a message.
type SignalWorker struct {
	consumer    queue.Consumer
	dispatchers map[domain.Channel]*Dispatcher
	logger      *zap.Logger
}

func NewSignalWorker(consumer queue.Consumer, dispatchers []*Dispatcher, logger *zap.Logger) (*SignalWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if len(dispatchers) == 0 {
		return nil, fmt.Errorf("at least one dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byChannel := make(map[domain.Channel]*Dispatcher, len(dispatchers))
	for _, d := range dispatchers {
		byChannel[d.Channel()] = d
	}

	return &SignalWorker{
		consumer:    consumer,
		dispatchers: byChannel,
		logger:      logger,
	}, nil
}

// Start consumes the signal queue of every dispatcher channel until the
// context is cancelled.
func (w *SignalWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for channel := range w.dispatchers {
		queueName := queue.QueueName(channel)

		g.Go(func() error {
			w.logger.Info("signal worker started", zap.String("queue", queueName))

			if err := w.consumer.Consume(groupCtx, queueName, w.handle); err != nil {
				w.logger.Error("signal worker stopped with error", zap.String("queue", queueName), zap.Error(err))
				return err
			}

			w.logger.Info("signal worker stopped", zap.String("queue", queueName))
			return nil
		})
	}

	return g.Wait()
}

func (w *SignalWorker) handle(ctx context.Context, msg queue.DispatchSignal) error {
	d, ok := w.dispatchers[msg.Channel]
	if !ok {
		w.logger.Warn("signal for a channel without dispatcher, skipping",
			zap.String("channel", msg.Channel.String()),
			zap.String("messageId", msg.MessageID),
		)
		return nil
	}

	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}

	report, err := d.Run(ctx)
	if errors.Is(err, ErrBatchSendingDisabled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch for signal %s failed: %w", msg.MessageID, err)
	}

	observability.WithContextLogger(w.logger, ctx).Debug("signal handled",
		zap.String("messageId", msg.MessageID),
		zap.Int("claimed", report.Claimed()),
	)
	return nil
}
