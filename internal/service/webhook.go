package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"go.uber.org/zap"
)

// WebhookEvent is one vendor notification about a sent message.
type WebhookEvent struct {
	ExternalID string
	Payload    map[string]any
}

type WebhookReport struct {
	Received int
	Matched  int
	Unknown  int
	Invalid  int
	Failed   int
}

// WebhookIngestor stores vendor webhooks on the messages they refer to.
type WebhookIngestor struct {
	messages repository.MessageRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewWebhookIngestor(messages repository.MessageRepository, logger *zap.Logger) (*WebhookIngestor, error) {
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookIngestor{
		messages: messages,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (w *WebhookIngestor) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Ingest records every event independently. Unknown ids and failing events
// are counted in the report and never fail the whole delivery.
func (w *WebhookIngestor) Ingest(ctx context.Context, channel domain.Channel, events []WebhookEvent) (*WebhookReport, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	logger := observability.WithContextLogger(w.logger, ctx).With(zap.String("channel", channel.String()))
	report := &WebhookReport{Received: len(events)}
	at := w.now().UTC()

	for _, event := range events {
		externalID := strings.TrimSpace(event.ExternalID)
		if externalID == "" {
			report.Invalid++
			continue
		}

		matched, err := w.messages.RecordWebhook(ctx, channel, externalID, at, event.Payload)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			logger.Error("failed to record webhook", zap.String("externalId", externalID), zap.Error(err))
		case matched:
			report.Matched++
		default:
			report.Unknown++
			logger.Debug("webhook for unknown message", zap.String("externalId", externalID))
		}
	}

	name := channel.String()
	w.metrics.AddWebhookEvents(name, "matched", report.Matched)
	w.metrics.AddWebhookEvents(name, "unknown", report.Unknown)
	w.metrics.AddWebhookEvents(name, "invalid", report.Invalid)
	w.metrics.AddWebhookEvents(name, "failed", report.Failed)
	return report, nil
}
