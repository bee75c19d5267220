package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/service"
)

const mandrillEventsField = "mandrill_events"

// WebhookIngester stores vendor callbacks on their messages.
type WebhookIngester interface {
	Ingest(ctx context.Context, channel domain.Channel, events []service.WebhookEvent) (*service.WebhookReport, error)
}

type WebhookHandler struct {
	ingester WebhookIngester
}

func NewWebhookHandler(ingester WebhookIngester) (*WebhookHandler, error) {
	if ingester == nil {
		return nil, fmt.Errorf("webhook ingester is required")
	}
	return &WebhookHandler{ingester: ingester}, nil
}

// RegisterWebhookRoutes mounts the Mandrill callback. Mandrill checks the
// URL with HEAD before it starts posting events.
func RegisterWebhookRoutes(router fiber.Router, ingester WebhookIngester) error {
	h, err := NewWebhookHandler(ingester)
	if err != nil {
		return err
	}

	hooks := router.Group("/webhooks")
	hooks.Head("/mandrill", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	hooks.Post("/mandrill", h.Mandrill)

	return nil
}

type webhookReportResponse struct {
	Received int `json:"received"`
	Matched  int `json:"matched"`
	Unknown  int `json:"unknown"`
	Invalid  int `json:"invalid"`
	Failed   int `json:"failed"`
}

func (h *WebhookHandler) Mandrill(c *fiber.Ctx) error {
	events, err := parseMandrillEvents(c.FormValue(mandrillEventsField))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	report, err := h.ingester.Ingest(requestContext(c), domain.ChannelEmail, events)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(webhookReportResponse{
		Received: report.Received,
		Matched:  report.Matched,
		Unknown:  report.Unknown,
		Invalid:  report.Invalid,
		Failed:   report.Failed,
	})
}

// parseMandrillEvents decodes the event array. The message id is the event
// _id, or msg._id for events that only carry the message.
func parseMandrillEvents(raw string) ([]service.WebhookEvent, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", mandrillEventsField)
	}

	var payloads []map[string]any
	if err := json.Unmarshal([]byte(raw), &payloads); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", mandrillEventsField, err)
	}

	events := make([]service.WebhookEvent, 0, len(payloads))
	for _, payload := range payloads {
		id, _ := payload["_id"].(string)
		if strings.TrimSpace(id) == "" {
			if msg, ok := payload["msg"].(map[string]any); ok {
				id, _ = msg["_id"].(string)
			}
		}
		events = append(events, service.WebhookEvent{ExternalID: strings.TrimSpace(id), Payload: payload})
	}
	return events, nil
}
