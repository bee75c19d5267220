package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/service"
)

// MessageController is the per-channel API of the engine.
type MessageController interface {
	Send(ctx context.Context, p service.SendParams) (*domain.Message, error)
	BulkSend(ctx context.Context, recipients []string, p service.SendParams) ([]*domain.Message, error)
	Get(ctx context.Context, id string) (*domain.Message, error)
	Attempts(ctx context.Context, id string) ([]domain.Attempt, error)
}

// TemplateSender sends messages rendered from stored templates.
type TemplateSender interface {
	Send(ctx context.Context, channel domain.Channel, slug string, p service.TemplateSendParams) (*domain.Message, error)
}

type MessageHandler struct {
	controllers map[domain.Channel]MessageController
	templates   TemplateSender
}

func NewMessageHandler(controllers map[domain.Channel]MessageController, templates TemplateSender) (*MessageHandler, error) {
	if len(controllers) == 0 {
		return nil, fmt.Errorf("at least one message controller is required")
	}
	return &MessageHandler{controllers: controllers, templates: templates}, nil
}

func RegisterMessageRoutes(router fiber.Router, controllers map[domain.Channel]MessageController, templates TemplateSender) error {
	h, err := NewMessageHandler(controllers, templates)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/messages/:channel", h.SendMessage)
	v1.Post("/messages/:channel/bulk", h.BulkSend)
	v1.Get("/messages/:channel/:id", h.GetMessage)
	if templates != nil {
		v1.Post("/templates/:channel/:slug/send", h.SendTemplate)
	}

	return nil
}

type relatedObjectRequest struct {
	TypeTag  string `json:"typeTag"`
	ObjectID string `json:"objectId"`
}

type messageFieldsRequest struct {
	Sender       *string `json:"sender"`
	SenderName   *string `json:"senderName"`
	Subject      *string `json:"subject"`
	Heading      *string `json:"heading"`
	URL          *string `json:"url"`
	IsAutodialer *bool   `json:"isAutodialer"`
}

type sendMessageRequest struct {
	Recipient       string                 `json:"recipient"`
	Content         string                 `json:"content"`
	Priority        int                    `json:"priority"`
	Tag             *string                `json:"tag"`
	RelatedObjects  []relatedObjectRequest `json:"relatedObjects"`
	ExtraData       map[string]any         `json:"extraData"`
	SendImmediately bool                   `json:"sendImmediately"`
	messageFieldsRequest
}

type bulkSendRequest struct {
	Recipients []string `json:"recipients"`
	sendMessageRequest
}

type templateSendRequest struct {
	Recipient       string                 `json:"recipient"`
	Data            map[string]any         `json:"data"`
	Priority        int                    `json:"priority"`
	Tag             *string                `json:"tag"`
	RelatedObjects  []relatedObjectRequest `json:"relatedObjects"`
	ExtraData       map[string]any         `json:"extraData"`
	SendImmediately bool                   `json:"sendImmediately"`
}

type messageResponse struct {
	ID                          string                 `json:"id"`
	Channel                     string                 `json:"channel"`
	Recipient                   string                 `json:"recipient"`
	Content                     string                 `json:"content"`
	State                       string                 `json:"state"`
	Priority                    int                    `json:"priority"`
	Tag                         *string                `json:"tag,omitempty"`
	Backend                     *string                `json:"backend,omitempty"`
	ExternalID                  *string                `json:"externalId,omitempty"`
	Error                       *string                `json:"error,omitempty"`
	NumberOfSendAttempts        int                    `json:"numberOfSendAttempts"`
	NumberOfStatusCheckAttempts int                    `json:"numberOfStatusCheckAttempts"`
	TemplateSlug                *string                `json:"templateSlug,omitempty"`
	RelatedObjects              []relatedObjectRequest `json:"relatedObjects,omitempty"`
	ExtraData                   map[string]any         `json:"extraData,omitempty"`
	ExtraSenderData             map[string]any         `json:"extraSenderData,omitempty"`
	SentAt                      *time.Time             `json:"sentAt,omitempty"`
	LastWebhookReceivedAt       *time.Time             `json:"lastWebhookReceivedAt,omitempty"`
	CreatedAt                   time.Time              `json:"createdAt"`
	UpdatedAt                   time.Time              `json:"updatedAt"`
	Attempts                    []attemptResponse      `json:"attempts,omitempty"`
}

type attemptResponse struct {
	Operation     string    `json:"operation"`
	AttemptNumber int       `json:"attemptNumber"`
	Backend       string    `json:"backend"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type bulkSendResponse struct {
	TotalCount int               `json:"totalCount"`
	Messages   []messageResponse `json:"messages"`
	Warning    string            `json:"warning,omitempty"`
}

func (h *MessageHandler) controller(c *fiber.Ctx) (domain.Channel, MessageController, error) {
	channel, err := domain.ParseChannelFromString(c.Params("channel"))
	if err != nil {
		return "", nil, toHTTPError(err)
	}
	controller, ok := h.controllers[channel]
	if !ok {
		return "", nil, fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("channel %s is not served", channel))
	}
	return channel, controller, nil
}

func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	_, controller, err := h.controller(c)
	if err != nil {
		return err
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	m, err := controller.Send(requestContext(c), req.toParams())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toMessageResponse(m, nil))
}

func (h *MessageHandler) BulkSend(c *fiber.Ctx) error {
	_, controller, err := h.controller(c)
	if err != nil {
		return err
	}

	var req bulkSendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	messages, err := controller.BulkSend(requestContext(c), req.Recipients, req.toParams())
	if err != nil && len(messages) == 0 {
		return toHTTPError(err)
	}

	resp := bulkSendResponse{
		TotalCount: len(messages),
		Messages:   make([]messageResponse, 0, len(messages)),
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m, nil))
	}
	// The messages exist at this point; a failed publish leaves them to retry.
	if err != nil {
		resp.Warning = err.Error()
	}

	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	_, controller, err := h.controller(c)
	if err != nil {
		return err
	}

	id := strings.TrimSpace(c.Params("id"))
	ctx := requestContext(c)
	m, err := controller.Get(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}

	attempts, err := controller.Attempts(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toMessageResponse(m, attempts))
}

func (h *MessageHandler) SendTemplate(c *fiber.Ctx) error {
	channel, _, err := h.controller(c)
	if err != nil {
		return err
	}

	var req templateSendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	m, err := h.templates.Send(requestContext(c), channel, c.Params("slug"), service.TemplateSendParams{
		Recipient:       strings.TrimSpace(req.Recipient),
		Data:            req.Data,
		RelatedObjects:  toRelatedObjects(req.RelatedObjects),
		Tag:             req.Tag,
		Priority:        req.Priority,
		ExtraData:       req.ExtraData,
		SendImmediately: req.SendImmediately,
	})
	if err != nil {
		return toHTTPError(err)
	}
	if m == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"sent":   false,
			"reason": "refused by template",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(toMessageResponse(m, nil))
}

func (r sendMessageRequest) toParams() service.SendParams {
	return service.SendParams{
		Recipient:      strings.TrimSpace(r.Recipient),
		Content:        r.Content,
		RelatedObjects: toRelatedObjects(r.RelatedObjects),
		Tag:            r.Tag,
		Priority:       r.Priority,
		ExtraData:      r.ExtraData,
		Fields: domain.ChannelFields{
			Sender:       r.Sender,
			SenderName:   r.SenderName,
			Subject:      r.Subject,
			Heading:      r.Heading,
			URL:          r.URL,
			IsAutodialer: r.IsAutodialer,
		},
		SendImmediately: r.SendImmediately,
	}
}

func toRelatedObjects(items []relatedObjectRequest) []domain.RelatedObject {
	if len(items) == 0 {
		return nil
	}
	objects := make([]domain.RelatedObject, 0, len(items))
	for _, item := range items {
		objects = append(objects, domain.RelatedObject{
			TypeTag:  strings.TrimSpace(item.TypeTag),
			ObjectID: strings.TrimSpace(item.ObjectID),
		})
	}
	return objects
}

// requestContext carries the request id as correlation id into the engine.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toMessageResponse(m *domain.Message, attempts []domain.Attempt) messageResponse {
	if m == nil {
		return messageResponse{}
	}

	resp := messageResponse{
		ID:                          m.ID,
		Channel:                     m.Channel.String(),
		Recipient:                   m.Recipient,
		Content:                     m.Content,
		State:                       m.State.String(),
		Priority:                    m.Priority,
		Tag:                         m.Tag,
		Backend:                     m.Backend,
		ExternalID:                  m.ExternalID,
		Error:                       m.Error,
		NumberOfSendAttempts:        m.NumberOfSendAttempts,
		NumberOfStatusCheckAttempts: m.NumberOfStatusCheckAttempts,
		TemplateSlug:                m.TemplateSlug,
		ExtraData:                   m.ExtraData,
		ExtraSenderData:             m.ExtraSenderData,
		SentAt:                      m.SentAt,
		LastWebhookReceivedAt:       m.LastWebhookReceivedAt,
		CreatedAt:                   m.CreatedAt,
		UpdatedAt:                   m.UpdatedAt,
	}
	for _, obj := range m.RelatedObjects {
		resp.RelatedObjects = append(resp.RelatedObjects, relatedObjectRequest{TypeTag: obj.TypeTag, ObjectID: obj.ObjectID})
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Operation:     string(a.Operation),
			AttemptNumber: a.AttemptNumber,
			Backend:       a.Backend,
			StatusCode:    a.StatusCode,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}
	return resp
}

func toHTTPError(err error) error {
	var creationErr *domain.CreationError
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrStateConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.As(err, &creationErr):
		return fiber.NewError(fiber.StatusServiceUnavailable, creationErr.Error())
	default:
		return err
	}
}
