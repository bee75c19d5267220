package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"go.uber.org/zap"
)

// TemplateSendParams describes a message rendered from a stored template.
type TemplateSendParams struct {
	Recipient       string
	Data            map[string]any
	RelatedObjects  []domain.RelatedObject
	Tag             *string
	Priority        int
	ExtraData       map[string]any
	SendImmediately bool
}

// TemplateService renders stored templates and sends them through the
// controller of the template channel.
type TemplateService struct {
	templates   repository.TemplateRepository
	messages    repository.MessageRepository
	controllers map[domain.Channel]*Controller
	logger      *zap.Logger
}

func NewTemplateService(
	templates repository.TemplateRepository,
	messages repository.MessageRepository,
	controllers map[domain.Channel]*Controller,
	logger *zap.Logger,
) (*TemplateService, error) {
	if templates == nil {
		return nil, fmt.Errorf("template repository is required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateService{
		templates:   templates,
		messages:    messages,
		controllers: controllers,
		logger:      logger,
	}, nil
}

func (s *TemplateService) SaveTemplate(ctx context.Context, t *domain.Template) error {
	if t == nil {
		return fmt.Errorf("%w: template is required", domain.ErrValidation)
	}
	t.Slug = strings.TrimSpace(t.Slug)
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := parseTemplate(t.Slug, t.Body); err != nil {
		return err
	}
	return s.templates.Save(ctx, t)
}

// Send renders the template and sends it. A template that refuses the
// message yields a nil message and a nil error.
func (s *TemplateService) Send(ctx context.Context, channel domain.Channel, slug string, p TemplateSendParams) (*domain.Message, error) {
	controller, ok := s.controllers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: channel %q is not served", domain.ErrValidation, channel)
	}

	t, err := s.templates.GetBySlug(ctx, channel, strings.TrimSpace(slug))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: template %s/%s", domain.ErrNotFound, channel, slug)
		}
		return nil, err
	}

	logger := s.logger.With(zap.String("channel", channel.String()), zap.String("template", t.Slug))
	refused, err := s.refuses(ctx, t, p.RelatedObjects, logger)
	if err != nil || refused {
		return nil, err
	}

	params, err := render(t, p)
	if err != nil {
		return nil, err
	}
	return controller.Send(ctx, params)
}

func (s *TemplateService) refuses(ctx context.Context, t *domain.Template, objects []domain.RelatedObject, logger *zap.Logger) (bool, error) {
	if !t.IsActive {
		logger.Info("template is inactive, message not sent")
		return true, nil
	}
	if obj, blocked := t.Disallows(objects); blocked {
		logger.Info("template disallows related object, message not sent", zap.String("object", obj.String()))
		return true, nil
	}
	if t.IsAllowedDuplicateMessages {
		return false, nil
	}

	exists, err := s.messages.ExistsForTemplate(ctx, t.Channel, t.Slug, objects)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate messages: %w", err)
	}
	if exists {
		logger.Info("duplicate message suppressed")
	}
	return exists, nil
}

func render(t *domain.Template, p TemplateSendParams) (SendParams, error) {
	body, err := renderText(t.Slug, t.Body, p.Data)
	if err != nil {
		return SendParams{}, err
	}

	fields := domain.ChannelFields{Sender: t.Sender, SenderName: t.SenderName}
	if fields.Subject, err = renderOptional(t.Slug+".subject", t.Subject, p.Data); err != nil {
		return SendParams{}, err
	}
	if fields.Heading, err = renderOptional(t.Slug+".heading", t.Heading, p.Data); err != nil {
		return SendParams{}, err
	}

	slug := t.Slug
	return SendParams{
		Recipient:       p.Recipient,
		Content:         body,
		RelatedObjects:  p.RelatedObjects,
		Tag:             p.Tag,
		TemplateSlug:    &slug,
		Priority:        p.Priority,
		ExtraData:       p.ExtraData,
		Fields:          fields,
		SendImmediately: p.SendImmediately,
	}, nil
}

func renderOptional(name string, text *string, data map[string]any) (*string, error) {
	if text == nil {
		return nil, nil
	}
	out, err := renderText(name, *text, data)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func renderText(name string, text string, data map[string]any) (string, error) {
	tmpl, err := parseTemplate(name, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: failed to render template %s: %v", domain.ErrValidation, name, err)
	}
	return buf.String(), nil
}

func parseTemplate(name string, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid template %s: %v", domain.ErrValidation, name, err)
	}
	return tmpl, nil
}
