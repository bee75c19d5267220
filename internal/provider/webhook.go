package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// WebhookConfig is the typed config of the webhook implementation.
type WebhookConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type webhookRequest struct {
	To      string         `json:"to"`
	Channel string         `json:"channel"`
	Content string         `json:"content"`
	Tag     string         `json:"tag,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// WebhookProvider posts messages as JSON to a generic HTTP endpoint, e.g.
// webhook.site. Any channel can use it.
type WebhookProvider struct {
	base
	http *vendorClient
}

func NewWebhookProvider(name string, channel domain.Channel, policy Policy, cfg WebhookConfig) (*WebhookProvider, error) {
	return NewWebhookProviderWithClient(name, channel, policy, cfg, nil)
}

func NewWebhookProviderWithClient(name string, channel domain.Channel, policy Policy, cfg WebhookConfig, client *resty.Client) (*WebhookProvider, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}

	vc, err := newVendorClient(name, endpoint, secondsOrDefault(cfg.TimeoutSeconds, defaultVendorTimeout), client)
	if err != nil {
		return nil, err
	}

	return &WebhookProvider{
		base: base{name: name, channel: channel, policy: policy},
		http: vc,
	}, nil
}

func decodeWebhookConfig(raw json.RawMessage) (WebhookConfig, error) {
	var cfg WebhookConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (p *WebhookProvider) Publish(ctx context.Context, message domain.Message) (*Outcome, error) {
	reqBody := webhookRequest{
		To:      message.Recipient,
		Channel: strings.ToLower(message.Channel.String()),
		Content: message.Content,
		Extra:   message.ExtraData,
	}
	if message.Tag != nil {
		reqBody.Tag = *message.Tag
	}

	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Content-Type", "application/json").
			SetBody(reqBody).
			Post("")
	})
	if err != nil {
		return nil, err
	}
	if err := p.http.statusError(response); err != nil {
		return nil, err
	}

	return &Outcome{
		State:      p.lifecycle().SentState(),
		ExternalID: providerMessageID(response),
		Sent:       true,
		StatusCode: response.StatusCode(),
	}, nil
}

var _ Provider = (*WebhookProvider)(nil)

