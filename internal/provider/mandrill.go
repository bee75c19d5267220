package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

const defaultMandrillURL = "https://mandrillapp.com/api/1.0"

// MandrillConfig is the typed config of the Mandrill e-mail provider.
type MandrillConfig struct {
	URL                string            `json:"url"`
	Key                string            `json:"key"`
	Sender             string            `json:"sender"`
	SenderName         string            `json:"senderName"`
	Headers            map[string]string `json:"headers"`
	TrackOpens         bool              `json:"trackOpens"`
	AutoText           bool              `json:"autoText"`
	InlineCSS          bool              `json:"inlineCss"`
	URLStripQS         bool              `json:"urlStripQs"`
	PreserveRecipients bool              `json:"preserveRecipients"`
	ViewContentLink    bool              `json:"viewContentLink"`
	Async              bool              `json:"async"`
	TimeoutSeconds     int               `json:"timeoutSeconds"`
}

var mandrillStates = map[string]domain.State{
	"sent":      domain.StateSent,
	"queued":    domain.StateSent,
	"scheduled": domain.StateSent,
	"rejected":  domain.StateError,
	"invalid":   domain.StateError,
}

type mandrillRecipient struct {
	Email string `json:"email"`
}

type mandrillMessage struct {
	To                 []mandrillRecipient `json:"to"`
	FromEmail          string              `json:"from_email,omitempty"`
	FromName           string              `json:"from_name,omitempty"`
	HTML               string              `json:"html"`
	Subject            string              `json:"subject,omitempty"`
	Headers            map[string]string   `json:"headers,omitempty"`
	TrackOpens         bool                `json:"track_opens"`
	AutoText           bool                `json:"auto_text"`
	InlineCSS          bool                `json:"inline_css"`
	URLStripQS         bool                `json:"url_strip_qs"`
	PreserveRecipients bool                `json:"preserve_recipients"`
	ViewContentLink    bool                `json:"view_content_link"`
}

type mandrillSendRequest struct {
	Key     string          `json:"key"`
	Message mandrillMessage `json:"message"`
	Async   bool            `json:"async"`
}

type mandrillSendResult struct {
	ID           string `json:"_id"`
	Email        string `json:"email"`
	Status       string `json:"status"`
	RejectReason string `json:"reject_reason"`
}

type mandrillInfoRequest struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

type mandrillAPIError struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// MandrillProvider sends e-mails through Mandrill and pulls extended
// message info after webhooks arrive.
type MandrillProvider struct {
	base
	http *vendorClient
	cfg  MandrillConfig
}

func NewMandrillProvider(name string, policy Policy, cfg MandrillConfig, client *resty.Client) (*MandrillProvider, error) {
	if cfg.URL == "" {
		cfg.URL = defaultMandrillURL
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, fmt.Errorf("%s: key is required", name)
	}
	vc, err := newVendorClient(name, cfg.URL, secondsOrDefault(cfg.TimeoutSeconds, defaultVendorTimeout), client)
	if err != nil {
		return nil, err
	}
	return &MandrillProvider{
		base: base{name: name, channel: domain.ChannelEmail, policy: policy},
		http: vc,
		cfg:  cfg,
	}, nil
}

func decodeMandrillConfig(raw json.RawMessage) (MandrillConfig, error) {
	var cfg MandrillConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

func (p *MandrillProvider) DefaultFields(string) domain.ChannelFields {
	var fields domain.ChannelFields
	if p.cfg.Sender != "" {
		sender := p.cfg.Sender
		fields.Sender = &sender
	}
	if p.cfg.SenderName != "" {
		senderName := p.cfg.SenderName
		fields.SenderName = &senderName
	}
	return fields
}

func (p *MandrillProvider) Publish(ctx context.Context, message domain.Message) (*Outcome, error) {
	request := mandrillSendRequest{
		Key: p.cfg.Key,
		Message: mandrillMessage{
			To:                 []mandrillRecipient{{Email: message.Recipient}},
			FromEmail:          deref(message.Sender),
			FromName:           deref(message.SenderName),
			HTML:               message.Content,
			Subject:            deref(message.Subject),
			Headers:            p.cfg.Headers,
			TrackOpens:         p.cfg.TrackOpens,
			AutoText:           p.cfg.AutoText,
			InlineCSS:          p.cfg.InlineCSS,
			URLStripQS:         p.cfg.URLStripQS,
			PreserveRecipients: p.cfg.PreserveRecipients,
			ViewContentLink:    p.cfg.ViewContentLink,
		},
		Async: p.cfg.Async,
	}

	var results []mandrillSendResult
	var apiErr mandrillAPIError
	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(request).SetResult(&results).SetError(&apiErr).Post("/messages/send.json")
	})
	if err != nil {
		return nil, err
	}
	if err := p.http.statusError(response); err != nil {
		if apiErr.Message != "" {
			var providerErr *ProviderError
			if errors.As(err, &providerErr) {
				providerErr.Message = fmt.Sprintf("mandrill %s: %s", apiErr.Name, apiErr.Message)
			}
		}
		return nil, err
	}
	if len(results) == 0 {
		return nil, &ProviderError{Message: "mandrill returned no results", Transient: true}
	}

	result := results[0]
	status := strings.ToLower(result.Status)
	outcome := &Outcome{
		ExternalID: result.ID,
		SenderData: map[string]any{"result": map[string]any{
			"_id":           result.ID,
			"email":         result.Email,
			"status":        result.Status,
			"reject_reason": result.RejectReason,
		}},
		Sent:       true,
		StatusCode: response.StatusCode(),
	}

	state, ok := mandrillStates[status]
	if !ok {
		return nil, &ProviderError{Message: fmt.Sprintf("unknown mandrill status %q", result.Status)}
	}
	outcome.State = state
	if state == domain.StateError {
		outcome.Error = status
		if status == "rejected" {
			outcome.Error += fmt.Sprintf(`, mandrill message: "%s"`, result.RejectReason)
		}
	}
	return outcome, nil
}

// PullInfo fetches messages/info for a sent e-mail. The state is left as is.
func (p *MandrillProvider) PullInfo(ctx context.Context, message domain.Message) (*Outcome, error) {
	if message.ExternalID == nil || *message.ExternalID == "" {
		return nil, fmt.Errorf("message %s has no mandrill id", message.ID)
	}

	var info map[string]any
	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(mandrillInfoRequest{Key: p.cfg.Key, ID: *message.ExternalID}).
			SetResult(&info).
			Post("/messages/info.json")
	})
	if err != nil {
		return nil, err
	}
	if err := p.http.statusError(response); err != nil {
		return nil, err
	}

	return &Outcome{SenderData: map[string]any{"info": info}, StatusCode: response.StatusCode()}, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

var (
	_ InfoPuller = (*MandrillProvider)(nil)
	_ Defaulter  = (*MandrillProvider)(nil)
)
