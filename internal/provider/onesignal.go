package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

const (
	defaultOneSignalURL      = "https://onesignal.com/api/v1"
	defaultOneSignalTimeout  = 5
	defaultOneSignalLanguage = "en"
)

// OneSignalConfig is the typed config of the OneSignal push provider.
type OneSignalConfig struct {
	URL            string `json:"url"`
	AppID          string `json:"appId"`
	APIKey         string `json:"apiKey"`
	Language       string `json:"language"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type oneSignalNotification struct {
	AppID                  string            `json:"app_id"`
	IncludeExternalUserIDs []string          `json:"include_external_user_ids"`
	Contents               map[string]string `json:"contents"`
	Headings               map[string]string `json:"headings,omitempty"`
	Data                   map[string]any    `json:"data,omitempty"`
	URL                    string            `json:"url,omitempty"`
}

type oneSignalResult struct {
	ID         string          `json:"id"`
	Recipients int             `json:"recipients"`
	Errors     json.RawMessage `json:"errors"`
}

type OneSignalProvider struct {
	base
	http *vendorClient
	cfg  OneSignalConfig
}

func NewOneSignalProvider(name string, policy Policy, cfg OneSignalConfig, client *resty.Client) (*OneSignalProvider, error) {
	if cfg.URL == "" {
		cfg.URL = defaultOneSignalURL
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, fmt.Errorf("%s: appId is required", name)
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultOneSignalTimeout
	}
	vc, err := newVendorClient(name, cfg.URL, secondsOrDefault(cfg.TimeoutSeconds, defaultVendorTimeout), client)
	if err != nil {
		return nil, err
	}
	vc.client.SetHeader("Authorization", "Basic "+cfg.APIKey)

	return &OneSignalProvider{
		base: base{name: name, channel: domain.ChannelPush, policy: policy},
		http: vc,
		cfg:  cfg,
	}, nil
}

func decodeOneSignalConfig(raw json.RawMessage) (OneSignalConfig, error) {
	var cfg OneSignalConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

func (p *OneSignalProvider) languages() []string {
	languages := []string{defaultOneSignalLanguage}
	if p.cfg.Language != "" && p.cfg.Language != defaultOneSignalLanguage {
		languages = append(languages, p.cfg.Language)
	}
	return languages
}

func (p *OneSignalProvider) Publish(ctx context.Context, message domain.Message) (*Outcome, error) {
	notification := oneSignalNotification{
		AppID:                  p.cfg.AppID,
		IncludeExternalUserIDs: []string{message.Recipient},
		Contents:               make(map[string]string),
		Data:                   message.ExtraData,
		URL:                    deref(message.URL),
	}
	for _, language := range p.languages() {
		notification.Contents[language] = message.Content
		if message.Heading != nil {
			if notification.Headings == nil {
				notification.Headings = make(map[string]string)
			}
			notification.Headings[language] = *message.Heading
		}
	}

	var result oneSignalResult
	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(notification).SetResult(&result).SetError(&result).Post("/notifications")
	})
	if err != nil {
		return nil, err
	}

	senderData := map[string]any{"result": map[string]any{"id": result.ID, "recipients": result.Recipients}}
	failure := oneSignalErrors(result.Errors)
	if err := p.http.statusError(response); err != nil {
		if failure == "" || IsTransient(err) {
			return nil, err
		}
	}
	// OneSignal reports partial failures with 200 and a non-empty errors field.
	if failure != "" || result.ID == "" {
		if failure == "" {
			failure = "onesignal returned no notification id"
		}
		return &Outcome{State: domain.StateError, Error: failure, SenderData: senderData, StatusCode: response.StatusCode()}, nil
	}

	return &Outcome{
		State:      domain.StateSent,
		ExternalID: result.ID,
		SenderData: senderData,
		Sent:       true,
		StatusCode: response.StatusCode(),
	}, nil
}

func oneSignalErrors(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "[]" || trimmed == "{}" {
		return ""
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ", ")
	}

	var object map[string]any
	if err := json.Unmarshal(raw, &object); err == nil {
		parts := make([]string, 0, len(object))
		for key, value := range object {
			parts = append(parts, fmt.Sprintf("%s: %v", key, value))
		}
		return strings.Join(sortedStrings(parts), ", ")
	}

	return trimmed
}

func sortedStrings(values []string) []string {
	sort.Strings(values)
	return values
}
