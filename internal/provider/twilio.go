package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

const defaultTwilioURL = "https://api.twilio.com"

// TwilioConfig is the typed config of the Twilio SMS provider.
type TwilioConfig struct {
	URL            string `json:"url"`
	AccountSID     string `json:"accountSid"`
	AuthToken      string `json:"authToken"`
	Sender         string `json:"sender"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

var twilioStates = map[string]domain.State{
	"accepted":    domain.StateSent,
	"queued":      domain.StateSent,
	"sending":     domain.StateSent,
	"sent":        domain.StateSent,
	"delivered":   domain.StateDelivered,
	"received":    domain.StateDelivered,
	"failed":      domain.StateErrorUpdate,
	"undelivered": domain.StateErrorUpdate,
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type TwilioProvider struct {
	base
	http *vendorClient
	cfg  TwilioConfig
}

func NewTwilioProvider(name string, policy Policy, cfg TwilioConfig, client *resty.Client) (*TwilioProvider, error) {
	if cfg.URL == "" {
		cfg.URL = defaultTwilioURL
	}
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, fmt.Errorf("%s: accountSid is required", name)
	}
	vc, err := newVendorClient(name, cfg.URL, secondsOrDefault(cfg.TimeoutSeconds, defaultVendorTimeout), client)
	if err != nil {
		return nil, err
	}
	vc.client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	return &TwilioProvider{
		base: base{name: name, channel: domain.ChannelSMS, policy: policy},
		http: vc,
		cfg:  cfg,
	}, nil
}

func decodeTwilioConfig(raw json.RawMessage) (TwilioConfig, error) {
	var cfg TwilioConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

func (p *TwilioProvider) messagesPath() string {
	return "/2010-04-01/Accounts/" + p.cfg.AccountSID + "/Messages"
}

func (p *TwilioProvider) DefaultFields(string) domain.ChannelFields {
	if p.cfg.Sender == "" {
		return domain.ChannelFields{}
	}
	sender := p.cfg.Sender
	return domain.ChannelFields{Sender: &sender}
}

func (p *TwilioProvider) Publish(ctx context.Context, message domain.Message) (*Outcome, error) {
	sender := p.cfg.Sender
	if message.Sender != nil && *message.Sender != "" {
		sender = *message.Sender
	}

	var result twilioMessage
	var apiErr twilioError
	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(map[string]string{
			"From": sender,
			"To":   message.Recipient,
			"Body": message.Content,
		}).
			SetResult(&result).
			SetError(&apiErr).
			Post(p.messagesPath() + ".json")
	})
	if err != nil {
		return nil, err
	}
	if err := p.http.statusError(response); err != nil {
		if apiErr.Message == "" || IsTransient(err) {
			return nil, err
		}
		// Rejected by Twilio, e.g. an unroutable number.
		return &Outcome{
			State:      domain.StateError,
			Error:      fmt.Sprintf("twilio error %d: %s", apiErr.Code, apiErr.Message),
			StatusCode: response.StatusCode(),
		}, nil
	}

	outcome := p.outcome(result)
	outcome.Sent = true
	outcome.StatusCode = response.StatusCode()
	return outcome, nil
}

// CheckStatus fetches each message by its Twilio sid. Messages without a
// sid yield an outcome that changes nothing.
func (p *TwilioProvider) CheckStatus(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error) {
	outcomes := make(map[string]*Outcome, len(messages))
	for _, message := range messages {
		if message.ExternalID == nil || *message.ExternalID == "" {
			outcomes[message.ID] = &Outcome{}
			continue
		}

		var result twilioMessage
		response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
			return r.SetResult(&result).Get(p.messagesPath() + "/" + *message.ExternalID + ".json")
		})
		if err != nil {
			return nil, err
		}
		if err := p.http.statusError(response); err != nil {
			return nil, err
		}
		outcomes[message.ID] = p.outcome(result)
	}
	return outcomes, nil
}

func (p *TwilioProvider) outcome(result twilioMessage) *Outcome {
	outcome := &Outcome{
		ExternalID: result.SID,
		SenderData: map[string]any{"sender_state": result.Status},
	}
	state, ok := twilioStates[strings.ToLower(result.Status)]
	if !ok {
		outcome.Error = fmt.Sprintf("unknown twilio status %q", result.Status)
		return outcome
	}
	outcome.State = state
	if result.ErrorMessage != "" {
		outcome.Error = result.ErrorMessage
	}
	return outcome
}

var (
	_ StatusChecker = (*TwilioProvider)(nil)
	_ Defaulter     = (*TwilioProvider)(nil)
)
