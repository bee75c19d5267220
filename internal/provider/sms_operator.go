package provider

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// SMSOperatorConfig is the typed config of the SMS operator XML gateway.
type SMSOperatorConfig struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	UniqPrefix     string `json:"uniqPrefix"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (c *SMSOperatorConfig) applyDefaults() {
	if c.UniqPrefix == "" {
		c.UniqPrefix = "outbound"
	}
}

// SMS operator delivery states.
const (
	smsOperatorDelivered        = 0
	smsOperatorNotDelivered     = 1
	smsOperatorNumberNotExists  = 2
	smsOperatorTimeouted        = 3
	smsOperatorInvalidNumber    = 4
	smsOperatorAnotherError     = 5
	smsOperatorEventError       = 6
	smsOperatorTextTooLong      = 7
	smsOperatorPartlyDelivered  = 10
	smsOperatorUnknown          = 11
	smsOperatorPartlyUnknown    = 12
	smsOperatorNotDeliveredPart = 13
	smsOperatorMixed            = 14
	smsOperatorNotFound         = 15
)

var smsOperatorLabels = map[int]string{
	smsOperatorDelivered:        "delivered",
	smsOperatorNotDelivered:     "not delivered",
	smsOperatorNumberNotExists:  "number not exists",
	smsOperatorTimeouted:        "timeouted",
	smsOperatorInvalidNumber:    "wrong number format",
	smsOperatorAnotherError:     "another error",
	smsOperatorEventError:       "event error",
	smsOperatorTextTooLong:      "SMS text too long",
	smsOperatorPartlyDelivered:  "partly delivered",
	smsOperatorUnknown:          "unknown",
	smsOperatorPartlyUnknown:    "partly delivered, partly unknown",
	smsOperatorNotDeliveredPart: "partly not delivered, partly unknown",
	smsOperatorMixed:            "partly delivered, partly not delivered, partly unknown",
	smsOperatorNotFound:         "not found",
}

// smsOperatorState maps a gateway state to the message state. Codes the
// gateway has not documented count as failed deliveries.
func smsOperatorState(code int) domain.State {
	switch code {
	case smsOperatorDelivered:
		return domain.StateDelivered
	case smsOperatorUnknown, smsOperatorPartlyUnknown, smsOperatorNotDeliveredPart, smsOperatorMixed:
		return domain.StateSending
	default:
		return domain.StateErrorUpdate
	}
}

func smsOperatorLabel(code int) string {
	if label, ok := smsOperatorLabels[code]; ok {
		return label
	}
	return fmt.Sprintf("SMS operator returned an unknown state %d", code)
}

const (
	smsOperatorTypeSMS    = "SMS"
	smsOperatorTypeStatus = "SMS-Status"
)

type smsOperatorRequest struct {
	XMLName  xml.Name          `xml:"service"`
	Type     string            `xml:"type,attr"`
	Username string            `xml:"header>username"`
	Password string            `xml:"header>password"`
	Items    []smsOperatorItem `xml:"dataitem"`
}

type smsOperatorItem struct {
	SMSID  string `xml:"smsid"`
	Mobile string `xml:"mobile,omitempty"`
	Text   string `xml:"text,omitempty"`
}

type smsOperatorResponse struct {
	Items []smsOperatorStatus `xml:"dataitem"`
}

type smsOperatorStatus struct {
	SMSID  string `xml:"smsid"`
	Status string `xml:"status"`
}

// SMSOperatorProvider talks to the SMS operator XML gateway. Sends and
// delivery requests carry whole batches; each <dataitem> of the answer is
// matched to a message by its smsid.
type SMSOperatorProvider struct {
	base
	http *vendorClient
	cfg  SMSOperatorConfig
}

func NewSMSOperatorProvider(name string, policy Policy, cfg SMSOperatorConfig, client *resty.Client) (*SMSOperatorProvider, error) {
	cfg.applyDefaults()
	vc, err := newVendorClient(name, cfg.URL, secondsOrDefault(cfg.TimeoutSeconds, defaultVendorTimeout), client)
	if err != nil {
		return nil, err
	}
	return &SMSOperatorProvider{
		base: base{name: name, channel: domain.ChannelSMS, policy: policy},
		http: vc,
		cfg:  cfg,
	}, nil
}

func decodeSMSOperatorConfig(raw json.RawMessage) (SMSOperatorConfig, error) {
	var cfg SMSOperatorConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

func (p *SMSOperatorProvider) Publish(ctx context.Context, message domain.Message) (*Outcome, error) {
	outcomes, err := p.PublishBatch(ctx, []domain.Message{message})
	if err != nil {
		return nil, err
	}
	return outcomes[message.ID], nil
}

func (p *SMSOperatorProvider) PublishBatch(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error) {
	request := p.newRequest(smsOperatorTypeSMS)
	for _, message := range messages {
		request.Items = append(request.Items, smsOperatorItem{
			SMSID:  p.smsID(message.ID),
			Mobile: message.Recipient,
			Text:   message.Content,
		})
	}

	outcomes, err := p.exchange(ctx, request, messages)
	if err != nil {
		return nil, err
	}
	for _, outcome := range outcomes {
		outcome.Sent = true
	}
	return outcomes, nil
}

// CheckStatus sends a delivery request for messages sent through the gateway.
func (p *SMSOperatorProvider) CheckStatus(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error) {
	request := p.newRequest(smsOperatorTypeStatus)
	for _, message := range messages {
		request.Items = append(request.Items, smsOperatorItem{SMSID: p.smsID(message.ID)})
	}
	return p.exchange(ctx, request, messages)
}

func (p *SMSOperatorProvider) newRequest(requestType string) smsOperatorRequest {
	return smsOperatorRequest{Type: requestType, Username: p.cfg.Username, Password: p.cfg.Password}
}

func (p *SMSOperatorProvider) smsID(messageID string) string {
	return p.cfg.UniqPrefix + "-" + messageID
}

func (p *SMSOperatorProvider) exchange(ctx context.Context, request smsOperatorRequest, messages []domain.Message) (map[string]*Outcome, error) {
	body, err := xml.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sms operator request: %w", err)
	}

	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Content-Type", "text/xml").
			SetBody(append([]byte(xml.Header), body...)).
			Post("")
	})
	if err != nil {
		return nil, err
	}
	if err := p.http.statusError(response); err != nil {
		return nil, err
	}

	codes, err := p.parseStatuses(response.Body())
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]*Outcome, len(codes))
	for id, code := range codes {
		state := smsOperatorState(code)
		outcome := &Outcome{
			State:      state,
			SenderData: map[string]any{"sender_state": code, "prefix": p.cfg.UniqPrefix},
			StatusCode: response.StatusCode(),
		}
		if state == domain.StateErrorUpdate {
			outcome.Error = smsOperatorLabel(code)
		}
		outcomes[id] = outcome
	}

	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	if err := MatchOutcomes(p.name, ids, outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (p *SMSOperatorProvider) parseStatuses(body []byte) (map[string]int, error) {
	var parsed smsOperatorResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Message: "unreadable sms operator response", Transient: true, Cause: err}
	}

	prefix := p.cfg.UniqPrefix + "-"
	codes := make(map[string]int, len(parsed.Items))
	for _, item := range parsed.Items {
		value, err := strconv.Atoi(strings.TrimSpace(item.Status))
		if err != nil {
			return nil, &ProviderError{Message: fmt.Sprintf("invalid sms operator status %q", item.Status), Transient: true}
		}
		codes[strings.TrimPrefix(strings.TrimSpace(item.SMSID), prefix)] = value
	}
	return codes, nil
}

var (
	_ BatchPublisher = (*SMSOperatorProvider)(nil)
	_ StatusChecker  = (*SMSOperatorProvider)(nil)
)
