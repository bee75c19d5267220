package provider

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// ATSConfig is the typed config of the ATS SMS gateway.
type ATSConfig struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	UniqPrefix     string `json:"uniqPrefix"`
	Sender         string `json:"sender"`
	Validity       int    `json:"validity"`
	Keyword        string `json:"keyword"`
	TextID         string `json:"textId"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func (c *ATSConfig) applyDefaults() {
	if c.UniqPrefix == "" {
		c.UniqPrefix = "outbound"
	}
	if c.Validity <= 0 {
		c.Validity = 60
	}
}

// ATS gateway codes.
const (
	atsOK                   = 0
	atsNotFound             = 20
	atsNotSent              = 21
	atsSent                 = 22
	atsDelivered            = 23
	atsNotDelivered         = 24
	atsUnknown              = 25
	atsAuthenticationFailed = 100
)

var atsCodeLabels = map[int]string{
	atsOK:                   "SMS is OK and ready to be sent",
	1:                       "unspecified error",
	atsNotFound:             "not found",
	atsNotSent:              "not sent yet",
	atsSent:                 "sent",
	atsDelivered:            "delivered",
	atsNotDelivered:         "not delivered",
	atsUnknown:              "not able to determine the state",
	atsAuthenticationFailed: "authentication failed",
	200:                     "DB error",
	300:                     "one of the requests has not unique uniq",
	310:                     "SMS has not unique uniq",
	320:                     "SMS lacks keyword",
	321:                     "keyword not valid",
	330:                     "no sender specified",
	331:                     "sender not valid",
	332:                     "MO PR SMS not allowed",
	333:                     "MT PR SMS not allowed",
	334:                     "MT PR SMS daily limit exceeded",
	335:                     "MT PR SMS total limit exceeded",
	336:                     "geographic number is not allowed",
	337:                     "MT SMS to Slovakia not allowed",
	338:                     "shortcodes not allowed",
	339:                     "sender is unknown",
	340:                     "type of SMS not specified",
	341:                     "SMS too long",
	342:                     "too many SMS parts (max. is 10)",
	343:                     "wrong number of sender/receiver",
	350:                     "recipient is missing or in wrong format",
	360:                     "using textid is not allowed",
	361:                     "textid is in wrong format",
	362:                     "long SMS with textid not allowed",
	701:                     "XML body missing",
	702:                     "XML is not readable",
	703:                     "unknown HTTP method or not HTTP POST",
	705:                     "XML invalid",
}

func atsState(code int) domain.State {
	switch code {
	case atsOK, atsNotSent:
		return domain.StateSending
	case atsSent:
		return domain.StateSent
	case atsDelivered:
		return domain.StateDelivered
	case atsUnknown:
		return domain.StateUnknown
	default:
		return domain.StateError
	}
}

func atsLabel(code int) string {
	if label, ok := atsCodeLabels[code]; ok {
		return label
	}
	return fmt.Sprintf("ATS returned an unknown state %d", code)
}

type atsRequest struct {
	XMLName  xml.Name     `xml:"request"`
	Username string       `xml:"auth>username"`
	Password string       `xml:"auth>password"`
	SMS      []atsSMS     `xml:"sms,omitempty"`
	DLR      []atsDLRItem `xml:"dlr,omitempty"`
}

type atsSMS struct {
	Type      string `xml:"type,attr"`
	Uniq      string `xml:"uniq,attr"`
	Sender    string `xml:"sender,attr"`
	Recipient string `xml:"recipient,attr"`
	DLR       int    `xml:"dlr,attr"`
	Validity  int    `xml:"validity,attr"`
	Keyword   string `xml:"kw,attr,omitempty"`
	Billing   int    `xml:"billing,attr"`
	TextID    string `xml:"textid,attr,omitempty"`
	Text      string `xml:",chardata"`
}

type atsDLRItem struct {
	Uniq string `xml:"uniq,attr"`
}

type atsResponse struct {
	Codes []atsCode `xml:"code"`
}

type atsCode struct {
	Uniq  string `xml:"uniq,attr"`
	Value string `xml:",chardata"`
}

// ATSProvider talks to the ATS XML gateway. One request carries a whole
// batch; every <code> of the answer is matched to a message by its uniq.
type ATSProvider struct {
	base
	http *vendorClient
	cfg  ATSConfig
}

func NewATSProvider(name string, policy Policy, cfg ATSConfig, client *resty.Client) (*ATSProvider, error) {
	cfg.applyDefaults()
	vc, err := newVendorClient(name, cfg.URL, secondsOrDefault(cfg.TimeoutSeconds, defaultVendorTimeout), client)
	if err != nil {
		return nil, err
	}
	return &ATSProvider{
		base: base{name: name, channel: domain.ChannelSMS, policy: policy},
		http: vc,
		cfg:  cfg,
	}, nil
}

func decodeATSConfig(raw json.RawMessage) (ATSConfig, error) {
	var cfg ATSConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

func (p *ATSProvider) DefaultFields(string) domain.ChannelFields {
	if p.cfg.Sender == "" {
		return domain.ChannelFields{}
	}
	sender := p.cfg.Sender
	return domain.ChannelFields{Sender: &sender}
}

func (p *ATSProvider) Publish(ctx context.Context, message domain.Message) (*Outcome, error) {
	outcomes, err := p.PublishBatch(ctx, []domain.Message{message})
	if err != nil {
		return nil, err
	}
	return outcomes[message.ID], nil
}

func (p *ATSProvider) PublishBatch(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error) {
	request := p.newRequest()
	for _, message := range messages {
		sender := p.cfg.Sender
		if message.Sender != nil && *message.Sender != "" {
			sender = *message.Sender
		}
		request.SMS = append(request.SMS, atsSMS{
			Type:      "text",
			Uniq:      p.uniq(message.ID),
			Sender:    sender,
			Recipient: message.Recipient,
			DLR:       1,
			Validity:  p.cfg.Validity,
			Keyword:   p.cfg.Keyword,
			TextID:    p.cfg.TextID,
			Text:      message.Content,
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

// CheckStatus asks for delivery receipts of messages sent through ATS.
func (p *ATSProvider) CheckStatus(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error) {
	request := p.newRequest()
	for _, message := range messages {
		request.DLR = append(request.DLR, atsDLRItem{Uniq: p.uniq(message.ID)})
	}
	return p.exchange(ctx, request, messages)
}

func (p *ATSProvider) newRequest() atsRequest {
	return atsRequest{Username: p.cfg.Username, Password: p.cfg.Password}
}

func (p *ATSProvider) uniq(messageID string) string {
	return p.cfg.UniqPrefix + "-" + messageID
}

func (p *ATSProvider) exchange(ctx context.Context, request atsRequest, messages []domain.Message) (map[string]*Outcome, error) {
	body, err := xml.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ats request: %w", err)
	}

	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Content-Type", "text/xml").
			SetBody(append([]byte(xml.Header), body...)).
			Post("")
	})
	if err != nil {
		return nil, err
	}
	if response.StatusCode() != http.StatusOK {
		return nil, &ProviderError{
			StatusCode: response.StatusCode(),
			Message:    providerErrorMessage(response.StatusCode(), strings.TrimSpace(response.String())),
			Transient:  true,
		}
	}

	codes, err := p.parseCodes(response.Body())
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]*Outcome, len(codes))
	for id, code := range codes {
		state := atsState(code)
		outcome := &Outcome{
			State:      state,
			SenderData: map[string]any{"sender_state": code},
			StatusCode: response.StatusCode(),
		}
		if state == domain.StateError {
			outcome.Error = atsLabel(code)
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

// parseCodes maps message IDs to gateway codes. Codes without uniq are
// request level errors.
func (p *ATSProvider) parseCodes(body []byte) (map[string]int, error) {
	var parsed atsResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Message: "unreadable ats response", Transient: true, Cause: err}
	}

	prefix := p.cfg.UniqPrefix + "-"
	codes := make(map[string]int, len(parsed.Codes))
	var requestErrors []int
	for _, c := range parsed.Codes {
		value, err := strconv.Atoi(strings.TrimSpace(c.Value))
		if err != nil {
			return nil, &ProviderError{Message: fmt.Sprintf("invalid ats code %q", c.Value), Transient: true}
		}
		if c.Uniq == "" {
			requestErrors = append(requestErrors, value)
			continue
		}
		codes[strings.TrimPrefix(c.Uniq, prefix)] = value
	}

	if len(requestErrors) == 0 {
		return codes, nil
	}

	sort.Ints(requestErrors)
	labels := make([]string, 0, len(requestErrors))
	transient := true
	for _, code := range requestErrors {
		labels = append(labels, atsLabel(code))
		if code == atsAuthenticationFailed {
			transient = false
		}
	}
	return nil, &ProviderError{
		Message:   "error returned from ats operator: " + strings.Join(labels, ", "),
		Transient: transient,
	}
}

var (
	_ BatchPublisher = (*ATSProvider)(nil)
	_ StatusChecker  = (*ATSProvider)(nil)
	_ Defaulter      = (*ATSProvider)(nil)
)
