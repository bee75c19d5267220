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

// DaktelaConfig is the typed config of the Daktela autodialer. Statuses maps
// Daktela status names (the campaign specific "statuses_..." ids included)
// to dialer states and is merged over the built-in action codes.
type DaktelaConfig struct {
	URL            string                  `json:"url"`
	AccessToken    string                  `json:"accessToken"`
	Queue          string                  `json:"queue"`
	TextField      string                  `json:"textField"`
	Statuses       map[string]domain.State `json:"statuses"`
	TimeoutSeconds int                     `json:"timeoutSeconds"`
}

const defaultDaktelaTextField = "mall_pay_text"

var daktelaActionStates = map[string]domain.State{
	"0": domain.StateNotAssigned,
	"1": domain.StateReady,
	"2": domain.StateRescheduledByDialer,
	"3": domain.StateCallInProgress,
	"4": domain.StateHangup,
	"5": domain.StateDone,
	"6": domain.StateRescheduled,
}

type daktelaRecordRequest struct {
	Queue        string         `json:"queue"`
	Number       string         `json:"number"`
	CustomFields map[string]any `json:"customFields"`
	Action       int            `json:"action"`
}

type daktelaStatus struct {
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
}

type daktelaRecord struct {
	Name     string          `json:"name"`
	Action   json.RawMessage `json:"action"`
	Statuses []daktelaStatus `json:"statuses"`
}

type daktelaResponse struct {
	Error  json.RawMessage `json:"error"`
	Result *daktelaRecord  `json:"result"`
}

// DaktelaProvider creates campaign records in Daktela and polls them for
// the call result.
type DaktelaProvider struct {
	base
	http     *vendorClient
	cfg      DaktelaConfig
	statuses map[string]domain.State
}

func NewDaktelaProvider(name string, policy Policy, cfg DaktelaConfig, client *resty.Client) (*DaktelaProvider, error) {
	if cfg.TextField == "" {
		cfg.TextField = defaultDaktelaTextField
	}
	vc, err := newVendorClient(name, cfg.URL, secondsOrDefault(cfg.TimeoutSeconds, defaultVendorTimeout), client)
	if err != nil {
		return nil, err
	}

	lifecycle := domain.LifecycleFor(domain.ChannelDialer)
	statuses := make(map[string]domain.State, len(daktelaActionStates)+len(cfg.Statuses))
	for key, state := range daktelaActionStates {
		statuses[key] = state
	}
	for key, state := range cfg.Statuses {
		if !lifecycle.Has(state) {
			return nil, fmt.Errorf("%s: status %q maps to unknown dialer state %q", name, key, state)
		}
		statuses[key] = state
	}

	return &DaktelaProvider{
		base:     base{name: name, channel: domain.ChannelDialer, policy: policy},
		http:     vc,
		cfg:      cfg,
		statuses: statuses,
	}, nil
}

func decodeDaktelaConfig(raw json.RawMessage) (DaktelaConfig, error) {
	var cfg DaktelaConfig
	err := decodeConfig(raw, &cfg)
	return cfg, err
}

func (p *DaktelaProvider) recordPath(name string) string {
	path := "/campaignsRecords"
	if name != "" {
		path += "/" + url.PathEscape(name)
	}
	return path + ".json"
}

func (p *DaktelaProvider) Publish(ctx context.Context, message domain.Message) (*Outcome, error) {
	request := daktelaRecordRequest{
		Queue:  p.cfg.Queue,
		Number: message.Recipient,
		CustomFields: map[string]any{
			p.cfg.TextField: []string{message.Content},
			"ttsprocessed":  []int{0},
		},
		Action: 5,
	}

	var result daktelaResponse
	response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("accessToken", p.cfg.AccessToken).
			SetBody(request).
			SetResult(&result).
			SetError(&result).
			Post(p.recordPath(""))
	})
	if err != nil {
		return nil, err
	}

	errText := daktelaErrors(result.Error)
	if result.Result == nil || result.Result.Name == "" {
		if err := p.http.statusError(response); err != nil && (errText == "" || IsTransient(err)) {
			return nil, err
		}
		if errText == "" {
			errText = "daktela returned no campaign record"
		}
		return &Outcome{State: domain.StateError, Error: errText, StatusCode: response.StatusCode()}, nil
	}

	return &Outcome{
		State:      domain.StateReady,
		Error:      errText,
		ExternalID: result.Result.Name,
		SenderData: p.senderData(result.Result),
		Sent:       true,
		StatusCode: response.StatusCode(),
	}, nil
}

// CheckStatus reads every campaign record. The first status wins over the
// record action.
func (p *DaktelaProvider) CheckStatus(ctx context.Context, messages []domain.Message) (map[string]*Outcome, error) {
	outcomes := make(map[string]*Outcome, len(messages))
	for _, message := range messages {
		name := ""
		if message.ExternalID != nil {
			name = *message.ExternalID
		}
		if name == "" {
			outcomes[message.ID] = &Outcome{}
			continue
		}

		var result daktelaResponse
		response, err := p.http.do(ctx, func(r *resty.Request) (*resty.Response, error) {
			return r.SetQueryParam("accessToken", p.cfg.AccessToken).
				SetResult(&result).
				Get(p.recordPath(name))
		})
		if err != nil {
			return nil, err
		}
		if err := p.http.statusError(response); err != nil {
			return nil, err
		}
		if result.Result == nil {
			outcomes[message.ID] = &Outcome{Error: daktelaErrors(result.Error)}
			continue
		}

		key := daktelaAction(result.Result.Action)
		if len(result.Result.Statuses) > 0 {
			key = result.Result.Statuses[0].Name
		}
		outcome := &Outcome{
			Error:      daktelaErrors(result.Error),
			SenderData: p.senderData(result.Result),
			StatusCode: response.StatusCode(),
		}
		if state, ok := p.statuses[key]; ok {
			outcome.State = state
		} else {
			outcome.State = domain.StateError
			outcome.Error = fmt.Sprintf("unknown daktela status %q", key)
		}
		outcomes[message.ID] = outcome
	}
	return outcomes, nil
}

func (p *DaktelaProvider) senderData(record *daktelaRecord) map[string]any {
	statuses := make([]any, 0, len(record.Statuses))
	for _, status := range record.Statuses {
		statuses = append(statuses, map[string]any{"name": status.Name, "title": status.Title})
	}
	return map[string]any{
		"name":             record.Name,
		"daktela_action":   daktelaAction(record.Action),
		"daktela_statuses": statuses,
	}
}

// daktelaAction accepts the action both as a number and as a string.
func daktelaAction(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

// daktelaErrors flattens the error field, which is a list or an object of
// messages depending on the endpoint.
func daktelaErrors(raw json.RawMessage) string {
	if len(raw) == 0 {
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

	return strings.TrimSpace(string(raw))
}

var _ StatusChecker = (*DaktelaProvider)(nil)
