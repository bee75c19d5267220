package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/router"
)

// Implementation names accepted in the providers file.
const (
	ImplementationDummy     = config.DummyImplementation
	ImplementationWebhook   = "webhook"
	ImplementationATS       = "ats"
	ImplementationOperator  = "sms-operator"
	ImplementationTwilio    = "twilio"
	ImplementationMandrill  = "mandrill"
	ImplementationDaktela   = "daktela"
	ImplementationOneSignal = "onesignal"
)

var implementationChannels = map[string][]domain.Channel{
	ImplementationATS:       {domain.ChannelSMS},
	ImplementationOperator:  {domain.ChannelSMS},
	ImplementationTwilio:    {domain.ChannelSMS},
	ImplementationMandrill:  {domain.ChannelEmail},
	ImplementationDaktela:   {domain.ChannelDialer},
	ImplementationOneSignal: {domain.ChannelPush},
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid provider config: %w", err)
	}
	return nil
}

// PolicyFor applies the overrides of a provider spec to the channel policy.
func PolicyFor(spec config.ProviderSpec, cc config.ChannelConfig) Policy {
	policy := Policy{
		MaxSendAttempts:  cc.MaxSendAttempts,
		MaxSecondsToSend: cc.MaxSecondsToSend,
		RetrySending:     cc.RetrySending,
	}
	if spec.MaxSendAttempts != nil {
		policy.MaxSendAttempts = *spec.MaxSendAttempts
	}
	if spec.MaxSecondsToSend != nil {
		policy.MaxSecondsToSend = *spec.MaxSecondsToSend
	}
	if spec.RetrySending != nil {
		policy.RetrySending = *spec.RetrySending
	}
	return policy
}

// Build creates one provider instance from its spec. The client, when
// given, is owned by the new provider; nil allocates a fresh resty client.
func Build(channel domain.Channel, name string, spec config.ProviderSpec, cc config.ChannelConfig, client *resty.Client) (Provider, error) {
	implementation := strings.ToLower(strings.TrimSpace(spec.Implementation))
	if channels, ok := implementationChannels[implementation]; ok && !containsChannel(channels, channel) {
		return nil, fmt.Errorf("provider %q: implementation %s does not support channel %s", name, implementation, channel)
	}
	policy := PolicyFor(spec, cc)

	switch implementation {
	case ImplementationDummy:
		return NewDummyProvider(name, channel, policy), nil
	case ImplementationWebhook:
		cfg, err := decodeWebhookConfig(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		return NewWebhookProviderWithClient(name, channel, policy, cfg, client)
	case ImplementationATS:
		cfg, err := decodeATSConfig(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		return NewATSProvider(name, policy, cfg, client)
	case ImplementationOperator:
		cfg, err := decodeSMSOperatorConfig(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		return NewSMSOperatorProvider(name, policy, cfg, client)
	case ImplementationTwilio:
		cfg, err := decodeTwilioConfig(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		return NewTwilioProvider(name, policy, cfg, client)
	case ImplementationMandrill:
		cfg, err := decodeMandrillConfig(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		return NewMandrillProvider(name, policy, cfg, client)
	case ImplementationDaktela:
		cfg, err := decodeDaktelaConfig(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		return NewDaktelaProvider(name, policy, cfg, client)
	case ImplementationOneSignal:
		cfg, err := decodeOneSignalConfig(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		return NewOneSignalProvider(name, policy, cfg, client)
	default:
		return nil, fmt.Errorf("provider %q: unknown implementation %q", name, spec.Implementation)
	}
}

func containsChannel(channels []domain.Channel, channel domain.Channel) bool {
	for _, c := range channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Registry holds the providers of one channel and resolves recipients to
// them through the channel router.
type Registry struct {
	channel     domain.Channel
	defaultName string
	providers   map[string]Provider
	router      router.Router
}

// NewRegistry builds every provider configured for a channel.
func NewRegistry(channel domain.Channel, cp config.ChannelProviders, cc config.ChannelConfig) (*Registry, error) {
	providers := make([]Provider, 0, len(cp.Providers))
	for name, spec := range cp.Providers {
		p, err := Build(channel, name, spec, cc, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", channel, err)
		}
		providers = append(providers, p)
	}
	return NewRegistryFrom(channel, cp.Default, router.FromSpec(cp.Router), providers...)
}

// NewRegistryFrom assembles a registry from already built providers. A nil
// router always picks the default.
func NewRegistryFrom(channel domain.Channel, defaultName string, r router.Router, providers ...Provider) (*Registry, error) {
	if r == nil {
		r = router.Default{}
	}
	registry := &Registry{
		channel:     channel,
		defaultName: defaultName,
		providers:   make(map[string]Provider, len(providers)),
		router:      r,
	}
	for _, p := range providers {
		if p.Channel() != channel {
			return nil, fmt.Errorf("provider %q is configured for %s, not %s", p.Name(), p.Channel(), channel)
		}
		registry.providers[p.Name()] = p
	}
	if _, ok := registry.providers[defaultName]; !ok {
		return nil, fmt.Errorf("%s: default provider %q is not configured", channel, defaultName)
	}
	return registry, nil
}

func (r *Registry) Channel() domain.Channel { return r.channel }

func (r *Registry) Default() Provider { return r.providers[r.defaultName] }

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Resolve picks the provider for a recipient. routed is the router choice;
// fallback is true when that name is not configured and the default was used.
func (r *Registry) Resolve(recipient string) (p Provider, routed string, fallback bool) {
	routed = r.router.BackendName(recipient)
	if routed == "" {
		return r.Default(), "", false
	}
	if p, ok := r.providers[routed]; ok {
		return p, routed, false
	}
	return r.Default(), routed, true
}

// All lists the providers ordered by name.
func (r *Registry) All() []Provider {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	all := make([]Provider, 0, len(names))
	for _, name := range names {
		all = append(all, r.providers[name])
	}
	return all
}
