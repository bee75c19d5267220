package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

const (
	DefaultProviderName    = "default"
	DummyImplementation    = "dummy"
	defaultProvidersSource = "built-in defaults"
)

// ProvidersConfig maps every channel to its configured providers.
type ProvidersConfig map[domain.Channel]ChannelProviders

// ChannelProviders lists the named provider instances of one channel.
type ChannelProviders struct {
	Default   string                  `json:"default"`
	Router    RouterSpec              `json:"router"`
	Providers map[string]ProviderSpec `json:"providers"`
}

// RouterSpec selects a provider by recipient. Prefixes apply to phone
// numbers and Domains to e-mail addresses.
type RouterSpec struct {
	Prefixes map[string]string `json:"prefixes,omitempty"`
	Domains  map[string]string `json:"domains,omitempty"`
}

// ProviderSpec names the implementation of a provider instance. The policy
// fields override the channel defaults and RateLimitPerSec overrides
// RATE_LIMIT_PER_SEC. Config is decoded by the implementation into its own
// typed settings.
type ProviderSpec struct {
	Implementation   string          `json:"implementation"`
	MaxSendAttempts  *int            `json:"maxSendAttempts,omitempty"`
	MaxSecondsToSend *int            `json:"maxSecondsToSend,omitempty"`
	RetrySending     *bool           `json:"retrySending,omitempty"`
	RateLimitPerSec  *int            `json:"rateLimitPerSec,omitempty"`
	Config           json.RawMessage `json:"config,omitempty"`
}

// LoadProviders reads the provider file. An empty path yields a dummy
// provider named "default" for every channel.
func LoadProviders(path string) (ProvidersConfig, error) {
	if strings.TrimSpace(path) == "" {
		return normalizeProviders(nil, defaultProvidersSource)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	return ParseProviders(raw, path)
}

// ParseProviders decodes a provider document. Channel keys are case-insensitive.
func ParseProviders(raw []byte, source string) (ProvidersConfig, error) {
	var doc map[string]ChannelProviders
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode providers from %s: %w", source, err)
	}

	parsed := make(ProvidersConfig, len(doc))
	for key, providers := range doc {
		channel, err := domain.ParseChannelFromString(key)
		if err != nil {
			return nil, fmt.Errorf("providers from %s: %w", source, err)
		}
		parsed[channel] = providers
	}

	return normalizeProviders(parsed, source)
}

func normalizeProviders(parsed ProvidersConfig, source string) (ProvidersConfig, error) {
	if parsed == nil {
		parsed = make(ProvidersConfig, len(domain.Channels()))
	}

	for _, channel := range domain.Channels() {
		providers, ok := parsed[channel]
		if !ok || len(providers.Providers) == 0 {
			providers = ChannelProviders{
				Default: DefaultProviderName,
				Router:  providers.Router,
				Providers: map[string]ProviderSpec{
					DefaultProviderName: {Implementation: DummyImplementation},
				},
			}
		}
		if strings.TrimSpace(providers.Default) == "" {
			providers.Default = DefaultProviderName
		}
		if _, ok := providers.Providers[providers.Default]; !ok {
			return nil, fmt.Errorf("providers from %s: default provider %q of %s is not configured", source, providers.Default, channel)
		}
		for name, spec := range providers.Providers {
			if strings.TrimSpace(spec.Implementation) == "" {
				return nil, fmt.Errorf("providers from %s: provider %q of %s has no implementation", source, name, channel)
			}
		}
		for prefix, name := range providers.Router.Prefixes {
			if _, ok := providers.Providers[name]; !ok {
				return nil, fmt.Errorf("providers from %s: route %q of %s points to unknown provider %q", source, prefix, channel, name)
			}
		}
		for suffix, name := range providers.Router.Domains {
			if _, ok := providers.Providers[name]; !ok {
				return nil, fmt.Errorf("providers from %s: route %q of %s points to unknown provider %q", source, suffix, channel, name)
			}
		}
		parsed[channel] = providers
	}

	return parsed, nil
}
