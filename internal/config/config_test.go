package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", "host=localhost user=test password=test dbname=test port=5432 sslmode=disable")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.RateLimitPerSec != 100 {
		t.Errorf("RateLimitPerSec = %d, want 100", cfg.RateLimitPerSec)
	}
	if cfg.ClaimTimeoutSeconds != 600 {
		t.Errorf("ClaimTimeoutSeconds = %d, want 600", cfg.ClaimTimeoutSeconds)
	}
	if cfg.DispatchInterval() != 30*time.Second {
		t.Errorf("DispatchInterval() = %v, want 30s", cfg.DispatchInterval())
	}
	if cfg.DBMaxOpenConns != 25 || cfg.DBMaxIdleConns != 5 || cfg.DBConnMaxLifetimeMins != 60 {
		t.Errorf("db pool = %d/%d/%d, want 25/5/60", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetimeMins)
	}
}

func TestLoad_ChannelDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sms := cfg.Channel(domain.ChannelSMS)
	if sms.BatchSending {
		t.Error("SMS BatchSending = true, want false")
	}
	if sms.BatchSize != 20 || sms.MaxSendAttempts != 3 || sms.MaxSecondsToSend != 3600 {
		t.Errorf("SMS batch policy = %d/%d/%d, want 20/3/3600", sms.BatchSize, sms.MaxSendAttempts, sms.MaxSecondsToSend)
	}
	if !sms.RetrySending {
		t.Error("SMS RetrySending = false, want true")
	}
	if sms.UseAccent {
		t.Error("SMS UseAccent = true, want false")
	}
	if sms.IdleTimeout != 10*time.Minute {
		t.Errorf("SMS IdleTimeout = %v, want 10m", sms.IdleTimeout)
	}
	if sms.DefaultPriority != domain.DefaultPriority {
		t.Errorf("SMS DefaultPriority = %d, want %d", sms.DefaultPriority, domain.DefaultPriority)
	}

	dialer := cfg.Channel(domain.ChannelDialer)
	if dialer.IdleTimeout != 24*time.Hour {
		t.Errorf("Dialer IdleTimeout = %v, want 24h", dialer.IdleTimeout)
	}
	if dialer.MaxStatusCheckAttempts != 5 {
		t.Errorf("Dialer MaxStatusCheckAttempts = %d, want 5", dialer.MaxStatusCheckAttempts)
	}

	email := cfg.Channel(domain.ChannelEmail)
	if email.PullInfoBatchSize != 100 {
		t.Errorf("Email PullInfoBatchSize = %d, want 100", email.PullInfoBatchSize)
	}
	if email.PullInfoDelay != time.Hour {
		t.Errorf("Email PullInfoDelay = %v, want 1h", email.PullInfoDelay)
	}
	if email.PullInfoMaxAge != 30*24*time.Hour {
		t.Errorf("Email PullInfoMaxAge = %v, want 720h", email.PullInfoMaxAge)
	}
	if !email.UseAccent {
		t.Error("Email UseAccent = false, want true")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SMS_BATCH_SENDING", "true")
	t.Setenv("SMS_BATCH_SIZE", "5")
	t.Setenv("DEFAULT_PHONE_CODE", "+420")
	t.Setenv("DEFAULT_MESSAGE_PRIORITY", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}

	sms := cfg.Channel(domain.ChannelSMS)
	if !sms.BatchSending || sms.BatchSize != 5 {
		t.Errorf("SMS batch = %v/%d, want true/5", sms.BatchSending, sms.BatchSize)
	}
	if sms.DefaultPhoneCode != "+420" {
		t.Errorf("DefaultPhoneCode = %q, want +420", sms.DefaultPhoneCode)
	}
	if sms.DefaultPriority != domain.DefaultPriority {
		t.Errorf("out of range priority should fall back, got %d", sms.DefaultPriority)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	os.Unsetenv("DATABASE_DSN") //nolint:errcheck

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
}

func TestLoadProviders_Defaults(t *testing.T) {
	t.Parallel()

	providers, err := LoadProviders("")
	if err != nil {
		t.Fatalf("LoadProviders() error = %v", err)
	}

	for _, channel := range domain.Channels() {
		cp, ok := providers[channel]
		if !ok {
			t.Fatalf("channel %s missing", channel)
		}
		if cp.Default != DefaultProviderName {
			t.Fatalf("%s default = %q, want %q", channel, cp.Default, DefaultProviderName)
		}
		if cp.Providers[DefaultProviderName].Implementation != DummyImplementation {
			t.Fatalf("%s default implementation = %q, want dummy", channel, cp.Providers[DefaultProviderName].Implementation)
		}
	}
}

func TestLoadProviders_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "providers.json")
	doc := `{
		"sms": {
			"default": "ats",
			"router": {"prefixes": {"+1": "twilio"}},
			"providers": {
				"ats": {"implementation": "ats", "maxSendAttempts": 5, "config": {"url": "http://ats.local"}},
				"twilio": {"implementation": "twilio", "retrySending": false, "rateLimitPerSec": 5}
			}
		}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	providers, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("LoadProviders() error = %v", err)
	}

	sms := providers[domain.ChannelSMS]
	if sms.Default != "ats" {
		t.Fatalf("sms default = %q, want ats", sms.Default)
	}
	if got := sms.Providers["ats"].MaxSendAttempts; got == nil || *got != 5 {
		t.Fatalf("ats maxSendAttempts = %v, want 5", got)
	}
	if got := sms.Providers["twilio"].RetrySending; got == nil || *got {
		t.Fatalf("twilio retrySending = %v, want false", got)
	}
	if got := sms.Providers["twilio"].RateLimitPerSec; got == nil || *got != 5 {
		t.Fatalf("twilio rateLimitPerSec = %v, want 5", got)
	}
	if sms.Router.Prefixes["+1"] != "twilio" {
		t.Fatalf("router prefixes = %v", sms.Router.Prefixes)
	}
	if providers[domain.ChannelPush].Providers[DefaultProviderName].Implementation != DummyImplementation {
		t.Fatal("missing channels should fall back to the dummy provider")
	}
}

func TestParseProviders_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "malformed json", doc: `{"sms":`},
		{name: "unknown channel", doc: `{"fax": {"providers": {"default": {"implementation": "dummy"}}}}`},
		{name: "unknown default", doc: `{"sms": {"default": "ats", "providers": {"default": {"implementation": "dummy"}}}}`},
		{name: "missing implementation", doc: `{"sms": {"providers": {"default": {}}}}`},
		{name: "route to unknown provider", doc: `{"sms": {"router": {"prefixes": {"+1": "nope"}}, "providers": {"default": {"implementation": "dummy"}}}}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := ParseProviders([]byte(tt.doc), "test"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
