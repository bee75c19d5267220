package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

type Config struct {
	DatabaseDSN     string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL     string `env:"RABBITMQ_URL"`
	RedisURL        string `env:"REDIS_URL"`
	ProvidersFile   string `env:"PROVIDERS_FILE"`
	RateLimitPerSec int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	APIPort         int    `env:"API_PORT,default=8080"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`

	DBMaxOpenConns        int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns        int `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetimeMins int `env:"DB_CONN_MAX_LIFETIME_MINUTES,default=60"`
	DBSlowQueryMillis     int `env:"DB_SLOW_QUERY_MILLIS,default=500"`

	ClaimTimeoutSeconds        int    `env:"CLAIM_TIMEOUT_SECONDS,default=600"`
	DispatchIntervalSeconds    int    `env:"DISPATCH_INTERVAL_SECONDS,default=30"`
	StatusCheckIntervalSeconds int    `env:"STATUS_CHECK_INTERVAL_SECONDS,default=60"`
	DefaultMessagePriority     int    `env:"DEFAULT_MESSAGE_PRIORITY,default=3"`
	DefaultPhoneCode           string `env:"DEFAULT_PHONE_CODE"`

	SMSBatchSending              bool `env:"SMS_BATCH_SENDING,default=false"`
	SMSBatchSize                 int  `env:"SMS_BATCH_SIZE,default=20"`
	SMSMaxSendAttempts           int  `env:"SMS_BATCH_MAX_NUMBER_OF_SEND_ATTEMPTS,default=3"`
	SMSMaxSecondsToSend          int  `env:"SMS_BATCH_MAX_SECONDS_TO_SEND,default=3600"`
	SMSRetrySending              bool `env:"SMS_RETRY_SENDING,default=true"`
	SMSUseAccent                 bool `env:"SMS_USE_ACCENT,default=false"`
	SMSLogIdleMessages           bool `env:"SMS_LOG_IDLE_MESSAGES,default=true"`
	SMSSetErrorToIdleMessages    bool `env:"SMS_SET_ERROR_TO_IDLE_MESSAGES,default=true"`
	SMSIdleTimeoutMinutes        int  `env:"SMS_IDLE_MESSAGES_TIMEOUT_MINUTES,default=10"`
	SMSMaxStatusCheckAttempts    int  `env:"SMS_NUMBER_OF_STATUS_CHECK_ATTEMPTS,default=5"`
	EmailBatchSending            bool `env:"EMAIL_BATCH_SENDING,default=false"`
	EmailBatchSize               int  `env:"EMAIL_BATCH_SIZE,default=20"`
	EmailMaxSendAttempts         int  `env:"EMAIL_BATCH_MAX_NUMBER_OF_SEND_ATTEMPTS,default=3"`
	EmailMaxSecondsToSend        int  `env:"EMAIL_BATCH_MAX_SECONDS_TO_SEND,default=3600"`
	EmailRetrySending            bool `env:"EMAIL_RETRY_SENDING,default=true"`
	EmailPullInfoBatchSize       int  `env:"EMAIL_PULL_INFO_BATCH_SIZE,default=100"`
	EmailPullInfoDelaySeconds    int  `env:"EMAIL_PULL_INFO_DELAY_SECONDS,default=3600"`
	EmailPullInfoMaxAgeSeconds   int  `env:"EMAIL_PULL_INFO_MAX_TIMEOUT_FROM_SENT_SECONDS,default=2592000"`
	DialerBatchSending           bool `env:"DIALER_BATCH_SENDING,default=false"`
	DialerBatchSize              int  `env:"DIALER_BATCH_SIZE,default=20"`
	DialerMaxSendAttempts        int  `env:"DIALER_BATCH_MAX_NUMBER_OF_SEND_ATTEMPTS,default=3"`
	DialerMaxSecondsToSend       int  `env:"DIALER_BATCH_MAX_SECONDS_TO_SEND,default=3600"`
	DialerRetrySending           bool `env:"DIALER_RETRY_SENDING,default=true"`
	DialerLogIdleMessages        bool `env:"DIALER_LOG_IDLE_MESSAGES,default=true"`
	DialerSetErrorToIdleMessages bool `env:"DIALER_SET_ERROR_TO_IDLE_MESSAGES,default=true"`
	DialerIdleTimeoutMinutes     int  `env:"DIALER_IDLE_MESSAGES_TIMEOUT_MINUTES,default=1440"`
	DialerMaxStatusCheckAttempts int  `env:"DIALER_NUMBER_OF_STATUS_CHECK_ATTEMPTS,default=5"`
	PushBatchSending             bool `env:"PUSH_BATCH_SENDING,default=false"`
	PushBatchSize                int  `env:"PUSH_BATCH_SIZE,default=20"`
	PushMaxSendAttempts          int  `env:"PUSH_BATCH_MAX_NUMBER_OF_SEND_ATTEMPTS,default=3"`
	PushMaxSecondsToSend         int  `env:"PUSH_BATCH_MAX_SECONDS_TO_SEND,default=3600"`
	PushRetrySending             bool `env:"PUSH_RETRY_SENDING,default=true"`
}

// ChannelConfig is the engine policy of one channel.
type ChannelConfig struct {
	Channel                domain.Channel
	BatchSending           bool
	BatchSize              int
	MaxSendAttempts        int
	MaxSecondsToSend       int
	RetrySending           bool
	DefaultPriority        int
	DefaultPhoneCode       string
	UseAccent              bool
	ClaimTimeout           time.Duration
	LogIdleMessages        bool
	SetErrorToIdleMessages bool
	IdleTimeout            time.Duration
	MaxStatusCheckAttempts int
	PullInfoBatchSize      int
	PullInfoDelay          time.Duration
	PullInfoMaxAge         time.Duration
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Channel builds the typed policy of a channel.
func (c *Config) Channel(channel domain.Channel) ChannelConfig {
	cc := ChannelConfig{
		Channel:          channel,
		DefaultPriority:  c.DefaultMessagePriority,
		DefaultPhoneCode: c.DefaultPhoneCode,
		UseAccent:        true,
		ClaimTimeout:     time.Duration(c.ClaimTimeoutSeconds) * time.Second,
	}
	if !domain.IsValidPriority(cc.DefaultPriority) {
		cc.DefaultPriority = domain.DefaultPriority
	}

	switch channel {
	case domain.ChannelSMS:
		cc.BatchSending = c.SMSBatchSending
		cc.BatchSize = c.SMSBatchSize
		cc.MaxSendAttempts = c.SMSMaxSendAttempts
		cc.MaxSecondsToSend = c.SMSMaxSecondsToSend
		cc.RetrySending = c.SMSRetrySending
		cc.UseAccent = c.SMSUseAccent
		cc.LogIdleMessages = c.SMSLogIdleMessages
		cc.SetErrorToIdleMessages = c.SMSSetErrorToIdleMessages
		cc.IdleTimeout = time.Duration(c.SMSIdleTimeoutMinutes) * time.Minute
		cc.MaxStatusCheckAttempts = c.SMSMaxStatusCheckAttempts
	case domain.ChannelEmail:
		cc.BatchSending = c.EmailBatchSending
		cc.BatchSize = c.EmailBatchSize
		cc.MaxSendAttempts = c.EmailMaxSendAttempts
		cc.MaxSecondsToSend = c.EmailMaxSecondsToSend
		cc.RetrySending = c.EmailRetrySending
		cc.PullInfoBatchSize = c.EmailPullInfoBatchSize
		cc.PullInfoDelay = time.Duration(c.EmailPullInfoDelaySeconds) * time.Second
		cc.PullInfoMaxAge = time.Duration(c.EmailPullInfoMaxAgeSeconds) * time.Second
	case domain.ChannelDialer:
		cc.BatchSending = c.DialerBatchSending
		cc.BatchSize = c.DialerBatchSize
		cc.MaxSendAttempts = c.DialerMaxSendAttempts
		cc.MaxSecondsToSend = c.DialerMaxSecondsToSend
		cc.RetrySending = c.DialerRetrySending
		cc.LogIdleMessages = c.DialerLogIdleMessages
		cc.SetErrorToIdleMessages = c.DialerSetErrorToIdleMessages
		cc.IdleTimeout = time.Duration(c.DialerIdleTimeoutMinutes) * time.Minute
		cc.MaxStatusCheckAttempts = c.DialerMaxStatusCheckAttempts
	case domain.ChannelPush:
		cc.BatchSending = c.PushBatchSending
		cc.BatchSize = c.PushBatchSize
		cc.MaxSendAttempts = c.PushMaxSendAttempts
		cc.MaxSecondsToSend = c.PushMaxSecondsToSend
		cc.RetrySending = c.PushRetrySending
	}

	return cc
}

func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSeconds) * time.Second
}

func (c *Config) StatusCheckInterval() time.Duration {
	return time.Duration(c.StatusCheckIntervalSeconds) * time.Second
}
