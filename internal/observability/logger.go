package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

// NewLogger builds the JSON logger shared by the binaries. An empty level
// means info. Sampling is off: every message transition is logged.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.MillisDurationEncoder

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          "json",
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id, id != ""
}

// NewCorrelationID returns a fresh run id such as "dispatch-sms-2f1c...".
// The id doubles as the claim owner of the messages the run locks.
func NewCorrelationID(job string, channel fmt.Stringer) string {
	parts := make([]string, 0, 3)
	if job = strings.TrimSpace(job); job != "" {
		parts = append(parts, job)
	}
	if channel != nil {
		if name := strings.ToLower(channel.String()); name != "" {
			parts = append(parts, name)
		}
	}
	return strings.Join(append(parts, uuid.NewString()), "-")
}

// StartRun gives a batch run its id. The returned context carries the id and
// the logger is tagged with the id and the job.
func StartRun(ctx context.Context, logger *zap.Logger, job string, channel fmt.Stringer) (context.Context, string, *zap.Logger) {
	owner := NewCorrelationID(job, channel)
	ctx = WithCorrelationID(ctx, owner)
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = WithContextLogger(logger, ctx).With(zap.String("job", job))
	return ctx, owner, logger
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return logger.With(zap.String("correlationId", id))
	}
	return logger
}
