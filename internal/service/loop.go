package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/provider"
	"go.uber.org/zap"
)

const defaultLoopInterval = 30 * time.Second

// Loop runs a periodic job until its context is cancelled. The first run
// happens right away.
type Loop struct {
	name     string
	run      func(ctx context.Context) error
	interval time.Duration
	logger   *zap.Logger
}

func NewLoop(name string, interval time.Duration, run func(ctx context.Context) error, logger *zap.Logger) (*Loop, error) {
	if run == nil {
		return nil, fmt.Errorf("loop %s has no job", name)
	}
	if interval <= 0 {
		interval = defaultLoopInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loop{
		name:     name,
		run:      run,
		interval: interval,
		logger:   logger.With(zap.String("loop", name)),
	}, nil
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if stop := l.tick(ctx); stop {
		return nil
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if stop := l.tick(ctx); stop {
				return nil
			}
		}
	}
}

// tick runs the job once and reports whether the loop has to stop.
func (l *Loop) tick(ctx context.Context) bool {
	err := l.run(ctx)
	switch {
	case err == nil:
		return false
	case ctx.Err() != nil:
		return true
	case errors.Is(err, ErrBatchSendingDisabled), errors.Is(err, provider.ErrUnsupportedOperation):
		l.logger.Info("job is not available on this channel, stopping", zap.Error(err))
		return true
	default:
		l.logger.Error("job failed", zap.Error(err))
		return false
	}
}

// DispatchJob adapts a dispatcher to a loop job.
func DispatchJob(d *Dispatcher) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := d.Run(ctx)
		return err
	}
}

func StatusCheckJob(r *Reconciler) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.CheckStatuses(ctx)
		return err
	}
}

func InfoPullJob(p *InfoPuller) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := p.Run(ctx)
		return err
	}
}
