package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"go.uber.org/zap"
)

var ErrBatchSendingDisabled = errors.New("batch sending is disabled")

// DispatchReport summarizes one dispatcher run.
type DispatchReport struct {
	Channel domain.Channel
	Owner   string
	Expired int64
	Sent    []string
	Failed  []string
}

func (r *DispatchReport) Claimed() int {
	if r == nil {
		return 0
	}
	return len(r.Sent) + len(r.Failed)
}

// Dispatcher drains waiting and retryable messages of one channel. Every
// message is claimed on its own so concurrent runs never publish the same
// message twice.
type Dispatcher struct {
	controller *Controller
	messages   repository.MessageRepository
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewDispatcher(controller *Controller, logger *zap.Logger) (*Dispatcher, error) {
	if controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		controller: controller,
		messages:   controller.messages,
		logger:     logger.With(zap.String("channel", controller.channel.String())),
		now:        time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *Dispatcher) Channel() domain.Channel { return d.controller.channel }

// Run publishes up to BatchSize messages. Claim and store failures end the
// run with an error; failures of a single message are recorded in the
// report and do not stop it.
func (d *Dispatcher) Run(ctx context.Context) (*DispatchReport, error) {
	cfg := d.controller.cfg
	if !cfg.BatchSending {
		return nil, fmt.Errorf("%w for %s", ErrBatchSendingDisabled, cfg.Channel)
	}

	ctx, owner, logger := observability.StartRun(ctx, d.logger, "dispatch", cfg.Channel)
	report := &DispatchReport{Channel: cfg.Channel, Owner: owner}

	query := d.controller.sendableQuery(d.now())
	expired, err := d.expireRetries(ctx, query)
	if err != nil {
		return report, fmt.Errorf("failed to expire retries: %w", err)
	}
	report.Expired = expired
	if expired > 0 {
		logger.Info("expired retryable messages", zap.Int64("count", expired))
		d.metrics.IncMessageFailed(cfg.Channel.String(), "limit_reached")
	}

	touched := make([]string, 0, cfg.BatchSize)
	for len(touched) < cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		query = d.controller.sendableQuery(d.now())
		m, err := d.messages.ClaimNextForSending(ctx, query, owner, touched)
		if err != nil {
			return report, fmt.Errorf("failed to claim %s message: %w", cfg.Channel, err)
		}
		if m == nil {
			break
		}
		touched = append(touched, m.ID)
		d.metrics.AddClaims(cfg.Channel.String(), "send", 1)

		sent, err := d.publishOne(ctx, m)
		if err != nil {
			logger.Error("message dispatch failed", zap.String("messageId", m.ID), zap.Error(err))
			d.controller.release(m)
			report.Failed = append(report.Failed, m.ID)
			continue
		}
		if sent && !m.Failed() && !domain.LifecycleFor(m.Channel).IsPending(m.State) {
			report.Sent = append(report.Sent, m.ID)
		} else {
			report.Failed = append(report.Failed, m.ID)
		}
	}

	logger.Info("dispatch run finished",
		zap.Int("sent", len(report.Sent)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// expireRetries fails retryable messages past the attempt limit first and
// then those past the time limit, each with its own reason.
func (d *Dispatcher) expireRetries(ctx context.Context, q repository.SendableQuery) (int64, error) {
	byAttempts := q
	byAttempts.CreatedAfter = time.Time{}
	exhausted, err := d.messages.ExpireRetries(ctx, byAttempts, errAttemptsExhausted)
	if err != nil {
		return 0, err
	}
	if q.CreatedAfter.IsZero() {
		return exhausted, nil
	}

	byWindow := q
	byWindow.MaxAttempts = 0
	late, err := d.messages.ExpireRetries(ctx, byWindow, errSendWindowExpired)
	return exhausted + late, err
}

// publishOne isolates a single message so a panicking provider cannot abort
// the run.
func (d *Dispatcher) publishOne(ctx context.Context, m *domain.Message) (sent bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
			err = fmt.Errorf("panic while publishing message %s: %v", m.ID, r)
		}
	}()
	return d.controller.PublishOrRetryMessage(ctx, m)
}
