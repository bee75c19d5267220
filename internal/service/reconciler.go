package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/provider"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StatusReport summarizes one status check run.
type StatusReport struct {
	Channel    domain.Channel
	Owner      string
	Checked    int
	Changed    int
	GaveUp     int
	Idle       int64
	IdleFailed int64
}

// Reconciler polls providers for the delivery status of in-flight messages
// and ends messages that stay in flight for too long.
type Reconciler struct {
	channel   domain.Channel
	cfg       config.ChannelConfig
	providers *provider.Registry
	messages  repository.MessageRepository
	attempts  repository.AttemptRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewReconciler(
	cfg config.ChannelConfig,
	providers *provider.Registry,
	messages repository.MessageRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*Reconciler, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		channel:   cfg.Channel,
		cfg:       cfg,
		providers: providers,
		messages:  messages,
		attempts:  attempts,
		logger:    logger.With(zap.String("channel", cfg.Channel.String())),
		now:       time.Now,
	}, nil
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Reconciler) Channel() domain.Channel { return r.channel }

// CheckStatuses polls every status capable provider of the channel and then
// runs idle detection. It fails with provider.ErrUnsupportedOperation when
// no provider of the channel reports status.
func (r *Reconciler) CheckStatuses(ctx context.Context) (*StatusReport, error) {
	var checkers []provider.Provider
	for _, p := range r.providers.All() {
		if _, ok := p.(provider.StatusChecker); ok {
			checkers = append(checkers, p)
		}
	}
	if len(checkers) == 0 {
		return nil, fmt.Errorf("%w: no %s provider checks delivery status", provider.ErrUnsupportedOperation, r.channel)
	}

	ctx, owner, logger := observability.StartRun(ctx, r.logger, "status", r.channel)
	report := &StatusReport{Channel: r.channel, Owner: owner}

	var errs error
	backends := make([]string, 0, len(checkers))
	for _, p := range checkers {
		backends = append(backends, p.Name())
		if err := r.checkProvider(ctx, logger, p, owner, report); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			errs = multierr.Append(errs, err)
		}
	}

	if err := r.detectIdle(ctx, logger, backends, report); err != nil {
		errs = multierr.Append(errs, err)
	}

	logger.Info("status check finished",
		zap.Int("checked", report.Checked),
		zap.Int("changed", report.Changed),
		zap.Int("gaveUp", report.GaveUp),
		zap.Int64("idle", report.Idle),
	)
	return report, errs
}

func (r *Reconciler) checkProvider(ctx context.Context, logger *zap.Logger, p provider.Provider, owner string, report *StatusReport) error {
	now := r.now()
	query := repository.StatusCheckQuery{
		Channel:     r.channel,
		Backend:     p.Name(),
		StaleBefore: now.Add(-r.cfg.ClaimTimeout),
	}
	messages, err := r.messages.ClaimForStatusCheck(ctx, query, owner, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim %s messages of %s: %w", r.channel, p.Name(), err)
	}
	if len(messages) == 0 {
		return nil
	}
	r.metrics.AddClaims(r.channel.String(), "status_check", len(messages))

	outcomes, checkErr := p.(provider.StatusChecker).CheckStatus(ctx, messages)
	if checkErr == nil {
		ids := make([]string, 0, len(messages))
		for i := range messages {
			ids = append(ids, messages[i].ID)
		}
		checkErr = provider.MatchOutcomes(p.Name(), ids, outcomes)
	}
	if checkErr != nil {
		logger.Error("status check failed",
			zap.String("provider", p.Name()),
			zap.Int("messages", len(messages)),
			zap.Bool("protocolError", provider.IsProtocolError(checkErr)),
			zap.Error(checkErr),
		)
		for i := range messages {
			r.metrics.IncStatusCheck(r.channel.String(), p.Name(), "error")
			r.release(&messages[i], owner)
		}
		return fmt.Errorf("%s status check: %w", p.Name(), checkErr)
	}

	var errs error
	for i := range messages {
		m := &messages[i]
		outcome := outcomes[m.ID]
		report.Checked++
		if r.attempts != nil {
			if err := recordAttempt(ctx, r.attempts, r.now(), m, domain.OperationStatusCheck, p.Name(), outcome, nil); err != nil {
				logger.Warn("failed to record attempt", zap.String("messageId", m.ID), zap.Error(err))
			}
		}

		u, result := r.statusUpdate(m, outcome)
		if err := r.messages.Update(ctx, r.channel, m.ID, m.State, u); err != nil {
			logger.Warn("failed to apply status", zap.String("messageId", m.ID), zap.Error(err))
			r.release(m, owner)
			errs = multierr.Append(errs, err)
			continue
		}
		m.Apply(u, r.now())

		switch result {
		case "changed":
			report.Changed++
		case "gave_up":
			report.GaveUp++
			logger.Warn("status check attempts exhausted",
				zap.String("messageId", m.ID),
				zap.Int("attempts", m.NumberOfStatusCheckAttempts),
			)
		}
		r.metrics.IncStatusCheck(r.channel.String(), p.Name(), result)
	}
	return errs
}

// statusUpdate builds the update for one polled message and the metric
// result it counts as.
func (r *Reconciler) statusUpdate(m *domain.Message, outcome *provider.Outcome) (domain.Update, string) {
	lifecycle := domain.LifecycleFor(r.channel)
	u := domain.Update{
		IncrementStatusCheckAttempts: true,
		ReleaseClaim:                 true,
		ExtraSenderData:              outcome.SenderData,
	}
	if outcome.ExternalID != "" && m.ExternalID == nil {
		externalID := outcome.ExternalID
		u.ExternalID = &externalID
	}

	next := m.State
	result := "unchanged"
	if outcome.State != "" && outcome.State != m.State {
		if lifecycle.CanTransition(m.State, outcome.State) {
			next = outcome.State
			state := outcome.State
			u.State = &state
			result = "changed"
			if outcome.Error != "" {
				errText := outcome.Error
				u.Error = &errText
			}
		} else {
			r.logger.Warn("ignoring status transition",
				zap.String("messageId", m.ID),
				zap.String("from", m.State.String()),
				zap.String("to", outcome.State.String()),
			)
			result = "ignored"
		}
	}

	if lifecycle.IsInFlight(next) && r.cfg.MaxStatusCheckAttempts > 0 &&
		m.NumberOfStatusCheckAttempts+1 > r.cfg.MaxStatusCheckAttempts {
		giveUp := lifecycle.GiveUpState()
		errText := errStatusCheckLimit
		u.State = &giveUp
		u.Error = &errText
		result = "gave_up"
	}
	return u, result
}

func (r *Reconciler) detectIdle(ctx context.Context, logger *zap.Logger, backends []string, report *StatusReport) error {
	if r.cfg.IdleTimeout <= 0 || (!r.cfg.LogIdleMessages && !r.cfg.SetErrorToIdleMessages) {
		return nil
	}

	query := repository.IdleQuery{
		Channel:  r.channel,
		Backends: backends,
		Before:   r.now().Add(-r.cfg.IdleTimeout),
	}

	if r.cfg.LogIdleMessages {
		count, err := r.messages.CountIdle(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to count idle %s messages: %w", r.channel, err)
		}
		report.Idle = count
		r.metrics.SetIdleMessages(r.channel.String(), count)
		if count > 0 {
			logger.Warn("messages are in flight longer than the idle timeout",
				zap.Int64("count", count),
				zap.Duration("timeout", r.cfg.IdleTimeout),
			)
		}
	}

	if r.cfg.SetErrorToIdleMessages {
		failed, err := r.messages.FailIdle(ctx, query, domain.LifecycleFor(r.channel).GiveUpState(), errIdleTimeout)
		if err != nil {
			return fmt.Errorf("failed to fail idle %s messages: %w", r.channel, err)
		}
		report.IdleFailed = failed
		if failed > 0 {
			r.metrics.IncMessageFailed(r.channel.String(), "idle")
		}
	}
	return nil
}

func (r *Reconciler) release(m *domain.Message, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := r.messages.ReleaseClaim(ctx, r.channel, m.ID, owner); err != nil {
		r.logger.Warn("failed to release claim", zap.String("messageId", m.ID), zap.Error(err))
	}
}
