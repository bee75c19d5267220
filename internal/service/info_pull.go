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
	"go.uber.org/zap"
)

// InfoPullReport summarizes one info pull run.
type InfoPullReport struct {
	Channel domain.Channel
	Owner   string
	Pulled  []string
	Failed  []string
}

// InfoPuller refreshes the vendor side details of messages some time after
// their last webhook arrived.
type InfoPuller struct {
	channel   domain.Channel
	cfg       config.ChannelConfig
	providers *provider.Registry
	messages  repository.MessageRepository
	attempts  repository.AttemptRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewInfoPuller(
	cfg config.ChannelConfig,
	providers *provider.Registry,
	messages repository.MessageRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*InfoPuller, error) {
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &InfoPuller{
		channel:   cfg.Channel,
		cfg:       cfg,
		providers: providers,
		messages:  messages,
		attempts:  attempts,
		logger:    logger.With(zap.String("channel", cfg.Channel.String())),
		now:       time.Now,
	}, nil
}

func (p *InfoPuller) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

func (p *InfoPuller) Channel() domain.Channel { return p.channel }

func (p *InfoPuller) query(now time.Time) repository.InfoPullQuery {
	return repository.InfoPullQuery{
		Channel:     p.channel,
		Now:         now,
		Delay:       p.cfg.PullInfoDelay,
		MaxAge:      p.cfg.PullInfoMaxAge,
		StaleBefore: now.Add(-p.cfg.ClaimTimeout),
	}
}

// Run pulls info for up to PullInfoBatchSize messages. A failing message is
// logged and skipped; only claim failures end the run with an error.
func (p *InfoPuller) Run(ctx context.Context) (*InfoPullReport, error) {
	if p.cfg.PullInfoBatchSize <= 0 {
		return &InfoPullReport{Channel: p.channel}, nil
	}

	ctx, owner, logger := observability.StartRun(ctx, p.logger, "pull-info", p.channel)
	report := &InfoPullReport{Channel: p.channel, Owner: owner}

	touched := make([]string, 0, p.cfg.PullInfoBatchSize)
	for len(touched) < p.cfg.PullInfoBatchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		m, err := p.messages.ClaimNextForInfoPull(ctx, p.query(p.now()), owner, touched)
		if err != nil {
			return report, fmt.Errorf("failed to claim %s message for info pull: %w", p.channel, err)
		}
		if m == nil {
			break
		}
		touched = append(touched, m.ID)
		p.metrics.AddClaims(p.channel.String(), "info_pull", 1)

		if err := p.pull(ctx, m); err != nil {
			logger.Warn("info pull failed", zap.String("messageId", m.ID), zap.Error(err))
			p.release(m, owner)
			p.metrics.IncInfoPull(p.channel.String(), "error")
			report.Failed = append(report.Failed, m.ID)
			continue
		}
		p.metrics.IncInfoPull(p.channel.String(), "pulled")
		report.Pulled = append(report.Pulled, m.ID)
	}

	if len(touched) > 0 {
		logger.Info("info pull finished",
			zap.Int("pulled", len(report.Pulled)),
			zap.Int("failed", len(report.Failed)),
		)
	}
	return report, nil
}

func (p *InfoPuller) pull(ctx context.Context, m *domain.Message) error {
	backend := m.BackendName()
	prov, ok := p.providers.Get(backend)
	if !ok {
		return fmt.Errorf("backend %q is not configured", backend)
	}
	puller, ok := prov.(provider.InfoPuller)
	if !ok {
		return fmt.Errorf("%w: %s cannot pull info", provider.ErrUnsupportedOperation, backend)
	}

	outcome, err := puller.PullInfo(ctx, *m)
	if p.attempts != nil {
		if recErr := recordAttempt(ctx, p.attempts, p.now(), m, domain.OperationInfoPull, backend, outcome, err); recErr != nil {
			p.logger.Warn("failed to record attempt", zap.String("messageId", m.ID), zap.Error(recErr))
		}
	}
	if err != nil {
		return err
	}
	if outcome == nil {
		return fmt.Errorf("%s: %s", backend, errNoOutcome)
	}

	now := p.now()
	u := domain.Update{
		InfoChangedAt:   &now,
		ExtraSenderData: outcome.SenderData,
		ReleaseClaim:    true,
	}
	if err := p.messages.Update(ctx, p.channel, m.ID, m.State, u); err != nil {
		return err
	}
	m.Apply(u, now)
	return nil
}

func (p *InfoPuller) release(m *domain.Message, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := p.messages.ReleaseClaim(ctx, p.channel, m.ID, owner); err != nil {
		p.logger.Warn("failed to release claim", zap.String("messageId", m.ID), zap.Error(err))
	}
}
