package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/provider"
	"github.com/kursadbilgin/outbound-engine/internal/queue"
	"github.com/kursadbilgin/outbound-engine/internal/ratelimit"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	maxBulkRecipients = 1000
	releaseTimeout    = 5 * time.Second
)

// SendParams describes a message to create. Zero Priority means the
// channel default.
type SendParams struct {
	Recipient       string
	Content         string
	RelatedObjects  []domain.RelatedObject
	Tag             *string
	TemplateSlug    *string
	Priority        int
	ExtraData       map[string]any
	Fields          domain.ChannelFields
	SendImmediately bool
}

// Controller creates the messages of one channel and publishes them either
// synchronously or through the batch dispatcher.
type Controller struct {
	channel   domain.Channel
	cfg       config.ChannelConfig
	providers *provider.Registry
	messages  repository.MessageRepository
	attempts  repository.AttemptRepository
	limiter   ratelimit.RateLimiter
	signals   queue.Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

func NewController(
	cfg config.ChannelConfig,
	providers *provider.Registry,
	messages repository.MessageRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*Controller, error) {
	if !cfg.Channel.IsValid() {
		return nil, fmt.Errorf("invalid channel %q", cfg.Channel)
	}
	if providers == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if providers.Channel() != cfg.Channel {
		return nil, fmt.Errorf("provider registry of %s cannot serve %s", providers.Channel(), cfg.Channel)
	}
	if messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		channel:   cfg.Channel,
		cfg:       cfg,
		providers: providers,
		messages:  messages,
		attempts:  attempts,
		limiter:   ratelimit.Unlimited{},
		logger:    logger.With(zap.String("channel", cfg.Channel.String())),
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (c *Controller) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

func (c *Controller) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if c == nil || limiter == nil {
		return
	}
	c.limiter = limiter
}

// SetSignalPublisher enables dispatch signals for messages left to the
// batch dispatcher.
func (c *Controller) SetSignalPublisher(publisher queue.Publisher) {
	if c == nil {
		return
	}
	c.signals = publisher
}

func (c *Controller) Channel() domain.Channel { return c.channel }

func (c *Controller) Config() config.ChannelConfig { return c.cfg }

func (c *Controller) Providers() *provider.Registry { return c.providers }

func (c *Controller) sendsImmediately(p SendParams) bool {
	return !c.cfg.BatchSending || p.SendImmediately
}

// CreateMessage validates and stores a WAITING message without sending it.
func (c *Controller) CreateMessage(ctx context.Context, p SendParams) (*domain.Message, error) {
	m, err := c.newMessage(p, "")
	if err != nil {
		return nil, err
	}
	if err := c.messages.Create(ctx, m); err != nil {
		return nil, &domain.CreationError{Channel: c.channel, Err: err}
	}
	return m, nil
}

// Send creates a message and publishes it right away, unless the channel
// works in batch mode. The returned message reflects the publish outcome.
func (c *Controller) Send(ctx context.Context, p SendParams) (*domain.Message, error) {
	if !c.sendsImmediately(p) {
		m, err := c.CreateMessage(ctx, p)
		if err != nil {
			return nil, err
		}
		c.signal(ctx, m)
		return m, nil
	}

	// The message is stored already claimed so no dispatcher can pick it
	// up while it is being published here.
	owner := observability.NewCorrelationID("send", c.channel)
	m, err := c.newMessage(p, owner)
	if err != nil {
		return nil, err
	}
	if err := c.messages.Create(ctx, m); err != nil {
		return nil, &domain.CreationError{Channel: c.channel, Err: err}
	}

	if err := c.publish(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

// BulkSend creates one message per recipient in a single transaction and
// publishes them grouped by provider.
func (c *Controller) BulkSend(ctx context.Context, recipients []string, p SendParams) ([]*domain.Message, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", domain.ErrValidation)
	}
	if len(recipients) > maxBulkRecipients {
		return nil, fmt.Errorf("%w: at most %d recipients are allowed", domain.ErrValidation, maxBulkRecipients)
	}

	immediate := c.sendsImmediately(p)
	owner := ""
	if immediate {
		owner = observability.NewCorrelationID("bulk", c.channel)
	}

	messages := make([]*domain.Message, 0, len(recipients))
	for i, recipient := range recipients {
		params := p
		params.Recipient = recipient
		m, err := c.newMessage(params, owner)
		if err != nil {
			return nil, fmt.Errorf("recipient %d: %w", i, err)
		}
		messages = append(messages, m)
	}

	if err := c.messages.CreateMany(ctx, messages); err != nil {
		return nil, &domain.CreationError{Channel: c.channel, Err: err}
	}

	if !immediate {
		for _, m := range messages {
			c.signal(ctx, m)
		}
		return messages, nil
	}

	groups, order := c.groupByProvider(messages)
	var errs error
	for _, name := range order {
		errs = multierr.Append(errs, c.publishGroup(ctx, groups[name]))
	}
	return messages, errs
}

type providerGroup struct {
	provider provider.Provider
	messages []*domain.Message
}

func (c *Controller) groupByProvider(messages []*domain.Message) (map[string]*providerGroup, []string) {
	groups := make(map[string]*providerGroup)
	var order []string
	for _, m := range messages {
		p := c.providerFor(m)
		group, ok := groups[p.Name()]
		if !ok {
			group = &providerGroup{provider: p}
			groups[p.Name()] = group
			order = append(order, p.Name())
		}
		group.messages = append(group.messages, m)
	}
	return groups, order
}

func (c *Controller) publishGroup(ctx context.Context, group *providerGroup) error {
	sort.SliceStable(group.messages, func(i, j int) bool {
		return group.messages[i].Priority < group.messages[j].Priority
	})

	if batcher, ok := group.provider.(provider.BatchPublisher); ok && len(group.messages) > 1 {
		return c.publishBatch(ctx, group.provider, batcher, group.messages)
	}

	var errs error
	for _, m := range group.messages {
		errs = multierr.Append(errs, c.publishWith(ctx, m, group.provider))
	}
	return errs
}

// GetWaitingOrRetryMessages lists messages the dispatcher may send, oldest first.
func (c *Controller) GetWaitingOrRetryMessages(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = c.cfg.BatchSize
	}
	return c.messages.ListSendable(ctx, c.sendableQuery(c.now()), limit)
}

func (c *Controller) sendableQuery(now time.Time) repository.SendableQuery {
	attempts, seconds := sendBounds(c.cfg, c.providers.All())
	q := repository.SendableQuery{
		Channel:     c.channel,
		MaxAttempts: attempts,
		StaleBefore: now.Add(-c.cfg.ClaimTimeout),
	}
	if seconds > 0 {
		q.CreatedAfter = now.Add(-time.Duration(seconds) * time.Second)
	}
	return q
}

// PublishOrRetryMessage fails a message that ran out of attempts or time and
// returns false; otherwise it publishes the message and returns true.
func (c *Controller) PublishOrRetryMessage(ctx context.Context, m *domain.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("message is required")
	}
	p := c.providerFor(m)
	policy := effectivePolicy(c.cfg, p.Policy())

	if reason := sendLimitReason(m, m.NumberOfSendAttempts, policy, c.now()); reason != "" {
		if err := c.update(ctx, m, setAsFailed(reason)); err != nil {
			return false, err
		}
		c.logger.Info("message force failed", zap.String("messageId", m.ID), zap.String("reason", reason))
		c.metrics.IncMessageFailed(c.channel.String(), "limit_reached")
		return false, nil
	}

	return true, c.publishWith(ctx, m, p)
}

func (c *Controller) Get(ctx context.Context, id string) (*domain.Message, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	return c.messages.GetByID(ctx, c.channel, id)
}

// Attempts lists the provider calls recorded for a message.
func (c *Controller) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	if c.attempts == nil {
		return nil, nil
	}
	return c.attempts.GetByMessageID(ctx, c.channel, id)
}

func (c *Controller) newMessage(p SendParams, owner string) (*domain.Message, error) {
	recipient, err := domain.NormalizeRecipient(c.channel, p.Recipient, c.cfg.DefaultPhoneCode)
	if err != nil {
		return nil, err
	}

	content := p.Content
	if c.channel == domain.ChannelSMS && !c.cfg.UseAccent {
		content = domain.RemoveAccents(content)
	}
	if err := domain.ValidateContent(c.channel, content); err != nil {
		return nil, err
	}

	priority := p.Priority
	if priority == 0 {
		priority = c.cfg.DefaultPriority
	}
	if !domain.IsValidPriority(priority) {
		return nil, fmt.Errorf("%w: invalid priority %d", domain.ErrValidation, priority)
	}

	for _, obj := range p.RelatedObjects {
		if err := obj.Validate(); err != nil {
			return nil, err
		}
	}

	prov := c.resolve(recipient)
	fields := p.Fields
	if defaulter, ok := prov.(provider.Defaulter); ok {
		fields.Fill(defaulter.DefaultFields(recipient))
	}
	if c.channel == domain.ChannelDialer && fields.IsAutodialer == nil {
		autodialer := true
		fields.IsAutodialer = &autodialer
	}

	now := c.now().UTC()
	m := &domain.Message{
		ID:              c.newID(),
		Channel:         c.channel,
		Recipient:       recipient,
		Content:         content,
		Tag:             p.Tag,
		Priority:        priority,
		State:           domain.LifecycleFor(c.channel).InitialState(),
		RetrySending:    prov.Policy().RetrySending && c.cfg.BatchSending,
		ExtraData:       p.ExtraData,
		ExtraSenderData: map[string]any{},
		RelatedObjects:  p.RelatedObjects,
		TemplateSlug:    p.TemplateSlug,
		ChannelFields:   fields,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if m.ExtraData == nil {
		m.ExtraData = map[string]any{}
	}
	if owner != "" {
		m.ClaimedBy = &owner
		m.ClaimedAt = &now
	}
	return m, nil
}

// resolve routes a recipient to its provider, falling back to the default
// for routes that name an unconfigured provider.
func (c *Controller) resolve(recipient string) provider.Provider {
	p, routed, fallback := c.providers.Resolve(recipient)
	if fallback {
		c.logger.Warn("routed provider is not configured, using default",
			zap.String("provider", routed),
			zap.String("default", p.Name()),
		)
	}
	return p
}

// providerFor returns the provider that owns a message. Messages keep the
// backend of their first attempt.
func (c *Controller) providerFor(m *domain.Message) provider.Provider {
	if backend := m.BackendName(); backend != "" {
		if p, ok := c.providers.Get(backend); ok {
			return p
		}
		c.logger.Warn("message backend is no longer configured, rerouting",
			zap.String("messageId", m.ID),
			zap.String("backend", backend),
		)
	}
	return c.resolve(m.Recipient)
}

func (c *Controller) publish(ctx context.Context, m *domain.Message) error {
	return c.publishWith(ctx, m, c.providerFor(m))
}

func (c *Controller) publishWith(ctx context.Context, m *domain.Message, p provider.Provider) error {
	channelName := c.channel.String()
	c.metrics.IncDispatchInFlight(channelName)
	defer c.metrics.DecDispatchInFlight(channelName)

	if err := c.limiter.Wait(ctx, ratelimit.Key{Channel: c.channel, Provider: p.Name()}); err != nil {
		c.release(m)
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := c.now()
	outcome, sendErr := p.Publish(ctx, *m)
	c.metrics.ObserveSendDuration(channelName, p.Name(), c.now().Sub(start))
	c.recordAttempt(ctx, m, domain.OperationPublish, p.Name(), outcome, sendErr)

	if sendErr != nil {
		c.logger.Warn("publish failed",
			zap.String("messageId", m.ID),
			zap.String("provider", p.Name()),
			zap.Bool("transient", provider.IsTransient(sendErr)),
			zap.Error(sendErr),
		)
	}

	u := publishUpdate(m, effectivePolicy(c.cfg, p.Policy()), p.Name(), outcome, sendErr, c.now())
	if err := c.update(ctx, m, u); err != nil {
		return err
	}
	c.observeResult(m, p.Name())
	return nil
}

// publishBatch sends messages in one vendor call. A protocol error leaves
// every message untouched apart from its released claim.
func (c *Controller) publishBatch(ctx context.Context, p provider.Provider, batcher provider.BatchPublisher, messages []*domain.Message) error {
	channelName := c.channel.String()
	if err := c.limiter.Wait(ctx, ratelimit.Key{Channel: c.channel, Provider: p.Name()}); err != nil {
		for _, m := range messages {
			c.release(m)
		}
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	batch := make([]domain.Message, 0, len(messages))
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		batch = append(batch, *m)
		ids = append(ids, m.ID)
	}

	start := c.now()
	outcomes, sendErr := batcher.PublishBatch(ctx, batch)
	c.metrics.ObserveSendDuration(channelName, p.Name(), c.now().Sub(start))

	if sendErr == nil {
		sendErr = provider.MatchOutcomes(p.Name(), ids, outcomes)
	}
	if provider.IsProtocolError(sendErr) {
		c.logger.Error("batch publish returned an unmatched response",
			zap.String("provider", p.Name()),
			zap.Int("messages", len(messages)),
			zap.Error(sendErr),
		)
		for _, m := range messages {
			c.release(m)
		}
		return sendErr
	}

	policy := effectivePolicy(c.cfg, p.Policy())
	var errs error
	for _, m := range messages {
		var outcome *provider.Outcome
		if sendErr == nil {
			outcome = outcomes[m.ID]
		}
		c.recordAttempt(ctx, m, domain.OperationPublish, p.Name(), outcome, sendErr)
		if err := c.update(ctx, m, publishUpdate(m, policy, p.Name(), outcome, sendErr, c.now())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		c.observeResult(m, p.Name())
	}
	return errs
}

func (c *Controller) observeResult(m *domain.Message, backend string) {
	channelName := c.channel.String()
	switch {
	case m.State == domain.StateErrorRetry:
		c.metrics.IncRetryScheduled(channelName)
	case m.Failed():
		c.metrics.IncMessageFailed(channelName, "provider_error")
	default:
		c.metrics.IncMessageSent(channelName, backend)
	}
}

// update persists u conditionally on the state m was read in and mirrors it
// onto m.
func (c *Controller) update(ctx context.Context, m *domain.Message, u domain.Update) error {
	if u.State != nil {
		if err := domain.LifecycleFor(c.channel).CheckTransition(m.State, *u.State); err != nil {
			c.release(m)
			return err
		}
	}

	now := c.now()
	if err := c.messages.Update(ctx, c.channel, m.ID, m.State, u); err != nil {
		c.release(m)
		if errors.Is(err, domain.ErrStateConflict) {
			c.logger.Warn("message changed while being sent", zap.String("messageId", m.ID))
		}
		return fmt.Errorf("failed to update %s message %s: %w", c.channel, m.ID, err)
	}
	m.Apply(u, now)
	return nil
}

// release drops the claim m holds so another run can pick the message up
// before the claim goes stale.
func (c *Controller) release(m *domain.Message) {
	if m.ClaimedBy == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := c.messages.ReleaseClaim(ctx, c.channel, m.ID, *m.ClaimedBy); err != nil {
		c.logger.Warn("failed to release claim", zap.String("messageId", m.ID), zap.Error(err))
		return
	}
	m.ClaimedBy = nil
	m.ClaimedAt = nil
}

func (c *Controller) recordAttempt(
	ctx context.Context,
	m *domain.Message,
	operation domain.Operation,
	backend string,
	outcome *provider.Outcome,
	callErr error,
) {
	if c.attempts == nil {
		return
	}
	if err := recordAttempt(ctx, c.attempts, c.now(), m, operation, backend, outcome, callErr); err != nil {
		c.logger.Warn("failed to record attempt",
			zap.String("messageId", m.ID),
			zap.String("operation", string(operation)),
			zap.Error(err),
		)
	}
}

func (c *Controller) signal(ctx context.Context, m *domain.Message) {
	if c.signals == nil {
		return
	}
	msg := queue.DispatchSignal{
		MessageID: m.ID,
		Channel:   m.Channel,
		Priority:  m.Priority,
	}
	if correlationID, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = correlationID
	}
	if err := c.signals.Publish(ctx, queue.QueueName(m.Channel), msg); err != nil {
		c.logger.Warn("failed to publish dispatch signal",
			zap.String("messageId", m.ID),
			zap.Error(err),
		)
	}
}
