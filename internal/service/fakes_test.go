package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/provider"
	"github.com/kursadbilgin/outbound-engine/internal/queue"
	"github.com/kursadbilgin/outbound-engine/internal/ratelimit"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return testNow }
}

func testChannelConfig(channel domain.Channel) config.ChannelConfig {
	return config.ChannelConfig{
		Channel:                channel,
		BatchSending:           true,
		BatchSize:              10,
		MaxSendAttempts:        3,
		MaxSecondsToSend:       3600,
		RetrySending:           true,
		DefaultPriority:        domain.DefaultPriority,
		UseAccent:              true,
		ClaimTimeout:           10 * time.Minute,
		LogIdleMessages:        true,
		SetErrorToIdleMessages: true,
		IdleTimeout:            10 * time.Minute,
		MaxStatusCheckAttempts: 5,
		PullInfoBatchSize:      10,
		PullInfoDelay:          time.Hour,
		PullInfoMaxAge:         30 * 24 * time.Hour,
	}
}

func testPolicy() provider.Policy {
	return provider.Policy{MaxSendAttempts: 3, MaxSecondsToSend: 3600, RetrySending: true}
}

func newTestRegistry(t *testing.T, channel domain.Channel, providers ...provider.Provider) *provider.Registry {
	t.Helper()

	registry, err := provider.NewRegistryFrom(channel, providers[0].Name(), nil, providers...)
	if err != nil {
		t.Fatalf("NewRegistryFrom() error = %v", err)
	}
	return registry
}

func newTestController(t *testing.T, cfg config.ChannelConfig, store *memStore, providers ...provider.Provider) *Controller {
	t.Helper()

	controller, err := NewController(cfg, newTestRegistry(t, cfg.Channel, providers...), store, &fakeAttemptRepo{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	controller.now = fixedClock()
	return controller
}

func newTestDispatcher(t *testing.T, controller *Controller) *Dispatcher {
	t.Helper()

	dispatcher, err := NewDispatcher(controller, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	dispatcher.now = fixedClock()
	return dispatcher
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// memStore is an in-memory MessageRepository with the same claim and
// conditional update semantics as the SQL store.
type memStore struct {
	mu        sync.Mutex
	messages  map[string]*domain.Message
	now       func() time.Time
	createErr error
	updateErr error
	updates   int
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string]*domain.Message), now: fixedClock()}
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.ExtraData = maps.Clone(m.ExtraData)
	cp.ExtraSenderData = maps.Clone(m.ExtraSenderData)
	cp.RelatedObjects = slices.Clone(m.RelatedObjects)
	return &cp
}

// put stores a message as is, for arranging test state.
func (s *memStore) put(m *domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = cloneMessage(m)
}

func (s *memStore) get(t *testing.T, id string) *domain.Message {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		t.Fatalf("message %s is not stored", id)
	}
	return cloneMessage(m)
}

func (s *memStore) Create(ctx context.Context, m *domain.Message) error {
	return s.CreateMany(ctx, []*domain.Message{m})
}

func (s *memStore) CreateMany(_ context.Context, messages []*domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	for _, m := range messages {
		if _, ok := s.messages[m.ID]; ok {
			return fmt.Errorf("duplicate message id %s", m.ID)
		}
	}
	for _, m := range messages {
		s.messages[m.ID] = cloneMessage(m)
	}
	return nil
}

func (s *memStore) GetByID(_ context.Context, channel domain.Channel, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Channel != channel {
		return nil, domain.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *memStore) GetByExternalID(_ context.Context, channel domain.Channel, externalID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Channel == channel && m.ExternalID != nil && *m.ExternalID == externalID {
			return cloneMessage(m), nil
		}
	}
	return nil, domain.ErrNotFound
}

// selectLocked returns the stored messages of a channel matching fn, oldest
// first and by priority within the same creation time.
func (s *memStore) selectLocked(channel domain.Channel, fn func(*domain.Message) bool) []*domain.Message {
	var selected []*domain.Message
	for _, m := range s.messages {
		if m.Channel == channel && fn(m) {
			selected = append(selected, m)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if !selected[i].CreatedAt.Equal(selected[j].CreatedAt) {
			return selected[i].CreatedAt.Before(selected[j].CreatedAt)
		}
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority < selected[j].Priority
		}
		return selected[i].ID < selected[j].ID
	})
	return selected
}

func (s *memStore) ListSendable(_ context.Context, q repository.SendableQuery, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.Message
	for _, m := range s.selectLocked(q.Channel, q.Matches) {
		if len(result) == limit {
			break
		}
		result = append(result, *cloneMessage(m))
	}
	return result, nil
}

func (s *memStore) claimLocked(m *domain.Message, owner string) *domain.Message {
	now := s.now()
	m.ClaimedBy = &owner
	m.ClaimedAt = &now
	return cloneMessage(m)
}

func (s *memStore) ClaimNextForSending(_ context.Context, q repository.SendableQuery, owner string, exclude []string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := s.selectLocked(q.Channel, func(m *domain.Message) bool {
		return q.Matches(m) && !slices.Contains(exclude, m.ID)
	})
	if len(candidates) == 0 {
		return nil, nil
	}
	return s.claimLocked(candidates[0], owner), nil
}

func (s *memStore) ClaimForStatusCheck(_ context.Context, q repository.StatusCheckQuery, owner string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []domain.Message
	for _, m := range s.selectLocked(q.Channel, q.Matches) {
		if len(claimed) == limit {
			break
		}
		claimed = append(claimed, *s.claimLocked(m, owner))
	}
	return claimed, nil
}

func (s *memStore) ClaimNextForInfoPull(_ context.Context, q repository.InfoPullQuery, owner string, exclude []string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := s.selectLocked(q.Channel, func(m *domain.Message) bool {
		return q.Matches(m) && !slices.Contains(exclude, m.ID)
	})
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].SentAt.After(*candidates[j].SentAt)
	})
	return s.claimLocked(candidates[0], owner), nil
}

func (s *memStore) Update(_ context.Context, channel domain.Channel, id string, expected domain.State, u domain.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	m, ok := s.messages[id]
	if !ok || m.Channel != channel {
		return domain.ErrNotFound
	}
	if m.State != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStateConflict, id, m.State, expected)
	}
	if u.ExtraSenderData != nil {
		u.ExtraSenderData = maps.Clone(u.ExtraSenderData)
	}
	m.Apply(u, s.now())
	s.updates++
	return nil
}

func (s *memStore) ReleaseClaim(_ context.Context, channel domain.Channel, id string, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Channel != channel {
		return nil
	}
	if m.ClaimedBy != nil && *m.ClaimedBy == owner {
		m.ClaimedBy = nil
		m.ClaimedAt = nil
	}
	return nil
}

func (s *memStore) ExpireRetries(_ context.Context, q repository.SendableQuery, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, m := range s.selectLocked(q.Channel, q.Expired) {
		if m.ClaimedAt != nil && !m.ClaimedAt.Before(q.StaleBefore) {
			continue
		}
		m.State = domain.StateError
		m.Error = strPtr(reason)
		count++
	}
	return count, nil
}

func (s *memStore) CountIdle(_ context.Context, q repository.IdleQuery) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.selectLocked(q.Channel, q.Matches))), nil
}

func (s *memStore) FailIdle(_ context.Context, q repository.IdleQuery, state domain.State, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := s.selectLocked(q.Channel, q.Matches)
	for _, m := range idle {
		m.State = state
		m.Error = strPtr(reason)
	}
	return int64(len(idle)), nil
}

func (s *memStore) RecordWebhook(_ context.Context, channel domain.Channel, externalID string, at time.Time, payload map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := false
	for _, m := range s.messages {
		if m.Channel != channel || m.ExternalID == nil || *m.ExternalID != externalID {
			continue
		}
		m.Apply(domain.Update{
			LastWebhookReceivedAt: timePtr(at),
			ExtraSenderData:       map[string]any{"last_webhook": payload},
		}, s.now())
		matched = true
	}
	return matched, nil
}

func (s *memStore) ExistsForTemplate(_ context.Context, channel domain.Channel, slug string, objects []domain.RelatedObject) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Channel != channel || m.TemplateSlug == nil || *m.TemplateSlug != slug || m.Failed() {
			continue
		}
		for _, obj := range objects {
			if slices.Contains(m.RelatedObjects, obj) {
				return true, nil
			}
		}
	}
	return false, nil
}

var _ repository.MessageRepository = (*memStore)(nil)

type fakeProvider struct {
	name      string
	channel   domain.Channel
	policy    provider.Policy
	publishFn func(ctx context.Context, m domain.Message) (*provider.Outcome, error)

	mu        sync.Mutex
	published []string
}

func newFakeProvider(name string, channel domain.Channel) *fakeProvider {
	return &fakeProvider{name: name, channel: channel, policy: testPolicy()}
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) Channel() domain.Channel { return f.channel }
func (f *fakeProvider) Policy() provider.Policy { return f.policy }

func (f *fakeProvider) Publish(ctx context.Context, m domain.Message) (*provider.Outcome, error) {
	f.mu.Lock()
	f.published = append(f.published, m.ID)
	f.mu.Unlock()

	if f.publishFn != nil {
		return f.publishFn(ctx, m)
	}
	return &provider.Outcome{State: domain.StateSent, ExternalID: "ext-" + m.ID, Sent: true}, nil
}

func (f *fakeProvider) publishedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.published)
}

type fakeBatchProvider struct {
	*fakeProvider
	publishBatchFn func(ctx context.Context, messages []domain.Message) (map[string]*provider.Outcome, error)
}

func (f *fakeBatchProvider) PublishBatch(ctx context.Context, messages []domain.Message) (map[string]*provider.Outcome, error) {
	return f.publishBatchFn(ctx, messages)
}

type fakeStatusProvider struct {
	*fakeProvider
	checkStatusFn func(ctx context.Context, messages []domain.Message) (map[string]*provider.Outcome, error)
}

func (f *fakeStatusProvider) CheckStatus(ctx context.Context, messages []domain.Message) (map[string]*provider.Outcome, error) {
	return f.checkStatusFn(ctx, messages)
}

type fakeInfoProvider struct {
	*fakeProvider
	pullInfoFn func(ctx context.Context, m domain.Message) (*provider.Outcome, error)
}

func (f *fakeInfoProvider) PullInfo(ctx context.Context, m domain.Message) (*provider.Outcome, error) {
	return f.pullInfoFn(ctx, m)
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []domain.Attempt
	createFn func(ctx context.Context, a *domain.Attempt) error
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.Attempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttemptRepo) GetByMessageID(_ context.Context, channel domain.Channel, messageID string) ([]domain.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []domain.Attempt
	for _, a := range f.attempts {
		if a.Channel == channel && a.MessageID == messageID {
			result = append(result, a)
		}
	}
	return result, nil
}

type fakeTemplateRepo struct {
	templates map[string]*domain.Template
}

func (f *fakeTemplateRepo) GetBySlug(_ context.Context, channel domain.Channel, slug string) (*domain.Template, error) {
	t, ok := f.templates[channel.String()+"/"+slug]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTemplateRepo) Save(_ context.Context, t *domain.Template) error {
	if f.templates == nil {
		f.templates = make(map[string]*domain.Template)
	}
	cp := *t
	f.templates[t.Channel.String()+"/"+t.Slug] = &cp
	return nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.DispatchSignal) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.DispatchSignal) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key ratelimit.Key) error
}

func (f *fakeRateLimiter) Allow(context.Context, ratelimit.Key) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(ctx context.Context, key ratelimit.Key) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

// waitingMessage arranges a stored WAITING message created at createdAt.
func waitingMessage(id string, channel domain.Channel, recipient string, createdAt time.Time) *domain.Message {
	return &domain.Message{
		ID:              id,
		Channel:         channel,
		Recipient:       recipient,
		Content:         "hello",
		Priority:        domain.DefaultPriority,
		State:           domain.StateWaiting,
		RetrySending:    true,
		ExtraData:       map[string]any{},
		ExtraSenderData: map[string]any{},
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}
