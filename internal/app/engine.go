// Package app assembles the per-channel engine components from
// configuration.
package app

import (
	"fmt"

	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/provider"
	"github.com/kursadbilgin/outbound-engine/internal/queue"
	"github.com/kursadbilgin/outbound-engine/internal/ratelimit"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
	"github.com/kursadbilgin/outbound-engine/internal/service"
	"go.uber.org/zap"
)

// Deps are the collaborators shared by every channel. Limiter and
// Publisher are optional.
type Deps struct {
	Config    *config.Config
	Providers config.ProvidersConfig
	Messages  repository.MessageRepository
	Attempts  repository.AttemptRepository
	Templates repository.TemplateRepository
	Limiter   ratelimit.RateLimiter
	Publisher queue.Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Channel groups the components serving one channel.
type Channel struct {
	Channel    domain.Channel
	Registry   *provider.Registry
	Controller *service.Controller
	Dispatcher *service.Dispatcher
	Reconciler *service.Reconciler
	InfoPuller *service.InfoPuller
}

// Engine is the wired engine for every channel.
type Engine struct {
	channels  map[domain.Channel]*Channel
	templates *service.TemplateService
	webhooks  *service.WebhookIngestor
	metrics   *observability.Metrics
}

// limitSetter is implemented by limiters supporting per-provider budgets.
type limitSetter interface {
	SetLimit(key ratelimit.Key, limitPerSec int)
}

func NewEngine(deps Deps) (*Engine, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Messages == nil {
		return nil, fmt.Errorf("message repository is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Providers == nil {
		providers, err := config.LoadProviders("")
		if err != nil {
			return nil, err
		}
		deps.Providers = providers
	}

	engine := &Engine{
		channels: make(map[domain.Channel]*Channel, len(domain.Channels())),
		metrics:  deps.Metrics,
	}

	controllers := make(map[domain.Channel]*service.Controller, len(domain.Channels()))
	for _, channel := range domain.Channels() {
		ch, err := newChannel(channel, deps)
		if err != nil {
			return nil, err
		}
		engine.channels[channel] = ch
		controllers[channel] = ch.Controller
	}

	if deps.Templates != nil {
		templates, err := service.NewTemplateService(deps.Templates, deps.Messages, controllers, deps.Logger)
		if err != nil {
			return nil, err
		}
		engine.templates = templates
	}

	webhooks, err := service.NewWebhookIngestor(deps.Messages, deps.Logger)
	if err != nil {
		return nil, err
	}
	webhooks.SetMetrics(deps.Metrics)
	engine.webhooks = webhooks

	return engine, nil
}

func newChannel(channel domain.Channel, deps Deps) (*Channel, error) {
	cc := deps.Config.Channel(channel)
	cp := deps.Providers[channel]

	registry, err := provider.NewRegistry(channel, cp, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}

	controller, err := service.NewController(cc, registry, deps.Messages, deps.Attempts, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("%s controller: %w", channel, err)
	}
	controller.SetMetrics(deps.Metrics)
	if deps.Limiter != nil {
		controller.SetRateLimiter(deps.Limiter)
		applyProviderLimits(deps.Limiter, channel, cp)
	}
	if deps.Publisher != nil {
		controller.SetSignalPublisher(deps.Publisher)
	}

	dispatcher, err := service.NewDispatcher(controller, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("%s dispatcher: %w", channel, err)
	}
	dispatcher.SetMetrics(deps.Metrics)

	reconciler, err := service.NewReconciler(cc, registry, deps.Messages, deps.Attempts, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("%s reconciler: %w", channel, err)
	}
	reconciler.SetMetrics(deps.Metrics)

	puller, err := service.NewInfoPuller(cc, registry, deps.Messages, deps.Attempts, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("%s info puller: %w", channel, err)
	}
	puller.SetMetrics(deps.Metrics)

	return &Channel{
		Channel:    channel,
		Registry:   registry,
		Controller: controller,
		Dispatcher: dispatcher,
		Reconciler: reconciler,
		InfoPuller: puller,
	}, nil
}

func applyProviderLimits(limiter ratelimit.RateLimiter, channel domain.Channel, cp config.ChannelProviders) {
	setter, ok := limiter.(limitSetter)
	if !ok {
		return
	}
	for name, spec := range cp.Providers {
		if spec.RateLimitPerSec != nil && *spec.RateLimitPerSec > 0 {
			setter.SetLimit(ratelimit.Key{Channel: channel, Provider: name}, *spec.RateLimitPerSec)
		}
	}
}

// Channel returns the components of one channel.
func (e *Engine) Channel(channel domain.Channel) (*Channel, error) {
	ch, ok := e.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}
	return ch, nil
}

// Channels returns the components of every channel in a stable order.
func (e *Engine) Channels() []*Channel {
	out := make([]*Channel, 0, len(e.channels))
	for _, channel := range domain.Channels() {
		if ch, ok := e.channels[channel]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (e *Engine) Dispatchers() []*service.Dispatcher {
	out := make([]*service.Dispatcher, 0, len(e.channels))
	for _, ch := range e.Channels() {
		out = append(out, ch.Dispatcher)
	}
	return out
}

func (e *Engine) Templates() *service.TemplateService { return e.templates }

func (e *Engine) Webhooks() *service.WebhookIngestor { return e.webhooks }

func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

func (e *Engine) Controllers() map[domain.Channel]*service.Controller {
	out := make(map[domain.Channel]*service.Controller, len(e.channels))
	for channel, ch := range e.channels {
		out[channel] = ch.Controller
	}
	return out
}
