package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Loops returns the periodic jobs of the given channels: batch dispatch,
// status reconciliation and, where configured, extended info pulls. Jobs a
// channel cannot run stop themselves on their first tick.
func Loops(cfg *config.Config, channels []*Channel, logger *zap.Logger) ([]*service.Loop, error) {
	loops := make([]*service.Loop, 0, len(channels)*3)
	for _, ch := range channels {
		name := strings.ToLower(ch.Channel.String())

		jobs := []job{
			{name: "dispatch-" + name, interval: cfg.DispatchInterval(), run: service.DispatchJob(ch.Dispatcher)},
			{name: "check-status-" + name, interval: cfg.StatusCheckInterval(), run: service.StatusCheckJob(ch.Reconciler)},
		}
		if ch.Controller.Config().PullInfoBatchSize > 0 {
			jobs = append(jobs, job{name: "pull-info-" + name, interval: cfg.StatusCheckInterval(), run: service.InfoPullJob(ch.InfoPuller)})
		}

		for _, j := range jobs {
			loop, err := service.NewLoop(j.name, j.interval, j.run, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create loop %s: %w", j.name, err)
			}
			loops = append(loops, loop)
		}
	}
	return loops, nil
}

// RunLoops runs every loop until ctx is cancelled.
func RunLoops(ctx context.Context, loops []*service.Loop) error {
	g, groupCtx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		loop := loop
		g.Go(func() error {
			return loop.Start(groupCtx)
		})
	}
	return g.Wait()
}
