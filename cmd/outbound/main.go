// Command outbound runs the engine jobs: one-shot batch triggers, the
// periodic loops and the dispatch signal worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kursadbilgin/outbound-engine/internal/app"
	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/observability"
	"github.com/kursadbilgin/outbound-engine/internal/provider"
	"github.com/kursadbilgin/outbound-engine/internal/service"
	"go.uber.org/zap"
)

const usage = `usage: outbound <command> [-channel SMS|EMAIL|DIALER|PUSH]

commands:
  dispatch      send one batch of waiting and retryable messages
  check-status  poll delivery statuses and handle idle messages
  pull-info     pull extended e-mail info
  run           run the periodic loops until interrupted
  worker        consume dispatch signals until interrupted
`

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type command struct {
	name     string
	channels []domain.Channel
}

func parseCommand(args []string, out io.Writer) (*command, error) {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return nil, errors.New("command is required")
	}

	name := args[0]
	switch name {
	case "dispatch", "check-status", "pull-info", "run", "worker":
	default:
		fmt.Fprint(out, usage)
		return nil, fmt.Errorf("unknown command %q", name)
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	channelFlag := fs.String("channel", "", "channel to process; all channels when empty")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	cmd := &command{name: name}
	if strings.TrimSpace(*channelFlag) == "" {
		cmd.channels = domain.Channels()
		return cmd, nil
	}
	channel, err := domain.ParseChannelFromString(*channelFlag)
	if err != nil {
		return nil, err
	}
	cmd.channels = []domain.Channel{channel}
	return cmd, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cmd, err := parseCommand(args, out)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("command", cmd.name))

	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return err
	}

	infra, err := app.OpenInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close() //nolint:errcheck

	deps, err := infra.Deps(cfg, providers, observability.NewMetrics(), logger)
	if err != nil {
		return err
	}
	engine, err := app.NewEngine(deps)
	if err != nil {
		return err
	}

	channels := make([]*app.Channel, 0, len(cmd.channels))
	for _, channel := range cmd.channels {
		ch, err := engine.Channel(channel)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	switch cmd.name {
	case "run":
		loops, err := app.Loops(cfg, channels, logger)
		if err != nil {
			return err
		}
		logger.Info("loops started", zap.Int("loops", len(loops)))
		return app.RunLoops(ctx, loops)
	case "worker":
		consumer, err := infra.Consumer(logger)
		if err != nil {
			return err
		}
		dispatchers := make([]*service.Dispatcher, 0, len(channels))
		for _, ch := range channels {
			dispatchers = append(dispatchers, ch.Dispatcher)
		}
		worker, err := service.NewSignalWorker(consumer, dispatchers, logger)
		if err != nil {
			return err
		}
		logger.Info("signal worker started", zap.Int("channels", len(dispatchers)))
		return worker.Start(ctx)
	default:
		return runOnce(ctx, cmd.name, channels, logger)
	}
}

// runOnce executes a single trigger per channel. A channel that cannot run
// the trigger is skipped; other failures are returned after every channel
// had its turn.
func runOnce(ctx context.Context, name string, channels []*app.Channel, logger *zap.Logger) error {
	var failed []string
	for _, ch := range channels {
		channelLogger := logger.With(zap.String("channel", ch.Channel.String()))

		var err error
		switch name {
		case "dispatch":
			var report *service.DispatchReport
			report, err = ch.Dispatcher.Run(ctx)
			if report != nil {
				channelLogger.Info("dispatch finished",
					zap.Int("claimed", report.Claimed()),
					zap.Int64("expired", report.Expired),
				)
			}
		case "check-status":
			var report *service.StatusReport
			report, err = ch.Reconciler.CheckStatuses(ctx)
			if report != nil {
				channelLogger.Info("status check finished",
					zap.Int("checked", report.Checked),
					zap.Int("changed", report.Changed),
					zap.Int("gaveUp", report.GaveUp),
					zap.Int64("idle", report.Idle),
				)
			}
		case "pull-info":
			var report *service.InfoPullReport
			report, err = ch.InfoPuller.Run(ctx)
			if report != nil {
				channelLogger.Info("info pull finished",
					zap.Int("pulled", len(report.Pulled)),
					zap.Int("failed", len(report.Failed)),
				)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, service.ErrBatchSendingDisabled), errors.Is(err, provider.ErrUnsupportedOperation):
			channelLogger.Info("trigger is not available on this channel", zap.Error(err))
		default:
			channelLogger.Error("trigger failed", zap.Error(err))
			failed = append(failed, ch.Channel.String())
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%s failed for %s", name, strings.Join(failed, ", "))
	}
	return nil
}
