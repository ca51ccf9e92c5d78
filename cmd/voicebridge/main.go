package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/voicebridge/internal/dotenv"
	"github.com/vango-go/voicebridge/pkg/bridge"
	"github.com/vango-go/voicebridge/pkg/bridge/agent"
	"github.com/vango-go/voicebridge/pkg/bridge/config"
)

type bridgeDeps struct {
	loadConfig    func() (config.Config, error)
	loadChannel   func(path string) (config.Channel, error)
	newDispatcher func(ctx context.Context, cfg config.Config, logger *slog.Logger) (bridge.Dispatcher, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig:  config.LoadFromEnv,
		loadChannel: config.LoadChannel,
		newDispatcher: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (bridge.Dispatcher, error) {
			if cfg.GeminiAPIKey == "" {
				return nil, nil
			}
			return agent.NewGemini(ctx, cfg.GeminiAPIKey, cfg.AgentModel, logger)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil || deps.loadChannel == nil {
		return errors.New("missing config dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	channel, err := deps.loadChannel(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load channel config: %w", err)
	}

	var dispatcher bridge.Dispatcher
	if deps.newDispatcher != nil {
		dispatcher, err = deps.newDispatcher(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("create agent dispatcher: %w", err)
		}
	}
	if dispatcher == nil {
		logger.Warn("no agent backend configured; realtime turns answer with queued text only")
	}

	svc := bridge.New(cfg, channel, dispatcher, logger)

	started := 0
	for _, id := range svc.AccountIDs() {
		if err := svc.Start(id); err != nil {
			logger.Warn("account not started", "account", id, "err", err)
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("no account could be started; set <CHANNEL>_WS_URL and <CHANNEL>_PHONE or provide a channel config")
	}
	logger.Info("bridge running", "channel", cfg.ChannelName, "accounts", started)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	svc.StopAll()
	logger.Info("bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicebridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
