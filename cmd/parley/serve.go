package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/backoff"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/guardrails"
	"github.com/parleyhq/parley/internal/humanbridge"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/routing"
	"github.com/parleyhq/parley/internal/schedule"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// buildServeCmd creates the "serve" command that runs the agent.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the parley agent",
		Long: `Run the parley agent with the configured bus, provider and tools.

The agent will:
1. Load and validate configuration
2. Connect the message bus (in-process or MQTT)
3. Open the conversation store (memory or SQLite)
4. Register tools and guardrail chains
5. Consume inbound messages until SIGINT/SIGTERM

Shutdown drains in-flight conversation turns before exiting.`,
		Example: `  # Start with the default config
  parley serve

  # Start with a specific config
  parley serve --config /etc/parley/agent.yaml

  # Start with debug logging
  parley serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe wires every component from configuration and blocks until a
// shutdown signal or a fatal bus error.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	logger.Info(ctx, "starting parley agent",
		"version", version,
		"commit", commit,
		"config", configPath,
		"agent", cfg.Agent.Name,
		"provider", cfg.Provider.Kind,
		"model", cfg.Provider.Model,
		"bus", cfg.Bus.Kind,
		"store", cfg.Conversations.Store,
	)

	// Cancel on shutdown signals; everything below hangs off this ctx.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metrics *observability.Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "metrics server failed", "error", err)
			}
		}()
		logger.Info(ctx, "metrics server listening", "addr", cfg.Metrics.Addr)
	}

	client, err := buildProvider(cfg.Provider)
	if err != nil {
		return err
	}

	agentBus, err := buildBus(ctx, cfg.Bus, cfg.Agent.Name, logger)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	defer agentBus.Close()

	store, err := buildStore(cfg.Conversations)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	tracker := conversations.NewTracker(store, logger, metrics)
	sweeper := conversations.NewSweeper(store, tracker,
		cfg.Conversations.IdleTimeout(), cfg.Conversations.SweepInterval(), logger)
	go sweeper.Run(ctx)

	scheduler := schedule.NewScheduler(agentBus, 0, logger)
	go scheduler.Run(ctx)

	var bridge *humanbridge.Bridge
	if cfg.Human.Address != "" {
		bridge = humanbridge.New(agentBus, humanbridge.Options{
			Address: cfg.Human.Address,
			Timeout: cfg.Human.Timeout(),
		}, logger, metrics)
	}

	notes := tools.NewMemoryNotes()
	tracker.OnEnded(func(_ context.Context, conv *models.Conversation) {
		notes.Drop(conv.ID)
	})

	registry := tools.NewRegistry()
	err = tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Bridge:       bridge,
		HumanTimeout: cfg.Human.Timeout(),
		Notes:        notes,
		Scheduler:    scheduler,
	})
	if err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	executor := tools.NewExecutor(registry, tools.ExecutorOptions{
		Timeout:        cfg.Tools.Timeout(),
		MaxConcurrency: cfg.Tools.MaxConcurrency,
	}, logger, metrics)

	// The judge guardrail shares the agent's model client.
	inputChain, err := guardrails.FromConfig(cfg.Guardrails.Input, client)
	if err != nil {
		return fmt.Errorf("failed to build input guardrails: %w", err)
	}
	outputChain, err := guardrails.FromConfig(cfg.Guardrails.Output, client)
	if err != nil {
		return fmt.Errorf("failed to build output guardrails: %w", err)
	}

	eng := engine.New(engine.Deps{
		Bus:      agentBus,
		Store:    store,
		Tracker:  tracker,
		Provider: client,
		Registry: registry,
		Executor: executor,
		Bridge:   bridge,
		Input:    guardrails.NewPipeline(guardrails.DirectionInput, inputChain, logger, metrics),
		Output:   guardrails.NewPipeline(guardrails.DirectionOutput, outputChain, logger, metrics),
		Resolver: routing.New(nil, cfg.Routing.ForwardAddress, logger),
		Logger:   logger,
		Metrics:  metrics,
	}, engine.Options{
		SystemPrompt:         cfg.Agent.SystemPrompt,
		MaxTokens:            cfg.Provider.MaxTokens,
		Temperature:          cfg.Provider.Temperature,
		MaxInteractions:      cfg.Conversations.MaxInteractions,
		MaxToolIterations:    cfg.Tools.MaxIterations,
		TerminationMarkers:   cfg.Conversations.TerminationMarkers,
		MarkersCaseSensitive: cfg.Conversations.MarkersCaseSensitive,
		MaxRetries:           cfg.Provider.MaxRetries,
		RetryPolicy:          backoff.PolicyFromMillis(cfg.Provider.RetryInitialMs, cfg.Provider.RetryMaxMs),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(ctx)
	}()

	logger.Info(ctx, "parley agent started",
		"address", cfg.Agent.Name,
		"tools", registry.Len(),
	)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received, draining in-flight turns")
		select {
		case <-errCh:
		case <-time.After(30 * time.Second):
			logger.Warn(context.Background(), "drain timed out, exiting anyway")
		}
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "metrics server shutdown failed", "error", err)
		}
	}

	logger.Info(context.Background(), "parley agent stopped")
	return nil
}

func buildProvider(cfg config.ProviderConfig) (provider.Client, error) {
	switch cfg.Kind {
	case "anthropic":
		return provider.NewAnthropic(provider.AnthropicOptions{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	case "openai":
		return provider.NewOpenAI(provider.OpenAIOptions{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("provider.kind %q is not supported", cfg.Kind)
	}
}

func buildBus(ctx context.Context, cfg config.BusConfig, address string, logger *observability.Logger) (bus.Bus, error) {
	switch cfg.Kind {
	case "inproc":
		// Single-process loopback, mostly useful for local experiments.
		return bus.NewNetwork().Endpoint(address), nil
	case "mqtt":
		return bus.NewMQTT(ctx, bus.MQTTOptions{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Address:     address,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			KeepAlive:   uint16(cfg.MQTT.KeepAliveSeconds),
			QoS:         byte(cfg.MQTT.QoS),
		}, logger)
	default:
		return nil, fmt.Errorf("bus.kind %q is not supported", cfg.Kind)
	}
}

func buildStore(cfg config.ConversationsConfig) (conversations.Store, error) {
	switch cfg.Store {
	case "memory":
		return conversations.NewMemoryStore(), nil
	case "sqlite":
		return conversations.NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("conversations.store %q is not supported", cfg.Store)
	}
}
