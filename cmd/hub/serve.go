package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hub/internal/agentloop"
	"github.com/haasonsaas/hub/internal/api"
	"github.com/haasonsaas/hub/internal/auth"
	"github.com/haasonsaas/hub/internal/config"
	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/internal/llm"
	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/internal/registry"
	"github.com/haasonsaas/hub/internal/sessionsvc"
	"github.com/haasonsaas/hub/internal/spoke"
	"github.com/haasonsaas/hub/internal/storage"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Hub server",
		Long: `Start the Hub server.

The server will:
1. Load and validate configuration
2. Open the database and apply pending migrations
3. Wire the identity, registry, spoke-channel, dispatcher and LLM gateway
4. Serve HTTP + WebSocket on the configured address
5. Drain in-flight requests on SIGINT/SIGTERM, failing pending tool calls`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "hub.yaml", "Path to YAML configuration file")
	return cmd
}

// runServe wires every component named in spec.md §2 and blocks until a
// shutdown signal arrives or the listener fails to bind.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.MustNewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	logger.Info(ctx, "starting hub", "version", version, "commit", commit, "config", configPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, storage.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	authSvc := auth.NewService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.DeviceSalt)

	// registry.Registry and spoke.Manager are each other's constructor
	// dependency (Registry needs a Presence to filter live skills; Manager
	// needs a Registerer to apply an inbound register frame), so
	// the Manager is built first with a nil Registerer and wired in once
	// the Registry exists - see spoke.Manager.SetRegistry.
	spokes := spoke.NewManager(nil, cfg.Spoke.HeartbeatInterval, cfg.Spoke.OutboundQueueSize, logger.WithFields("component", "spoke"), metrics)
	reg := registry.New(store, spokes, cfg.Registry.SkillTTL, metrics, logger.WithFields("component", "registry"))
	spokes.SetRegistry(reg)
	go reg.RunSweeper(ctx, cfg.Registry.SweepInterval)

	dispatcher := dispatch.New(reg, spokes, dispatch.Config{
		SearchTimeout:     cfg.Dispatch.SearchTimeout,
		DescribeTimeout:   cfg.Dispatch.DescribeTimeout,
		PythonExecTimeout: cfg.Dispatch.PythonExecTimeout,
	}, metrics, logger.WithFields("component", "dispatch"))

	providers, err := buildProviders(cfg.LLM.Providers)
	if err != nil {
		return fmt.Errorf("configure llm providers: %w", err)
	}
	gateway := llm.NewGateway(providers, llm.Config{
		TurnDeadline: cfg.LLM.TurnDeadline,
	}, metrics, logger.WithFields("component", "llm"))

	sessions := sessionsvc.New(store.Sessions, store.Messages)

	server := api.NewServer(api.Deps{
		AuthService: authSvc,
		Store:       store,
		Registry:    reg,
		Spokes:      spokes,
		Dispatcher:  dispatcher,
		Gateway:     gateway,
		Sessions:    sessions,
		AgentConfig: agentloop.Config{MaxIterations: cfg.Agent.MaxIterations},
		Metrics:     metrics,
		Logger:      logger.WithFields("component", "api"),
	})

	if err := server.Start(cfg.Server.Addr); err != nil {
		return &bindError{cause: err}
	}
	logger.Info(ctx, "listening", "addr", cfg.Server.Addr)

	<-ctx.Done()
	logger.Info(ctx, "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(ctx, "shutdown complete")
	return nil
}

// buildProviders turns the configured provider chain into concrete
// llm.Provider implementations in configured order - the order the
// Gateway fails over through (spec.md §5, provider_transient).
func buildProviders(cfgs []config.ProviderConfig) ([]llm.Provider, error) {
	providers := make([]llm.Provider, 0, len(cfgs))
	for _, c := range cfgs {
		pc := llm.ProviderConfig{Kind: c.Kind, Model: c.Model, APIKey: c.APIKey, BaseURL: c.BaseURL}
		switch c.Kind {
		case "openai":
			providers = append(providers, llm.NewOpenAIProvider(pc))
		case "anthropic":
			providers = append(providers, llm.NewAnthropicProvider(pc))
		case "local":
			providers = append(providers, llm.NewLocalProvider(pc))
		default:
			return nil, fmt.Errorf("unknown provider kind %q", c.Kind)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("llm.providers: at least one provider is required")
	}
	return providers, nil
}
