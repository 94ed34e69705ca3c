package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatkit/internal/auth"
	"github.com/haasonsaas/chatkit/internal/config"
	"github.com/haasonsaas/chatkit/internal/contextcache"
	"github.com/haasonsaas/chatkit/internal/history"
	"github.com/haasonsaas/chatkit/internal/metrics"
	"github.com/haasonsaas/chatkit/internal/orchestrator"
	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/internal/prompts"
	"github.com/haasonsaas/chatkit/internal/providers"
	"github.com/haasonsaas/chatkit/internal/server"
	"github.com/haasonsaas/chatkit/internal/store"
	"github.com/haasonsaas/chatkit/internal/tools"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "chatkit.yaml", "path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Database.Path, &store.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	reg := plugins.NewRegistry(logger)
	if err := reg.Register(plugins.NewStoreAdapter(st)); err != nil {
		return err
	}

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if cfg.Auth.UsersFile != "" {
		if err := authSvc.LoadFile(cfg.Auth.UsersFile); err != nil {
			return fmt.Errorf("load users: %w", err)
		}
	}
	if err := reg.Register(authSvc); err != nil {
		return err
	}

	if cfg.Prompts.File != "" {
		catalog := prompts.New(cfg.Prompts.File, logger)
		if err := catalog.Reload(); err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
		if cfg.Prompts.Watch {
			if err := catalog.StartWatching(ctx); err != nil {
				return fmt.Errorf("watch prompts: %w", err)
			}
		}
		if err := reg.Register(catalog); err != nil {
			return err
		}
	}

	hist := history.NewLog(reg, logger)
	if err := reg.Register(hist); err != nil {
		return err
	}
	cache := contextcache.NewCache(reg, logger)
	if err := reg.Register(cache); err != nil {
		return err
	}

	model, err := newModelPlugin(cfg)
	if err != nil {
		return err
	}
	if err := reg.Register(model); err != nil {
		return err
	}

	toolReg := tools.NewRegistry(logger, cfg.Tools.Timeout)
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	m := metrics.New()
	tasks := orchestrator.NewTaskRegistry(logger)
	orch := orchestrator.New(reg, toolReg, tasks, logger, m)
	if err := reg.Register(orch); err != nil {
		return err
	}

	if err := hist.Init(ctx); err != nil {
		return fmt.Errorf("init history: %w", err)
	}
	if err := cache.Init(ctx); err != nil {
		return fmt.Errorf("init context cache: %w", err)
	}
	reg.Freeze()

	// Periodic WAL checkpoint keeps the log file bounded.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Database.CheckpointSchedule, func() {
		if err := st.Checkpoint(context.Background()); err != nil {
			logger.Warn("wal checkpoint failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule checkpoint: %w", err)
	}
	scheduler.Start()

	srv := server.New(cfg.Server.Addr, reg, m.Registry(), logger)
	if err := srv.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	<-scheduler.Stop().Done()
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background task shutdown error", "error", err)
	}
	// Registry shutdown closes the store and stops the prompt watcher.
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Warn("plugin shutdown error", "error", err)
	}
	return nil
}

func newModelPlugin(cfg *config.Config) (plugins.Plugin, error) {
	name := cfg.LLM.DefaultProvider
	pc := cfg.LLM.Providers[name]

	switch name {
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Models:       pc.Models,
		})
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Models:       pc.Models,
			MaxTokens:    pc.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
