package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/medbench/internal/a2a"
	"github.com/metalagman/medbench/internal/config"
	"github.com/metalagman/medbench/internal/harness"
	"github.com/metalagman/medbench/internal/report"
	"github.com/metalagman/medbench/internal/task"
	"github.com/metalagman/medbench/internal/web"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the evaluation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fatal(err)
				return err
			}
			if err := serve(cmd.Context(), cfg); err != nil {
				fatal(err)
				return err
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeDB, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = storeDB.Close() }()

	deps, err := buildDeps(cfg, store)
	if err != nil {
		return err
	}

	registry := harness.NewRegistry(cfg.Sessions.MaxConversations, cfg.Sessions.IdleTTL(),
		func(contextID string) (*harness.Orchestrator, error) {
			return harness.NewOrchestrator(contextID, deps)
		})

	card := agentCard(cfg, deps.Source)
	protocol := a2a.NewServer(card, harness.NewService(registry))

	ui, err := web.NewServer(store)
	if err != nil {
		return fmt.Errorf("create web ui: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", protocol)
	mux.Handle("/ui/", http.StripPrefix("/ui", ui.Routes()))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Retention.KeepDays > 0 {
		go retentionLoop(ctx, store, cfg.Retention.KeepDays)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("evaluation service started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// retentionLoop prunes expired batch reports once at startup and then hourly.
func retentionLoop(ctx context.Context, store *report.Store, keepDays int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		cutoff := time.Now().AddDate(0, 0, -keepDays)
		if n, err := store.Prune(ctx, cutoff); err != nil {
			log.Warn().Err(err).Msg("retention prune failed")
		} else if n > 0 {
			log.Info().Int64("batches", n).Msg("pruned expired batch reports")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func agentCard(cfg config.Config, source task.Source) a2a.AgentCard {
	skills := []a2a.Skill{{
		ID:          "evaluate",
		Name:        "Evaluate agent",
		Description: "Run clinical reasoning tasks against an agent and score the answers",
		Tags:        source.Types(),
	}}
	return a2a.AgentCard{
		Name:         "medbench",
		Description:  "Clinical reasoning evaluation harness",
		URL:          cfg.Listen,
		Version:      "0.1.0",
		Capabilities: a2a.Capabilities{Streaming: true},
		Skills:       skills,
	}
}
