package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devorchestra/internal/agents"
	"devorchestra/internal/bus"
	"devorchestra/internal/config"
	"devorchestra/internal/executor"
	"devorchestra/internal/feedback"
	"devorchestra/internal/orchestrator"
	"devorchestra/internal/server"
	"devorchestra/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator server",
	Long: `Start the DevOrchestra server: opens the run state database, connects
to Redis (falling back to the in-process bus when unreachable), recovers
jobs interrupted by a previous shutdown, and serves the HTTP API.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Printf("[serve] run state at %s", db.Path())

	eventBus := bus.Connect(cmd.Context(), cfg.Redis.Enabled, cfg.Redis.URL)
	defer eventBus.Close()

	refiner := feedback.New()
	defer refiner.Close()

	if cfg.Anthropic.Offline() {
		log.Printf("[serve] no API key configured, agents run in offline mode")
	}
	var regAgents []executor.Agent
	regAgents = append(regAgents, agents.NewParserAgent(), agents.NewLegacyAgent())
	for _, a := range agents.NewGeneratorAgents(agents.GeneratorConfig{
		APIKey:     cfg.Anthropic.APIKey,
		Model:      cfg.Anthropic.Model,
		Directives: refiner,
	}) {
		regAgents = append(regAgents, a)
	}
	registry, err := executor.NewRegistry(regAgents...)
	if err != nil {
		return err
	}

	orc := orchestrator.New(orchestrator.Options{
		Store:   db,
		Bus:     eventBus,
		Exec:    executor.New(registry, cfg.Timeouts.ForRole),
		Refiner: refiner,
		Workers: cfg.Workers.Max,
		Retry:   cfg.Retry,
	})

	recovery, err := db.RecoverInterrupted(cfg.Retry.MaxAttempts)
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	resumed, err := orc.Resume()
	if err != nil {
		return fmt.Errorf("resume jobs: %w", err)
	}
	if resumed > 0 {
		log.Printf("[serve] resumed %d job(s): %d task(s) requeued, %d failed",
			resumed, recovery.TasksRequeued, recovery.TasksFailed)
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.New(orc, db, eventBus).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[serve] listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Printf("[serve] received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] http shutdown: %v", err)
	}
	if err := orc.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] orchestrator shutdown: %v", err)
	}
	return nil
}
