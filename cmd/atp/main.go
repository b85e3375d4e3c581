// Agent Tool Protocol server - executes agent-submitted programs in an
// isolated sandbox with durable pause/resume.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/look4regev/agent-tool-protocol/pkg/api"
	"github.com/look4regev/agent-tool-protocol/pkg/config"
	"github.com/look4regev/agent-tool-protocol/pkg/orchestrator"
	"github.com/look4regev/agent-tool-protocol/pkg/provenance"
	"github.com/look4regev/agent-tool-protocol/pkg/session"
	"github.com/look4regev/agent-tool-protocol/pkg/store"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
	"github.com/look4regev/agent-tool-protocol/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
		log.Printf("Continuing with existing environment variables...")
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("Starting ATP server", "version", version.Full())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	promReg := prometheus.NewRegistry()
	metrics := store.NewMetrics(promReg)

	st, err := store.New(ctx, cfg.StateStoreURL, cfg.MaxPauseDuration, metrics)
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing state store", "error", err)
		}
	}()

	tokenManager, err := session.NewTokenManager([]byte(cfg.SessionSecret), cfg.SessionTokenTTL)
	if err != nil {
		log.Fatalf("Failed to initialize token manager: %v", err)
	}
	sessions := session.NewManager(cfg.SessionIdleTimeout)
	defer sessions.Close()

	var signer *provenance.Signer
	if cfg.ProvenanceEnabled() {
		signer = provenance.NewSigner([]byte(cfg.ProvenanceSecret), cfg.ExecutionStateTTL)
	}

	registry := tools.NewRegistry()

	orch := orchestrator.New(orchestrator.Config{
		ExecTimeout:         cfg.ExecTimeout,
		MaxLLMCalls:         cfg.MaxLLMCalls,
		MaxMemoryBytes:      cfg.MaxMemoryBytes,
		MaxCodeSize:         cfg.MaxCodeSize,
		ProvenanceMode:      cfg.ProvenanceMode,
		CheckpointEvery:     cfg.CheckpointEvery,
		ExecutionTTL:        cfg.ExecutionStateTTL,
		MaxProvenanceTokens: cfg.MaxProvenanceTokens,
		MetadataTTL:         cfg.ExecutionStateTTL,
		ProvenanceFetch:     cfg.ProvenanceFetchTimeout,
	}, st, registry, signer, metrics)

	server := api.NewServer(cfg, orch, sessions, tokenManager, registry, metrics, promReg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.HTTPPort)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-stop:
		slog.Info("Shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
		}
	}
}
