package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/comigor/chatcore/internal/agent"
	"github.com/comigor/chatcore/internal/api"
	"github.com/comigor/chatcore/internal/config"
	"github.com/comigor/chatcore/internal/llm"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/internal/mode"
	"github.com/comigor/chatcore/internal/router"
	"github.com/comigor/chatcore/internal/search"
	"github.com/comigor/chatcore/internal/session"
	"github.com/comigor/chatcore/pkg/tools"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.L.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.L.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	modes, err := mode.New(cfg.Modes)
	if err != nil {
		return fmt.Errorf("modes: %w", err)
	}

	store, err := openStorage(ctx, cfg.Storage, modes.Collections(), session.Options{DefaultMode: modes.Default(), Modes: modes.Names()})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close(context.WithoutCancel(ctx))

	registry, err := buildTools(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.L.Warn("failed to close MCP clients", "error", err)
		}
	}()

	provider := llm.NewOpenAI(llm.NewClient(cfg.LLM), cfg.LLM)
	rt, err := router.New(router.Deps{
		Directory:         store.directory,
		Catalog:           store.catalog,
		Modes:             modes,
		Tools:             registry,
		Turns:             agent.New(provider, registry, cfg.Turn),
		Insights:          store.insights,
		Principles:        cfg.Insights,
		OutputLogMaxChars: cfg.Log.OutputMaxChars,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewHandler(rt).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr, "model", cfg.LLM.Model, "modes", modes.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildTools registers the built-in tools and the configured MCP servers.
func buildTools(ctx context.Context, cfg *config.Config) (*tools.Registry, error) {
	registry := tools.NewRegistry(cfg.Turn.ToolTimeout)
	if err := registry.Register(tools.Clock(time.Now)); err != nil {
		return nil, err
	}
	if cfg.Search.APIKey != "" {
		if err := registry.Register(search.New(cfg.Search).Tool(cfg.Search.Relay)); err != nil {
			return nil, err
		}
	} else {
		logger.L.Info("search.api_key not set; search tool disabled")
	}
	registry.ConnectMCP(ctx, cfg.MCPServers)
	return registry, nil
}
