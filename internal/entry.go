// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/synapse/internal/api"
	"github.com/starford/synapse/internal/mcpserver"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/sse"
)

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := newLogger(app)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// SSE broker, fed by registry events.
	broker := sse.NewBroker(cfg.Engine.GraphEventThrottle)
	defer broker.Close()

	e, err := openEngine(ctx, cfg, logger, broker.Observe)
	if err != nil {
		return err
	}
	if err := e.checkpoint(ctx, false); err != nil {
		logger.Warn("initial checkpoint failed", slog.String("error", err.Error()))
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           newRootRouter(e, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	// Keep the registry in step with edits made outside the API.
	if cfg.Vault.Watch {
		g.Go(func() error {
			return e.watcher(func(kind, id string) {
				logger.Debug("vault change indexed", slog.String("kind", kind), slog.String("id", id))
			}).Watch(gCtx)
		})
	}

	// Periodic checkpoints.
	g.Go(func() error {
		return e.checkpointLoop(gCtx, cfg.Engine.CheckpointInterval)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		cancel()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	runErr := g.Wait()
	if err := e.shutdown(); err != nil {
		logger.Error("final checkpoint failed", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}
	if runErr != nil {
		logger.Error("Application error", slog.String("error", runErr.Error()))
		return runErr
	}

	logger.Info("Server stopped successfully")
	return nil
}

func newRootRouter(e *engine, broker *sse.Broker) http.Handler {
	cfg := e.cfg

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok", "")
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if err := e.db.Ping(); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		if err := e.reg.Halted(); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "halted", err.Error())
			return
		}
		writeStatus(w, http.StatusOK, "ok", "")
	})

	r.Handle("/metrics", promhttp.Handler())

	// Mount API routes under /api; /api/events streams SSE behind the same auth.
	r.Mount("/api", api.NewRouter(e.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	return r
}

func writeStatus(w http.ResponseWriter, code int, status, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}{status, detail})
}

// RunMCP serves the assistant tools over stdio until stdin closes or the
// process is signalled. The vault watcher keeps results current meanwhile.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	if app.logOutput == nil {
		app.logOutput = os.Stderr
	}
	logger := newLogger(app)
	slog.SetDefault(logger)

	e, err := openEngine(ctx, app.config, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(runCtx)
	if app.config.Vault.Watch {
		g.Go(func() error { return e.watcher(nil).Watch(gCtx) })
	}
	g.Go(func() error {
		return e.checkpointLoop(gCtx, app.config.Engine.CheckpointInterval)
	})

	logger.Info("MCP server starting on stdio")
	serveErr := mcpserver.New(e.svc, app.config.Assistant).ServeStdio()
	cancel()

	runErr := errors.Join(serveErr, g.Wait(), e.shutdown())
	if runErr != nil {
		return fmt.Errorf("mcp: %w", runErr)
	}
	return nil
}

// Check verifies the persisted and reconciled registry. With repair set, a
// failed check is followed by a rebuild and a second check.
func Check(ctx context.Context, out io.Writer, repair bool, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	if app.logOutput == nil {
		app.logOutput = os.Stderr
	}
	e, err := openEngine(ctx, app.config, newLogger(app))
	if err != nil {
		return err
	}

	checkErr := e.svc.Check(ctx)
	if checkErr != nil && repair {
		fmt.Fprintf(out, "inconsistent, rebuilding:\n%v\n", checkErr)
		if err := e.svc.Rebuild(ctx, false); err != nil {
			return errors.Join(fmt.Errorf("rebuild: %w", err), e.shutdown())
		}
		checkErr = e.svc.Check(ctx)
	}

	stats, _ := json.MarshalIndent(e.svc.Stats(ctx), "", "  ")
	fmt.Fprintf(out, "%s\n", stats)

	if err := e.shutdown(); err != nil {
		return err
	}
	if checkErr != nil {
		return fmt.Errorf("consistency check failed: %w", checkErr)
	}
	fmt.Fprintln(out, "ok")
	return nil
}

// Search runs one query against the vault and prints the ranked results.
func Search(ctx context.Context, out io.Writer, query, mode string, limit int, opts ...Option) error {
	m, err := search.ParseMode(mode)
	if err != nil {
		return err
	}
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	if app.logOutput == nil {
		app.logOutput = os.Stderr
	}
	e, err := openEngine(ctx, app.config, newLogger(app))
	if err != nil {
		return err
	}

	results, searchErr := e.svc.Search(ctx, query, search.Options{Mode: m, Limit: limit})
	for _, r := range results {
		fmt.Fprintf(out, "%.3f\t%s\t%s\n\t%s\n", r.Score, r.Note.ID, r.Note.Title, r.Explanation.Summary)
	}
	return errors.Join(searchErr, e.shutdown())
}
