package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/starford/synapse/internal/concepts"
	"github.com/starford/synapse/internal/embedding"
	"github.com/starford/synapse/internal/noteservice"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/search"
	"github.com/starford/synapse/internal/storage"
	"github.com/starford/synapse/internal/store"
	"github.com/starford/synapse/internal/vault"
)

// engine is the wired indexing core shared by every command.
type engine struct {
	cfg      *Config
	logger   *slog.Logger
	vault    *storage.FS
	db       *store.DB
	provider embedding.Provider
	reg      *registry.Registry
	search   *search.Coordinator
	svc      *noteservice.Service

	observers []registry.Observer
	dirty     atomic.Bool
}

func newLogger(app *application) *slog.Logger {
	out := app.logOutput
	if out == nil {
		out = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
}

func newApplication(opts []Option) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// openEngine loads the persisted registry, reconciles it with the vault and
// wires the search and note services. observers receive every registry event.
func openEngine(ctx context.Context, cfg *Config, logger *slog.Logger, observers ...registry.Observer) (*engine, error) {
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	fs, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	db, err := store.Open(cfg.SQLite.Path, store.WithLogger(logger))
	if err != nil {
		fs.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	provider, err := embedding.NewProvider(cfg.Embedding.ProviderConfig())
	if err != nil {
		db.Close()
		fs.Close()
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}

	e := &engine{
		cfg:       cfg,
		logger:    logger,
		vault:     fs,
		db:        db,
		provider:  provider,
		observers: observers,
	}
	e.reg = registry.New(
		concepts.New(concepts.Config(cfg.Concepts)),
		provider,
		cfg.RegistryConfig(),
		registry.WithLogger(logger),
		registry.WithObserver(e.observe),
	)

	if err := e.restore(ctx); err != nil {
		e.close()
		return nil, err
	}

	start := time.Now()
	rep, err := vault.Sync(ctx, e.reg, fs, logger)
	if err != nil {
		if ctx.Err() != nil {
			e.close()
			return nil, err
		}
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}
	logger.Info("Vault synchronized",
		slog.Int("upserted", rep.Upserted),
		slog.Int("removed", rep.Removed),
		slog.Int("unchanged", rep.Unchanged),
		slog.Int("failed", rep.Failed),
		slog.Duration("duration", time.Since(start)))

	e.search = search.New(e.reg, provider, cfg.Search, logger)
	e.svc = noteservice.NewService(fs, e.reg, e.search)
	return e, nil
}

// restore installs the last saved state. A state the registry rejects is
// discarded; the vault sync then re-indexes every note from scratch.
func (e *engine) restore(ctx context.Context) error {
	st, err := e.db.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if len(st.Notes) == 0 {
		return nil
	}
	if err := e.reg.Restore(ctx, st); err != nil {
		e.logger.Warn("saved state rejected, re-indexing vault", slog.String("error", err.Error()))
		return nil
	}
	e.logger.Info("State restored",
		slog.Int("notes", len(st.Notes)),
		slog.Int("links", len(st.Links)),
		slog.Bool("graph", st.Graph != nil))
	return nil
}

func (e *engine) observe(ev registry.Event) {
	e.dirty.Store(true)
	for _, o := range e.observers {
		o(ev)
	}
}

// checkpoint saves the registry when it changed since the last save, or
// always when force is set.
func (e *engine) checkpoint(ctx context.Context, force bool) error {
	if !e.dirty.Swap(false) && !force {
		return nil
	}
	start := time.Now()
	st := e.reg.State()
	if err := e.db.Save(ctx, st); err != nil {
		e.dirty.Store(true)
		return fmt.Errorf("save state: %w", err)
	}
	e.logger.Info("Checkpoint saved",
		slog.Int("notes", len(st.Notes)),
		slog.Int("links", len(st.Links)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// checkpointLoop saves every interval until ctx ends.
func (e *engine) checkpointLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.checkpoint(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown writes the final checkpoint and releases resources.
func (e *engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.checkpoint(ctx, false)
	e.close()
	return err
}

func (e *engine) close() {
	if err := e.provider.Close(); err != nil {
		e.logger.Warn("embedding provider close failed", slog.String("error", err.Error()))
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
	if err := e.vault.Close(); err != nil {
		e.logger.Warn("vault close failed", slog.String("error", err.Error()))
	}
}

func (e *engine) watcher(cb vault.EventCallback) *vault.Watcher {
	return vault.NewWatcher(e.reg, e.vault, e.cfg.Vault.Path, e.logger, cb)
}
