package vault

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/synapse/internal/storage"
)

// Change kinds reported to an EventCallback.
const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// reconcileDelay debounces the pass that follows renames.
const reconcileDelay = 200 * time.Millisecond

// EventCallback is called after a watcher-driven registry change.
// kind is one of Created, Updated, Deleted.
type EventCallback func(kind string, id string)

// Watcher mirrors file changes under a vault root into a registry.
type Watcher struct {
	reg    Registry
	store  storage.Provider
	root   string
	logger *slog.Logger
	cb     EventCallback
}

// NewWatcher creates a watcher; cb may be nil.
func NewWatcher(reg Registry, store storage.Provider, root string, logger *slog.Logger, cb EventCallback) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Watcher{reg: reg, store: store, root: root, logger: logger, cb: cb}
}

// Watch processes file change events until ctx is cancelled.
//
// New directories created at runtime are added to the watch list. Rename
// events trigger a debounced reconciliation pass that removes notes whose
// files no longer exist and indexes files the registry has not seen.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addDirsRecursive(fw, w.root); err != nil {
		return err
	}

	w.logger.Info("watcher: started", slog.String("root", w.root))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(reconcileDelay)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(reconcileDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			w.logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			w.reconcile(ctx)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, ev, scheduleReconcile)

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event, scheduleReconcile func()) {
	absPath := ev.Name

	if ev.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
			if storage.IsHiddenPath(info.Name()) {
				return
			}
			if addErr := addDirsRecursive(fw, absPath); addErr != nil {
				w.logger.Warn("watcher: add new dir failed",
					slog.String("path", absPath),
					slog.String("error", addErr.Error()))
			} else {
				w.logger.Debug("watcher: watching new dir", slog.String("path", absPath))
			}
			w.indexDir(ctx, absPath)
			return
		}
	}

	if !strings.HasSuffix(absPath, ".md") {
		return
	}
	rel, relErr := filepath.Rel(w.root, absPath)
	if relErr != nil || storage.IsHiddenPath(rel) {
		return
	}
	id := NoteID(rel)

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.upsert(ctx, id, Updated)

	case ev.Op&fsnotify.Remove != 0:
		w.remove(ctx, id)

	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports the old path only; the new one arrives as a
		// Create when it stays inside a watched directory.
		w.remove(ctx, id)
		scheduleReconcile()
	}
}

func (w *Watcher) upsert(ctx context.Context, id, kind string) {
	var prev string
	if n, err := w.reg.Get(id); err == nil {
		prev = n.ContentHash
	} else {
		kind = Created
	}
	changed, err := indexFile(ctx, w.reg, w.store, id, prev)
	if err != nil {
		w.logger.Warn("watcher: index failed", slog.String("path", id), slog.String("error", err.Error()))
		return
	}
	if !changed {
		return
	}
	w.logger.Debug("watcher: indexed", slog.String("path", id), slog.String("op", kind))
	w.notify(kind, id)
}

func (w *Watcher) remove(ctx context.Context, id string) {
	removed, err := w.reg.Remove(ctx, id)
	if err != nil {
		w.logger.Warn("watcher: delete failed", slog.String("path", id), slog.String("error", err.Error()))
		return
	}
	if !removed {
		return
	}
	w.logger.Debug("watcher: deleted", slog.String("path", id))
	w.notify(Deleted, id)
}

// reconcile compares the registry against the files on disk.
func (w *Watcher) reconcile(ctx context.Context) {
	hashes := contentHashes(w.reg)

	metas, err := w.store.List("")
	if err != nil {
		w.logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}
	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[NoteID(m.Path)] = struct{}{}
	}

	for id := range hashes {
		if _, ok := disk[id]; !ok {
			w.remove(ctx, id)
		}
	}
	for id := range disk {
		w.upsert(ctx, id, Updated)
	}
}

// indexDir indexes any .md files found in a newly created directory.
func (w *Watcher) indexDir(ctx context.Context, dirPath string) {
	_ = filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr != nil {
			return nil
		}
		w.upsert(ctx, NoteID(rel), Created)
		return nil
	})
}

func (w *Watcher) notify(kind, id string) {
	if w.cb != nil {
		w.cb(kind, id)
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && storage.IsHiddenPath(d.Name()) {
				return filepath.SkipDir
			}
			return fw.Add(p)
		}
		return nil
	})
}
