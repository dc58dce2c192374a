// Package vault keeps the registry in step with a directory of Markdown
// files. Note ids are vault-relative, slash-separated paths.
package vault

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/starford/synapse/internal/checksum"
	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/parser"
	"github.com/starford/synapse/internal/storage"
)

// Registry is the subset of registry.Registry the vault drives.
type Registry interface {
	Upsert(ctx context.Context, id, title, body string) (models.Note, error)
	Remove(ctx context.Context, id string) (bool, error)
	Get(id string) (models.Note, error)
	List() []models.Note
}

// Report counts what a sync changed.
type Report struct {
	Upserted  int
	Removed   int
	Unchanged int
	Failed    int
}

// Sync walks the vault and brings the registry up to date:
//   - new/changed files are parsed and upserted
//   - notes whose files are gone are removed
//
// Per-file failures are logged and counted; only a failed listing or a
// cancelled context aborts the pass.
func Sync(ctx context.Context, reg Registry, store storage.Provider, logger *slog.Logger) (Report, error) {
	var rep Report
	metas, err := store.List("")
	if err != nil {
		return rep, err
	}

	hashes := contentHashes(reg)
	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		id := NoteID(m.Path)
		disk[id] = struct{}{}

		changed, err := indexFile(ctx, reg, store, id, hashes[id])
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed++
			logger.Warn("sync: index failed", slog.String("path", id), slog.String("error", err.Error()))
			continue
		}
		if !changed {
			rep.Unchanged++
			continue
		}
		rep.Upserted++
		logger.Debug("sync: indexed", slog.String("path", id))
	}

	// Remove stale entries.
	for id := range hashes {
		if _, ok := disk[id]; ok {
			continue
		}
		if _, err := reg.Remove(ctx, id); err != nil {
			rep.Failed++
			logger.Warn("sync: delete failed", slog.String("path", id), slog.String("error", err.Error()))
			continue
		}
		rep.Removed++
		logger.Debug("sync: removed stale", slog.String("path", id))
	}

	return rep, nil
}

// Decode turns raw file content into the title and body the registry
// stores. The body is the file verbatim; the title comes from frontmatter
// or the first H1, else the file name without extension.
func Decode(id string, data []byte) (title, body string, err error) {
	res, err := parser.Parse(data)
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(res.Title)
	if title == "" {
		title = strings.TrimSuffix(path.Base(id), path.Ext(id))
	}
	return title, string(data), nil
}

// NoteID converts a vault-relative file path to a note id.
func NoteID(rel string) string {
	return filepath.ToSlash(filepath.Clean(rel))
}

func contentHashes(reg Registry) map[string]string {
	notes := reg.List()
	out := make(map[string]string, len(notes))
	for _, n := range notes {
		out[n.ID] = n.ContentHash
	}
	return out
}

// indexFile reads and upserts one file, reporting whether anything changed.
// prev is the content hash the registry holds for id, empty when unknown.
func indexFile(ctx context.Context, reg Registry, store storage.Provider, id, prev string) (bool, error) {
	data, err := store.Read(filepath.FromSlash(id))
	if err != nil {
		return false, err
	}
	title, body, err := Decode(id, data)
	if err != nil {
		return false, err
	}
	if prev != "" && prev == checksum.Parts(title, body) {
		return false, nil
	}
	if _, err := reg.Upsert(ctx, id, title, body); err != nil {
		return false, err
	}
	return true, nil
}
