package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/synapse/internal/checksum"
	"github.com/starford/synapse/internal/models"
)

// tempPrefix marks in-flight writes; the leading dot keeps them out of List.
const tempPrefix = ".synapse-tmp-"

// ErrOutsideVault is returned for paths that do not name a vault entry.
var ErrOutsideVault = errors.New("path outside the vault")

// FS implements Provider on a vault directory. Every access goes through an
// os.Root, so neither ".." segments nor symlinks reach outside the vault.
type FS struct {
	root    *os.Root
	dir     string
	workers int
}

// NewFS opens the vault at dir, which must already exist.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open root: %w", err)
	}
	return &FS{root: root, dir: abs, workers: runtime.GOMAXPROCS(0)}, nil
}

// Close releases the vault directory handle.
func (f *FS) Close() error {
	return f.root.Close()
}

// Root returns the absolute vault directory.
func (f *FS) Root() string {
	return f.dir
}

// local turns a vault-relative path into a clean local one.
func local(p string) (string, error) {
	if p == "" {
		return ".", nil
	}
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("storage: %w: %s", ErrOutsideVault, p)
	}
	return filepath.Clean(p), nil
}

// List returns metadata for every Markdown file under dir. Hidden
// directories and anything that is not a regular file, symlinks included,
// are skipped. Files are hashed concurrently.
func (f *FS) List(dir string) ([]models.NoteMetadata, error) {
	base, err := local(dir)
	if err != nil {
		return nil, err
	}
	base = filepath.ToSlash(base)

	var names []string
	err = fs.WalkDir(f.root.FS(), base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if p != base && isHidden(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && path.Ext(p) == ".md" && !isHidden(d.Name()) {
			names = append(names, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}

	out := make([]models.NoteMetadata, len(names))
	var g errgroup.Group
	g.SetLimit(f.workers)
	for i, name := range names {
		g.Go(func() error {
			md, err := f.metadata(name)
			out[i] = md
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

// metadata hashes one file without loading it whole.
func (f *FS) metadata(name string) (models.NoteMetadata, error) {
	file, err := f.root.Open(filepath.FromSlash(name))
	if err != nil {
		return models.NoteMetadata{}, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return models.NoteMetadata{}, err
	}
	sum, err := checksum.Reader(file)
	if err != nil {
		return models.NoteMetadata{}, fmt.Errorf("hash %s: %w", name, err)
	}
	return models.NoteMetadata{
		Path:      name,
		Checksum:  sum,
		UpdatedAt: info.ModTime(),
	}, nil
}

// Read returns the raw bytes of a vault file.
func (f *FS) Read(p string) ([]byte, error) {
	name, err := local(p)
	if err != nil {
		return nil, err
	}
	data, err := f.root.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", p, err)
	}
	return data, nil
}

// Write replaces p atomically: the content goes to a synced temp file in the
// same directory, which is then renamed over p.
func (f *FS) Write(p string, content []byte) (err error) {
	name, err := local(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(name)
	if err := f.root.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	tmpName := filepath.Join(dir, tempPrefix+uuid.NewString())
	tmp, err := f.root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = f.root.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", p, err)
	}
	if err := f.root.Rename(tmpName, name); err != nil {
		return fmt.Errorf("storage: replace %s: %w", p, err)
	}
	return nil
}

// Delete removes a file from the vault.
func (f *FS) Delete(p string) error {
	name, err := local(p)
	if err != nil {
		return err
	}
	if err := f.root.Remove(name); err != nil {
		return fmt.Errorf("storage: delete %s: %w", p, err)
	}
	return nil
}

// Move renames a file within the vault, creating the target directory.
func (f *FS) Move(from, to string) error {
	src, err := local(from)
	if err != nil {
		return err
	}
	dst, err := local(to)
	if err != nil {
		return err
	}
	if err := f.root.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for move: %w", err)
	}
	if err := f.root.Rename(src, dst); err != nil {
		return fmt.Errorf("storage: move %s to %s: %w", from, to, err)
	}
	return nil
}

// isHidden reports dot-directories such as .git or .obsidian, which List
// never descends into.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// IsHiddenPath reports whether any segment of a vault-relative path is hidden.
func IsHiddenPath(rel string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg != "." && seg != ".." && isHidden(seg) {
			return true
		}
	}
	return false
}
