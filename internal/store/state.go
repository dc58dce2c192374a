package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/starford/synapse/internal/models"
	"github.com/starford/synapse/internal/registry"
	"github.com/starford/synapse/internal/vectorindex"
)

const graphBlob = "vector_graph"

// Save replaces the persisted corpus with st in one transaction.
func (db *DB) Save(ctx context.Context, st registry.State) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	for _, table := range []string{"notes", "links", "overrides"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("store: clear %s: %w", table, err)
		}
	}
	if err := saveNotes(ctx, tx, st.Notes); err != nil {
		return err
	}
	if err := saveLinks(ctx, tx, st.Links); err != nil {
		return err
	}
	if err := saveOverrides(ctx, tx, st.Overrides); err != nil {
		return err
	}

	if st.Graph == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE name = ?`, graphBlob); err != nil {
			return fmt.Errorf("store: clear graph: %w", err)
		}
	} else {
		data, err := encodeGraph(*st.Graph)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (name, data) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET data = excluded.data
		`, graphBlob, data); err != nil {
			return fmt.Errorf("store: save graph: %w", err)
		}
	}

	meta := map[string]string{
		"graph_version": strconv.Itoa(vectorindex.SnapshotVersion),
		"saved_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, k, v); err != nil {
			return fmt.Errorf("store: save meta %s: %w", k, err)
		}
	}

	return tx.Commit()
}

func saveNotes(ctx context.Context, tx *sql.Tx, notes []models.Note) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notes (id, seq, title, body, text, concepts, embedding, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare note insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range notes {
		concepts := n.Concepts
		if concepts == nil {
			concepts = []string{}
		}
		conceptsJSON, _ := json.Marshal(concepts)
		vec, err := encodeVector(n.Embedding)
		if err != nil {
			return fmt.Errorf("store: encode embedding %s: %w", n.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, n.ID, n.Seq, n.Title, n.Body, n.Text, string(conceptsJSON), vec, n.ContentHash, n.UpdatedAt); err != nil {
			return fmt.Errorf("store: insert note %s: %w", n.ID, err)
		}
	}
	return nil
}

func saveLinks(ctx context.Context, tx *sql.Tx, links []models.Link) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO links (source, target, reason, score, cosine, overlap) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare link insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range links {
		if _, err := stmt.ExecContext(ctx, l.Source, l.Target, string(l.Reason), l.Score, l.Cosine, l.Overlap); err != nil {
			return fmt.Errorf("store: insert link %s -> %s: %w", l.Source, l.Target, err)
		}
	}
	return nil
}

func saveOverrides(ctx context.Context, tx *sql.Tx, overrides []models.Override) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO overrides (source, target, content_hash, source_vector, target_vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare override insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range overrides {
		sv, err := encodeVector(o.SourceVector)
		if err != nil {
			return fmt.Errorf("store: encode override vector: %w", err)
		}
		tv, err := encodeVector(o.TargetVector)
		if err != nil {
			return fmt.Errorf("store: encode override vector: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, o.Source, o.Target, o.ContentHash, sv, tv, o.CreatedAt); err != nil {
			return fmt.Errorf("store: insert override %s -> %s: %w", o.Source, o.Target, err)
		}
	}
	return nil
}

// Load reads the persisted corpus. A missing, unreadable or outdated graph
// blob is reported as a nil Graph so the registry rebuilds it.
func (db *DB) Load(ctx context.Context) (registry.State, error) {
	var st registry.State
	var err error
	if st.Notes, err = db.loadNotes(ctx); err != nil {
		return registry.State{}, err
	}
	if st.Links, err = db.loadLinks(ctx); err != nil {
		return registry.State{}, err
	}
	if st.Overrides, err = db.loadOverrides(ctx); err != nil {
		return registry.State{}, err
	}
	st.Graph = db.loadGraph(ctx)
	return st, nil
}

func (db *DB) loadNotes(ctx context.Context) ([]models.Note, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, seq, title, body, text, concepts, embedding, content_hash, updated_at
		FROM notes ORDER BY seq, id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load notes: %w", err)
	}
	defer rows.Close()

	var out []models.Note
	for rows.Next() {
		var (
			n            models.Note
			conceptsJSON string
			vec          []byte
		)
		if err := rows.Scan(&n.ID, &n.Seq, &n.Title, &n.Body, &n.Text, &conceptsJSON, &vec, &n.ContentHash, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan note: %w", err)
		}
		if err := json.Unmarshal([]byte(conceptsJSON), &n.Concepts); err != nil {
			return nil, fmt.Errorf("store: decode concepts %s: %w", n.ID, err)
		}
		if n.Embedding, err = decodeVector(vec); err != nil {
			return nil, fmt.Errorf("store: decode embedding %s: %w", n.ID, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (db *DB) loadLinks(ctx context.Context) ([]models.Link, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT source, target, reason, score, cosine, overlap FROM links ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("store: load links: %w", err)
	}
	defer rows.Close()

	var out []models.Link
	for rows.Next() {
		var l models.Link
		var reason string
		if err := rows.Scan(&l.Source, &l.Target, &reason, &l.Score, &l.Cosine, &l.Overlap); err != nil {
			return nil, fmt.Errorf("store: scan link: %w", err)
		}
		l.Reason = models.Reason(reason)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (db *DB) loadOverrides(ctx context.Context) ([]models.Override, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT source, target, content_hash, source_vector, target_vector, created_at FROM overrides ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load overrides: %w", err)
	}
	defer rows.Close()

	var out []models.Override
	for rows.Next() {
		var o models.Override
		var sv, tv []byte
		if err := rows.Scan(&o.Source, &o.Target, &o.ContentHash, &sv, &tv, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan override: %w", err)
		}
		if o.SourceVector, err = decodeVector(sv); err != nil {
			return nil, fmt.Errorf("store: decode override vector: %w", err)
		}
		if o.TargetVector, err = decodeVector(tv); err != nil {
			return nil, fmt.Errorf("store: decode override vector: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *DB) loadGraph(ctx context.Context) *vectorindex.Snapshot {
	var version string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'graph_version'`).Scan(&version)
	if err != nil {
		return nil
	}
	if version != strconv.Itoa(vectorindex.SnapshotVersion) {
		db.logger.Info("store: graph format changed, will rebuild", slog.String("stored", version))
		return nil
	}

	var data []byte
	err = db.conn.QueryRowContext(ctx, `SELECT data FROM blobs WHERE name = ?`, graphBlob).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		db.logger.Warn("store: read graph failed", slog.String("error", err.Error()))
		return nil
	}
	s, err := decodeGraph(data)
	if err != nil {
		db.logger.Warn("store: discarding graph", slog.String("error", err.Error()))
		return nil
	}
	return &s
}

// SavedAt returns the time of the last Save, zero if never saved.
func (db *DB) SavedAt(ctx context.Context) (time.Time, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: saved at: %w", err)
	}
	return time.Parse(time.RFC3339Nano, v)
}
