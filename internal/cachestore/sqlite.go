package cachestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL REFERENCES generations(name) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     BLOB,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);
`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) an on-disk store, so generations survive restarts.
func NewSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cachestore: sqlite path required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cachestore: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cachestore: ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cachestore: sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Open(ctx context.Context, generation string) (Handle, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		generation, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("cachestore: sqlite open %s: %w", generation, err)
	}
	return &sqliteHandle{store: s, generation: generation}, nil
}

func (s *sqliteStore) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("cachestore: sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name); err != nil {
		return false, fmt.Errorf("cachestore: sqlite delete entries %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("cachestore: sqlite delete %s: %w", name, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cachestore: sqlite rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("cachestore: sqlite commit: %w", err)
	}
	return removed > 0, nil
}

func (s *sqliteStore) ListGenerations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("cachestore: sqlite list generations: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("cachestore: sqlite scan generation: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Close(context.Context) error {
	return s.db.Close()
}

type sqliteHandle struct {
	store      *sqliteStore
	generation string
}

func (h *sqliteHandle) Generation() string { return h.generation }

func (h *sqliteHandle) Match(ctx context.Context, key Key) (Entry, bool, error) {
	var (
		entry    Entry
		header   []byte
		storedAt int64
	)
	err := h.store.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM entries WHERE generation = ? AND key = ?",
		h.generation, key.String()).Scan(&entry.Status, &header, &entry.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cachestore: sqlite match: %w", err)
	}
	if len(header) > 0 {
		entry.Header = make(http.Header)
		if err := json.Unmarshal(header, &entry.Header); err != nil {
			return Entry{}, false, fmt.Errorf("cachestore: sqlite header decode: %w", err)
		}
	}
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	return entry, true, nil
}

func (h *sqliteHandle) Put(ctx context.Context, key Key, entry Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	entry = prepareEntry(entry)
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("cachestore: sqlite header encode: %w", err)
	}
	// The SELECT guard refuses writes once the generation row is gone.
	res, err := h.store.db.ExecContext(ctx, `
INSERT OR REPLACE INTO entries (generation, key, status, header, body, stored_at)
SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)`,
		h.generation, key.String(), entry.Status, header, entry.Body, entry.StoredAt.UnixMilli(), h.generation)
	if err != nil {
		return fmt.Errorf("cachestore: sqlite put: %w", err)
	}
	written, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cachestore: sqlite rows affected: %w", err)
	}
	if written == 0 {
		return ErrGenerationGone
	}
	return nil
}

func (h *sqliteHandle) Size(ctx context.Context) (int64, error) {
	var size int64
	err := h.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE generation = ?", h.generation).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("cachestore: sqlite count: %w", err)
	}
	return size, nil
}
