// Package store is the on-device record store: a SQLite database holding
// entities, curations and the process-wide sync metadata.
//
// Only this package opens or queries the database. The sync engine and the
// catalog receive a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/curasync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
    entity_id     TEXT    PRIMARY KEY,
    type          TEXT    NOT NULL,
    name          TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    version       INTEGER NOT NULL CHECK (version >= 1),
    sync_state    TEXT    NOT NULL,
    remote_id     TEXT    NOT NULL DEFAULT '',
    push_attempts INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT    NOT NULL DEFAULT '',
    created_at    TEXT    NOT NULL DEFAULT '',
    updated_at    TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS curations (
    curation_id   TEXT    PRIMARY KEY,
    entity_id     TEXT    NOT NULL,
    curator_id    TEXT    NOT NULL,
    category      TEXT    NOT NULL DEFAULT '',
    notes         TEXT    NOT NULL DEFAULT '',
    is_deleted    INTEGER NOT NULL DEFAULT 0,
    version       INTEGER NOT NULL CHECK (version >= 1),
    sync_state    TEXT    NOT NULL,
    remote_id     TEXT    NOT NULL DEFAULT '',
    push_attempts INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT    NOT NULL DEFAULT '',
    created_at    TEXT    NOT NULL DEFAULT '',
    updated_at    TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_sync_state  ON entities  (sync_state);
CREATE INDEX IF NOT EXISTS idx_entities_remote_id   ON entities  (remote_id);
CREATE INDEX IF NOT EXISTS idx_curations_sync_state ON curations (sync_state);
CREATE INDEX IF NOT EXISTS idx_curations_remote_id  ON curations (remote_id);
CREATE INDEX IF NOT EXISTS idx_curations_entity_id  ON curations (entity_id);
`

// Settings keys for [model.SyncMetadata].
const (
	settingLastPullAt = "last_pull_at"
	settingLastPushAt = "last_push_at"
)

// Store is the SQLite-backed record store.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location under the XDG data
// directory, e.g. ~/.local/share/curasync/records.db.
func DefaultDBPath() (string, error) {
	path, err := xdg.DataFile(filepath.Join("curasync", "records.db"))
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	return path, nil
}

// Open opens (or creates) the SQLite database at path, applies the schema and
// enables WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record of the given kind with the given business key, or
// (nil, nil) if no such record exists.
func (s *Store) Get(ctx context.Context, kind model.Kind, key string) (model.Record, error) {
	switch kind {
	case model.KindEntity:
		row := s.db.QueryRowContext(ctx, selectEntity+` WHERE entity_id = ?`, key)
		e, err := scanEntity(row)
		if e == nil || err != nil {
			return nil, err
		}
		return e, nil
	case model.KindCuration:
		row := s.db.QueryRowContext(ctx, selectCuration+` WHERE curation_id = ?`, key)
		c, err := scanCuration(row)
		if c == nil || err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("get: unknown record kind %q", kind)
	}
}

// Put inserts the record or replaces the row with the same business key.
func (s *Store) Put(ctx context.Context, rec model.Record) error {
	m := rec.Meta()
	switch r := rec.(type) {
	case *model.Entity:
		const q = `
			INSERT INTO entities
			    (entity_id, type, name, status, version, sync_state, remote_id,
			     push_attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
			    type          = excluded.type,
			    name          = excluded.name,
			    status        = excluded.status,
			    version       = excluded.version,
			    sync_state    = excluded.sync_state,
			    remote_id     = excluded.remote_id,
			    push_attempts = excluded.push_attempts,
			    last_error    = excluded.last_error,
			    created_at    = excluded.created_at,
			    updated_at    = excluded.updated_at`
		_, err := s.db.ExecContext(ctx, q,
			r.EntityID, string(r.Type), r.Name, string(r.Status),
			m.Version, string(m.SyncState), m.RemoteID, m.PushAttempts, m.LastError,
			formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upserting entity %q: %w", r.EntityID, err)
		}
		return nil
	case *model.Curation:
		const q = `
			INSERT INTO curations
			    (curation_id, entity_id, curator_id, category, notes, is_deleted,
			     version, sync_state, remote_id, push_attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(curation_id) DO UPDATE SET
			    entity_id     = excluded.entity_id,
			    curator_id    = excluded.curator_id,
			    category      = excluded.category,
			    notes         = excluded.notes,
			    is_deleted    = excluded.is_deleted,
			    version       = excluded.version,
			    sync_state    = excluded.sync_state,
			    remote_id     = excluded.remote_id,
			    push_attempts = excluded.push_attempts,
			    last_error    = excluded.last_error,
			    created_at    = excluded.created_at,
			    updated_at    = excluded.updated_at`
		_, err := s.db.ExecContext(ctx, q,
			r.CurationID, r.EntityID, r.CuratorID, r.Category, r.Notes, r.IsDeleted,
			m.Version, string(m.SyncState), m.RemoteID, m.PushAttempts, m.LastError,
			formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upserting curation %q: %w", r.CurationID, err)
		}
		return nil
	default:
		return fmt.Errorf("put: unsupported record type %T", rec)
	}
}

// Delete physically removes a record. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, kind model.Kind, key string) error {
	table, keyCol, err := tableFor(kind)
	if err != nil {
		return err
	}
	q := `DELETE FROM ` + table + ` WHERE ` + keyCol + ` = ?`
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("deleting %s %q: %w", kind, key, err)
	}
	return nil
}

// Insert adds rec unless a row with the same business key exists. It reports
// whether the row was written.
func (s *Store) Insert(ctx context.Context, rec model.Record) (bool, error) {
	var (
		q    string
		args []any
	)
	m := rec.Meta()
	switch r := rec.(type) {
	case *model.Entity:
		q = `
			INSERT INTO entities
			    (entity_id, type, name, status, version, sync_state, remote_id,
			     push_attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO NOTHING`
		args = []any{r.EntityID, string(r.Type), r.Name, string(r.Status)}
	case *model.Curation:
		q = `
			INSERT INTO curations
			    (curation_id, entity_id, curator_id, category, notes, is_deleted,
			     version, sync_state, remote_id, push_attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(curation_id) DO NOTHING`
		args = []any{r.CurationID, r.EntityID, r.CuratorID, r.Category, r.Notes, r.IsDeleted}
	default:
		return false, fmt.Errorf("insert: unsupported record type %T", rec)
	}
	args = append(args, m.Version, string(m.SyncState), m.RemoteID, m.PushAttempts, m.LastError,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("inserting %s %q: %w", rec.Kind(), rec.Key(), err)
	}
	return affected(res)
}

// PutIf replaces the stored row with rec only while that row is still at the
// given version and sync state. It reports whether the row was written; false
// means someone else changed or removed it since it was read.
func (s *Store) PutIf(ctx context.Context, rec model.Record, version int64, state model.SyncState) (bool, error) {
	var (
		q    string
		args []any
	)
	m := rec.Meta()
	switch r := rec.(type) {
	case *model.Entity:
		q = `
			UPDATE entities SET
			    type = ?, name = ?, status = ?, version = ?, sync_state = ?, remote_id = ?,
			    push_attempts = ?, last_error = ?, created_at = ?, updated_at = ?
			WHERE entity_id = ? AND version = ? AND sync_state = ?`
		args = []any{string(r.Type), r.Name, string(r.Status)}
	case *model.Curation:
		q = `
			UPDATE curations SET
			    entity_id = ?, curator_id = ?, category = ?, notes = ?, is_deleted = ?,
			    version = ?, sync_state = ?, remote_id = ?,
			    push_attempts = ?, last_error = ?, created_at = ?, updated_at = ?
			WHERE curation_id = ? AND version = ? AND sync_state = ?`
		args = []any{r.EntityID, r.CuratorID, r.Category, r.Notes, r.IsDeleted}
	default:
		return false, fmt.Errorf("put: unsupported record type %T", rec)
	}
	args = append(args, m.Version, string(m.SyncState), m.RemoteID, m.PushAttempts, m.LastError,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		rec.Key(), version, string(state))

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("updating %s %q: %w", rec.Kind(), rec.Key(), err)
	}
	return affected(res)
}

// DeleteIf removes a row only while it is still at the given version and
// sync state. It reports whether a row was removed.
func (s *Store) DeleteIf(ctx context.Context, kind model.Kind, key string, version int64, state model.SyncState) (bool, error) {
	table, keyCol, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	q := `DELETE FROM ` + table + ` WHERE ` + keyCol + ` = ? AND version = ? AND sync_state = ?`
	res, err := s.db.ExecContext(ctx, q, key, version, string(state))
	if err != nil {
		return false, fmt.Errorf("deleting %s %q: %w", kind, key, err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n == 1, nil
}

// ListBySyncState returns every record of kind in the given state, oldest
// change first.
func (s *Store) ListBySyncState(ctx context.Context, kind model.Kind, state model.SyncState) ([]model.Record, error) {
	var q string
	switch kind {
	case model.KindEntity:
		q = selectEntity + ` WHERE sync_state = ? ORDER BY updated_at, entity_id`
	case model.KindCuration:
		q = selectCuration + ` WHERE sync_state = ? ORDER BY updated_at, curation_id`
	default:
		return nil, fmt.Errorf("list: unknown record kind %q", kind)
	}

	rows, err := s.db.QueryContext(ctx, q, string(state))
	if err != nil {
		return nil, fmt.Errorf("querying %s records in state %q: %w", kind, state, err)
	}
	defer func() { _ = rows.Close() }()

	var recs []model.Record
	for rows.Next() {
		var rec model.Record
		if kind == model.KindEntity {
			rec, err = scanEntity(rows)
		} else {
			rec, err = scanCuration(rows)
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountBySyncState returns the number of records of kind in the given state.
func (s *Store) CountBySyncState(ctx context.Context, kind model.Kind, state model.SyncState) (int, error) {
	table, _, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	q := `SELECT COUNT(*) FROM ` + table + ` WHERE sync_state = ?`
	if err := s.db.QueryRowContext(ctx, q, string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s records in state %q: %w", kind, state, err)
	}
	return n, nil
}

// FindLiveEntity reports whether a non-deleted entity with the given key
// exists. Used to validate curation references.
func (s *Store) FindLiveEntity(ctx context.Context, entityID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity_id = ? AND status != ?`,
		entityID, string(model.StatusDeleted)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("looking up entity %q: %w", entityID, err)
	}
	return n > 0, nil
}

// IsEmpty reports whether neither record table has rows. Used by the
// first-run bootstrap to detect a fresh install.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM entities) + (SELECT COUNT(*) FROM curations)`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking if store is empty: %w", err)
	}
	return count == 0, nil
}

// LoadMetadata reads the sync timestamps. Missing keys yield zero times.
func (s *Store) LoadMetadata(ctx context.Context) (model.SyncMetadata, error) {
	var meta model.SyncMetadata
	for key, dst := range map[string]*time.Time{
		settingLastPullAt: &meta.LastPullAt,
		settingLastPushAt: &meta.LastPushAt,
	} {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return model.SyncMetadata{}, fmt.Errorf("reading setting %q: %w", key, err)
		}
		t, err := parseTime(raw)
		if err != nil {
			return model.SyncMetadata{}, fmt.Errorf("parsing setting %q: %w", key, err)
		}
		*dst = t
	}
	return meta, nil
}

// SaveMetadata writes both sync timestamps in one transaction.
func (s *Store) SaveMetadata(ctx context.Context, meta model.SyncMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning metadata transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	for key, t := range map[string]time.Time{
		settingLastPullAt: meta.LastPullAt,
		settingLastPushAt: meta.LastPushAt,
	} {
		if _, err := tx.ExecContext(ctx, q, key, formatTime(t)); err != nil {
			return fmt.Errorf("writing setting %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing metadata: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

const selectEntity = `
	SELECT entity_id, type, name, status, version, sync_state, remote_id,
	       push_attempts, last_error, created_at, updated_at
	FROM entities`

const selectCuration = `
	SELECT curation_id, entity_id, curator_id, category, notes, is_deleted,
	       version, sync_state, remote_id, push_attempts, last_error, created_at, updated_at
	FROM curations`

func tableFor(kind model.Kind) (table, keyCol string, err error) {
	switch kind {
	case model.KindEntity:
		return "entities", "entity_id", nil
	case model.KindCuration:
		return "curations", "curation_id", nil
	default:
		return "", "", fmt.Errorf("unknown record kind %q", kind)
	}
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*model.Entity, error) {
	var e model.Entity
	var typ, status, state, created, updated string
	err := s.Scan(
		&e.EntityID, &typ, &e.Name, &status,
		&e.Version, &state, &e.RemoteID, &e.PushAttempts, &e.LastError,
		&created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entity row: %w", err)
	}
	e.Type = model.EntityType(typ)
	e.Status = model.EntityStatus(status)
	e.SyncState = model.SyncState(state)
	e.CreatedAt, _ = parseTime(created)
	e.UpdatedAt, _ = parseTime(updated)
	return &e, nil
}

func scanCuration(s scanner) (*model.Curation, error) {
	var c model.Curation
	var state, created, updated string
	err := s.Scan(
		&c.CurationID, &c.EntityID, &c.CuratorID, &c.Category, &c.Notes, &c.IsDeleted,
		&c.Version, &state, &c.RemoteID, &c.PushAttempts, &c.LastError,
		&created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning curation row: %w", err)
	}
	c.SyncState = model.SyncState(state)
	c.CreatedAt, _ = parseTime(created)
	c.UpdatedAt, _ = parseTime(updated)
	return &c, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
