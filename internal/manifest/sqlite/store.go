// Package sqlite implements a durable manifest store backed by SQLite, so a
// crash mid-run only repeats already-idempotent work.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped on schema changes; mismatched databases are
// rejected rather than migrated in place.
const schemaVersion = 2

// ErrSchemaMismatch indicates the database was created by a different
// zkarchive version.
var ErrSchemaMismatch = errors.New("manifest schema version mismatch")

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store persists the manifest in a single SQLite database file.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open initializes or connects to the manifest database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// RegisterUniverse merges ids. Idempotent: re-registering a known raw
// spelling is a no-op.
func (s *Store) RegisterUniverse(ctx context.Context, ids []ident.Identifier) error {
	const q = `
INSERT INTO universe (raw, order_key, fold_key, first_seen)
VALUES (?, ?, ?, ?)
ON CONFLICT (raw) DO NOTHING`
	for _, id := range ids {
		err := retryOnBusy(ctx, func() error {
			_, execErr := s.db.ExecContext(ctx, q, id.Format(), id.OrderKey(), id.FoldKey(), s.now().UTC().Unix())
			return execErr
		})
		if err != nil {
			return fmt.Errorf("register %q: %w", id.Format(), err)
		}
	}
	return nil
}

// RegisterDiscovered merges children found under parent, recording the parent
// edge so multi-parent children surface as duplicate occurrences. Re-recording
// an existing edge is a no-op.
func (s *Store) RegisterDiscovered(ctx context.Context, parent ident.Identifier, children []ident.Identifier) error {
	if err := s.RegisterUniverse(ctx, children); err != nil {
		return err
	}
	const q = `
INSERT INTO discovery_edges (child_raw, parent_raw)
VALUES (?, ?)
ON CONFLICT (child_raw, parent_raw) DO NOTHING`
	for _, child := range children {
		err := retryOnBusy(ctx, func() error {
			_, execErr := s.db.ExecContext(ctx, q, child.Format(), parent.Format())
			return execErr
		})
		if err != nil {
			return fmt.Errorf("record discovery %q under %q: %w", child.Format(), parent.Format(), err)
		}
	}
	return nil
}

func (s *Store) queryIdentifiers(ctx context.Context, query string, args ...any) ([]ident.Identifier, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query identifiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ident.Identifier
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		id, err := ident.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("stored identifier no longer parses: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identifiers: %w", err)
	}
	return out, nil
}

// Universe returns every known identifier in canonical order.
func (s *Store) Universe(ctx context.Context) ([]ident.Identifier, error) {
	return s.queryIdentifiers(ctx, "SELECT raw FROM universe ORDER BY order_key, raw")
}

// Pending returns universe minus successes minus permanent failures.
func (s *Store) Pending(ctx context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	const q = `
SELECT u.raw FROM universe u
LEFT JOIN stage_results r ON r.stage = ? AND r.raw = u.raw
WHERE r.raw IS NULL OR r.outcome = ?
ORDER BY u.order_key, u.raw`
	return s.queryIdentifiers(ctx, q, string(stage), string(archive.OutcomeTransient))
}

// Missing returns every identifier without a success, permanent failures
// included.
func (s *Store) Missing(ctx context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	const q = `
SELECT u.raw FROM universe u
LEFT JOIN stage_results r ON r.stage = ? AND r.raw = u.raw
WHERE r.raw IS NULL OR r.outcome <> ?
ORDER BY u.order_key, u.raw`
	return s.queryIdentifiers(ctx, q, string(stage), string(archive.OutcomeSuccess))
}

// Succeeded returns identifiers with a success record for the stage.
func (s *Store) Succeeded(ctx context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	const q = `
SELECT u.raw FROM universe u
JOIN stage_results r ON r.stage = ? AND r.raw = u.raw
WHERE r.outcome = ?
ORDER BY u.order_key, u.raw`
	return s.queryIdentifiers(ctx, q, string(stage), string(archive.OutcomeSuccess))
}

// RecordResult overwrites the pair's record, bumping the retry counter on
// failure outcomes.
func (s *Store) RecordResult(ctx context.Context, stage archive.StageID, id ident.Identifier, outcome archive.Outcome) error {
	bump := 0
	if outcome.Kind != archive.OutcomeSuccess {
		bump = 1
	}
	const q = `
INSERT INTO stage_results (stage, raw, outcome, artifact_ref, reason, retries, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (stage, raw) DO UPDATE SET
    outcome      = excluded.outcome,
    artifact_ref = excluded.artifact_ref,
    reason       = excluded.reason,
    retries      = stage_results.retries + ?,
    updated_at   = excluded.updated_at`
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, q,
			string(stage), id.Format(), string(outcome.Kind), outcome.ArtifactRef, outcome.Reason,
			bump, s.now().UTC().Unix(), bump)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("record result %s/%s: %w", stage, id.Format(), err)
	}
	return nil
}

// Result fetches the current record for the pair.
func (s *Store) Result(ctx context.Context, stage archive.StageID, id ident.Identifier) (archive.Record, bool, error) {
	const q = `
SELECT outcome, artifact_ref, reason, retries, updated_at
FROM stage_results WHERE stage = ? AND raw = ?`
	var (
		kind, ref, reason string
		retries           int
		updated           int64
	)
	err := s.db.QueryRowContext(ctx, q, string(stage), id.Format()).Scan(&kind, &ref, &reason, &retries, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Record{}, false, nil
	}
	if err != nil {
		return archive.Record{}, false, fmt.Errorf("query result %s/%s: %w", stage, id.Format(), err)
	}
	return archive.Record{
		ID:        id,
		Stage:     stage,
		Outcome:   archive.Outcome{Kind: archive.OutcomeKind(kind), ArtifactRef: ref, Reason: reason},
		Retries:   retries,
		UpdatedAt: time.Unix(updated, 0).UTC(),
	}, true, nil
}

// CompletionStats summarizes the stage against the universe.
func (s *Store) CompletionStats(ctx context.Context, stage archive.StageID) (archive.Stats, error) {
	const q = `
SELECT
    COUNT(u.raw),
    COALESCE(SUM(CASE WHEN r.outcome = 'success' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN r.outcome = 'transient' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN r.outcome = 'permanent' THEN 1 ELSE 0 END), 0)
FROM universe u
LEFT JOIN stage_results r ON r.stage = ? AND r.raw = u.raw`
	var stats archive.Stats
	err := s.db.QueryRowContext(ctx, q, string(stage)).Scan(&stats.Total, &stats.Done, &stats.Transient, &stats.Permanent)
	if err != nil {
		return archive.Stats{}, fmt.Errorf("completion stats %s: %w", stage, err)
	}
	stats.Missing = stats.Total - stats.Done
	return stats, nil
}

// Failures lists the current failure records for the stage in canonical
// identifier order.
func (s *Store) Failures(ctx context.Context, stage archive.StageID) ([]archive.Record, error) {
	const q = `
SELECT u.raw, r.outcome, r.artifact_ref, r.reason, r.retries, r.updated_at
FROM universe u
JOIN stage_results r ON r.stage = ? AND r.raw = u.raw
WHERE r.outcome <> ?
ORDER BY u.order_key, u.raw`
	rows, err := s.db.QueryContext(ctx, q, string(stage), string(archive.OutcomeSuccess))
	if err != nil {
		return nil, fmt.Errorf("query failures %s: %w", stage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []archive.Record
	for rows.Next() {
		var (
			raw, kind, ref, reason string
			retries                int
			updated                int64
		)
		if err := rows.Scan(&raw, &kind, &ref, &reason, &retries, &updated); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		id, err := ident.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("stored identifier no longer parses: %w", err)
		}
		out = append(out, archive.Record{
			ID:        id,
			Stage:     stage,
			Outcome:   archive.Outcome{Kind: archive.OutcomeKind(kind), ArtifactRef: ref, Reason: reason},
			Retries:   retries,
			UpdatedAt: time.Unix(updated, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

// Duplicates returns fold-key collision groups spanning distinct raw
// spellings.
func (s *Store) Duplicates(ctx context.Context) ([]archive.DuplicateGroup, error) {
	const q = `
SELECT fold_key, raw FROM universe
WHERE fold_key IN (SELECT fold_key FROM universe GROUP BY fold_key HAVING COUNT(1) > 1)
ORDER BY fold_key, raw`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query duplicates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []archive.DuplicateGroup
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan duplicate row: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].FoldKey == key {
			out[n-1].Raw = append(out[n-1].Raw, raw)
		} else {
			out = append(out, archive.DuplicateGroup{FoldKey: key, Raw: []string{raw}})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicates: %w", err)
	}
	return out, nil
}

// DuplicateOccurrences returns raw spellings discovered under more than one
// distinct parent, in canonical order.
func (s *Store) DuplicateOccurrences(ctx context.Context) ([]string, error) {
	const q = `
SELECT u.raw FROM universe u
JOIN (
    SELECT child_raw FROM discovery_edges GROUP BY child_raw HAVING COUNT(1) > 1
) d ON d.child_raw = u.raw
ORDER BY u.order_key, u.raw`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query duplicate occurrences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan raw: %w", err)
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate occurrences: %w", err)
	}
	return out, nil
}

var _ archive.ManifestStore = (*Store)(nil)
