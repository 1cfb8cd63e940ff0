// Package postgres implements a manifest store backed by PostgreSQL for
// deployments where several archive hosts share one manifest.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists the manifest in Postgres.
type Store struct {
	pool pool
	now  func() time.Time
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("manifest.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, now: time.Now}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the manifest tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS universe (
    raw        TEXT PRIMARY KEY,
    order_key  BYTEA NOT NULL,
    fold_key   TEXT NOT NULL,
    first_seen TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS universe_order_key ON universe (order_key, raw);
CREATE INDEX IF NOT EXISTS universe_fold_key ON universe (fold_key);
CREATE TABLE IF NOT EXISTS discovery_edges (
    child_raw  TEXT NOT NULL,
    parent_raw TEXT NOT NULL,
    PRIMARY KEY (child_raw, parent_raw)
);
CREATE TABLE IF NOT EXISTS stage_results (
    stage        TEXT NOT NULL,
    raw          TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    artifact_ref TEXT NOT NULL DEFAULT '',
    reason       TEXT NOT NULL DEFAULT '',
    retries      INTEGER NOT NULL DEFAULT 0,
    updated_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (stage, raw)
)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure manifest schema: %w", err)
	}
	return nil
}

// RegisterUniverse merges ids. Idempotent: re-registering a known raw
// spelling is a no-op.
func (s *Store) RegisterUniverse(ctx context.Context, ids []ident.Identifier) error {
	const q = `
INSERT INTO universe (raw, order_key, fold_key, first_seen)
VALUES ($1, $2, $3, $4)
ON CONFLICT (raw) DO NOTHING`
	for _, id := range ids {
		if _, err := s.pool.Exec(ctx, q, id.Format(), id.OrderKey(), id.FoldKey(), s.now().UTC()); err != nil {
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
VALUES ($1, $2)
ON CONFLICT (child_raw, parent_raw) DO NOTHING`
	for _, child := range children {
		if _, err := s.pool.Exec(ctx, q, child.Format(), parent.Format()); err != nil {
			return fmt.Errorf("record discovery %q under %q: %w", child.Format(), parent.Format(), err)
		}
	}
	return nil
}

func (s *Store) queryIdentifiers(ctx context.Context, query string, args ...any) ([]ident.Identifier, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query identifiers: %w", err)
	}
	defer rows.Close()

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
LEFT JOIN stage_results r ON r.stage = $1 AND r.raw = u.raw
WHERE r.raw IS NULL OR r.outcome = $2
ORDER BY u.order_key, u.raw`
	return s.queryIdentifiers(ctx, q, string(stage), string(archive.OutcomeTransient))
}

// Missing returns every identifier without a success, permanent failures
// included.
func (s *Store) Missing(ctx context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	const q = `
SELECT u.raw FROM universe u
LEFT JOIN stage_results r ON r.stage = $1 AND r.raw = u.raw
WHERE r.raw IS NULL OR r.outcome <> $2
ORDER BY u.order_key, u.raw`
	return s.queryIdentifiers(ctx, q, string(stage), string(archive.OutcomeSuccess))
}

// Succeeded returns identifiers with a success record for the stage.
func (s *Store) Succeeded(ctx context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	const q = `
SELECT u.raw FROM universe u
JOIN stage_results r ON r.stage = $1 AND r.raw = u.raw
WHERE r.outcome = $2
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
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (stage, raw) DO UPDATE SET
    outcome      = EXCLUDED.outcome,
    artifact_ref = EXCLUDED.artifact_ref,
    reason       = EXCLUDED.reason,
    retries      = stage_results.retries + $6,
    updated_at   = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, q,
		string(stage), id.Format(), string(outcome.Kind), outcome.ArtifactRef, outcome.Reason,
		bump, s.now().UTC())
	if err != nil {
		return fmt.Errorf("record result %s/%s: %w", stage, id.Format(), err)
	}
	return nil
}

// Result fetches the current record for the pair.
func (s *Store) Result(ctx context.Context, stage archive.StageID, id ident.Identifier) (archive.Record, bool, error) {
	const q = `
SELECT outcome, artifact_ref, reason, retries, updated_at
FROM stage_results WHERE stage = $1 AND raw = $2`
	var (
		kind, ref, reason string
		retries           int
		updated           time.Time
	)
	err := s.pool.QueryRow(ctx, q, string(stage), id.Format()).Scan(&kind, &ref, &reason, &retries, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
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
		UpdatedAt: updated.UTC(),
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
LEFT JOIN stage_results r ON r.stage = $1 AND r.raw = u.raw`
	var stats archive.Stats
	err := s.pool.QueryRow(ctx, q, string(stage)).Scan(&stats.Total, &stats.Done, &stats.Transient, &stats.Permanent)
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
JOIN stage_results r ON r.stage = $1 AND r.raw = u.raw
WHERE r.outcome <> $2
ORDER BY u.order_key, u.raw`
	rows, err := s.pool.Query(ctx, q, string(stage), string(archive.OutcomeSuccess))
	if err != nil {
		return nil, fmt.Errorf("query failures %s: %w", stage, err)
	}
	defer rows.Close()

	var out []archive.Record
	for rows.Next() {
		var (
			raw, kind, ref, reason string
			retries                int
			updated                time.Time
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
			UpdatedAt: updated.UTC(),
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
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query duplicates: %w", err)
	}
	defer rows.Close()

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
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query duplicate occurrences: %w", err)
	}
	defer rows.Close()

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
