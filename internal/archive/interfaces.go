package archive

import (
	"context"
	"time"

	"zkarchive/internal/ident"
)

// ManifestStore is the single source of truth for what remains to be done.
// Implementations must be safe for concurrent use by the stage runner's
// worker pool; each (stage, identifier) record is independently updatable.
type ManifestStore interface {
	// RegisterUniverse merges identifiers into the universe. Idempotent:
	// re-registering a known raw spelling is a no-op, so re-importing a
	// listing never distorts anomaly reporting.
	RegisterUniverse(ctx context.Context, ids []ident.Identifier) error

	// RegisterDiscovered merges children found under parent, recording the
	// parent edge. A child seen under more than one distinct parent becomes
	// a duplicate occurrence; rediscovery under the same parent is a no-op,
	// so a retried stage invocation never inflates the anomaly list.
	RegisterDiscovered(ctx context.Context, parent ident.Identifier, children []ident.Identifier) error

	// Universe returns every known identifier in canonical order.
	Universe(ctx context.Context) ([]ident.Identifier, error)

	// Pending returns the identifiers still eligible for automatic work on
	// the stage: the universe minus successes minus permanent failures, in
	// canonical order.
	Pending(ctx context.Context, stage StageID) ([]ident.Identifier, error)

	// Missing returns every identifier without a success for the stage,
	// permanent failures included. Used by listings and reports.
	Missing(ctx context.Context, stage StageID) ([]ident.Identifier, error)

	// Succeeded returns the identifiers with a success record for the stage
	// in canonical order.
	Succeeded(ctx context.Context, stage StageID) ([]ident.Identifier, error)

	// RecordResult overwrites the current record for the pair. Failure
	// outcomes increment the retry count; success preserves it.
	RecordResult(ctx context.Context, stage StageID, id ident.Identifier, outcome Outcome) error

	// Result fetches the current record for the pair, reporting presence.
	Result(ctx context.Context, stage StageID, id ident.Identifier) (Record, bool, error)

	// CompletionStats summarizes the stage for progress reporting.
	CompletionStats(ctx context.Context, stage StageID) (Stats, error)

	// Failures lists the current failure records for the stage in canonical
	// identifier order.
	Failures(ctx context.Context, stage StageID) ([]Record, error)

	// Duplicates returns fold-key collision groups spanning distinct raw
	// spellings.
	Duplicates(ctx context.Context) ([]DuplicateGroup, error)

	// DuplicateOccurrences returns raw spellings discovered under more than
	// one distinct parent, in canonical order.
	DuplicateOccurrences(ctx context.Context) ([]string, error)
}

// StageFunc performs one stage's work for a single identifier and returns the
// artifact reference. Implementations must be safely re-invokable for the
// same identifier; errors are classified via Transient/Permanent wrappers and
// unclassified errors are treated as transient.
type StageFunc func(ctx context.Context, id ident.Identifier) (string, error)

// BlobStore stores one artifact per identifier under a stable key and
// overwrites on re-processing.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	// List returns the object paths under the prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Publisher pushes reconciliation pass events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for artifact integrity reporting.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
