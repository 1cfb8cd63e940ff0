package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func register(t *testing.T, s *Store, raws ...string) {
	t.Helper()
	ids := make([]ident.Identifier, 0, len(raws))
	for _, raw := range raws {
		ids = append(ids, ident.MustParse(raw))
	}
	require.NoError(t, s.RegisterUniverse(context.Background(), ids))
}

func raws(ids []ident.Identifier) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Format()
	}
	return out
}

func TestStore_ReopenKeepsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RegisterUniverse(ctx, []ident.Identifier{ident.MustParse("A_1"), ident.MustParse("A_2")}))
	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, ident.MustParse("A_1"), archive.Success("blob://A_1")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	pending, err := s.Pending(ctx, archive.StageRecord)
	require.NoError(t, err)
	require.Equal(t, []string{"A_2"}, raws(pending))

	rec, ok, err := s.Result(ctx, archive.StageRecord, ident.MustParse("A_1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "blob://A_1", rec.Outcome.ArtifactRef)
}

func TestStore_CanonicalOrdering(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	register(t, s, "A_10", "A_1-1", "A_2", "A_1")

	universe, err := s.Universe(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A_1", "A_1-1", "A_2", "A_10"}, raws(universe))
}

func TestStore_RetryAccounting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	register(t, s, "A_2")
	id := ident.MustParse("A_2")

	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, id, archive.TransientOutcome("502")))
	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, id, archive.TransientOutcome("503")))
	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, id, archive.Success("blob://A_2")))

	rec, ok, err := s.Result(ctx, archive.StageRecord, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.OutcomeSuccess, rec.Outcome.Kind)
	require.Equal(t, 2, rec.Retries)
}

func TestStore_PendingAndStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	register(t, s, "A_1", "A_2", "A_10")

	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, ident.MustParse("A_1"), archive.Success("blob://A_1")))
	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, ident.MustParse("A_10"), archive.PermanentOutcome("404")))

	pending, err := s.Pending(ctx, archive.StageRecord)
	require.NoError(t, err)
	require.Equal(t, []string{"A_2"}, raws(pending))

	missing, err := s.Missing(ctx, archive.StageRecord)
	require.NoError(t, err)
	require.Equal(t, []string{"A_2", "A_10"}, raws(missing))

	stats, err := s.CompletionStats(ctx, archive.StageRecord)
	require.NoError(t, err)
	require.Equal(t, archive.Stats{Total: 3, Done: 1, Missing: 2, Permanent: 1}, stats)

	failures, err := s.Failures(ctx, archive.StageRecord)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "A_10", failures[0].ID.Format())
}

func TestStore_DuplicateTracking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)
	register(t, s, "a_1", "A_1", "A_2")

	dupes, err := s.Duplicates(ctx)
	require.NoError(t, err)
	require.Len(t, dupes, 1)
	require.Equal(t, []string{"A_1", "a_1"}, dupes[0].Raw)

	// A_1-1 under two distinct parents is an occurrence anomaly; repeating
	// the discovery under the same parent is not.
	child := []ident.Identifier{ident.MustParse("A_1-1")}
	require.NoError(t, s.RegisterDiscovered(ctx, ident.MustParse("A_1"), child))
	require.NoError(t, s.RegisterDiscovered(ctx, ident.MustParse("A_1"), child))

	occ, err := s.DuplicateOccurrences(ctx)
	require.NoError(t, err)
	require.Empty(t, occ)

	require.NoError(t, s.RegisterDiscovered(ctx, ident.MustParse("A_2"), child))

	occ, err = s.DuplicateOccurrences(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A_1-1"}, occ)
}
