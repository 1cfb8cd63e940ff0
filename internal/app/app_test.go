package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"zkarchive/internal/archive"
	"zkarchive/internal/config"
	"zkarchive/internal/ident"
	manifestmemory "zkarchive/internal/manifest/memory"
	memorystorage "zkarchive/internal/storage/memory"
)

func testApp(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Manifest.Backend = "memory"
	cfg.Storage.Backend = "memory"
	cfg.Snapshot.Dir = t.TempDir()

	a := &App{
		Cfg:      cfg,
		Logger:   zap.NewNop(),
		Manifest: manifestmemory.New(),
		Blobs:    memorystorage.New(),
	}
	require.NoError(t, a.buildPipeline())
	return a
}

func TestSeedUniverse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testApp(t)

	require.NoError(t, a.SeedUniverse(ctx))
	universe, err := a.Manifest.Universe(ctx)
	require.NoError(t, err)
	require.Len(t, universe, 1)
	require.Equal(t, "ZK_1_NB_1", universe[0].Format())

	// Seeding a non-empty universe is a no-op.
	require.NoError(t, a.SeedUniverse(ctx))
	universe, err = a.Manifest.Universe(ctx)
	require.NoError(t, err)
	require.Len(t, universe, 1)
}

func TestRebuild_RestoresFromArtifacts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testApp(t)

	_, err := a.Blobs.PutObject(ctx, "records/ZK_1_NB_1.json", "application/json", []byte("{}"))
	require.NoError(t, err)
	_, err = a.Blobs.PutObject(ctx, "records/ZK_1_NB_2.json", "application/json", []byte("{}"))
	require.NoError(t, err)
	_, err = a.Blobs.PutObject(ctx, "documents/ZK_1_NB_1.md", "text/markdown", []byte("x"))
	require.NoError(t, err)
	_, err = a.Blobs.PutObject(ctx, "records/not-an-id!.json", "application/json", []byte("{}"))
	require.NoError(t, err)

	require.NoError(t, a.Rebuild(ctx))

	universe, err := a.Manifest.Universe(ctx)
	require.NoError(t, err)
	require.Len(t, universe, 2, "malformed artifact names are skipped")

	succeeded, err := a.Manifest.Succeeded(ctx, archive.StageRecord)
	require.NoError(t, err)
	require.Len(t, succeeded, 2)

	rec, ok, err := a.Manifest.Result(ctx, archive.StageDocument, ident.MustParse("ZK_1_NB_1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.OutcomeSuccess, rec.Outcome.Kind)
	require.Equal(t, "documents/ZK_1_NB_1.md", rec.Outcome.ArtifactRef)

	// No spurious duplicate occurrences from restoring multiple stages of
	// the same identifier.
	occ, err := a.Manifest.DuplicateOccurrences(ctx)
	require.NoError(t, err)
	require.Empty(t, occ)
}

func TestImportUniverse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := testApp(t)

	path := t.TempDir() + "/universe.txt"
	require.NoError(t, os.WriteFile(path, []byte("ZK_1_NB_1\nZK_1_NB_2\nbad id!\n"), 0o644))
	require.NoError(t, a.ImportUniverse(ctx, path))

	universe, err := a.Manifest.Universe(ctx)
	require.NoError(t, err)
	require.Len(t, universe, 2)

	perrs, err := os.ReadFile(a.Cfg.Snapshot.Dir + "/parse_errors.txt")
	require.NoError(t, err)
	require.Contains(t, string(perrs), "bad id!")

	// Re-importing the same listing changes nothing and flags nothing.
	require.NoError(t, a.ImportUniverse(ctx, path))
	universe, err = a.Manifest.Universe(ctx)
	require.NoError(t, err)
	require.Len(t, universe, 2)
	occ, err := a.Manifest.DuplicateOccurrences(ctx)
	require.NoError(t, err)
	require.Empty(t, occ)
}
