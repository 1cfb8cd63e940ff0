package extract

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	"zkarchive/internal/manifest/memory"
	memblob "zkarchive/internal/storage/memory"
)

const snapshotHTML = `<html><body>
<ul>
  <li><a href="#ZK_1_NB_1-1">1-1</a></li>
  <li><a href="#ZK_1_NB_1-2">1-2</a></li>
  <li><a href="#not a valid id">broken</a></li>
  <li><a href="https://example.org/zettel/ZK_1_NB_1-3">1-3</a></li>
</ul>
<p><a href="#ZK_9_9">outside a list item, ignored</a></p>
</body></html>`

func TestLinks(t *testing.T) {
	t.Parallel()

	res, err := Links([]byte(snapshotHTML))
	require.NoError(t, err)

	got := make([]string, len(res.IDs))
	for i, id := range res.IDs {
		got[i] = id.Format()
	}
	require.Equal(t, []string{"ZK_1_NB_1-1", "ZK_1_NB_1-2", "ZK_1_NB_1-3"}, got)

	require.Len(t, res.Bad, 1)
	require.Equal(t, "not a valid id", res.Bad[0].Raw)
}

func TestStage_MergesExtractedIdentifiers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manifest := memory.New()
	blobs := memblob.New()
	parent := ident.MustParse("ZK_1_NB_1")
	require.NoError(t, manifest.RegisterUniverse(ctx, []ident.Identifier{parent}))

	_, err := blobs.PutObject(ctx, "snapshots/ZK_1_NB_1.html", "text/html", []byte(snapshotHTML))
	require.NoError(t, err)

	fn := NewStage(blobs, manifest, "snapshots", "links", nil)
	ref, err := fn(ctx, parent)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	universe, err := manifest.Universe(ctx)
	require.NoError(t, err)
	raws := make([]string, len(universe))
	for i, id := range universe {
		raws[i] = id.Format()
	}
	require.Equal(t, []string{"ZK_1_NB_1", "ZK_1_NB_1-1", "ZK_1_NB_1-2", "ZK_1_NB_1-3"}, raws)

	listing, err := blobs.GetObject(ctx, "links/ZK_1_NB_1.txt")
	require.NoError(t, err)
	require.Equal(t, "ZK_1_NB_1-1\nZK_1_NB_1-2\nZK_1_NB_1-3\n", string(listing))
}

// flakyBlobStore fails the first n PutObject calls, then delegates.
type flakyBlobStore struct {
	archive.BlobStore
	mu    sync.Mutex
	fails int
}

func (f *flakyBlobStore) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return "", errors.New("write unavailable")
	}
	return f.BlobStore.PutObject(ctx, path, contentType, data)
}

func TestStage_RetriedInvocationDoesNotFlagOccurrences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manifest := memory.New()
	blobs := &flakyBlobStore{BlobStore: memblob.New(), fails: 1}
	parent := ident.MustParse("ZK_1_NB_1")
	require.NoError(t, manifest.RegisterUniverse(ctx, []ident.Identifier{parent}))

	_, err := blobs.BlobStore.PutObject(ctx, "snapshots/ZK_1_NB_1.html", "text/html", []byte(snapshotHTML))
	require.NoError(t, err)

	// First invocation registers the children, then fails storing the
	// listing; the retry must not turn single-parent children into
	// duplicate occurrences.
	fn := NewStage(blobs, manifest, "snapshots", "links", nil)
	_, err = fn(ctx, parent)
	require.Error(t, err)
	require.True(t, archive.Retryable(err))

	ref, err := fn(ctx, parent)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	occ, err := manifest.DuplicateOccurrences(ctx)
	require.NoError(t, err)
	require.Empty(t, occ)
}

func TestStage_MissingSnapshotIsTransient(t *testing.T) {
	t.Parallel()

	fn := NewStage(memblob.New(), memory.New(), "snapshots", "links", nil)
	_, err := fn(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.Error(t, err)
	require.False(t, archive.IsPermanent(err))
	require.True(t, archive.Retryable(err))
}
