package headless

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	memblob "zkarchive/internal/storage/memory"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{BaseURL: "https://example.org/branchview", MaxParallel: -1})
	require.Error(t, err)

	f, err := New(Config{BaseURL: "https://example.org/branchview", MaxParallel: 2})
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, 2, cap(f.limiter))
}

type fakeSnapshotter struct {
	html []byte
	err  error
}

func (f fakeSnapshotter) Snapshot(context.Context, ident.Identifier) ([]byte, error) {
	return f.html, f.err
}

func TestStage_StoresSnapshotArtifact(t *testing.T) {
	t.Parallel()

	blobs := memblob.New()
	fn := NewStage(fakeSnapshotter{html: []byte("<html><body>tree</body></html>")}, blobs, "snapshots")

	ref, err := fn(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/ZK_1_NB_1.html", ref)

	data, err := blobs.GetObject(context.Background(), "snapshots/ZK_1_NB_1.html")
	require.NoError(t, err)
	require.Contains(t, string(data), "tree")
}

func TestStage_RenderFailurePropagatesClassification(t *testing.T) {
	t.Parallel()

	fn := NewStage(fakeSnapshotter{err: archive.Transient(errors.New("browser crashed"))},
		memblob.New(), "snapshots")
	_, err := fn(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.Error(t, err)
	require.True(t, archive.Retryable(err))
}

func TestNoop_EmitsIdentifier(t *testing.T) {
	t.Parallel()

	html, err := Noop{}.Snapshot(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.NoError(t, err)
	require.Contains(t, string(html), "ZK_1_NB_1")
}
