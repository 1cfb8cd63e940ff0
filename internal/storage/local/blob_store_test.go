package local

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	uri, err := s.PutObject(ctx, "records/A_1.json", "application/json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := s.GetObject(ctx, "records/A_1.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))
}

func TestBlobStore_ListReturnsRelativePaths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.PutObject(ctx, "records/A_1.json", "application/json", []byte("a"))
	require.NoError(t, err)
	_, err = s.PutObject(ctx, "records/A_2.json", "application/json", []byte("b"))
	require.NoError(t, err)
	_, err = s.PutObject(ctx, "documents/A_1.md", "text/markdown", []byte("c"))
	require.NoError(t, err)

	paths, err := s.List(ctx, "records/")
	require.NoError(t, err)
	require.Equal(t, []string{"records/A_1.json", "records/A_2.json"}, paths)
}

func TestBlobStore_RejectsPathTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "../escape.txt", "text/plain", []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "path traversal")
}

func TestBlobStore_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}
