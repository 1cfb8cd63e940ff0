package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	memblob "zkarchive/internal/storage/memory"
)

func newFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	f, err := New(Config{BaseURL: baseURL, UserAgent: "zkarchive-test", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return f
}

func TestFetcher_FetchRecord(t *testing.T) {
	t.Parallel()

	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcription":{"readyForPublication":true,"html":"<p>x</p>"}}`))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL+"/ZK/zettel")
	body, err := f.FetchRecord(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.NoError(t, err)
	require.Contains(t, string(body), "readyForPublication")
	require.Equal(t, "/ZK/zettel/ZK_1_NB_1", gotPath.Load())
}

func TestFetcher_NotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchRecord(context.Background(), ident.MustParse("ZK_9_9"))
	require.Error(t, err)
	require.True(t, archive.IsPermanent(err))
}

func TestFetcher_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchRecord(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.Error(t, err)
	require.False(t, archive.IsPermanent(err))
	require.True(t, archive.Retryable(err))
}

func TestFetcher_TooManyRequestsIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchRecord(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.Error(t, err)
	require.True(t, archive.Retryable(err))
}

func TestStage_StoresRecordArtifact(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ZK_1_NB_1"}`))
	}))
	defer srv.Close()

	blobs := memblob.New()
	fn := NewStage(newFetcher(t, srv.URL), blobs, "records")

	ref, err := fn(context.Background(), ident.MustParse("ZK_1_NB_1"))
	require.NoError(t, err)
	require.Equal(t, "memory://records/ZK_1_NB_1.json", ref)

	data, err := blobs.GetObject(context.Background(), "records/ZK_1_NB_1.json")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"ZK_1_NB_1"}`, string(data))
}
