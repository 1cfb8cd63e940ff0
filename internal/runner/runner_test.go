package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	"zkarchive/internal/manifest/memory"
)

func newTestRunner(t *testing.T, store archive.ManifestStore, cfg Config) *Runner {
	t.Helper()
	r := New(store, NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond), nil, nil, cfg)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func seed(t *testing.T, store archive.ManifestStore, raws ...string) []ident.Identifier {
	t.Helper()
	ids := make([]ident.Identifier, 0, len(raws))
	for _, raw := range raws {
		ids = append(ids, ident.MustParse(raw))
	}
	require.NoError(t, store.RegisterUniverse(context.Background(), ids))
	return ids
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ids := seed(t, store, "A_1", "A_2", "A_3", "A_4", "A_5", "A_6", "A_7", "A_8")

	var inFlight, peak int64
	fn := func(ctx context.Context, id ident.Identifier) (string, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return "blob://" + id.Format(), nil
	}

	r := newTestRunner(t, store, Config{Workers: 3})
	summary, err := r.Run(context.Background(), archive.StageRecord, ids, fn)
	require.NoError(t, err)
	require.Equal(t, 8, summary.Succeeded)
	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}

func TestRunner_OneOutcomePerIdentifier(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ids := seed(t, store, "A_1", "A_2", "A_3")

	var mu sync.Mutex
	calls := map[string]int{}
	fn := func(ctx context.Context, id ident.Identifier) (string, error) {
		mu.Lock()
		calls[id.Format()]++
		mu.Unlock()
		if id.Format() == "A_2" {
			return "", errors.New("flaky upstream")
		}
		return "blob://" + id.Format(), nil
	}

	r := newTestRunner(t, store, Config{Workers: 2})
	summary, err := r.Run(context.Background(), archive.StageRecord, ids, fn)
	require.NoError(t, err)
	require.Equal(t, Summary{Attempted: 3, Succeeded: 2, Transient: 1}, summary)

	// A_2 retried in-pass but still produced a single manifest record.
	require.Equal(t, 3, calls["A_2"])
	rec, ok, err := store.Result(context.Background(), archive.StageRecord, ident.MustParse("A_2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.OutcomeTransient, rec.Outcome.Kind)
	require.Equal(t, 1, rec.Retries, "one pass records one failure regardless of in-pass attempts")
}

func TestRunner_PermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ids := seed(t, store, "A_10")

	var calls int64
	fn := func(ctx context.Context, id ident.Identifier) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "", archive.Permanent(errors.New("record withdrawn"))
	}

	r := newTestRunner(t, store, Config{Workers: 1})
	summary, err := r.Run(context.Background(), archive.StageRecord, ids, fn)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Permanent)
	require.EqualValues(t, 1, calls)

	rec, ok, err := store.Result(context.Background(), archive.StageRecord, ident.MustParse("A_10"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.OutcomePermanent, rec.Outcome.Kind)
	require.Equal(t, "record withdrawn", rec.Outcome.Reason)
}

func TestRunner_TransientThenSuccessWithinPass(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ids := seed(t, store, "A_2")

	var calls int64
	fn := func(ctx context.Context, id ident.Identifier) (string, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return "", archive.Transient(errors.New("503"))
		}
		return "blob://A_2", nil
	}

	r := newTestRunner(t, store, Config{Workers: 1})
	summary, err := r.Run(context.Background(), archive.StageRecord, ids, fn)
	require.NoError(t, err)
	require.Equal(t, Summary{Attempted: 1, Succeeded: 1}, summary)

	rec, ok, err := store.Result(context.Background(), archive.StageRecord, ident.MustParse("A_2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, archive.OutcomeSuccess, rec.Outcome.Kind)
	require.Equal(t, 0, rec.Retries, "in-pass recovery records a clean success")
}

func TestRunner_ContextCancelLeavesRestUnrecorded(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ids := seed(t, store, "A_1", "A_2", "A_3", "A_4")

	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	fn := func(ctx context.Context, id ident.Identifier) (string, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			cancel()
			return "blob://" + id.Format(), nil
		}
		return "blob://" + id.Format(), nil
	}

	r := newTestRunner(t, store, Config{Workers: 1})
	summary, err := r.Run(ctx, archive.StageRecord, ids, fn)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, summary.Attempted, len(ids))
}
