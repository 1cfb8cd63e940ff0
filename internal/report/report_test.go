package report

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	"zkarchive/internal/manifest/memory"
	"zkarchive/internal/reconcile"
)

func TestWriteRun(t *testing.T) {
	t.Parallel()

	rep := reconcile.Report{
		RunID: "run-1",
		State: reconcile.StateStalled,
		Stages: []reconcile.StageReport{
			{Stage: archive.StageRecord, Passes: 2, Stats: archive.Stats{Total: 10, Done: 8, Missing: 2, Transient: 2}, Stalled: true},
		},
		Duplicates: 1,
	}

	var buf strings.Builder
	WriteRun(&buf, rep)
	out := buf.String()
	require.Contains(t, out, "run run-1: stalled")
	require.Contains(t, out, "record")
	require.Contains(t, out, "80.0% (stalled)")
	require.Contains(t, out, "1 duplicate group(s)")
}

func TestWriteFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.RegisterUniverse(ctx, []ident.Identifier{ident.MustParse("A_1"), ident.MustParse("A_2")}))
	require.NoError(t, store.RecordResult(ctx, archive.StageRecord, ident.MustParse("A_2"), archive.PermanentOutcome("410 gone")))

	var buf strings.Builder
	require.NoError(t, WriteFailures(ctx, &buf, store, archive.StageRecord))
	require.Contains(t, buf.String(), "A_2")
	require.Contains(t, buf.String(), "410 gone")

	buf.Reset()
	require.NoError(t, WriteFailures(ctx, &buf, store, archive.StageDocument))
	require.Contains(t, buf.String(), "no failures")
}

func TestWriteDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.RegisterUniverse(ctx, []ident.Identifier{ident.MustParse("a_1"), ident.MustParse("A_1")}))

	var buf strings.Builder
	require.NoError(t, WriteDuplicates(ctx, &buf, store))
	require.Contains(t, buf.String(), "A_1, a_1")
}
