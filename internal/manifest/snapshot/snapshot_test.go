package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	"zkarchive/internal/manifest/memory"
)

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	ids := []ident.Identifier{
		ident.MustParse("A_1"),
		ident.MustParse("A_1-1"),
		ident.MustParse("A_2"),
		ident.MustParse("a_1"),
	}
	require.NoError(t, s.RegisterUniverse(ctx, ids))
	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, ident.MustParse("A_1"), archive.Success("blob://A_1")))
	require.NoError(t, s.RecordResult(ctx, archive.StageRecord, ident.MustParse("A_2"), archive.PermanentOutcome("404")))
	return s
}

func TestWriter_WriteAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := NewWriter(seedStore(t), nil)
	require.NoError(t, w.WriteAll(context.Background(), dir))

	universe, err := os.ReadFile(filepath.Join(dir, "universe.txt"))
	require.NoError(t, err)
	require.Equal(t, "a_1\nA_1\nA_1-1\nA_2\n", string(universe))

	missing, err := os.ReadFile(filepath.Join(dir, "missing_record.txt"))
	require.NoError(t, err)
	require.Equal(t, "a_1\nA_1-1\nA_2\n", string(missing))

	failed, err := os.ReadFile(filepath.Join(dir, "failed_record.txt"))
	require.NoError(t, err)
	require.Equal(t, "A_2\tpermanent\t1\t404\n", string(failed))

	dupes, err := os.ReadFile(filepath.Join(dir, "duplicates.txt"))
	require.NoError(t, err)
	require.Equal(t, "a.1\tA_1 a_1\n", string(dupes))
}

func TestWriter_WriteAllIsByteStable(t *testing.T) {
	t.Parallel()

	s := seedStore(t)
	ctx := context.Background()

	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, NewWriter(s, nil).WriteAll(ctx, first))
	require.NoError(t, NewWriter(s, nil).WriteAll(ctx, second))

	for _, name := range []string{"universe.txt", "missing_record.txt", "failed_record.txt", "duplicates.txt"} {
		a, err := os.ReadFile(filepath.Join(first, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(second, name))
		require.NoError(t, err)
		require.Equal(t, string(a), string(b), name)
	}
}

func TestWriteParseErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := []ident.ParseError{
		{Raw: "not an id!", Msg: "unexpected character"},
		{Raw: "A__1", Msg: "empty segment"},
	}
	require.NoError(t, WriteParseErrors(dir, bad))

	got, err := os.ReadFile(filepath.Join(dir, "parse_errors.txt"))
	require.NoError(t, err)
	require.Equal(t, "not an id!\tunexpected character\nA__1\tempty segment\n", string(got))
}

func TestLoadUniverse(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "universe.txt")
	content := "# seed list\nA_1\n\nA_1-1\nnot an id!\nA_2\textra detail column\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ids, bad, err := LoadUniverse(path)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, "A_1", ids[0].Format())
	require.Equal(t, "A_1-1", ids[1].Format())
	require.Equal(t, "A_2", ids[2].Format())

	require.Len(t, bad, 1)
	require.Equal(t, "not an id!", bad[0].Raw)
}
