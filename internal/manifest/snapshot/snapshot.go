// Package snapshot exports the manifest as plain-text listings, one
// identifier per line in canonical order, so runs can be diffed and the
// universe can be re-seeded from a checked-in file.
package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// Writer exports manifest listings into a directory.
type Writer struct {
	store archive.ManifestStore
	log   *zap.Logger
}

// NewWriter builds a Writer over the given store.
func NewWriter(store archive.ManifestStore, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{store: store, log: log}
}

func writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func formatAll(ids []ident.Identifier) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Format()
	}
	return out
}

// WriteAll exports universe.txt, per-stage missing_<stage>.txt and
// failed_<stage>.txt, duplicates.txt, and duplicate_occurrences.txt. Output is
// byte-stable for identical manifest state.
func (w *Writer) WriteAll(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	universe, err := w.store.Universe(ctx)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	if err := writeLines(filepath.Join(dir, "universe.txt"), formatAll(universe)); err != nil {
		return err
	}

	for _, stage := range archive.Stages() {
		missing, err := w.store.Missing(ctx, stage)
		if err != nil {
			return fmt.Errorf("load missing for %s: %w", stage, err)
		}
		name := fmt.Sprintf("missing_%s.txt", stage)
		if err := writeLines(filepath.Join(dir, name), formatAll(missing)); err != nil {
			return err
		}

		failures, err := w.store.Failures(ctx, stage)
		if err != nil {
			return fmt.Errorf("load failures for %s: %w", stage, err)
		}
		lines := make([]string, len(failures))
		for i, rec := range failures {
			lines[i] = fmt.Sprintf("%s\t%s\t%d\t%s",
				rec.ID.Format(), rec.Outcome.Kind, rec.Retries, rec.Outcome.Reason)
		}
		name = fmt.Sprintf("failed_%s.txt", stage)
		if err := writeLines(filepath.Join(dir, name), lines); err != nil {
			return err
		}
	}

	dupes, err := w.store.Duplicates(ctx)
	if err != nil {
		return fmt.Errorf("load duplicates: %w", err)
	}
	lines := make([]string, len(dupes))
	for i, g := range dupes {
		lines[i] = fmt.Sprintf("%s\t%s", g.FoldKey, strings.Join(g.Raw, " "))
	}
	if err := writeLines(filepath.Join(dir, "duplicates.txt"), lines); err != nil {
		return err
	}

	occ, err := w.store.DuplicateOccurrences(ctx)
	if err != nil {
		return fmt.Errorf("load duplicate occurrences: %w", err)
	}
	if err := writeLines(filepath.Join(dir, "duplicate_occurrences.txt"), occ); err != nil {
		return err
	}

	w.log.Info("manifest snapshot written",
		zap.String("dir", dir),
		zap.Int("universe", len(universe)),
		zap.Int("duplicate_groups", len(dupes)))
	return nil
}

// WriteParseErrors records raw spellings rejected during a universe import so
// they can be fixed by hand. Overwrites any previous listing.
func WriteParseErrors(dir string, bad []ident.ParseError) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	lines := make([]string, len(bad))
	for i, perr := range bad {
		lines[i] = fmt.Sprintf("%s\t%s", perr.Raw, perr.Msg)
	}
	return writeLines(filepath.Join(dir, "parse_errors.txt"), lines)
}

// LoadUniverse reads a one-identifier-per-line file produced by WriteAll (or
// maintained by hand). Blank lines and lines starting with '#' are skipped.
// Malformed lines are returned alongside the parsed identifiers so the caller
// can surface them without aborting the seed.
func LoadUniverse(path string) ([]ident.Identifier, []ident.ParseError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open universe file: %w", err)
	}
	defer f.Close()

	var (
		ids     []ident.Identifier
		bad     []ident.ParseError
		scanner = bufio.NewScanner(f)
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Listing exports append tab-separated detail columns; the id is
		// always the first field.
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		id, err := ident.Parse(line)
		if err != nil {
			var perr *ident.ParseError
			if errors.As(err, &perr) {
				bad = append(bad, *perr)
				continue
			}
			return nil, nil, fmt.Errorf("parse %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read universe file: %w", err)
	}
	return ids, bad, nil
}
