// Package memory implements an in-memory manifest store for development and
// testing. It is the reference implementation of the archive.ManifestStore
// contract; the sqlite and postgres backends mirror its semantics.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// Store keeps the universe and per-stage records behind a single mutex.
type Store struct {
	mu       sync.RWMutex
	universe map[string]ident.Identifier                   // keyed by raw spelling
	parents  map[string]map[string]struct{}                // child raw -> distinct parent raws
	records  map[archive.StageID]map[string]archive.Record // stage -> raw -> record
	now      func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		universe: make(map[string]ident.Identifier),
		parents:  make(map[string]map[string]struct{}),
		records:  make(map[archive.StageID]map[string]archive.Record),
		now:      time.Now,
	}
}

// NewWithClock constructs a Store stamping records with the supplied clock.
func NewWithClock(clock archive.Clock) *Store {
	s := New()
	if clock != nil {
		s.now = clock.Now
	}
	return s
}

// RegisterUniverse merges ids into the universe. Idempotent: a raw spelling
// already present is left untouched.
func (s *Store) RegisterUniverse(_ context.Context, ids []ident.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.registerLocked(id)
	}
	return nil
}

func (s *Store) registerLocked(id ident.Identifier) {
	raw := id.Format()
	if _, ok := s.universe[raw]; !ok {
		s.universe[raw] = id
	}
}

// RegisterDiscovered merges children found under parent, tracking the set of
// distinct parents each child was discovered under.
func (s *Store) RegisterDiscovered(_ context.Context, parent ident.Identifier, children []ident.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parentRaw := parent.Format()
	for _, child := range children {
		s.registerLocked(child)
		raw := child.Format()
		set := s.parents[raw]
		if set == nil {
			set = make(map[string]struct{})
			s.parents[raw] = set
		}
		set[parentRaw] = struct{}{}
	}
	return nil
}

// Universe returns every known identifier in canonical order.
func (s *Store) Universe(_ context.Context) ([]ident.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedUniverseLocked(), nil
}

func (s *Store) sortedUniverseLocked() []ident.Identifier {
	ids := make([]ident.Identifier, 0, len(s.universe))
	for _, id := range s.universe {
		ids = append(ids, id)
	}
	ident.Sort(ids)
	return ids
}

func (s *Store) filterLocked(stage archive.StageID, keep func(rec archive.Record, ok bool) bool) []ident.Identifier {
	recs := s.records[stage]
	var out []ident.Identifier
	for raw, id := range s.universe {
		rec, ok := recs[raw]
		if keep(rec, ok) {
			out = append(out, id)
		}
	}
	ident.Sort(out)
	return out
}

// Pending returns universe minus successes minus permanent failures.
func (s *Store) Pending(_ context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(stage, func(rec archive.Record, ok bool) bool {
		return !ok || rec.Outcome.Kind == archive.OutcomeTransient
	}), nil
}

// Missing returns every identifier without a success, permanent failures
// included.
func (s *Store) Missing(_ context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(stage, func(rec archive.Record, ok bool) bool {
		return !ok || rec.Outcome.Kind != archive.OutcomeSuccess
	}), nil
}

// Succeeded returns identifiers with a success record for the stage.
func (s *Store) Succeeded(_ context.Context, stage archive.StageID) ([]ident.Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(stage, func(rec archive.Record, ok bool) bool {
		return ok && rec.Outcome.Kind == archive.OutcomeSuccess
	}), nil
}

// RecordResult overwrites the current record for the pair. Failure outcomes
// increment the retry count; a success preserves the accumulated count.
func (s *Store) RecordResult(_ context.Context, stage archive.StageID, id ident.Identifier, outcome archive.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[stage]
	if recs == nil {
		recs = make(map[string]archive.Record)
		s.records[stage] = recs
	}
	raw := id.Format()
	retries := recs[raw].Retries
	if outcome.Kind != archive.OutcomeSuccess {
		retries++
	}
	recs[raw] = archive.Record{
		ID:        id,
		Stage:     stage,
		Outcome:   outcome,
		Retries:   retries,
		UpdatedAt: s.now().UTC(),
	}
	return nil
}

// Result fetches the current record for the pair.
func (s *Store) Result(_ context.Context, stage archive.StageID, id ident.Identifier) (archive.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[stage][id.Format()]
	return rec, ok, nil
}

// CompletionStats summarizes the stage against the universe.
func (s *Store) CompletionStats(_ context.Context, stage archive.StageID) (archive.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := archive.Stats{Total: len(s.universe)}
	recs := s.records[stage]
	for raw := range s.universe {
		rec, ok := recs[raw]
		if !ok {
			stats.Missing++
			continue
		}
		switch rec.Outcome.Kind {
		case archive.OutcomeSuccess:
			stats.Done++
		case archive.OutcomeTransient:
			stats.Missing++
			stats.Transient++
		case archive.OutcomePermanent:
			stats.Missing++
			stats.Permanent++
		}
	}
	return stats, nil
}

// Failures lists the current failure records for the stage in canonical
// identifier order.
func (s *Store) Failures(_ context.Context, stage archive.StageID) ([]archive.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.Record
	for raw := range s.universe {
		if rec, ok := s.records[stage][raw]; ok && rec.Outcome.Kind != archive.OutcomeSuccess {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return ident.Less(out[i].ID, out[j].ID) })
	return out, nil
}

// Duplicates groups raw spellings by fold key and returns groups spanning
// more than one spelling.
func (s *Store) Duplicates(_ context.Context) ([]archive.DuplicateGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make(map[string][]string)
	for raw, id := range s.universe {
		key := id.FoldKey()
		groups[key] = append(groups[key], raw)
	}
	var out []archive.DuplicateGroup
	for key, raws := range groups {
		if len(raws) < 2 {
			continue
		}
		sort.Strings(raws)
		out = append(out, archive.DuplicateGroup{FoldKey: key, Raw: raws})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FoldKey < out[j].FoldKey })
	return out, nil
}

// DuplicateOccurrences returns raw spellings discovered under more than one
// distinct parent, in canonical order.
func (s *Store) DuplicateOccurrences(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []ident.Identifier
	for raw, set := range s.parents {
		if len(set) > 1 {
			ids = append(ids, s.universe[raw])
		}
	}
	ident.Sort(ids)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Format()
	}
	return out, nil
}

var _ archive.ManifestStore = (*Store)(nil)
