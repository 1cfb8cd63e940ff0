package headless

import (
	"context"
	"fmt"

	"zkarchive/internal/ident"
)

// Noop returns an empty branch-view page without launching a browser. Useful
// for development runs where snapshots are seeded from elsewhere.
type Noop struct{}

// Snapshot returns a minimal page carrying only the identifier.
func (Noop) Snapshot(_ context.Context, id ident.Identifier) ([]byte, error) {
	return []byte(fmt.Sprintf("<html><body><ul data-id=%q></ul></body></html>", id.Format())), nil
}

var _ Snapshotter = Noop{}
var _ Snapshotter = (*Fetcher)(nil)
