// Package extract pulls child identifiers out of branch-view snapshot HTML.
// Each list item's anchor links to a child note; the identifier is the URL
// fragment.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// Result holds the identifiers found in one snapshot plus the hrefs that did
// not parse. Malformed entries are anomalies to report, never fatal.
type Result struct {
	IDs []ident.Identifier
	Bad []ident.ParseError
}

// idFromHref recovers the raw identifier from an anchor href. Branch-view
// links carry the id as the URL fragment ("#ZK_1_NB_1"); plain zettel URLs
// carry it as the last path segment.
func idFromHref(href string) string {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		return href[i+1:]
	}
	if i := strings.LastIndexByte(href, '/'); i >= 0 {
		return href[i+1:]
	}
	return href
}

// Links extracts child identifiers from snapshot HTML.
func Links(snapshot []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(snapshot))
	if err != nil {
		return Result{}, fmt.Errorf("parse snapshot html: %w", err)
	}

	var res Result
	doc.Find("li a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		raw := idFromHref(href)
		if raw == "" {
			return
		}
		id, err := ident.Parse(raw)
		if err != nil {
			var perr *ident.ParseError
			if errors.As(err, &perr) {
				res.Bad = append(res.Bad, *perr)
			}
			return
		}
		res.IDs = append(res.IDs, id)
	})
	return res, nil
}

// NewStage returns the links-stage work function. It loads the identifier's
// snapshot artifact, extracts child identifiers, merges them into the
// manifest universe under this identifier as their parent, and stores the
// extracted listing as this stage's artifact.
func NewStage(blobs archive.BlobStore, manifest archive.ManifestStore, snapshotPrefix, linksPrefix string, log *zap.Logger) archive.StageFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, id ident.Identifier) (string, error) {
		snapPath := fmt.Sprintf("%s/%s.html", snapshotPrefix, id.Format())
		snapshot, err := blobs.GetObject(ctx, snapPath)
		if err != nil {
			return "", archive.Transient(fmt.Errorf("load snapshot %s: %w", snapPath, err))
		}

		res, err := Links(snapshot)
		if err != nil {
			return "", archive.Permanent(fmt.Errorf("snapshot %s: %w", snapPath, err))
		}
		for _, bad := range res.Bad {
			log.Warn("unparseable link in snapshot",
				zap.String("id", id.Format()),
				zap.String("raw", bad.Raw),
				zap.String("reason", bad.Msg))
		}

		if len(res.IDs) > 0 {
			if err := manifest.RegisterDiscovered(ctx, id, res.IDs); err != nil {
				return "", fmt.Errorf("register extracted ids: %w", err)
			}
		}

		var listing strings.Builder
		for _, child := range res.IDs {
			listing.WriteString(child.Format())
			listing.WriteByte('\n')
		}
		ref, err := blobs.PutObject(ctx, fmt.Sprintf("%s/%s.txt", linksPrefix, id.Format()),
			"text/plain; charset=utf-8", []byte(listing.String()))
		if err != nil {
			return "", archive.Transient(fmt.Errorf("store link listing: %w", err))
		}
		return ref, nil
	}
}
