// Package collyfetcher downloads JSON records from the archive API using the
// Colly collector.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// Config controls collector behavior.
type Config struct {
	// BaseURL is the record API endpoint; the identifier is appended as the
	// final path segment.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Fetcher retrieves one JSON record per identifier.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Fetcher{cfg: cfg, baseCollector: c}, nil
}

// classifyStatus maps an HTTP status to the outcome classification. Missing
// and withdrawn records are permanent; throttling and server trouble are
// retryable.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return archive.Permanent(fmt.Errorf("record fetch: status %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return archive.Transient(fmt.Errorf("record fetch: status %d", status))
	case status >= 400:
		return archive.Permanent(fmt.Errorf("record fetch: status %d", status))
	default:
		return archive.Transient(fmt.Errorf("record fetch: %w", err))
	}
}

// FetchRecord GETs the record for id and returns the response body.
func (f *Fetcher) FetchRecord(ctx context.Context, id ident.Identifier) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body     []byte
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = classifyStatus(status, err)
	})

	url := fmt.Sprintf("%s/%s", f.cfg.BaseURL, id.Format())
	if err := collector.Visit(url); err != nil {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, archive.Transient(fmt.Errorf("record fetch: %w", err))
	}
	collector.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}
	return body, nil
}

// NewStage returns the record-stage work function: fetch the JSON record and
// store it as the stage artifact.
func NewStage(f *Fetcher, blobs archive.BlobStore, recordPrefix string) archive.StageFunc {
	return func(ctx context.Context, id ident.Identifier) (string, error) {
		body, err := f.FetchRecord(ctx, id)
		if err != nil {
			return "", err
		}
		ref, err := blobs.PutObject(ctx, fmt.Sprintf("%s/%s.json", recordPrefix, id.Format()),
			"application/json", body)
		if err != nil {
			return "", archive.Transient(fmt.Errorf("store record: %w", err))
		}
		return ref, nil
	}
}
