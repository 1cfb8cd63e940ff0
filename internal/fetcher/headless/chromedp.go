// Package headless renders branch-view pages with a real browser. The branch
// view builds its note tree with JavaScript, so a plain GET returns an empty
// shell; the snapshot stage needs the rendered DOM.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// Config controls the headless fetcher.
type Config struct {
	// BaseURL is the branch-view endpoint; the identifier is appended as the
	// URL fragment.
	BaseURL           string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay waits after body-ready for the tree script to finish.
	SettleDelay time.Duration
}

// Fetcher renders one branch-view snapshot per identifier.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by chromedp.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) release() {
	if f.limiter != nil {
		<-f.limiter
	}
}

// Snapshot renders the identifier's branch view and returns the DOM.
func (f *Fetcher) Snapshot(ctx context.Context, id ident.Identifier) ([]byte, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(fmt.Sprintf("%s#%s", f.cfg.BaseURL, id.Format())),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, archive.Transient(fmt.Errorf("render branch view: %w", err))
	}
	return []byte(html), nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Snapshotter renders the branch view for one identifier.
type Snapshotter interface {
	Snapshot(ctx context.Context, id ident.Identifier) ([]byte, error)
}

// NewStage returns the snapshot-stage work function: render the branch view
// and store the DOM as the stage artifact.
func NewStage(f Snapshotter, blobs archive.BlobStore, snapshotPrefix string) archive.StageFunc {
	return func(ctx context.Context, id ident.Identifier) (string, error) {
		html, err := f.Snapshot(ctx, id)
		if err != nil {
			return "", err
		}
		ref, err := blobs.PutObject(ctx, fmt.Sprintf("%s/%s.html", snapshotPrefix, id.Format()),
			"text/html; charset=utf-8", html)
		if err != nil {
			return "", archive.Transient(fmt.Errorf("store snapshot: %w", err))
		}
		return ref, nil
	}
}
