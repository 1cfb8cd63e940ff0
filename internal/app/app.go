// Package app assembles the service from configuration: manifest backend,
// blob store, fetchers, stage runner, and reconciler.
package app

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"zkarchive/internal/archive"
	systemclock "zkarchive/internal/clock/system"
	"zkarchive/internal/config"
	"zkarchive/internal/convert"
	"zkarchive/internal/extract"
	collyfetcher "zkarchive/internal/fetcher/colly"
	headlessfetcher "zkarchive/internal/fetcher/headless"
	sha256hash "zkarchive/internal/hash/sha256"
	"zkarchive/internal/ident"
	"zkarchive/internal/logging"
	manifestmemory "zkarchive/internal/manifest/memory"
	manifestpostgres "zkarchive/internal/manifest/postgres"
	manifestsqlite "zkarchive/internal/manifest/sqlite"
	"zkarchive/internal/manifest/snapshot"
	"zkarchive/internal/metrics"
	memorypublisher "zkarchive/internal/publisher/memory"
	gcppublisher "zkarchive/internal/publisher/pubsub"
	"zkarchive/internal/reconcile"
	"zkarchive/internal/runner"
	gcsstorage "zkarchive/internal/storage/gcs"
	localstorage "zkarchive/internal/storage/local"
	memorystorage "zkarchive/internal/storage/memory"
)

// Options adjust assembly beyond the config file.
type Options struct {
	// FullUniverse reprocesses every identifier, previously succeeded and
	// permanently failed included (the --full run mode).
	FullUniverse bool
}

// App holds the assembled service dependencies.
type App struct {
	Cfg        config.Config
	Logger     *zap.Logger
	Manifest   archive.ManifestStore
	Blobs      archive.BlobStore
	Publisher  archive.Publisher
	Runner     *runner.Runner
	Reconciler *reconcile.Reconciler

	opts    Options
	closers []func()
}

// New builds an App from the configuration file at cfgPath (empty for
// defaults and environment only).
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{Cfg: cfg, Logger: logger, opts: opts}
	if err := a.buildManifest(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildPipeline(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases all held resources in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

func (a *App) buildManifest(ctx context.Context) error {
	switch a.Cfg.Manifest.Backend {
	case "memory":
		a.Manifest = manifestmemory.NewWithClock(systemclock.New())
	case "sqlite":
		store, err := manifestsqlite.Open(a.Cfg.Manifest.Path)
		if err != nil {
			return fmt.Errorf("open sqlite manifest: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.Manifest = store
	case "postgres":
		store, err := manifestpostgres.New(ctx, manifestpostgres.Config{
			DSN:      a.Cfg.Manifest.DSN,
			MaxConns: int32(a.Cfg.Manifest.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("connect postgres manifest: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.Manifest = store
	default:
		return fmt.Errorf("unknown manifest backend %q", a.Cfg.Manifest.Backend)
	}
	return nil
}

func (a *App) buildBlobs(ctx context.Context) error {
	switch a.Cfg.Storage.Backend {
	case "memory":
		a.Blobs = memorystorage.New()
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.Cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.Blobs = blobs
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.Cfg.Storage.GCSBucket})
		if err != nil {
			return err
		}
		a.Blobs = blobs
	default:
		return fmt.Errorf("unknown storage backend %q", a.Cfg.Storage.Backend)
	}
	return nil
}

func (a *App) buildPublisher(ctx context.Context) error {
	if a.Cfg.Reconcile.Topic == "" {
		a.Publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.Cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	pub, err := gcppublisher.New(client)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pub.Close)
	a.Publisher = pub
	return nil
}

func (a *App) buildPipeline() error {
	policy := runner.NewExponentialRetryPolicy(
		a.Cfg.Runner.MaxAttempts,
		a.Cfg.Runner.BackoffInitial(),
		a.Cfg.Runner.BackoffMax(),
	)
	obs := metrics.NewObserver()
	a.Runner = runner.New(a.Manifest, policy, obs, a.Logger, runner.Config{
		Workers: a.Cfg.Runner.Workers,
		RPS:     a.Cfg.Runner.RPS,
		Burst:   a.Cfg.Runner.Burst,
	})

	var snapshotter headlessfetcher.Snapshotter = headlessfetcher.Noop{}
	if a.Cfg.Headless.Enabled {
		hf, err := headlessfetcher.New(headlessfetcher.Config{
			BaseURL:           a.Cfg.Archive.BranchViewURL,
			MaxParallel:       a.Cfg.Headless.MaxParallel,
			UserAgent:         a.Cfg.Archive.UserAgent,
			NavigationTimeout: a.Cfg.Headless.NavTimeout(),
			SettleDelay:       a.Cfg.Headless.SettleDelay(),
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		a.closers = append(a.closers, hf.Close)
		snapshotter = hf
	}

	recordFetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:   a.Cfg.Archive.RecordAPIURL,
		UserAgent: a.Cfg.Archive.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("init record fetcher: %w", err)
	}

	stages := []reconcile.Stage{
		{
			ID: archive.StageSnapshot,
			Fn: headlessfetcher.NewStage(snapshotter, a.Blobs, a.Cfg.Storage.SnapshotPrefix),
		},
		{
			ID:   archive.StageLinks,
			Fn:   extract.NewStage(a.Blobs, a.Manifest, a.Cfg.Storage.SnapshotPrefix, a.Cfg.Storage.LinksPrefix, a.Logger),
			Gate: reconcile.GateUpstream,
		},
		{
			// Record downloads need only the identifier, so newly discovered
			// ids are fetched even when their snapshot lags behind.
			ID:   archive.StageRecord,
			Fn:   collyfetcher.NewStage(recordFetcher, a.Blobs, a.Cfg.Storage.RecordPrefix),
			Gate: reconcile.GateUniverse,
		},
		{
			ID:   archive.StageDocument,
			Fn:   convert.NewStage(a.Blobs, a.Cfg.Storage.RecordPrefix, a.Cfg.Storage.DocumentPrefix),
			Gate: reconcile.GateUpstream,
		},
	}

	rec, err := reconcile.New(a.Manifest, a.Runner, stages, a.Publisher, a.Logger, reconcile.Config{
		MaxPasses:    a.Cfg.Reconcile.MaxPasses,
		FullUniverse: a.opts.FullUniverse,
		Topic:        a.Cfg.Reconcile.Topic,
		Observer:     obs,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}
	a.Reconciler = rec
	return nil
}

// SeedUniverse registers the configured seed identifier when the universe is
// empty, so a fresh deployment has a starting point.
func (a *App) SeedUniverse(ctx context.Context) error {
	universe, err := a.Manifest.Universe(ctx)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	if len(universe) > 0 {
		metrics.SetUniverseSize(len(universe))
		return nil
	}
	seed, err := ident.Parse(a.Cfg.Archive.SeedID)
	if err != nil {
		return fmt.Errorf("parse seed id: %w", err)
	}
	a.Logger.Info("seeding empty universe", zap.String("seed", seed.Format()))
	if err := a.Manifest.RegisterUniverse(ctx, []ident.Identifier{seed}); err != nil {
		return err
	}
	metrics.SetUniverseSize(1)
	return nil
}

// ImportUniverse merges identifiers from a one-per-line listing file.
func (a *App) ImportUniverse(ctx context.Context, path string) error {
	ids, bad, err := snapshot.LoadUniverse(path)
	if err != nil {
		return err
	}
	for _, perr := range bad {
		a.Logger.Warn("skipping unparseable identifier", zap.String("raw", perr.Raw), zap.String("reason", perr.Msg))
	}
	if len(bad) > 0 {
		if err := snapshot.WriteParseErrors(a.Cfg.Snapshot.Dir, bad); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no identifiers found in %s", path)
	}
	a.Logger.Info("importing universe listing", zap.String("path", path), zap.Int("ids", len(ids)))
	if err := a.Manifest.RegisterUniverse(ctx, ids); err != nil {
		return err
	}
	universe, err := a.Manifest.Universe(ctx)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	metrics.SetUniverseSize(len(universe))
	return nil
}

// ExportListings writes the manifest text listings to the snapshot dir.
func (a *App) ExportListings(ctx context.Context) error {
	return snapshot.NewWriter(a.Manifest, a.Logger).WriteAll(ctx, a.Cfg.Snapshot.Dir)
}

// Rebuild reconstructs stage success records from artifacts already present
// in the blob store. Used after manifest loss: every readable stored artifact
// counts as a completed stage for its identifier.
func (a *App) Rebuild(ctx context.Context) error {
	prefixes := map[archive.StageID]struct{ prefix, ext string }{
		archive.StageSnapshot: {a.Cfg.Storage.SnapshotPrefix, ".html"},
		archive.StageLinks:    {a.Cfg.Storage.LinksPrefix, ".txt"},
		archive.StageRecord:   {a.Cfg.Storage.RecordPrefix, ".json"},
		archive.StageDocument: {a.Cfg.Storage.DocumentPrefix, ".md"},
	}
	hasher := sha256hash.New()

	universe, err := a.Manifest.Universe(ctx)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	known := make(map[string]struct{}, len(universe))
	for _, id := range universe {
		known[id.Format()] = struct{}{}
	}

	for _, stage := range archive.Stages() {
		loc := prefixes[stage]
		paths, err := a.Blobs.List(ctx, loc.prefix+"/")
		if err != nil {
			return fmt.Errorf("list %s artifacts: %w", stage, err)
		}
		restored := 0
		for _, path := range paths {
			name := strings.TrimPrefix(path, loc.prefix+"/")
			name = strings.TrimSuffix(name, loc.ext)
			id, err := ident.Parse(name)
			if err != nil {
				a.Logger.Warn("skipping artifact with unparseable name",
					zap.String("stage", string(stage)), zap.String("path", path))
				continue
			}
			data, err := a.Blobs.GetObject(ctx, path)
			if err != nil {
				a.Logger.Warn("skipping unreadable artifact",
					zap.String("stage", string(stage)), zap.String("path", path), zap.Error(err))
				continue
			}
			digest, err := hasher.Hash(data)
			if err != nil {
				return fmt.Errorf("hash %s: %w", path, err)
			}
			a.Logger.Debug("artifact verified",
				zap.String("stage", string(stage)), zap.String("path", path), zap.String("sha256", digest))
			if _, ok := known[id.Format()]; !ok {
				if err := a.Manifest.RegisterUniverse(ctx, []ident.Identifier{id}); err != nil {
					return fmt.Errorf("register %s: %w", id.Format(), err)
				}
				known[id.Format()] = struct{}{}
			}
			if err := a.Manifest.RecordResult(ctx, stage, id, archive.Success(path)); err != nil {
				return fmt.Errorf("restore %s/%s: %w", stage, id.Format(), err)
			}
			restored++
		}
		a.Logger.Info("stage restored from blob store",
			zap.String("stage", string(stage)), zap.Int("artifacts", restored))
	}
	metrics.SetUniverseSize(len(known))
	return nil
}
