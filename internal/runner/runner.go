// Package runner drives one stage pass over a work list with a bounded worker
// pool, in-pass retries, and exactly one manifest record per identifier.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
)

// Observer receives attempt and outcome signals for telemetry.
type Observer interface {
	ObserveAttempt(stage archive.StageID, d time.Duration)
	ObserveOutcome(stage archive.StageID, kind archive.OutcomeKind)
}

// Config controls Runner behavior.
type Config struct {
	// Workers bounds in-flight stage invocations. Defaults to 4.
	Workers int
	// RPS throttles stage invocations globally; zero means unthrottled.
	RPS   float64
	Burst int
}

// Summary reports what one pass did.
type Summary struct {
	Attempted int
	Succeeded int
	Transient int
	Permanent int
}

// Progress counts successes plus newly permanent identifiers: the work a pass
// removed from the pending set.
func (s Summary) Progress() int {
	return s.Succeeded + s.Permanent
}

// Runner executes a single stage pass.
type Runner struct {
	manifest archive.ManifestStore
	policy   RetryPolicy
	limiter  *rate.Limiter
	obs      Observer
	log      *zap.Logger
	workers  int

	// sleep is swappable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Runner. Observer may be nil.
func New(manifest archive.ManifestStore, policy RetryPolicy, obs Observer, log *zap.Logger, cfg Config) *Runner {
	if policy == nil {
		policy = NewExponentialRetryPolicy(0, 0, 0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Runner{
		manifest: manifest,
		policy:   policy,
		limiter:  limiter,
		obs:      obs,
		log:      log,
		workers:  workers,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes every identifier in work through fn, recording exactly one
// outcome per identifier in the manifest. It returns early only on context
// cancellation; identifiers not yet attempted at that point stay unrecorded.
func (r *Runner) Run(ctx context.Context, stage archive.StageID, work []ident.Identifier, fn archive.StageFunc) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)

	jobs := make(chan ident.Identifier)
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				outcome, attempted := r.processOne(ctx, stage, id, fn)
				if !attempted {
					continue
				}
				if err := r.manifest.RecordResult(ctx, stage, id, outcome); err != nil {
					r.log.Error("record result failed",
						zap.String("stage", string(stage)),
						zap.String("id", id.Format()),
						zap.Error(err))
					continue
				}
				if r.obs != nil {
					r.obs.ObserveOutcome(stage, outcome.Kind)
				}
				mu.Lock()
				summary.Attempted++
				switch outcome.Kind {
				case archive.OutcomeSuccess:
					summary.Succeeded++
				case archive.OutcomeTransient:
					summary.Transient++
				case archive.OutcomePermanent:
					summary.Permanent++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, id := range work {
		select {
		case jobs <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("pass interrupted: %w", err)
	}
	return summary, nil
}

// processOne runs the attempt loop for one identifier. attempted is false only
// when the context ended before any attempt could complete, in which case no
// outcome is recorded.
func (r *Runner) processOne(ctx context.Context, stage archive.StageID, id ident.Identifier, fn archive.StageFunc) (archive.Outcome, bool) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				return archive.Outcome{}, false
			}
			return archive.TransientOutcome(lastErr.Error()), true
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				if lastErr == nil {
					return archive.Outcome{}, false
				}
				return archive.TransientOutcome(lastErr.Error()), true
			}
		}

		start := time.Now()
		ref, err := fn(ctx, id)
		if r.obs != nil {
			r.obs.ObserveAttempt(stage, time.Since(start))
		}
		if err == nil {
			return archive.Success(ref), true
		}
		lastErr = err

		if archive.IsPermanent(err) {
			return archive.PermanentOutcome(err.Error()), true
		}
		if !r.policy.ShouldRetry(err, attempt+1) {
			return archive.TransientOutcome(err.Error()), true
		}
		delay := r.policy.Backoff(attempt)
		r.log.Debug("retrying after backoff",
			zap.String("stage", string(stage)),
			zap.String("id", id.Format()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay))
		if err := r.sleep(ctx, delay); err != nil {
			return archive.TransientOutcome(lastErr.Error()), true
		}
	}
}
