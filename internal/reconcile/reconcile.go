// Package reconcile drives repeated stage passes over the manifest until the
// archive is complete or no further automatic progress is possible.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	"zkarchive/internal/runner"
)

// State is the reconciler lifecycle state.
type State int

// Lifecycle states. A run moves Idle -> Running -> Complete or Stalled; a new
// Run resets a Stalled reconciler back to Running.
const (
	StateIdle State = iota
	StateRunning
	StateStalled
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Gate selects which identifiers a stage may work on.
type Gate int

const (
	// GateUpstream restricts work to identifiers the previous stage already
	// succeeded on. The first stage has no upstream and works the universe.
	GateUpstream Gate = iota
	// GateUniverse works every eligible identifier regardless of upstream
	// state. Used by stages that seed or re-derive the universe themselves.
	GateUniverse
)

// Stage pairs a stage id with its work function and gating rule.
type Stage struct {
	ID   archive.StageID
	Fn   archive.StageFunc
	Gate Gate
}

// PassObserver receives a signal after each completed stage pass.
type PassObserver interface {
	ObservePass(stage archive.StageID)
}

// Config controls a reconciliation run.
type Config struct {
	// MaxPasses caps passes per stage within one run, and cycles over the
	// stage list within one run. Defaults to 10.
	MaxPasses int
	// FullUniverse reprocesses the whole universe on each stage's first
	// pass, previously succeeded and permanently failed identifiers
	// included. Stage functions are idempotent and overwrite their
	// artifacts, so this is the operator-requested full re-check.
	FullUniverse bool
	// Topic names the event topic for pass notifications; empty disables
	// publishing.
	Topic string
	// Observer counts passes for telemetry; may be nil.
	Observer PassObserver
}

// StageReport summarizes one stage after a run.
type StageReport struct {
	Stage   archive.StageID
	Passes  int
	Stats   archive.Stats
	Stalled bool
}

// Report summarizes a reconciliation run.
type Report struct {
	RunID      string
	State      State
	Stages     []StageReport
	Duplicates int
	StartedAt  time.Time
	FinishedAt time.Time
}

type passEvent struct {
	RunID     string `json:"run_id"`
	Stage     string `json:"stage"`
	Pass      int    `json:"pass"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Transient int    `json:"transient"`
	Permanent int    `json:"permanent"`
}

// Reconciler owns the run loop.
type Reconciler struct {
	manifest  archive.ManifestStore
	runner    *runner.Runner
	stages    []Stage
	publisher archive.Publisher
	log       *zap.Logger
	cfg       Config

	mu    sync.Mutex
	state State
}

// New constructs a Reconciler. Publisher may be nil.
func New(manifest archive.ManifestStore, r *runner.Runner, stages []Stage, pub archive.Publisher, log *zap.Logger, cfg Config) (*Reconciler, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest store is required")
	}
	if r == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		manifest:  manifest,
		runner:    r,
		stages:    stages,
		publisher: pub,
		log:       log,
		cfg:       cfg,
		state:     StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (c *Reconciler) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Reconciler) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// eligible computes the work list for a stage: pending identifiers (the whole
// universe when full is set), narrowed to upstream successes for gated stages.
func (c *Reconciler) eligible(ctx context.Context, idx int, full bool) ([]ident.Identifier, error) {
	stage := c.stages[idx]

	var (
		base []ident.Identifier
		err  error
	)
	if full {
		base, err = c.manifest.Universe(ctx)
	} else {
		base, err = c.manifest.Pending(ctx, stage.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("load work list for %s: %w", stage.ID, err)
	}

	if stage.Gate == GateUniverse || idx == 0 {
		return base, nil
	}

	upstream, err := c.manifest.Succeeded(ctx, c.stages[idx-1].ID)
	if err != nil {
		return nil, fmt.Errorf("load upstream successes for %s: %w", stage.ID, err)
	}
	ready := make(map[string]struct{}, len(upstream))
	for _, id := range upstream {
		ready[id.Format()] = struct{}{}
	}
	gated := base[:0:0]
	for _, id := range base {
		if _, ok := ready[id.Format()]; ok {
			gated = append(gated, id)
		}
	}
	return gated, nil
}

// Run executes passes stage by stage, then cycles back over the stage list
// while any stage still has eligible work: a later stage can grow the universe
// mid-run, and the identifiers it discovers are owed the earlier stages too.
// The run ends Complete only when no stage has eligible work left; a stage
// making zero progress over a full pass stalls, and a stall is terminal for
// the run. Re-running a complete archive attempts nothing and reports
// Complete.
func (c *Reconciler) Run(ctx context.Context) (Report, error) {
	runID := uuid.NewString()
	report := Report{RunID: runID, StartedAt: time.Now().UTC()}
	c.setState(StateRunning)
	c.log.Info("reconciliation run started", zap.String("run_id", runID))

	reports := make([]StageReport, len(c.stages))
	for i, stage := range c.stages {
		reports[i] = StageReport{Stage: stage.ID}
	}
	fail := func(err error) (Report, error) {
		c.setState(StateStalled)
		report.State = StateStalled
		report.Stages = reports
		report.FinishedAt = time.Now().UTC()
		return report, err
	}

	stalled := false
cycles:
	for cycle := 1; cycle <= c.cfg.MaxPasses; cycle++ {
		for idx, stage := range c.stages {
			full := c.cfg.FullUniverse && cycle == 1
			stageStalled, err := c.runStage(ctx, runID, idx, full, &reports[idx])
			if err != nil {
				return fail(err)
			}
			if stageStalled {
				reports[idx].Stalled = true
				stalled = true
				c.log.Warn("stage stalled, run halted",
					zap.String("run_id", runID),
					zap.String("stage", string(stage.ID)))
				break cycles
			}
		}
		more, err := c.anyEligible(ctx)
		if err != nil {
			return fail(err)
		}
		if !more {
			break
		}
		if cycle == c.cfg.MaxPasses {
			stalled = true
			c.log.Warn("cycle cap hit with work remaining",
				zap.String("run_id", runID),
				zap.Int("cycles", cycle))
		}
	}

	for idx, stage := range c.stages {
		stats, err := c.manifest.CompletionStats(ctx, stage.ID)
		if err != nil {
			return fail(fmt.Errorf("completion stats for %s: %w", stage.ID, err))
		}
		reports[idx].Stats = stats
	}
	report.Stages = reports

	dupes, err := c.manifest.Duplicates(ctx)
	if err != nil {
		return fail(fmt.Errorf("load duplicates: %w", err))
	}
	report.Duplicates = len(dupes)

	final := StateComplete
	if stalled {
		final = StateStalled
	}
	c.setState(final)
	report.State = final
	report.FinishedAt = time.Now().UTC()
	c.log.Info("reconciliation run finished",
		zap.String("run_id", runID),
		zap.Stringer("state", final),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// runStage re-passes one stage until its eligible work list drains. It reports
// a stall when a full pass makes zero progress or the pass cap is hit with
// work remaining; sr accumulates passes across cycles of the same run.
func (c *Reconciler) runStage(ctx context.Context, runID string, idx int, full bool, sr *StageReport) (bool, error) {
	stage := c.stages[idx]

	for pass := 1; ; pass++ {
		work, err := c.eligible(ctx, idx, full && pass == 1)
		if err != nil {
			return false, err
		}
		if len(work) == 0 {
			return false, nil
		}
		if sr.Passes >= c.cfg.MaxPasses {
			return true, nil
		}

		c.log.Info("stage pass starting",
			zap.String("run_id", runID),
			zap.String("stage", string(stage.ID)),
			zap.Int("pass", sr.Passes+1),
			zap.Int("work", len(work)))
		summary, err := c.runner.Run(ctx, stage.ID, work, stage.Fn)
		if err != nil {
			return false, fmt.Errorf("stage %s pass %d: %w", stage.ID, sr.Passes+1, err)
		}
		sr.Passes++
		if c.cfg.Observer != nil {
			c.cfg.Observer.ObservePass(stage.ID)
		}
		c.publishPass(ctx, runID, stage.ID, sr.Passes, summary)

		if summary.Progress() == 0 {
			return true, nil
		}
	}
}

// anyEligible reports whether any stage still has eligible work.
func (c *Reconciler) anyEligible(ctx context.Context) (bool, error) {
	for idx := range c.stages {
		work, err := c.eligible(ctx, idx, false)
		if err != nil {
			return false, err
		}
		if len(work) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *Reconciler) publishPass(ctx context.Context, runID string, stage archive.StageID, pass int, s runner.Summary) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	ev := passEvent{
		RunID:     runID,
		Stage:     string(stage),
		Pass:      pass,
		Attempted: s.Attempted,
		Succeeded: s.Succeeded,
		Transient: s.Transient,
		Permanent: s.Permanent,
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, ev); err != nil {
		c.log.Warn("pass event publish failed",
			zap.String("run_id", runID),
			zap.String("stage", string(stage)),
			zap.Error(err))
	}
}

// Snapshot reports current completion without running any passes.
func (c *Reconciler) Snapshot(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString(), State: c.State(), StartedAt: time.Now().UTC()}
	complete := true
	for idx, stage := range c.stages {
		stats, err := c.manifest.CompletionStats(ctx, stage.ID)
		if err != nil {
			return Report{}, fmt.Errorf("completion stats for %s: %w", stage.ID, err)
		}
		work, err := c.eligible(ctx, idx, false)
		if err != nil {
			return Report{}, err
		}
		if len(work) > 0 {
			complete = false
		}
		report.Stages = append(report.Stages, StageReport{Stage: stage.ID, Stats: stats})
	}
	dupes, err := c.manifest.Duplicates(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load duplicates: %w", err)
	}
	report.Duplicates = len(dupes)
	if c.State() == StateIdle && complete {
		report.State = StateComplete
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}
