// Package archive defines the core types shared across the pipeline
// subsystems: processing stages, per-identifier outcomes, and the contracts
// between the manifest store, the stage runner, and external collaborators.
package archive

import (
	"time"

	"zkarchive/internal/ident"
)

// StageID names one processing stage of the pipeline.
type StageID string

// Pipeline stages in execution order.
const (
	StageSnapshot StageID = "snapshot"
	StageLinks    StageID = "links"
	StageRecord   StageID = "record"
	StageDocument StageID = "document"
)

// Stages lists the pipeline stages in execution order.
func Stages() []StageID {
	return []StageID{StageSnapshot, StageLinks, StageRecord, StageDocument}
}

// OutcomeKind classifies the result of one stage invocation.
type OutcomeKind string

// Outcome kinds persisted in the manifest store.
const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
)

// Outcome is the terminal result of a stage invocation for one identifier
// within a single pass.
type Outcome struct {
	Kind OutcomeKind
	// ArtifactRef locates the produced artifact on success (blob URI).
	ArtifactRef string
	// Reason carries the failure description for the failure kinds.
	Reason string
}

// Success builds a success outcome referencing the stored artifact.
func Success(artifactRef string) Outcome {
	return Outcome{Kind: OutcomeSuccess, ArtifactRef: artifactRef}
}

// TransientOutcome builds a retryable failure outcome.
func TransientOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

// PermanentOutcome builds a terminal failure outcome excluded from automatic
// retries.
func PermanentOutcome(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// Record is the current manifest state for one (stage, identifier) pair. It is
// overwritten on every recorded attempt; Retries counts the failed attempts
// accumulated across passes and survives a later success.
type Record struct {
	ID        ident.Identifier
	Stage     StageID
	Outcome   Outcome
	Retries   int
	UpdatedAt time.Time
}

// Stats summarizes stage completion for progress reporting.
type Stats struct {
	Total     int
	Done      int
	Missing   int
	Transient int
	Permanent int
}

// CompletionPercent reports Done as a percentage of Total.
func (s Stats) CompletionPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Total) * 100
}

// DuplicateGroup collects raw spellings that canonicalize to the same fold
// key. These require manual resolution; the universe keeps every spelling.
type DuplicateGroup struct {
	FoldKey string
	Raw     []string
}
