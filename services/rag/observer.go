package rag

import "time"

// Pipeline stage names reported to an Observer.
const (
	StageEmbed    = "embed"
	StageSearch   = "search"
	StageGenerate = "generate"
)

// Request outcomes reported to an Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Observer receives pipeline measurements. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveStage(stage string, elapsed time.Duration, err error)
	ObserveFrame(kind string)
	ObserveRequest(outcome string, elapsed time.Duration)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) ObserveStage(string, time.Duration, error) {}
func (NopObserver) ObserveFrame(string)                       {}
func (NopObserver) ObserveRequest(string, time.Duration)      {}
