package search

import (
	"fmt"
	"time"

	"github.com/ceres-chess/ceres/position"
)

// Status reports why a search stopped.
type Status int

const (
	StatusLimitReached Status = iota
	StatusCapacityExhausted
	StatusEvaluatorFailed
)

func (s Status) String() string {
	switch s {
	case StatusLimitReached:
		return "LimitReached"
	case StatusCapacityExhausted:
		return "CapacityExhausted"
	case StatusEvaluatorFailed:
		return "EvaluatorFailed"
	default:
		return "Unknown"
	}
}

// RootChildStats is one line of the search report: a root child's
// identity and accumulated statistics. QStderr is the standard error of
// the child's mean value, from its backed-up sum of squares.
type RootChildStats struct {
	Move    position.EncodedMove
	Visits  uint32
	Q       float64
	QStderr float64
	Prior   float32
}

// PVLine is the principal variation reconstructed by walking the
// highest-visit child at each ply.
type PVLine struct {
	Moves []position.EncodedMove
	Value float64
}

// String renders the PV as one semicolon-separated line, for log lines
// rather than UCI output.
func (p PVLine) String() string {
	s := fmt.Sprintf("pv; value %.4f; ", p.Value)
	for i, m := range p.Moves {
		s += fmt.Sprintf("%d: %d; ", i+1, m)
	}
	return s
}

// BatchStats carries the evaluator gateway's aggregate batch-timing
// counters and the cycle machinery's sharing/contention counters into
// the final result for observability.
type BatchStats struct {
	MeanLatencyMs  float64
	StdevLatencyMs float64
	// LatencyMargin95Ms is the 95% confidence margin on MeanLatencyMs.
	LatencyMargin95Ms float64
	Lookups           uint64
	Hits              uint64
	Inserts           uint64

	// Collisions counts descents abandoned on an in-flight leaf,
	// DedupLinked same-cycle duplicates resolved off one evaluation,
	// SharedEvals cross-path value/policy shares, and Deferred leaves
	// pushed past a batch cap to a later cycle.
	Collisions  uint64
	DedupLinked uint64
	SharedEvals uint64
	Deferred    uint64
}

// Result is the search driver's output: the chosen move, its PV, per
// root child stats, value/uncertainty estimates, and search-wide
// counters.
type Result struct {
	BestMove  position.EncodedMove
	PV        PVLine
	Children  []RootChildStats
	Q         float64
	QSigma    float64
	MovesLeft float64

	NodesSearched uint64
	WallTime      time.Duration
	Status        Status

	Batch BatchStats
}
