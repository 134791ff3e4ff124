// Package nodestore implements the fixed-capacity arena of packed MCTS
// node records, the variable-length child-row arena, and the lock-free
// transposition index the search core shares across all worker threads.
// The transposition index sizes itself from a fraction of system memory
// via github.com/pbnjay/memory rather than a hardcoded constant.
package nodestore

import (
	"runtime"
	"sync/atomic"

	"github.com/ceres-chess/ceres/position"
)

// NodeIdx indexes into the node arena. 0 is always the search root once
// allocated; there is no sentinel "null" node index distinct from
// position.UnexpandedSentinel, which is reserved for child-row entries.
type NodeIdx uint32

// RowIdx indexes into the child-row arena; it addresses the first entry
// of a contiguous run of ChildEntry values.
type RowIdx uint32

// Node is one packed MCTS node record. Fields that participate in
// backup's compound update (N, value sums, moves-left sum) are guarded
// by statLock rather than made individually atomic: readers must never
// observe a fresh sum against a stale N, and one spinlock word is
// cheaper than scattering atomics across every field.
type Node struct {
	// Immutable once allocated; safe for lock-free concurrent reads.
	ParentIdx      NodeIdx
	MoveFromParent position.EncodedMove
	Prior          position.FixedPointProb
	HashLo         uint64
	HashHi         uint32

	// Set once, at most, by whichever worker wins the expansion CAS; read
	// freely afterward. expanded gates a single winner; ready publishes
	// the result to everyone else (see TryBeginExpansion/PublishChildren).
	expanded atomic.Bool
	ready    atomic.Bool

	ChildRow    RowIdx
	NumChildren uint32

	Terminal          position.TerminalStatus
	ValueUncertainty  float32
	PolicyUncertainty float32
	SecondaryValue    float32
	HasSecondary      bool
	MovesLeftEstimate float32

	// SharedEval marks a node whose value/policy were copied from the
	// transposition index's authoritative node rather than produced by its
	// own evaluator call.
	SharedEval bool

	// VirtualLoss is touched independently of the stat lock: incremented
	// by the selector on descent, decremented by backup only after the
	// compound stat update below has completed, so the decrement acts as
	// the release barrier publishing that update.
	VirtualLoss atomic.Int32

	statLock   spinlock
	n          uint32
	valueSum   float64
	sumSquares float64
	movesSum   float64
}

// Hash reassembles the 96-bit position-hash pair this node was allocated
// with, for transposition-index comparison (invariant 4).
func (n *Node) Hash() (lo uint64, hi uint32) {
	return n.HashLo, n.HashHi
}

// N returns the visit count under the stat lock.
func (n *Node) N() uint32 {
	n.statLock.Lock()
	v := n.n
	n.statLock.Unlock()
	return v
}

// Stats returns the visit count and raw value sum as one consistent
// snapshot, the pair the selector's PUCT computation needs together so it
// never divides a fresh sum by a stale N.
func (n *Node) Stats() (uint32, float64) {
	n.statLock.Lock()
	visits, sum := n.n, n.valueSum
	n.statLock.Unlock()
	return visits, sum
}

// Sums returns every accumulated statistic under one critical section,
// for invariant checks and the debug snapshot exporter.
func (n *Node) Sums() (visits uint32, valueSum, sumSquares, movesSum float64) {
	n.statLock.Lock()
	visits, valueSum, sumSquares, movesSum = n.n, n.valueSum, n.sumSquares, n.movesSum
	n.statLock.Unlock()
	return
}

// MeanValue returns value-sum / N, or 0 for an unvisited node.
func (n *Node) MeanValue() float64 {
	n.statLock.Lock()
	defer n.statLock.Unlock()
	if n.n == 0 {
		return 0
	}
	return n.valueSum / float64(n.n)
}

// Variance returns the backed-up value's population variance (n in the
// denominator), 0 below two visits, using the same E[v^2] - E[v]^2
// identity the sum-of-squares field exists to support.
func (n *Node) Variance() float64 {
	n.statLock.Lock()
	defer n.statLock.Unlock()
	if n.n < 2 {
		return 0
	}
	mean := n.valueSum / float64(n.n)
	meanSq := n.sumSquares / float64(n.n)
	v := meanSq - mean*mean
	if v < 0 {
		return 0
	}
	return v
}

// MeanMovesLeft returns the moves-left-sum / N estimate.
func (n *Node) MeanMovesLeft() float64 {
	n.statLock.Lock()
	defer n.statLock.Unlock()
	if n.n == 0 {
		return 0
	}
	return n.movesSum / float64(n.n)
}

// ApplyBackup performs backup's per-node compound update: N++,
// value-sum += v, sum-of-squares += v*v, moves-left-sum += movesLeft,
// all under one critical section so readers never observe a partial
// update. It does not touch VirtualLoss; callers decrement that
// afterward so the decrement publishes this update.
func (n *Node) ApplyBackup(v, movesLeft float64) {
	n.statLock.Lock()
	n.n++
	n.valueSum += v
	n.sumSquares += v * v
	n.movesSum += movesLeft
	n.statLock.Unlock()
}

// TryBeginExpansion attempts to claim this node for expansion,
// returning true exactly once across however many callers race on it.
func (n *Node) TryBeginExpansion() bool {
	return n.expanded.CompareAndSwap(false, true)
}

// WaitForExpansion spins then yields until the winner of
// TryBeginExpansion has published its child row.
func (n *Node) WaitForExpansion() {
	spins := 0
	for !n.ready.Load() {
		spins++
		if spins > 64 {
			runtime.Gosched()
			spins = 0
		}
	}
}

// AbandonExpansion releases a claim made by TryBeginExpansion without
// publishing children, for leaves that were claimed but then deferred
// past the cycle's batch-size cap. Another selector may claim the node
// again on a later descent.
func (n *Node) AbandonExpansion() {
	n.expanded.Store(false)
}

// PublishChildren records the allocated child row and marks the node
// ready, releasing it to any selector blocked in WaitForExpansion.
func (n *Node) PublishChildren(row RowIdx, numChildren uint32) {
	n.ChildRow = row
	n.NumChildren = numChildren
	n.ready.Store(true)
}

// IsReady reports whether expansion has published its child row.
func (n *Node) IsReady() bool {
	return n.ready.Load()
}
