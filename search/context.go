package search

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"github.com/ceres-chess/ceres/evalgateway"
	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/searchcfg"
)

// SearchContext consolidates every piece of state the search's worker
// threads share: the node store, the evaluator gateway, the configuration
// snapshot, the stop flag, and the search-wide counters. Nothing in the
// search is discovered via ambient process state; workers receive exactly
// this value.
type SearchContext struct {
	Cfg     *searchcfg.Config
	Store   *nodestore.Store
	Gateway *evalgateway.Gateway

	// Root is the index of the current search root, always 0 in a fresh
	// or freshly reparented store.
	Root nodestore.NodeIdx

	// NoiseSeed seeds the Dirichlet root-noise draw; searches wanting
	// reproducible noise set it before the first cycle.
	NoiseSeed uint64

	stop atomic.Bool

	nodesSearched atomic.Uint64
	cycles        atomic.Uint64
	collisions    atomic.Uint64
	dedupLinked   atomic.Uint64
	ttShared      atomic.Uint64
	deferred      atomic.Uint64
}

// resetPerSearchCounters clears the stop flag and the per-search
// counters; tree statistics (the nodes themselves) are untouched, so a
// reused subtree keeps its accumulated N while the new search's node
// budget starts from zero.
func (sc *SearchContext) resetPerSearchCounters() {
	sc.stop.Store(false)
	sc.nodesSearched.Store(0)
	sc.cycles.Store(0)
	sc.collisions.Store(0)
	sc.dedupLinked.Store(0)
	sc.ttShared.Store(0)
	sc.deferred.Store(0)
}

// Stop requests that all workers unwind after their current cycle; the
// selector also polls it at every descent level.
func (sc *SearchContext) Stop() {
	sc.stop.Store(true)
}

// Stopped reports whether Stop has been called.
func (sc *SearchContext) Stopped() bool {
	return sc.stop.Load()
}

// NodesSearched returns how many leaf evaluations (NN, terminal, and
// transposition-shared) have been backed up so far.
func (sc *SearchContext) NodesSearched() uint64 {
	return sc.nodesSearched.Load()
}

// Hash96 derives the transposition index's 96-bit key from the 64-bit
// position hash PositionOps supplies: the low word is the hash itself,
// the high word an xxhash avalanche of it. The high half carries no
// independent information, but a probe-slot match must then survive a
// 96-bit comparison instead of a single-word one.
func Hash96(zobrist uint64) (lo uint64, hi uint32) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], zobrist)
	return zobrist, uint32(xxhash.Sum64(b[:]) >> 32)
}
