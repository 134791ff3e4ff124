package nodestore

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog/log"

	"github.com/ceres-chess/ceres/position"
)

// ErrCapacityExhausted is returned by AllocNode/AllocChildRow once
// either arena's sticky overflow flag has been set; the arenas never
// grow mid-search.
var ErrCapacityExhausted = errors.New("nodestore: capacity exhausted")

// Store is the fixed-capacity arena of packed node records plus its
// child-row arena and transposition index, sized once at search start
// from max_nodes and never grown mid-search.
type Store struct {
	nodes      []Node
	nextNode   atomic.Uint32
	overflowed atomic.Bool

	rows *childRowArena
	tt   *transpositionIndex

	avgLegalMoves int
}

// NewStore allocates a node arena of maxNodes capacity and a child-row
// arena sized as maxNodes * avgLegalMoves (a generous over-provision so
// legitimate expansion is not row-starved before the node arena itself
// is full). ttMemFraction is the share of system memory the
// transposition index may claim.
func NewStore(maxNodes uint64, avgLegalMoves int, ttMemFraction float64) *Store {
	if avgLegalMoves <= 0 {
		avgLegalMoves = 35
	}
	rowCapacity := maxNodes * uint64(avgLegalMoves)
	if rowCapacity > uint64(^uint32(0)) {
		rowCapacity = uint64(^uint32(0))
	}
	return &Store{
		nodes:         make([]Node, maxNodes),
		rows:          newChildRowArena(uint32(rowCapacity), runtime.GOMAXPROCS(0)),
		tt:            newTranspositionIndex(ttMemFraction, int(maxNodes)),
		avgLegalMoves: avgLegalMoves,
	}
}

// nodeFootprint approximates the node record's share of the per-node
// memory cost for NewStoreAuto; NewStoreAuto adds 8 bytes per child-row
// entry on top of it.
const nodeFootprint = 128

// NewStoreAuto sizes the node arena from a fraction of total system
// memory instead of an explicit node count.
func NewStoreAuto(memFraction float64, avgLegalMoves int, ttMemFraction float64) *Store {
	if avgLegalMoves <= 0 {
		avgLegalMoves = 35
	}
	perNode := uint64(nodeFootprint + 8*avgLegalMoves)
	budget := uint64(float64(memory.TotalMemory()) * memFraction)
	maxNodes := budget / perNode
	if maxNodes < 1024 {
		maxNodes = 1024
	}
	log.Info().Uint64("max-nodes", maxNodes).
		Float64("mem-fraction", memFraction).
		Msg("node-arena-size")
	return NewStore(maxNodes, avgLegalMoves, ttMemFraction)
}

// AllocNode reserves the next node slot from the monotonic counter and
// fills its immutable fields. Contention on the counter stays low
// because only selection and leaf collection allocate.
func (s *Store) AllocNode(parent NodeIdx, move position.EncodedMove, hashLo uint64, hashHi uint32, prior position.FixedPointProb) (NodeIdx, error) {
	if s.overflowed.Load() {
		return 0, ErrCapacityExhausted
	}
	idx := s.nextNode.Add(1) - 1
	if idx >= uint32(len(s.nodes)) {
		s.overflowed.Store(true)
		return 0, ErrCapacityExhausted
	}
	n := &s.nodes[idx]
	n.ParentIdx = parent
	n.MoveFromParent = move
	n.Prior = prior
	n.HashLo = hashLo
	n.HashHi = hashHi
	return NodeIdx(idx), nil
}

// AllocChildRow reserves numChildren contiguous child-row entries on the
// shard hinted by workerShard (a worker's own bump region), spilling to
// other shards if that one is exhausted.
func (s *Store) AllocChildRow(workerShard int, numChildren uint32) (RowIdx, error) {
	row, ok := s.rows.alloc(workerShard, numChildren)
	if !ok {
		return 0, ErrCapacityExhausted
	}
	return row, nil
}

// Node returns a pointer to the node record at idx; the pointer is valid
// for the lifetime of the Store (nodes are never moved or freed during a
// search).
func (s *Store) Node(idx NodeIdx) *Node {
	return &s.nodes[idx]
}

// ChildRow returns the slice of child entries for a row previously
// published on a node via Node.PublishChildren.
func (s *Store) ChildRow(row RowIdx, numChildren uint32) []ChildEntry {
	return s.rows.row(row, numChildren)
}

// TranspositionLookup finds the authoritative node index for a 96-bit
// position hash, if one has been inserted.
func (s *Store) TranspositionLookup(hashLo uint64, hashHi uint32) (NodeIdx, bool) {
	return s.tt.lookup(hashLo, hashHi)
}

// TranspositionInsert records idx as the node owning (hashLo, hashHi).
// If an entry for that exact hash already exists it is kept and idx is
// not recorded. The entry is visible to other threads before this call
// returns.
func (s *Store) TranspositionInsert(hashLo uint64, hashHi uint32, idx NodeIdx) bool {
	return s.tt.insert(hashLo, hashHi, idx)
}

// AllocatedNodes returns the number of node slots handed out so far,
// clamped to capacity.
func (s *Store) AllocatedNodes() uint32 {
	n := s.nextNode.Load()
	if n > uint32(len(s.nodes)) {
		return uint32(len(s.nodes))
	}
	return n
}

// Capacity returns the arena's fixed node capacity.
func (s *Store) Capacity() uint32 {
	return uint32(len(s.nodes))
}

// Overflowed reports whether either arena (nodes or child rows) has hit
// its capacity.
func (s *Store) Overflowed() bool {
	return s.overflowed.Load() || s.rows.overflowed.Load()
}

// TranspositionStats exposes the lookup/hit/insert counters for the
// driver's batch/search statistics reporting.
func (s *Store) TranspositionStats() (lookups, hits, inserts uint64) {
	return s.tt.stats()
}

// Reset reinitializes the node counter and child-row shards for a
// fresh search while keeping the backing arrays allocated. It does not
// clear node contents; callers that reparent are expected to overwrite
// only the nodes they reuse, and a full reset (no reuse) should
// re-create the Store instead so stale node data can't leak into a
// fresh arena walk.
func (s *Store) Reset() {
	s.nextNode.Store(0)
	s.overflowed.Store(false)
	for i := range s.rows.shardNext {
		s.rows.shardNext[i].Store(0)
	}
	s.rows.overflowed.Store(false)
}
