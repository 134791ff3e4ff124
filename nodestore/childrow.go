package nodestore

import (
	"sync/atomic"

	"github.com/ceres-chess/ceres/position"
)

// ChildEntry is one slot of a parent's child row: the move that leads to
// it, its NN prior, and the index of the expanded node it points at (or
// position.UnexpandedSentinel while the child has a prior but has never
// been walked into).
type ChildEntry struct {
	Move     position.EncodedMove
	Prior    position.FixedPointProb
	ChildIdx atomic.Uint32
}

// childRowArena is the variable-length sibling of the fixed-size node
// arena. Rows are allocated from per-shard bump regions so concurrently
// expanding workers don't contend on one counter.
type childRowArena struct {
	entries    []ChildEntry
	shardBase  []uint32
	shardNext  []atomic.Uint32
	shardSize  uint32
	numShards  uint32
	overflowed atomic.Bool
}

func newChildRowArena(capacity uint32, numShards int) *childRowArena {
	if numShards < 1 {
		numShards = 1
	}
	shardSize := capacity / uint32(numShards)
	if shardSize == 0 {
		shardSize = capacity
		numShards = 1
	}
	a := &childRowArena{
		entries:   make([]ChildEntry, capacity),
		shardBase: make([]uint32, numShards),
		shardNext: make([]atomic.Uint32, numShards),
		shardSize: shardSize,
		numShards: uint32(numShards),
	}
	for i := 0; i < numShards; i++ {
		a.shardBase[i] = uint32(i) * shardSize
	}
	return a
}

// alloc reserves numChildren contiguous entries from shard's bump region,
// falling through to later shards if the preferred one is exhausted so a
// hot shard doesn't fail allocations that other shards could still serve.
func (a *childRowArena) alloc(shard int, numChildren uint32) (RowIdx, bool) {
	if a.overflowed.Load() {
		return 0, false
	}
	shard = int(uint32(shard) % a.numShards)
	for tries := uint32(0); tries < a.numShards; tries++ {
		s := (shard + int(tries)) % int(a.numShards)
		for {
			cur := a.shardNext[s].Load()
			if cur+numChildren > a.shardSize {
				break
			}
			if a.shardNext[s].CompareAndSwap(cur, cur+numChildren) {
				return RowIdx(a.shardBase[s] + cur), true
			}
		}
	}
	a.overflowed.Store(true)
	return 0, false
}

func (a *childRowArena) row(idx RowIdx, numChildren uint32) []ChildEntry {
	return a.entries[idx : uint32(idx)+numChildren]
}
