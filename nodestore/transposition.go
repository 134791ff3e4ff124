package nodestore

import (
	"math"
	"sync/atomic"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog/log"
)

// ttSlot is one bucket of the open-addressed transposition index. An
// empty slot has hashLo == 0 and hashHi == 0; a real position hash
// landing on exactly zero is astronomically unlikely, so the table
// tolerates that one false negative rather than paying for a separate
// occupancy bit.
type ttSlot struct {
	hashLo  atomic.Uint64
	hashHi  atomic.Uint32
	nodeIdx atomic.Uint32
}

// transpositionIndex is a power-of-two, open-addressed, linearly
// probed hash table from a 96-bit position hash to the node index that
// owns it, sized as a power-of-two element count derived from a
// fraction of total system memory.
type transpositionIndex struct {
	slots    []ttSlot
	sizeMask uint64

	lookups atomic.Uint64
	hits    atomic.Uint64
	inserts atomic.Uint64
}

const ttEntrySize = 16 // one uint64 and two uint32 words

func newTranspositionIndex(fractionOfMemory float64, minElems int) *transpositionIndex {
	totalMem := memory.TotalMemory()
	desired := fractionOfMemory * (float64(totalMem) / float64(ttEntrySize))
	sizePow := int(math.Log2(desired))
	if sizePow < 10 {
		sizePow = 10
	}
	if minElems > 0 {
		for (1 << sizePow) < minElems {
			sizePow++
		}
	}
	numElems := 1 << sizePow
	log.Info().Int("num-elems", numElems).
		Uint64("total-system-memory-bytes", totalMem).
		Msg("transposition-index-size")
	return &transpositionIndex{
		slots:    make([]ttSlot, numElems),
		sizeMask: uint64(numElems - 1),
	}
}

// lookup returns the node index stored for (hashLo, hashHi), or false if
// no entry is present within the probe sequence's occupied prefix.
func (t *transpositionIndex) lookup(hashLo uint64, hashHi uint32) (NodeIdx, bool) {
	t.lookups.Add(1)
	idx := hashLo & t.sizeMask
	for probe := uint64(0); probe < uint64(len(t.slots)); probe++ {
		slot := &t.slots[(idx+probe)&t.sizeMask]
		lo := slot.hashLo.Load()
		hi := slot.hashHi.Load()
		if lo == 0 && hi == 0 {
			return 0, false
		}
		if lo == hashLo && hi == hashHi {
			t.hits.Add(1)
			return NodeIdx(slot.nodeIdx.Load()), true
		}
	}
	return 0, false
}

// insert claims the first empty slot in (hashLo, hashHi)'s probe
// sequence via CAS on hashLo. A hash has at most one entry: if the exact
// (hashLo, hashHi) is already present, the existing node index is kept.
func (t *transpositionIndex) insert(hashLo uint64, hashHi uint32, idx NodeIdx) bool {
	start := hashLo & t.sizeMask
	for probe := uint64(0); probe < uint64(len(t.slots)); probe++ {
		slot := &t.slots[(start+probe)&t.sizeMask]
		if slot.hashLo.CompareAndSwap(0, hashLo) {
			slot.hashHi.Store(hashHi)
			slot.nodeIdx.Store(uint32(idx))
			t.inserts.Add(1)
			return true
		}
		if slot.hashLo.Load() == hashLo && slot.hashHi.Load() == hashHi {
			// Already present for this exact hash; not an error, just no
			// new slot needed.
			return true
		}
	}
	return false
}

func (t *transpositionIndex) stats() (lookups, hits, inserts uint64) {
	return t.lookups.Load(), t.hits.Load(), t.inserts.Load()
}
