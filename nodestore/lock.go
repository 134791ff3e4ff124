package nodestore

import (
	"runtime"
	"sync/atomic"
)

// spinlock guards a node's compound statistics: a single CAS-guarded
// flag, spun on briefly and then yielded. Critical sections are a
// handful of float adds, far too short to justify a sync.Mutex per
// node.
type spinlock struct {
	state atomic.Bool
}

func (s *spinlock) Lock() {
	spins := 0
	for !s.state.CompareAndSwap(false, true) {
		spins++
		if spins > 32 {
			runtime.Gosched()
			spins = 0
		}
	}
}

func (s *spinlock) Unlock() {
	s.state.Store(false)
}
