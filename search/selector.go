package search

import (
	"math"
	"runtime"

	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/position"
)

// leafVisit is one descent's outcome: the path of node indices from root
// to leaf (inclusive), with virtual loss already applied to every node on
// it. Exactly one of the flags below describes the leaf.
type leafVisit struct {
	path []nodestore.NodeIdx

	// claimed: the descent won the expansion CAS on a fresh leaf; pos is
	// an independent clone positioned at it and the leaf must be
	// classified (terminal / transposition / NN) and published.
	claimed bool
	pos     position.PositionOps

	// terminal: the leaf is an already-published terminal node being
	// revisited; its fixed value backs up immediately.
	terminal bool

	// collision: another worker holds the leaf's expansion claim; the
	// descent is abandoned and its virtual loss reverted.
	collision bool
}

func (v *leafVisit) leaf() nodestore.NodeIdx {
	return v.path[len(v.path)-1]
}

// selector walks the shared tree by the PUCT rule, one worker per
// selector instance; scratch state (the path buffer, the worker's
// position) is reused across descents.
type selector struct {
	sc       *SearchContext
	workerID int
	pathBuf  []nodestore.NodeIdx
}

func newSelector(sc *SearchContext, workerID int) *selector {
	return &selector{sc: sc, workerID: workerID}
}

// cpuct evaluates the log-growth exploration schedule at parent visit
// count n.
func (s *selector) cpuct(n float64, atRoot bool) float64 {
	cfg := s.sc.Cfg
	c := cfg.CpuctBase + cfg.CpuctFactor*math.Log((n+cfg.CpuctInit)/cfg.CpuctInit)
	if atRoot {
		c *= cfg.CpuctAtRootMultiplier
	}
	return c
}

// descend walks from the root to one leaf, incrementing every visited
// node's virtual-loss counter on the way down. pos must be positioned at
// the root; descend restores it before returning regardless of outcome.
func (s *selector) descend(pos position.PositionOps) (leafVisit, error) {
	cfg := s.sc.Cfg
	store := s.sc.Store
	vloss := cfg.VirtualLossPerVisit

	s.pathBuf = s.pathBuf[:0]
	cur := s.sc.Root
	depth := 0
	defer func() {
		for i := 0; i < depth; i++ {
			pos.Undo()
		}
	}()

	store.Node(cur).VirtualLoss.Add(vloss)
	s.pathBuf = append(s.pathBuf, cur)

	for {
		if s.sc.Stopped() {
			s.revertVirtualLoss(s.pathBuf)
			return leafVisit{}, errStopped
		}
		n := store.Node(cur)

		if !n.IsReady() {
			if n.TryBeginExpansion() {
				return leafVisit{path: s.clonePath(), claimed: true, pos: pos.Clone()}, nil
			}
			// Another worker is evaluating this leaf right now; abandon
			// rather than wait out a whole NN batch.
			s.revertVirtualLoss(s.pathBuf)
			s.sc.collisions.Add(1)
			return leafVisit{path: s.clonePath(), collision: true}, nil
		}
		// Terminal is only trusted after the ready acquire above; the
		// claiming worker writes it before publishing.
		if n.Terminal.IsTerminal() {
			return leafVisit{path: s.clonePath(), terminal: true}, nil
		}

		children := store.ChildRow(n.ChildRow, n.NumChildren)
		best := s.pickChild(n, children, cur == s.sc.Root)

		entry := &children[best]
		pos.MakeMove(entry.Move)
		depth++

		childIdx, err := s.resolveChild(cur, entry, pos)
		if err != nil {
			s.revertVirtualLoss(s.pathBuf)
			return leafVisit{}, err
		}
		cur = childIdx
		store.Node(cur).VirtualLoss.Add(vloss)
		s.pathBuf = append(s.pathBuf, cur)
	}
}

// pickChild applies the PUCT rule over a published child row, reading
// each child's (N, sum) snapshot plus its virtual loss so concurrent
// walks disperse. Ties break on lower child index.
func (s *selector) pickChild(parent *nodestore.Node, children []nodestore.ChildEntry, atRoot bool) int {
	cfg := s.sc.Cfg
	store := s.sc.Store

	parentN, _ := parent.Stats()
	parentVloss := parent.VirtualLoss.Load()
	parentEffN := float64(parentN) + float64(parentVloss)
	c := s.cpuct(parentEffN, atRoot)
	sqrtN := math.Sqrt(parentEffN)
	if sqrtN < 1 {
		sqrtN = 1
	}

	// FPU: unvisited children default to the parent's own estimate,
	// reduced by the mass of priors already explored.
	fpuReduction := cfg.FPUReduction
	if atRoot {
		fpuReduction = cfg.FPUReductionAtRoot
	}
	var visitedPriorSum float64
	for i := range children {
		ci := children[i].ChildIdx.Load()
		if ci == position.UnexpandedSentinel || ci == position.ReservedSentinel {
			continue
		}
		if visits, _ := store.Node(nodestore.NodeIdx(ci)).Stats(); visits > 0 {
			visitedPriorSum += float64(children[i].Prior.UnpackProb())
		}
	}
	fpu := parent.MeanValue() - fpuReduction*math.Sqrt(visitedPriorSum)

	best := 0
	bestScore := math.Inf(-1)
	for i := range children {
		prior := float64(children[i].Prior.UnpackProb())
		var q float64
		var effN float64
		ci := children[i].ChildIdx.Load()
		if ci != position.UnexpandedSentinel && ci != position.ReservedSentinel {
			child := store.Node(nodestore.NodeIdx(ci))
			visits, sum := child.Stats()
			cv := child.VirtualLoss.Load()
			effN = float64(visits) + float64(cv)
			if effN > 0 {
				// Negate: the child's sum is from the child mover's
				// perspective; virtual loss is a pessimistic -1 per unit
				// from ours.
				q = (-sum - float64(cv)) / effN
			} else {
				q = fpu
			}
		} else {
			q = fpu
		}
		score := q + c*prior*sqrtN/(1+effN)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}

// resolveChild turns a child entry into a node index, allocating the
// child's node on first touch. The Reserved CAS protocol guarantees a
// unique allocation per entry: the winner allocates and publishes, any
// loser spins until the index appears.
func (s *selector) resolveChild(parent nodestore.NodeIdx, entry *nodestore.ChildEntry, pos position.PositionOps) (nodestore.NodeIdx, error) {
	spins := 0
	for {
		ci := entry.ChildIdx.Load()
		switch ci {
		case position.UnexpandedSentinel:
			if !entry.ChildIdx.CompareAndSwap(position.UnexpandedSentinel, position.ReservedSentinel) {
				continue
			}
			lo, hi := Hash96(pos.ZobristHash())
			idx, err := s.sc.Store.AllocNode(parent, entry.Move, lo, hi, entry.Prior)
			if err != nil {
				entry.ChildIdx.Store(position.UnexpandedSentinel)
				return 0, ErrCapacityExhausted
			}
			entry.ChildIdx.Store(uint32(idx))
			return idx, nil
		case position.ReservedSentinel:
			// Allocation in flight on another worker; it resolves within
			// a few instructions.
			spins++
			if spins > 64 {
				runtime.Gosched()
				spins = 0
			}
			continue
		default:
			return nodestore.NodeIdx(ci), nil
		}
	}
}

// revertVirtualLoss undoes the descent's virtual-loss increments on an
// abandoned path, so cancelled or collided walks leave no residue.
func (s *selector) revertVirtualLoss(path []nodestore.NodeIdx) {
	vloss := s.sc.Cfg.VirtualLossPerVisit
	for _, idx := range path {
		s.sc.Store.Node(idx).VirtualLoss.Add(-vloss)
	}
}

func (s *selector) clonePath() []nodestore.NodeIdx {
	out := make([]nodestore.NodeIdx, len(s.pathBuf))
	copy(out, s.pathBuf)
	return out
}
