package search

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/position"
	"github.com/ceres-chess/ceres/searchcfg"
)

func newSelectorContext(cfg *searchcfg.Config) *SearchContext {
	return &SearchContext{Cfg: cfg, Store: nodestore.NewStore(256, 8, 0.001)}
}

// expandedParent builds a published parent with the given child priors
// and returns the parent's index.
func expandedParent(t *testing.T, sc *SearchContext, priors []float32) nodestore.NodeIdx {
	t.Helper()
	store := sc.Store
	parent, err := store.AllocNode(0, 0, 100, 0, position.PackProb(1.0))
	require.NoError(t, err)
	row, err := store.AllocChildRow(0, uint32(len(priors)))
	require.NoError(t, err)
	entries := store.ChildRow(row, uint32(len(priors)))
	for i := range entries {
		entries[i].Move = position.EncodedMove(i + 1)
		entries[i].Prior = position.PackProb(priors[i])
		entries[i].ChildIdx.Store(position.UnexpandedSentinel)
	}
	n := store.Node(parent)
	require.True(t, n.TryBeginExpansion())
	n.PublishChildren(row, uint32(len(priors)))
	n.ApplyBackup(0.1, 0)
	return parent
}

func TestCpuctLogGrowthSchedule(t *testing.T) {
	cfg := searchcfg.DefaultConfig()
	sc := newSelectorContext(cfg)
	sel := newSelector(sc, 0)

	atZero := sel.cpuct(0, false)
	assert.InDelta(t, cfg.CpuctBase, atZero, 1e-12)

	atMany := sel.cpuct(200_000, false)
	assert.Greater(t, atMany, atZero, "cpuct must grow with parent visits")

	cfg.CpuctAtRootMultiplier = 2.0
	assert.InDelta(t, 2*atZero, sel.cpuct(0, true), 1e-12)
}

func TestPickChildPrefersHigherPriorWhenUnvisited(t *testing.T) {
	cfg := searchcfg.DefaultConfig()
	sc := newSelectorContext(cfg)
	parent := expandedParent(t, sc, []float32{0.1, 0.7, 0.2})
	sel := newSelector(sc, 0)

	n := sc.Store.Node(parent)
	children := sc.Store.ChildRow(n.ChildRow, n.NumChildren)
	assert.Equal(t, 1, sel.pickChild(n, children, false))
}

func TestPickChildTieBreaksOnLowerMoveIndex(t *testing.T) {
	cfg := searchcfg.DefaultConfig()
	sc := newSelectorContext(cfg)
	parent := expandedParent(t, sc, []float32{0.25, 0.25, 0.25, 0.25})
	sel := newSelector(sc, 0)

	n := sc.Store.Node(parent)
	children := sc.Store.ChildRow(n.ChildRow, n.NumChildren)
	assert.Equal(t, 0, sel.pickChild(n, children, false))
}

func TestPickChildPrefersProvenWinOverPrior(t *testing.T) {
	cfg := searchcfg.DefaultConfig()
	sc := newSelectorContext(cfg)
	parent := expandedParent(t, sc, []float32{0.9, 0.1})
	n := sc.Store.Node(parent)
	children := sc.Store.ChildRow(n.ChildRow, n.NumChildren)

	// Expand both children with equal visits: the high-prior child is
	// losing for the parent (its own mean +0.5), the low-prior one is a
	// proven win (its own mean -1, so the parent sees +1). Q must win
	// out once the exploration bonus has shrunk.
	for i, mean := range []float64{0.5, -1.0} {
		child, err := sc.Store.AllocNode(parent, children[i].Move, uint64(101+i), 0, children[i].Prior)
		require.NoError(t, err)
		children[i].ChildIdx.Store(uint32(child))
		for v := 0; v < 20; v++ {
			sc.Store.Node(child).ApplyBackup(mean, 0)
			n.ApplyBackup(-mean, 0)
		}
	}

	sel := newSelector(sc, 0)
	assert.Equal(t, 1, sel.pickChild(n, children, false))
}

func TestVirtualLossDispersesConcurrentWalks(t *testing.T) {
	cfg := searchcfg.DefaultConfig()
	sc := newSelectorContext(cfg)
	parent := expandedParent(t, sc, []float32{0.5, 0.5})
	n := sc.Store.Node(parent)
	children := sc.Store.ChildRow(n.ChildRow, n.NumChildren)

	// Expand both children with identical stats, then load one with
	// virtual loss as an in-flight descent would.
	for i := range children {
		child, err := sc.Store.AllocNode(parent, children[i].Move, uint64(200+i), 0, children[i].Prior)
		require.NoError(t, err)
		children[i].ChildIdx.Store(uint32(child))
		sc.Store.Node(child).ApplyBackup(0, 0)
	}
	firstChild := nodestore.NodeIdx(children[0].ChildIdx.Load())
	sc.Store.Node(firstChild).VirtualLoss.Add(3)

	sel := newSelector(sc, 0)
	assert.Equal(t, 1, sel.pickChild(n, children, false),
		"the loaded child must look worse while its descent is in flight")
}

func TestResolveChildAllocatesExactlyOnceUnderRace(t *testing.T) {
	cfg := searchcfg.DefaultConfig()
	sc := newSelectorContext(cfg)
	parent := expandedParent(t, sc, []float32{1.0})
	n := sc.Store.Node(parent)
	entry := &sc.Store.ChildRow(n.ChildRow, n.NumChildren)[0]

	g := &toyGame{nodes: map[string]*toyNode{
		"x": {winProb: 0.5, lossProb: 0.3, moves: []toyMove{{mv: 1, to: "y"}}},
		"y": {terminal: position.Draw50},
	}}

	const racers = 16
	results := make([]nodestore.NodeIdx, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel := newSelector(sc, i)
			idx, err := sel.resolveChild(parent, entry, newToyPosition(g, "x"))
			assert.NoError(t, err)
			results[i] = idx
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		assert.Equal(t, results[0], results[i], "every racer must see the same allocated child")
	}
}

func TestDescendRevertsVirtualLossOnStop(t *testing.T) {
	cfg := searchcfg.DefaultConfig()
	g := &toyGame{nodes: map[string]*toyNode{
		"r": {winProb: 0.5, lossProb: 0.3, moves: []toyMove{{mv: 1, to: "e"}}},
		"e": {terminal: position.Draw50},
	}}
	sc := newSelectorContext(cfg)
	lo64, hi := Hash96(newToyPosition(g, "r").ZobristHash())
	_, err := sc.Store.AllocNode(0, 0, lo64, hi, position.PackProb(1.0))
	require.NoError(t, err)
	sc.Stop()

	sel := newSelector(sc, 0)
	_, err = sel.descend(newToyPosition(g, "r"))
	assert.ErrorIs(t, err, errStopped)
	assert.Equal(t, int32(0), sc.Store.Node(0).VirtualLoss.Load())
}
