package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceres-chess/ceres/ceresio"
	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/position"
	"github.com/ceres-chess/ceres/searchcfg"
)

func testConfig() *searchcfg.Config {
	cfg := searchcfg.DefaultConfig()
	cfg.MaxNodes = 100_000
	cfg.NumWorkerThreads = 1
	cfg.TargetBatchSize = 8
	cfg.TranspositionMinVisits = 1
	cfg.DirichletNoiseEpsilon = 0
	return cfg
}

func newTestDriver(t *testing.T, cfg *searchcfg.Config) *Driver {
	t.Helper()
	d, err := NewDriver(cfg, []position.BatchedEvaluator{newScriptedEvaluator()})
	require.NoError(t, err)
	return d
}

// A root where one move mates on the spot: the mating child's Q is a
// full point ahead, so visits must concentrate on it.
func TestSearchFindsForcedMateInOne(t *testing.T) {
	g := &toyGame{nodes: map[string]*toyNode{
		"root": {winProb: 0.5, lossProb: 0.3, moves: []toyMove{
			{mv: 1, to: "mate"},
			{mv: 2, to: "a"},
			{mv: 3, to: "b"},
		}},
		"mate": {terminal: position.Checkmate},
		"a":    {winProb: 0.35, lossProb: 0.30, moves: []toyMove{{mv: 1, to: "aEnd"}}},
		"b":    {winProb: 0.35, lossProb: 0.30, moves: []toyMove{{mv: 1, to: "bEnd"}}},
		"aEnd": {terminal: position.Draw50},
		"bEnd": {terminal: position.Draw50},
	}}
	d := newTestDriver(t, testConfig())
	res, err := d.Search(context.Background(), newToyPosition(g, "root"), Limit{MaxNodes: 200})
	require.NoError(t, err)

	assert.Equal(t, position.EncodedMove(1), res.BestMove)
	assert.InDelta(t, 1.0, res.Q, 1e-9)

	// The chosen child must have been discovered terminal.
	root := d.Store().Node(0)
	entries := d.Store().ChildRow(root.ChildRow, root.NumChildren)
	ci := entries[0].ChildIdx.Load()
	require.NotEqual(t, position.UnexpandedSentinel, ci)
	assert.Equal(t, position.Checkmate, d.Store().Node(nodestore.NodeIdx(ci)).Terminal)

	require.NoError(t, VerifyTree(d.Store(), 0))
}

// A winning position with a stalemate trap: grabbing the stalemate is a
// half point, the quiet move wins outright. The engine must not take
// the draw, and its chosen move's Q must be positive.
func TestSearchAvoidsStalemateTrap(t *testing.T) {
	g := &toyGame{nodes: map[string]*toyNode{
		"root":  {winProb: 0.6, lossProb: 0.1, moves: []toyMove{
			{mv: 1, to: "stale"},
			{mv: 2, to: "g"},
		}},
		"stale": {terminal: position.DrawStalemate},
		"g":     {winProb: 0.1, lossProb: 0.6, moves: []toyMove{{mv: 1, to: "w"}}},
		"w":     {terminal: position.TablebaseWin},
	}}
	d := newTestDriver(t, testConfig())
	res, err := d.Search(context.Background(), newToyPosition(g, "root"), Limit{MaxNodes: 1000})
	require.NoError(t, err)

	assert.Equal(t, position.EncodedMove(2), res.BestMove, "must not take the stalemate")
	assert.Greater(t, res.Q, 0.0)
	require.NoError(t, VerifyTree(d.Store(), 0))
}

// Two move orders reaching the same position must share their
// evaluation: one leaf is evaluated, the other links to it by reference.
func TestSearchSharesTranspositions(t *testing.T) {
	g := &toyGame{nodes: map[string]*toyNode{
		"root": {winProb: 0.5, lossProb: 0.3, moves: []toyMove{
			{mv: 1, to: "p1"},
			{mv: 2, to: "p2"},
		}},
		"p1":   {winProb: 0.3, lossProb: 0.3, moves: []toyMove{{mv: 9, to: "t"}}},
		"p2":   {winProb: 0.3, lossProb: 0.3, moves: []toyMove{{mv: 9, to: "t"}}},
		"t":    {winProb: 0.45, lossProb: 0.25, moves: []toyMove{{mv: 1, to: "tEnd"}}},
		"tEnd": {terminal: position.Draw50},
	}}
	d := newTestDriver(t, testConfig())
	res, err := d.Search(context.Background(), newToyPosition(g, "root"), Limit{MaxNodes: 200})
	require.NoError(t, err)

	shared := res.Batch.SharedEvals + res.Batch.DedupLinked
	assert.Greater(t, shared, uint64(0), "expected at least one shared evaluation")

	var flagged bool
	for idx := uint32(0); idx < d.Store().AllocatedNodes(); idx++ {
		if d.Store().Node(nodestore.NodeIdx(idx)).SharedEval {
			flagged = true
			break
		}
	}
	assert.True(t, flagged, "expected a node carrying the reference-sharing flag")
	require.NoError(t, VerifyTree(d.Store(), 0))
}

// A dead-drawn root with no game left in it: the search discovers the
// root itself terminal and returns immediately with a single visit.
func TestSearchTerminalRootReturnsImmediately(t *testing.T) {
	g := &toyGame{nodes: map[string]*toyNode{
		"root": {terminal: position.DrawInsufficient},
	}}
	d := newTestDriver(t, testConfig())
	res, err := d.Search(context.Background(), newToyPosition(g, "root"), Limit{MaxNodes: 1000})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.NodesSearched)
	assert.Equal(t, position.DrawInsufficient, d.Store().Node(0).Terminal)
	assert.Equal(t, uint32(1), d.Store().Node(0).N())
	assert.Empty(t, res.Children)
}

// Search, play the chosen move, reparent, search again: the kept
// subtree's statistics must survive the remap and the second search
// must build on them rather than restart.
func TestTreeReuseKeepsSubtreeStatistics(t *testing.T) {
	g := deepToyGame(4, 6)
	cfg := testConfig()
	d := newTestDriver(t, cfg)
	pos := newToyPosition(g, "r")

	res, err := d.Search(context.Background(), pos, Limit{MaxNodes: 2000})
	require.NoError(t, err)
	firstNodes := d.Store().AllocatedNodes()

	// Stats of the to-be-kept child before the remap.
	root := d.Store().Node(0)
	entries := d.Store().ChildRow(root.ChildRow, root.NumChildren)
	var keptN uint32
	var keptMean float64
	for i := range entries {
		if entries[i].Move != res.BestMove {
			continue
		}
		child := d.Store().Node(nodestore.NodeIdx(entries[i].ChildIdx.Load()))
		keptN = child.N()
		keptMean = child.MeanValue()
	}
	require.Greater(t, keptN, uint32(0))

	d.PlayMove(res.BestMove)
	pos.MakeMove(res.BestMove)

	newRoot := d.Store().Node(0)
	assert.Equal(t, keptN, newRoot.N(), "reparented root must keep its visit count")
	assert.InDelta(t, keptMean, newRoot.MeanValue(), 1e-12)
	require.NoError(t, VerifyTree(d.Store(), 0))
	reusedNodes := d.Store().AllocatedNodes()
	assert.Less(t, reusedNodes, firstNodes)

	res2, err := d.Search(context.Background(), pos, Limit{MaxNodes: 2000})
	require.NoError(t, err)
	assert.Equal(t, StatusLimitReached, res2.Status)
	assert.GreaterOrEqual(t, d.Store().Node(0).N(), keptN+2000)
	require.NoError(t, VerifyTree(d.Store(), 0))
}

// Reparent followed by no search at all is the identity on the kept
// subtree: same shape, same statistics, node for node.
func TestReparentIsIsomorphicOnKeptSubtree(t *testing.T) {
	g := deepToyGame(3, 4)
	d := newTestDriver(t, testConfig())
	pos := newToyPosition(g, "r")
	res, err := d.Search(context.Background(), pos, Limit{MaxNodes: 500})
	require.NoError(t, err)

	// Collect the kept subtree's (move-path → stats) map before.
	var oldChild nodestore.NodeIdx
	root := d.Store().Node(0)
	entries := d.Store().ChildRow(root.ChildRow, root.NumChildren)
	for i := range entries {
		if entries[i].Move == res.BestMove {
			oldChild = nodestore.NodeIdx(entries[i].ChildIdx.Load())
		}
	}
	before := collectSubtree(t, d.Store(), oldChild, "")

	d.PlayMove(res.BestMove)
	after := collectSubtree(t, d.Store(), 0, "")
	assert.Equal(t, before, after)
	require.NoError(t, VerifyTree(d.Store(), 0))
}

// A 1024-node arena asked for a 100k-node search must stop gracefully
// with CapacityExhausted and still report a usable best move.
func TestSearchSurvivesArenaOverflow(t *testing.T) {
	g := deepToyGame(8, 5)
	cfg := testConfig()
	cfg.MaxNodes = 1024
	d := newTestDriver(t, cfg)

	res, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxNodes: 100_000})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Equal(t, StatusCapacityExhausted, res.Status)
	assert.NotZero(t, res.BestMove, "a best move must come out of the nodes that fit")
	assert.NotEmpty(t, res.Children)
}

// Single-threaded runs with identical configuration are bit-for-bit
// reproducible: same best move, same visit distribution.
func TestSingleThreadedSearchIsDeterministic(t *testing.T) {
	g := deepToyGame(3, 4)
	run := func() *Result {
		d := newTestDriver(t, testConfig())
		res, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxNodes: 600})
		require.NoError(t, err)
		return res
	}
	first, second := run(), run()
	assert.Equal(t, first.BestMove, second.BestMove)
	assert.Equal(t, first.Children, second.Children)
	assert.Equal(t, first.PV.Moves, second.PV.Moves)
}

// With one leaf per cycle on one thread, virtual loss is never observed
// by any other descent, so running with it on and off must produce
// identical trees.
func TestVirtualLossNeutralityOnSingleThread(t *testing.T) {
	g := deepToyGame(3, 4)
	run := func(vloss int32) *Result {
		cfg := testConfig()
		cfg.VirtualLossPerVisit = vloss
		cfg.TargetBatchSize = 1
		d := newTestDriver(t, cfg)
		res, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxNodes: 400})
		require.NoError(t, err)
		require.NoError(t, VerifyTree(d.Store(), 0))
		return res
	}
	withVloss, withoutVloss := run(1), run(0)
	assert.Equal(t, withVloss.BestMove, withoutVloss.BestMove)
	assert.Equal(t, withVloss.Children, withoutVloss.Children)
}

// Multi-threaded smoke test: four workers hammering one tree must leave
// it quiescent and invariant-clean at the end.
func TestParallelSearchLeavesTreeConsistent(t *testing.T) {
	g := deepToyGame(5, 5)
	cfg := testConfig()
	cfg.NumWorkerThreads = 4
	cfg.TargetBatchSize = 32
	d := newTestDriver(t, cfg)

	res, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxNodes: 5000})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.NodesSearched, uint64(5000))
	require.NoError(t, VerifyTree(d.Store(), 0))
}

// The adaptive stop: a position with one move massively better than the
// rest should stop on the Q-difference limit well before the node cap.
func TestQDiffLimitStopsEarly(t *testing.T) {
	g := &toyGame{nodes: map[string]*toyNode{
		"root": {winProb: 0.5, lossProb: 0.3, moves: []toyMove{
			{mv: 1, to: "win"},
			{mv: 2, to: "meh"},
		}},
		"win":  {winProb: 0.05, lossProb: 0.9, moves: []toyMove{{mv: 1, to: "wEnd"}}},
		"meh":  {winProb: 0.5, lossProb: 0.5, moves: []toyMove{{mv: 1, to: "mEnd"}}},
		"wEnd": {terminal: position.TablebaseWin},
		"mEnd": {terminal: position.Draw50},
	}}
	d := newTestDriver(t, testConfig())
	res, err := d.Search(context.Background(), newToyPosition(g, "root"),
		Limit{MaxNodes: 50_000, QDiffThreshold: 0.3})
	require.NoError(t, err)
	assert.Equal(t, position.EncodedMove(1), res.BestMove)
	assert.Less(t, res.NodesSearched, uint64(50_000))
}

// An evaluator that fails both the original batch and the halved retry
// stops the search with an evaluator-failure status.
func TestEvaluatorDoubleFailureStopsSearch(t *testing.T) {
	g := deepToyGame(3, 3)
	eval := newScriptedEvaluator()
	eval.failures = 2
	cfg := testConfig()
	d, err := NewDriver(cfg, []position.BatchedEvaluator{eval})
	require.NoError(t, err)

	res, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxNodes: 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEvaluatorFailed)
	if res != nil {
		assert.Equal(t, StatusEvaluatorFailed, res.Status)
	}
}

// A wall-clock deadline alone must terminate the search.
func TestWallClockLimit(t *testing.T) {
	g := deepToyGame(4, 6)
	d := newTestDriver(t, testConfig())
	start := time.Now()
	res, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxTime: 150 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, StatusLimitReached, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Greater(t, res.NodesSearched, uint64(0))
}

// Root Dirichlet noise must leave the root's priors a valid
// distribution and keep the tree invariant-clean.
func TestRootNoiseKeepsPriorsNormalized(t *testing.T) {
	g := deepToyGame(4, 4)
	cfg := testConfig()
	cfg.DirichletNoiseEpsilon = 0.25
	d := newTestDriver(t, cfg)
	d.SetNoiseSeed(42)

	_, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxNodes: 500})
	require.NoError(t, err)
	require.NoError(t, VerifyTree(d.Store(), 0))
}

// The debug snapshot export must round-trip every allocated node.
func TestExportSnapshotRoundTrip(t *testing.T) {
	g := deepToyGame(3, 3)
	d := newTestDriver(t, testConfig())
	_, err := d.Search(context.Background(), newToyPosition(g, "r"), Limit{MaxNodes: 100})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "tree.gz")
	require.NoError(t, d.ExportSnapshot(path))

	rows, err := ceresio.ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, int(d.Store().AllocatedNodes()), len(rows))
	assert.Equal(t, d.Store().Node(0).N(), rows[0].Visits)
}

// subtreeStat is a comparable snapshot of one node for isomorphism
// checks, keyed by the move path that reaches it.
type subtreeStat struct {
	path   string
	visits uint32
	sum    float64
}

func collectSubtree(t *testing.T, store *nodestore.Store, idx nodestore.NodeIdx, path string) map[string]subtreeStat {
	t.Helper()
	out := map[string]subtreeStat{}
	var walk func(idx nodestore.NodeIdx, path string)
	walk = func(idx nodestore.NodeIdx, path string) {
		n := store.Node(idx)
		visits, sum, _, _ := n.Sums()
		out[path] = subtreeStat{path: path, visits: visits, sum: sum}
		if !n.IsReady() || n.NumChildren == 0 {
			return
		}
		entries := store.ChildRow(n.ChildRow, n.NumChildren)
		for i := range entries {
			ci := entries[i].ChildIdx.Load()
			if ci == position.UnexpandedSentinel || ci == position.ReservedSentinel {
				continue
			}
			walk(nodestore.NodeIdx(ci), path+"/"+string(rune('a'+int(entries[i].Move))))
		}
	}
	walk(idx, path)
	return out
}
