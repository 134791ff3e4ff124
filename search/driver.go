package search

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ceres-chess/ceres/ceresio"
	"github.com/ceres-chess/ceres/evalgateway"
	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/position"
	"github.com/ceres-chess/ceres/searchcfg"
)

// Limit bounds one Search call. Zero-valued fields don't constrain; at
// least one of MaxTime/MaxNodes/MaxCycles/QDiffThreshold should be set
// or the search runs until capacity is exhausted.
type Limit struct {
	MaxTime   time.Duration
	MaxNodes  uint64
	MaxCycles uint64

	// QDiffThreshold stops adaptively once the best root child's Q lead
	// over the second best exceeds it (both children need visits first).
	QDiffThreshold float64
}

// qdiffMinVisits is how many visits the leading root child needs before
// the adaptive Q-difference stop is consulted, so a lucky first batch
// can't end the search.
const qdiffMinVisits = 32

// Driver orchestrates selection→evaluation→backup cycles over a worker
// pool until a limit fires, then reports the chosen move. It owns the
// node store across searches so a reparented subtree survives from one
// move to the next.
type Driver struct {
	cfg     *searchcfg.Config
	gateway *evalgateway.Gateway
	sc      *SearchContext
}

// NewDriver sizes a node store from cfg and wraps the given evaluators
// in a gateway.
func NewDriver(cfg *searchcfg.Config, evaluators []position.BatchedEvaluator) (*Driver, error) {
	gw, err := evalgateway.NewGateway(evaluators)
	if err != nil {
		return nil, err
	}
	d := &Driver{cfg: cfg, gateway: gw}
	d.resetTree()
	return d, nil
}

func (d *Driver) resetTree() {
	d.sc = &SearchContext{
		Cfg:     d.cfg,
		Store:   nodestore.NewStore(d.cfg.MaxNodes, 0, 0.05),
		Gateway: d.gateway,
	}
}

// Store exposes the driver's node store for snapshot export and
// invariant checks.
func (d *Driver) Store() *nodestore.Store {
	return d.sc.Store
}

// SetNoiseSeed fixes the Dirichlet root-noise seed for reproducible
// runs; by default the seed is the root position's hash.
func (d *Driver) SetNoiseSeed(seed uint64) {
	d.sc.NoiseSeed = seed
}

// Search runs cycles from rootPos until limit fires, capacity runs out,
// or the evaluator dies. rootPos is cloned per worker and never mutated.
func (d *Driver) Search(ctx context.Context, rootPos position.PositionOps, limit Limit) (*Result, error) {
	logger := ceresio.SubLogger("driver")
	start := time.Now()
	cfg := d.cfg

	sc, err := d.prepareRoot(ctx, rootPos)
	if err != nil {
		return nil, err
	}
	root := sc.Store.Node(sc.Root)
	if root.Terminal.IsTerminal() {
		// Nothing to search from a finished game; report the terminal
		// value with the root's single self-visit.
		res := d.buildResult(start, StatusLimitReached)
		res.Q = terminalValue(root.Terminal)
		return res, nil
	}

	var status Status = StatusLimitReached
	var searchErr error
	deadline := time.Time{}
	if limit.MaxTime > 0 {
		deadline = start.Add(limit.MaxTime)
	}

	g := &errgroup.Group{}
	done := make(chan bool)

	g.Go(func() error {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		var lastNodes uint64
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				nodes := sc.NodesSearched()
				meanMs, _ := d.gateway.BatchLatencyStats()
				logger.Debug().
					Uint64("nps", nodes-lastNodes).
					Uint64("nodes", nodes).
					Float64("batch-latency-ms", meanMs).
					Msg("search-progress")
				lastNodes = nodes
			}
		}
	})

	workers := &errgroup.Group{}
	numWorkers := cfg.NumWorkerThreads
	if numWorkers < 1 {
		numWorkers = 1
	}
	for w := 0; w < numWorkers; w++ {
		workerID := w
		workers.Go(func() error {
			return d.workerLoop(ctx, workerID, rootPos, limit, deadline)
		})
	}
	err = workers.Wait()
	close(done)
	_ = g.Wait()

	switch {
	case err == nil || errors.Is(err, errStopped):
		// A worker can also observe the overflow through the limit check
		// and exit clean; the sticky flag is authoritative either way.
		if sc.Store.Overflowed() {
			status = StatusCapacityExhausted
			searchErr = ErrCapacityExhausted
		}
	case errors.Is(err, ErrCapacityExhausted):
		status = StatusCapacityExhausted
		searchErr = err
	case errors.Is(err, ErrEvaluatorFailed):
		status = StatusEvaluatorFailed
		searchErr = err
	default:
		searchErr = err
	}

	res := d.buildResult(start, status)
	logger.Info().
		Uint64("nodes", res.NodesSearched).
		Float64("time-elapsed-sec", res.WallTime.Seconds()).
		Str("status", res.Status.String()).
		Uint64("tt-hits", res.Batch.Hits).
		Msg("search-returning")
	return res, searchErr
}

// workerLoop runs cycles for one worker until the stop flag or a limit
// fires. The per-cycle leaf target starts small (early cycles on a thin
// tree can't fill a large batch with distinct leaves), ramps toward the
// configured target split across workers, and backs off when a cycle
// comes back mostly collisions.
func (d *Driver) workerLoop(ctx context.Context, workerID int, rootPos position.PositionOps, limit Limit, deadline time.Time) error {
	sc := d.sc
	sel := newSelector(sc, workerID)
	col := newCollector(sc, workerID)
	pos := rootPos.Clone()

	numWorkers := d.cfg.NumWorkerThreads
	if numWorkers < 1 {
		numWorkers = 1
	}
	targetK := d.cfg.TargetBatchSize / numWorkers
	if targetK < 1 {
		targetK = 1
	}
	if targetK > d.gateway.MaxBatchSize() {
		targetK = d.gateway.MaxBatchSize()
	}
	k := 2
	if k > targetK {
		k = targetK
	}

	for !sc.Stopped() {
		if ctx.Err() != nil {
			sc.Stop()
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			sc.Stop()
			return nil
		}
		if d.limitReached(limit) {
			sc.Stop()
			return nil
		}

		done, err := col.runCycle(ctx, pos, sel, k)
		if err != nil {
			sc.Stop()
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		sc.cycles.Add(1)
		// Retune the per-cycle leaf target: a cycle that yielded less
		// than half its ask is hitting collisions on a tree too thin for
		// this batch size; otherwise ramp toward the configured target.
		if done*2 < k && k > 1 {
			k /= 2
		} else if k < targetK {
			k *= 2
			if k > targetK {
				k = targetK
			}
		}
	}
	return nil
}

func (d *Driver) limitReached(limit Limit) bool {
	sc := d.sc
	if limit.MaxNodes > 0 && sc.NodesSearched() >= limit.MaxNodes {
		return true
	}
	if limit.MaxCycles > 0 && sc.cycles.Load() >= limit.MaxCycles {
		return true
	}
	if sc.Store.Overflowed() {
		return true
	}
	if limit.QDiffThreshold > 0 {
		if best, second, ok := d.topTwoQ(); ok && best.Visits >= qdiffMinVisits {
			if best.Q-second.Q > limit.QDiffThreshold {
				return true
			}
		}
	}
	return false
}

// prepareRoot reuses the existing tree when its root matches rootPos
// (the reparented subtree from a previous search), otherwise resets and
// expands a fresh root synchronously, mixing in Dirichlet noise when
// configured.
func (d *Driver) prepareRoot(ctx context.Context, rootPos position.PositionOps) (*SearchContext, error) {
	lo64, hi := Hash96(rootPos.ZobristHash())

	sc := d.sc
	if sc.Store.AllocatedNodes() > 0 {
		root := sc.Store.Node(sc.Root)
		if root.HashLo == lo64 && root.HashHi == hi && d.cfg.TreeReuseEnabled {
			sc.resetPerSearchCounters()
			d.applyRootNoise()
			return sc, nil
		}
		d.resetTree()
		sc = d.sc
	}
	sc.resetPerSearchCounters()

	if _, err := sc.Store.AllocNode(0, 0, lo64, hi, position.PackProb(1.0)); err != nil {
		return nil, ErrCapacityExhausted
	}
	sc.Root = 0
	if sc.NoiseSeed == 0 {
		sc.NoiseSeed = lo64
	}

	// One synchronous single-leaf cycle claims and publishes the root
	// (or discovers it terminal) before any worker starts.
	sel := newSelector(sc, 0)
	col := newCollector(sc, 0)
	pos := rootPos.Clone()
	if _, err := col.runCycle(ctx, pos, sel, 1); err != nil && !errors.Is(err, errStopped) {
		return nil, err
	}
	d.applyRootNoise()
	return sc, nil
}

// applyRootNoise mixes Dirichlet noise into the root's child priors in
// place. Applied once per Search call; the noised priors persist for the
// lifetime of this root.
func (d *Driver) applyRootNoise() {
	cfg := d.cfg
	if cfg.DirichletNoiseEpsilon <= 0 {
		return
	}
	sc := d.sc
	root := sc.Store.Node(sc.Root)
	if !root.IsReady() || root.NumChildren == 0 {
		return
	}
	entries := sc.Store.ChildRow(root.ChildRow, root.NumChildren)
	priors := make([]float64, len(entries))
	for i := range entries {
		priors[i] = float64(entries[i].Prior.UnpackProb())
	}
	MixNoise(priors, cfg.DirichletNoiseEpsilon, cfg.DirichletNoiseAlpha, sc.NoiseSeed)
	for i := range entries {
		entries[i].Prior = position.PackProb(float32(priors[i]))
	}
}

// PlayMove remaps the search tree after mv has been played on the
// externally maintained game position: the played child's subtree
// becomes the new tree, everything else is dropped. With tree reuse off,
// or if the child was never expanded, the whole tree resets.
func (d *Driver) PlayMove(mv position.EncodedMove) {
	sc := d.sc
	if !d.cfg.TreeReuseEnabled || sc.Store.AllocatedNodes() == 0 {
		d.resetTree()
		return
	}
	root := sc.Store.Node(sc.Root)
	if !root.IsReady() {
		d.resetTree()
		return
	}
	entries := sc.Store.ChildRow(root.ChildRow, root.NumChildren)
	for i := range entries {
		if entries[i].Move != mv {
			continue
		}
		ci := entries[i].ChildIdx.Load()
		if ci == position.UnexpandedSentinel || ci == position.ReservedSentinel {
			break
		}
		newStore := sc.Store.Reparent(nodestore.NodeIdx(ci))
		d.sc = &SearchContext{
			Cfg:       d.cfg,
			Store:     newStore,
			Gateway:   d.gateway,
			NoiseSeed: sc.NoiseSeed,
		}
		return
	}
	d.resetTree()
}

// buildResult assembles the search report from the root's child row.
func (d *Driver) buildResult(start time.Time, status Status) *Result {
	sc := d.sc
	res := &Result{
		NodesSearched: sc.NodesSearched(),
		WallTime:      time.Since(start),
		Status:        status,
	}
	meanMs, stdevMs := d.gateway.BatchLatencyStats()
	lookups, hits, inserts := sc.Store.TranspositionStats()
	res.Batch = BatchStats{
		MeanLatencyMs:     meanMs,
		StdevLatencyMs:    stdevMs,
		LatencyMargin95Ms: d.gateway.LatencyMargin(),
		Lookups:           lookups,
		Hits:              hits,
		Inserts:           inserts,
		Collisions:        sc.collisions.Load(),
		DedupLinked:       sc.dedupLinked.Load(),
		SharedEvals:       sc.ttShared.Load(),
		Deferred:          sc.deferred.Load(),
	}

	root := sc.Store.Node(sc.Root)
	res.MovesLeft = root.MeanMovesLeft()
	if !root.IsReady() || root.NumChildren == 0 {
		return res
	}

	entries := sc.Store.ChildRow(root.ChildRow, root.NumChildren)
	res.Children = make([]RootChildStats, 0, len(entries))
	for i := range entries {
		stats := RootChildStats{
			Move:  entries[i].Move,
			Prior: entries[i].Prior.UnpackProb(),
		}
		ci := entries[i].ChildIdx.Load()
		if ci != position.UnexpandedSentinel && ci != position.ReservedSentinel {
			child := sc.Store.Node(nodestore.NodeIdx(ci))
			stats.Visits = child.N()
			stats.Q = -child.MeanValue()
			if stats.Visits > 0 {
				stats.QStderr = sqrtOrZero(child.Variance() / float64(stats.Visits))
			}
		}
		res.Children = append(res.Children, stats)
	}

	best := d.selectBest(res.Children)
	res.BestMove = res.Children[best].Move
	res.Q = res.Children[best].Q
	if ci := entries[best].ChildIdx.Load(); ci != position.UnexpandedSentinel && ci != position.ReservedSentinel {
		child := sc.Store.Node(nodestore.NodeIdx(ci))
		res.QSigma = sqrtOrZero(child.Variance())
	}
	res.PV = d.principalVariation()
	res.PV.Value = res.Q
	return res
}

// selectBest applies the configured best-move policy over root children,
// returning the chosen child's index.
func (d *Driver) selectBest(children []RootChildStats) int {
	best := 0
	switch d.cfg.BestMoveSelection {
	case searchcfg.MaxQ:
		for i := 1; i < len(children); i++ {
			if children[i].Visits == 0 {
				continue
			}
			if children[best].Visits == 0 || children[i].Q > children[best].Q {
				best = i
			}
		}
	case searchcfg.MaxN:
		for i := 1; i < len(children); i++ {
			if children[i].Visits > children[best].Visits {
				best = i
			}
		}
	default: // MaxNWithQTiebreak
		for i := 1; i < len(children); i++ {
			if children[i].Visits > children[best].Visits ||
				(children[i].Visits == children[best].Visits && children[i].Q > children[best].Q) {
				best = i
			}
		}
	}
	return best
}

// topTwoQ returns the two root children leading by visits, for the
// adaptive Q-difference stop.
func (d *Driver) topTwoQ() (best, second RootChildStats, ok bool) {
	sc := d.sc
	root := sc.Store.Node(sc.Root)
	if !root.IsReady() || root.NumChildren < 2 {
		return best, second, false
	}
	entries := sc.Store.ChildRow(root.ChildRow, root.NumChildren)
	children := make([]RootChildStats, 0, len(entries))
	for i := range entries {
		ci := entries[i].ChildIdx.Load()
		if ci == position.UnexpandedSentinel || ci == position.ReservedSentinel {
			continue
		}
		child := sc.Store.Node(nodestore.NodeIdx(ci))
		visits, sum := child.Stats()
		if visits == 0 {
			continue
		}
		children = append(children, RootChildStats{
			Visits: visits,
			Q:      -sum / float64(visits),
		})
	}
	if len(children) < 2 {
		return best, second, false
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Visits > children[j].Visits })
	return children[0], children[1], true
}

// principalVariation walks the max-visit child at every ply.
func (d *Driver) principalVariation() PVLine {
	sc := d.sc
	var pv PVLine
	cur := sc.Root
	for {
		n := sc.Store.Node(cur)
		if !n.IsReady() || n.NumChildren == 0 {
			return pv
		}
		entries := sc.Store.ChildRow(n.ChildRow, n.NumChildren)
		bestIdx := -1
		var bestVisits uint32
		var bestChild nodestore.NodeIdx
		for i := range entries {
			ci := entries[i].ChildIdx.Load()
			if ci == position.UnexpandedSentinel || ci == position.ReservedSentinel {
				continue
			}
			visits := sc.Store.Node(nodestore.NodeIdx(ci)).N()
			if visits > bestVisits {
				bestVisits = visits
				bestIdx = i
				bestChild = nodestore.NodeIdx(ci)
			}
		}
		if bestIdx < 0 || bestVisits == 0 {
			return pv
		}
		pv.Moves = append(pv.Moves, entries[bestIdx].Move)
		cur = bestChild
	}
}

func sqrtOrZero(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
