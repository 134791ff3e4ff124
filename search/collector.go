package search

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"

	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/position"
)

// LeafEvalKind tags how a leaf's value came to be.
type LeafEvalKind int

const (
	// LeafTerminal: value fixed by the game rules, no NN work.
	LeafTerminal LeafEvalKind = iota
	// LeafTransposition: value/policy copied from the transposition
	// index's authoritative node.
	LeafTransposition
	// LeafEvaluated: value/policy produced by a BatchedEvaluator call.
	LeafEvaluated
)

// LeafEval is the per-leaf carrier that transports an evaluation from
// the gateway (or the game rules, or another node) back to backup. For
// LeafEvaluated the policy handle is held only until the policy has been
// copied into a child row; ReleasePolicy is the explicit release step
// after which the handle is gone.
type LeafEval struct {
	Kind      LeafEvalKind
	Result    position.EvalResult
	SourceIdx nodestore.NodeIdx

	policy   *nodestore.CompressedPolicy
	released bool
}

// Policy returns the compressed policy handle, nil once released.
func (l *LeafEval) Policy() *nodestore.CompressedPolicy {
	return l.policy
}

// ReleasePolicy drops the policy handle. Releasing twice is a bug.
func (l *LeafEval) ReleasePolicy() {
	assertf(!l.released, "policy released twice")
	l.policy = nil
	l.released = true
}

// pendingLeaf is a claimed leaf waiting on NN evaluation, plus any
// same-cycle duplicates linked to it.
type pendingLeaf struct {
	visit  leafVisit
	legal  []position.EncodedMove
	hashLo uint64
	linked []*pendingLeaf
}

// collector classifies each selected leaf (terminal, transposition hit,
// dedup link, NN required), assembles the evaluator batch, and
// materializes results into child rows. One collector per worker.
type collector struct {
	sc       *SearchContext
	workerID int
}

func newCollector(sc *SearchContext, workerID int) *collector {
	return &collector{sc: sc, workerID: workerID}
}

// runCycle performs one full selection→classification→evaluation→backup
// cycle of up to k leaves, returning how many leaves were backed up. On
// a capacity or evaluator error every claimed-but-unpublished leaf is
// released and every outstanding virtual loss reverted, so no partial
// cycle is ever backed up.
func (c *collector) runCycle(ctx context.Context, pos position.PositionOps, sel *selector, k int) (int, error) {
	visits := make([]leafVisit, 0, k)
	backedUp := 0

	for i := 0; i < k; i++ {
		v, err := sel.descend(pos)
		if err == errStopped {
			break
		}
		if err != nil {
			c.abandonAll(visits)
			return backedUp, err
		}
		switch {
		case v.collision:
			// Virtual loss already reverted by the selector.
		case v.terminal:
			leaf := c.sc.Store.Node(v.leaf())
			c.sc.backup(v.path, terminalValue(leaf.Terminal), 0)
			backedUp++
		default:
			visits = append(visits, v)
		}
	}

	pending, done, err := c.classify(visits)
	backedUp += done
	if err != nil {
		c.abandonPending(pending)
		return backedUp, err
	}

	done, err = c.evaluatePending(ctx, pending)
	backedUp += done
	return backedUp, err
}

// classify splits claimed leaves into their buckets. Terminals and
// transposition hits are resolved (published and backed up) right here;
// the returned pending slice holds the NN-required leaves with
// same-position duplicates already linked to a primary.
func (c *collector) classify(visits []leafVisit) ([]*pendingLeaf, int, error) {
	store := c.sc.Store
	cfg := c.sc.Cfg
	backedUp := 0
	needsNN := make([]*pendingLeaf, 0, len(visits))

	for i := range visits {
		v := visits[i]
		leafIdx := v.leaf()
		leaf := store.Node(leafIdx)
		st := v.pos.Terminal()
		legal := v.pos.LegalMoves()

		abandonRest := func() {
			for _, rest := range visits[i+1:] {
				c.abandonVisit(rest)
			}
		}

		if err := checkTerminalContract(st, len(legal)); err != nil {
			c.abandonVisit(v)
			abandonRest()
			return needsNN, backedUp, err
		}

		if st.IsTerminal() {
			leaf.Terminal = st
			eval := &LeafEval{Kind: LeafTerminal}
			eval.Result.WinProb, eval.Result.LossProb = terminalWDL(st)
			if err := c.resolveLeaf(v, nil, eval); err != nil {
				c.abandonVisit(v)
				abandonRest()
				return needsNN, backedUp, err
			}
			backedUp++
			continue
		}

		if srcIdx, ok := store.TranspositionLookup(leaf.HashLo, leaf.HashHi); ok && srcIdx != leafIdx {
			src := store.Node(srcIdx)
			if src.IsReady() && !src.Terminal.IsTerminal() && src.N() >= cfg.TranspositionMinVisits {
				eval := &LeafEval{Kind: LeafTransposition, SourceIdx: srcIdx}
				if err := c.resolveLeaf(v, nil, eval); err != nil {
					c.abandonVisit(v)
					abandonRest()
					return needsNN, backedUp, err
				}
				backedUp++
				continue
			}
		}

		needsNN = append(needsNN, &pendingLeaf{
			visit:  v,
			legal:  legal,
			hashLo: leaf.HashLo,
		})
	}

	// Dedup: same-cycle leaves resolving to the same position collapse
	// into one primary; the rest ride along on its evaluation.
	groups := lo.GroupBy(needsNN, func(p *pendingLeaf) uint64 { return p.hashLo })
	primaries := make([]*pendingLeaf, 0, len(groups))
	for _, group := range groups {
		primary := group[0]
		primary.linked = group[1:]
		c.sc.dedupLinked.Add(uint64(len(primary.linked)))
		primaries = append(primaries, primary)
	}
	// Map iteration order is not stable; batch order must be, for
	// single-threaded reproducibility. Leaf allocation order is.
	sort.Slice(primaries, func(i, j int) bool {
		return primaries[i].visit.leaf() < primaries[j].visit.leaf()
	})
	return primaries, backedUp, nil
}

// evaluatePending runs the NN batch over the primaries, deferring any
// excess past the gateway's max batch size to a later cycle, then
// resolves each result into the primary and its linked duplicates.
func (c *collector) evaluatePending(ctx context.Context, pending []*pendingLeaf) (int, error) {
	if len(pending) == 0 {
		return 0, nil
	}
	maxBatch := c.sc.Gateway.MaxBatchSize()
	if len(pending) > maxBatch {
		for _, p := range pending[maxBatch:] {
			c.sc.deferred.Add(1)
			c.abandonPendingLeaf(p)
		}
		pending = pending[:maxBatch]
	}

	positions := lo.Map(pending, func(p *pendingLeaf, _ int) position.PositionOps {
		return p.visit.pos
	})
	results, err := c.sc.Gateway.Evaluate(ctx, positions)
	if err != nil {
		c.abandonPending(pending)
		return 0, fmt.Errorf("%w: %v", ErrEvaluatorFailed, err)
	}
	if len(results) < len(pending) {
		// The gateway's halved retry succeeded on a prefix; the rest of
		// the cycle's leaves are deferred like any over-cap excess.
		for _, p := range pending[len(results):] {
			c.sc.deferred.Add(1)
			c.abandonPendingLeaf(p)
		}
		pending = pending[:len(results)]
	}

	backedUp := 0
	for i, p := range pending {
		eval := &LeafEval{Kind: LeafEvaluated, Result: results[i]}
		cp := nodestore.CompressPolicy(softmaxTemperature(results[i].Policy, c.sc.Cfg.PolicySoftmaxTemp))
		eval.policy = &cp
		if err := c.resolveLeaf(p.visit, p.legal, eval); err != nil {
			c.abandonPendingLeaf(p)
			for _, rest := range pending[i+1:] {
				c.abandonPendingLeaf(rest)
			}
			return backedUp, err
		}
		backedUp++
		for _, link := range p.linked {
			eval := &LeafEval{Kind: LeafTransposition, SourceIdx: p.visit.leaf()}
			if err := c.resolveLeaf(link.visit, nil, eval); err != nil {
				// Row starvation on a dedup follower is not worth
				// failing the cycle over; release it for a later claim.
				c.abandonVisit(link.visit)
				continue
			}
			backedUp++
		}
	}
	return backedUp, nil
}

// resolveLeaf publishes one classified leaf and backs its value up,
// dispatching on the LeafEval variant. legal is required only for
// LeafEvaluated.
func (c *collector) resolveLeaf(v leafVisit, legal []position.EncodedMove, eval *LeafEval) error {
	store := c.sc.Store
	leafIdx := v.leaf()
	leaf := store.Node(leafIdx)

	switch eval.Kind {
	case LeafTerminal:
		// Terminal nodes publish with zero children; their value is a
		// constant of the game rules from here on.
		leaf.PublishChildren(0, 0)
		store.TranspositionInsert(leaf.HashLo, leaf.HashHi, leafIdx)
		c.sc.backup(v.path, float64(eval.Result.WinProb)-float64(eval.Result.LossProb), 0)

	case LeafTransposition:
		// Copy the authoritative node's value and priors; the child
		// slots start unexpanded so this leaf's subtree accumulates its
		// own independent N.
		src := store.Node(eval.SourceIdx)
		row, err := store.AllocChildRow(c.workerID, src.NumChildren)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCapacityExhausted, err)
		}
		srcRow := store.ChildRow(src.ChildRow, src.NumChildren)
		dstRow := store.ChildRow(row, src.NumChildren)
		for i := range srcRow {
			dstRow[i].Move = srcRow[i].Move
			dstRow[i].Prior = srcRow[i].Prior
			dstRow[i].ChildIdx.Store(position.UnexpandedSentinel)
		}
		leaf.ValueUncertainty = src.ValueUncertainty
		leaf.PolicyUncertainty = src.PolicyUncertainty
		leaf.MovesLeftEstimate = src.MovesLeftEstimate
		leaf.SecondaryValue = src.SecondaryValue
		leaf.HasSecondary = src.HasSecondary
		leaf.SharedEval = true
		leaf.PublishChildren(row, src.NumChildren)
		c.sc.ttShared.Add(1)
		c.sc.backup(v.path, src.MeanValue(), src.MeanMovesLeft())

	case LeafEvaluated:
		row, err := store.AllocChildRow(c.workerID, uint32(len(legal)))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCapacityExhausted, err)
		}
		priors := eval.Policy().Materialize(legal)
		entries := store.ChildRow(row, uint32(len(legal)))
		for i := range entries {
			entries[i].Move = legal[i]
			entries[i].Prior = position.PackProb(priors[i])
			entries[i].ChildIdx.Store(position.UnexpandedSentinel)
		}
		eval.ReleasePolicy()

		res := eval.Result
		leaf.ValueUncertainty = res.ValueUncertainty
		leaf.PolicyUncertainty = res.PolicyUncertainty
		leaf.MovesLeftEstimate = res.MovesLeft
		leaf.HasSecondary = res.HasSecondary
		leaf.SecondaryValue = res.SecondaryValue
		leaf.PublishChildren(row, uint32(len(legal)))
		store.TranspositionInsert(leaf.HashLo, leaf.HashHi, leafIdx)
		c.sc.backup(v.path, float64(res.WinProb)-float64(res.LossProb), float64(res.MovesLeft))
	}
	return nil
}

// abandonVisit releases a claimed leaf and reverts the descent's virtual
// loss so the node can be claimed again later.
func (c *collector) abandonVisit(v leafVisit) {
	c.sc.Store.Node(v.leaf()).AbandonExpansion()
	vloss := c.sc.Cfg.VirtualLossPerVisit
	for _, idx := range v.path {
		c.sc.Store.Node(idx).VirtualLoss.Add(-vloss)
	}
}

func (c *collector) abandonPendingLeaf(p *pendingLeaf) {
	c.abandonVisit(p.visit)
	for _, link := range p.linked {
		c.abandonVisit(link.visit)
	}
	p.linked = nil
}

func (c *collector) abandonPending(pending []*pendingLeaf) {
	for _, p := range pending {
		c.abandonPendingLeaf(p)
	}
}

func (c *collector) abandonAll(visits []leafVisit) {
	for _, v := range visits {
		c.abandonVisit(v)
	}
}

// checkTerminalContract validates PositionOps's terminal reporting
// against its legal-move list: mates and stalemates have no moves,
// non-terminal positions have at least one.
func checkTerminalContract(st position.TerminalStatus, numLegal int) error {
	if st == position.NotTerminal && numLegal == 0 {
		return fmt.Errorf("%w: no legal moves but not terminal", ErrTerminalMisclassification)
	}
	if (st == position.Checkmate || st == position.DrawStalemate) && numLegal > 0 {
		return fmt.Errorf("%w: %d legal moves in a no-move terminal", ErrTerminalMisclassification, numLegal)
	}
	return nil
}

// terminalWDL converts a terminal status to a (win, loss) probability
// pair from the mover's perspective.
func terminalWDL(t position.TerminalStatus) (win, loss float32) {
	switch t {
	case position.Checkmate, position.TablebaseLoss:
		return 0, 1
	case position.TablebaseWin:
		return 1, 0
	default:
		return 0, 0
	}
}

// softmaxTemperature reshapes policy probabilities as p^(1/T),
// renormalized; T=1 is the identity, T>1 flattens, T<1 sharpens.
func softmaxTemperature(entries []position.PolicyEntry, temp float64) []position.PolicyEntry {
	if temp == 1.0 || temp <= 0 || len(entries) == 0 {
		return entries
	}
	out := make([]position.PolicyEntry, len(entries))
	var sum float64
	for i, e := range entries {
		p := math.Pow(float64(e.Prob), 1.0/temp)
		out[i] = position.PolicyEntry{Move: e.Move, Prob: float32(p)}
		sum += p
	}
	if sum > 0 {
		for i := range out {
			out[i].Prob = float32(float64(out[i].Prob) / sum)
		}
	}
	return out
}
