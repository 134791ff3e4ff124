package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash"

	"github.com/ceres-chess/ceres/position"
)

// The test game: an explicit position graph, so tests can script exact
// shapes (forced mates, stalemate traps, transpositions) without
// depending on any real rules engine. Distinct move orders that land on
// the same graph node share its hash, which is what makes
// transpositions observable.

type toyMove struct {
	mv position.EncodedMove
	to string
}

type toyNode struct {
	terminal position.TerminalStatus
	// winProb/lossProb are what the scripted evaluator reports for this
	// position, from the perspective of its side to move.
	winProb  float32
	lossProb float32
	moves    []toyMove
}

type toyGame struct {
	nodes map[string]*toyNode
}

func (g *toyGame) node(id string) *toyNode {
	n, ok := g.nodes[id]
	if !ok {
		panic("toy game: unknown position " + id)
	}
	return n
}

// toyPosition implements position.PositionOps over a toyGame graph with
// an explicit undo stack.
type toyPosition struct {
	g     *toyGame
	stack []string
}

func newToyPosition(g *toyGame, start string) *toyPosition {
	return &toyPosition{g: g, stack: []string{start}}
}

func (p *toyPosition) current() *toyNode {
	return p.g.node(p.stack[len(p.stack)-1])
}

func (p *toyPosition) LegalMoves() []position.EncodedMove {
	n := p.current()
	moves := make([]position.EncodedMove, len(n.moves))
	for i, m := range n.moves {
		moves[i] = m.mv
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i] < moves[j] })
	return moves
}

func (p *toyPosition) MakeMove(mv position.EncodedMove) {
	for _, m := range p.current().moves {
		if m.mv == mv {
			p.stack = append(p.stack, m.to)
			return
		}
	}
	panic(fmt.Sprintf("toy game: illegal move %d at %s", mv, p.stack[len(p.stack)-1]))
}

func (p *toyPosition) Undo() {
	p.stack = p.stack[:len(p.stack)-1]
}

func (p *toyPosition) Terminal() position.TerminalStatus {
	return p.current().terminal
}

func (p *toyPosition) ZobristHash() uint64 {
	return xxhash.Sum64String(p.stack[len(p.stack)-1])
}

// EncodePlanes smuggles the scripted evaluation into the plane slab so
// the evaluator can read it back, the way a real encoder would write
// piece planes.
func (p *toyPosition) EncodePlanes(dst []float32) {
	n := p.current()
	for i := range dst {
		dst[i] = 0
	}
	dst[0] = n.winProb
	dst[1] = n.lossProb
}

func (p *toyPosition) Clone() position.PositionOps {
	stack := make([]string, len(p.stack))
	copy(stack, p.stack)
	return &toyPosition{g: p.g, stack: stack}
}

// scriptedEvaluator decodes the (win, loss) pair toyPosition planted in
// each plane-set. Policy is left empty so priors materialize uniform.
type scriptedEvaluator struct {
	numPlanes int
	minBatch  int
	maxBatch  int
	movesLeft float32
	failures  int
}

func newScriptedEvaluator() *scriptedEvaluator {
	return &scriptedEvaluator{numPlanes: 4, minBatch: 1, maxBatch: 64, movesLeft: 20}
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, planes []float32, n int) ([]position.EvalResult, error) {
	if e.failures > 0 {
		e.failures--
		return nil, fmt.Errorf("scripted device error")
	}
	results := make([]position.EvalResult, n)
	for i := 0; i < n; i++ {
		results[i] = position.EvalResult{
			WinProb:   planes[i*e.numPlanes],
			LossProb:  planes[i*e.numPlanes+1],
			MovesLeft: e.movesLeft,
		}
	}
	return results, nil
}

func (e *scriptedEvaluator) InputLayout() (int, position.InputDType) {
	return e.numPlanes, position.InputFloat32
}
func (e *scriptedEvaluator) MinBatchSize() int { return e.minBatch }
func (e *scriptedEvaluator) MaxBatchSize() int { return e.maxBatch }

// deepToyGame builds a uniform tree of the given branching and depth,
// every leaf a 50-move draw, for capacity and scaling tests. Interior
// nodes get a mildly winning evaluation so the search keeps expanding.
func deepToyGame(branching, depth int) *toyGame {
	g := &toyGame{nodes: map[string]*toyNode{}}
	var build func(id string, d int)
	build = func(id string, d int) {
		if d == depth {
			g.nodes[id] = &toyNode{terminal: position.Draw50}
			return
		}
		n := &toyNode{winProb: 0.4, lossProb: 0.3}
		for b := 0; b < branching; b++ {
			child := fmt.Sprintf("%s.%d", id, b)
			n.moves = append(n.moves, toyMove{mv: position.EncodedMove(b + 1), to: child})
			build(child, d+1)
		}
		g.nodes[id] = n
	}
	build("r", 0)
	return g
}
