// Package position defines the boundary between the Ceres search core and
// the chess engine collaborators it never implements itself: move
// generation, position representation, Zobrist hashing, and neural
// network inference. The core depends only on the interfaces below.
package position

import "context"

// EncodedMove is a compact, engine-specific encoding of a legal move.
// The core never interprets its bits; it only compares, stores, and
// hands it back to PositionOps to apply.
type EncodedMove uint16

// TerminalStatus tags why a position's game is over. A terminal node
// never gets children and its value is fixed.
type TerminalStatus uint8

const (
	NotTerminal TerminalStatus = iota
	Checkmate
	Draw50
	DrawRepetition
	DrawInsufficient
	DrawStalemate
	TablebaseWin
	TablebaseLoss
	TablebaseDraw
)

func (t TerminalStatus) IsTerminal() bool {
	return t != NotTerminal
}

// IsDraw reports whether the status resolves to a half-point result.
func (t TerminalStatus) IsDraw() bool {
	switch t {
	case Draw50, DrawRepetition, DrawInsufficient, DrawStalemate, TablebaseDraw:
		return true
	}
	return false
}

// PolicyEntry is one (move, prior probability) pair in a NN policy output,
// already sorted by probability descending by convention.
type PolicyEntry struct {
	Move EncodedMove
	// Prob is in [0, 1].
	Prob float32
}

// InputDType is the tensor element type a BatchedEvaluator expects for
// its encoded-position planes. The evaluator states its dtype here;
// nothing infers it from network file names.
type InputDType uint8

const (
	InputFloat32 InputDType = iota
	InputFloat16
	InputByte
)

// PositionOps is the capability the core consumes for everything
// chess-rule-related: making moves, generating legal moves, detecting
// terminal positions, hashing, and encoding a position into evaluator
// input planes. A single PositionOps value represents one board position
// plus enough history to support repetition/50-move detection; MakeMove
// and Undo mutate it in place so workers can reuse one instance per
// descent without reallocating.
type PositionOps interface {
	// LegalMoves returns the legal moves from the current position, in a
	// stable order (selector tie-breaks on lower move index within this
	// order).
	LegalMoves() []EncodedMove

	// MakeMove mutates the position by playing mv, pushing enough undo
	// state that a matching Undo restores the prior position exactly
	// (including repetition/50-move bookkeeping).
	MakeMove(mv EncodedMove)

	// Undo reverses the most recent MakeMove.
	Undo()

	// Terminal reports the position's terminal status, NotTerminal if the
	// side to move has at least one legal move and no draw rule applies.
	Terminal() TerminalStatus

	// ZobristHash returns a 64-bit hash of the current position,
	// including side to move and any state relevant to repetition/50-move
	// detection. Equal positions under the game's transposition rules
	// must hash equal; this is the sole source of hashing the core uses.
	ZobristHash() uint64

	// EncodePlanes writes the position into dst in the layout the target
	// BatchedEvaluator expects (see BatchedEvaluator.InputLayout). dst is
	// one plane-set slab owned by the caller; EncodePlanes must not
	// retain it.
	EncodePlanes(dst []float32)

	// Clone returns an independent deep copy of this position sharing no
	// mutable state with the receiver. Workers clone once per descent
	// batch entry so a leaf's position survives past the worker's own
	// MakeMove/Undo churn.
	Clone() PositionOps
}

// EvalResult is what a BatchedEvaluator produces for a single position.
type EvalResult struct {
	// WinProb and LossProb are in [0, 1]; DrawProb = 1 - WinProb - LossProb.
	WinProb  float32
	LossProb float32
	// Policy holds the top-K (move, prob) pairs the network assigned;
	// residual mass over other legal moves is assumed uniform.
	Policy []PolicyEntry
	// MovesLeft is the network's estimate of moves remaining in the game.
	MovesLeft float32
	// ValueUncertainty and PolicyUncertainty are the network's
	// self-reported uncertainty estimates, both in [0, 1].
	ValueUncertainty   float32
	PolicyUncertainty  float32
	// SecondaryValue is an optional extra value head (e.g. a contempt or
	// auxiliary WDL estimate); HasSecondary is false when the network
	// doesn't expose one.
	HasSecondary   bool
	SecondaryValue float32
}

// BatchedEvaluator is the capability the core consumes for neural network
// inference. One call to Evaluate runs a full forward pass over every
// encoded position in planes; planes is laid out as MaxBatchSize
// contiguous plane-sets regardless of how many are "real" (the gateway is
// responsible for minimum-batch padding before calling this).
type BatchedEvaluator interface {
	// Evaluate runs inference over n real positions packed into the first
	// n slots of planes (there may be additional padding slots beyond n
	// up to the batch size actually requested). Results beyond n are
	// undefined and must be discarded by the caller.
	Evaluate(ctx context.Context, planes []float32, n int) ([]EvalResult, error)

	// InputLayout reports the plane count/dtype/ordering this evaluator
	// requires from EncodePlanes.
	InputLayout() (numPlanes int, dtype InputDType)

	// MinBatchSize and MaxBatchSize bound the batch sizes Evaluate will
	// accept; some accelerators return incorrect results below
	// MinBatchSize, so the gateway pads up to it.
	MinBatchSize() int
	MaxBatchSize() int
}
