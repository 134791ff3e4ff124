package nodestore

import (
	"sort"

	"github.com/ceres-chess/ceres/position"
)

// PolicyTopK is how many (move, prior) pairs a CompressedPolicy retains.
// 15 pairs of two uint16s is 60 bytes, keeping the struct within a single
// cache line the same way tinymove packs a full move into one machine
// word for the transposition table.
const PolicyTopK = 15

// CompressedPolicy stores the top-K entries of an NN policy head in
// fixed-point form. Probability mass not covered by the retained entries
// is treated as uniformly distributed over the remaining legal moves when
// the policy is materialized into a child row.
type CompressedPolicy struct {
	Moves  [PolicyTopK]position.EncodedMove
	Probs  [PolicyTopK]position.FixedPointProb
	NumTop uint8
}

// CompressPolicy selects the top-K policy entries by probability. The
// input need not be sorted; ties keep the lower encoded move first so
// compression is deterministic.
func CompressPolicy(entries []position.PolicyEntry) CompressedPolicy {
	sorted := make([]position.PolicyEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Prob == sorted[j].Prob {
			return sorted[i].Move < sorted[j].Move
		}
		return sorted[i].Prob > sorted[j].Prob
	})
	var cp CompressedPolicy
	k := len(sorted)
	if k > PolicyTopK {
		k = PolicyTopK
	}
	for i := 0; i < k; i++ {
		cp.Moves[i] = sorted[i].Move
		cp.Probs[i] = position.PackProb(sorted[i].Prob)
	}
	cp.NumTop = uint8(k)
	return cp
}

// Materialize expands the compressed policy over legalMoves, returning
// one prior per legal move in the same order. Retained entries keep
// their stored probability; the residual mass is spread uniformly over
// the legal moves the compression dropped. The result is renormalized so
// the priors sum to 1 within fixed-point tolerance.
func (cp *CompressedPolicy) Materialize(legalMoves []position.EncodedMove) []float32 {
	priors := make([]float32, len(legalMoves))
	if len(legalMoves) == 0 {
		return priors
	}
	var covered float32
	numCovered := 0
	for i, mv := range legalMoves {
		for j := uint8(0); j < cp.NumTop; j++ {
			if cp.Moves[j] == mv {
				priors[i] = cp.Probs[j].UnpackProb()
				covered += priors[i]
				numCovered++
				break
			}
		}
	}
	if residualMoves := len(legalMoves) - numCovered; residualMoves > 0 {
		residual := 1.0 - covered
		if residual < 0 {
			residual = 0
		}
		perMove := residual / float32(residualMoves)
		for i := range priors {
			if priors[i] == 0 {
				priors[i] = perMove
			}
		}
	}
	var sum float32
	for _, p := range priors {
		sum += p
	}
	if sum > 0 {
		for i := range priors {
			priors[i] /= sum
		}
	}
	return priors
}
