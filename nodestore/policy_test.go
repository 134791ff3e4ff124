package nodestore

import (
	"testing"

	"github.com/matryer/is"

	"github.com/ceres-chess/ceres/position"
)

func TestCompressPolicyKeepsTopKByProbability(t *testing.T) {
	is := is.New(t)
	entries := make([]position.PolicyEntry, 20)
	for i := range entries {
		entries[i] = position.PolicyEntry{
			Move: position.EncodedMove(i),
			Prob: float32(i) / 100.0,
		}
	}
	cp := CompressPolicy(entries)
	is.Equal(int(cp.NumTop), PolicyTopK)
	// Highest-probability move first.
	is.Equal(cp.Moves[0], position.EncodedMove(19))
	is.Equal(cp.Moves[PolicyTopK-1], position.EncodedMove(19-PolicyTopK+1))
}

func TestCompressPolicyTieBreaksOnLowerMove(t *testing.T) {
	is := is.New(t)
	entries := []position.PolicyEntry{
		{Move: 7, Prob: 0.5},
		{Move: 3, Prob: 0.5},
	}
	cp := CompressPolicy(entries)
	is.Equal(cp.Moves[0], position.EncodedMove(3))
}

func TestMaterializeSpreadsResidualUniformly(t *testing.T) {
	is := is.New(t)
	cp := CompressPolicy([]position.PolicyEntry{
		{Move: 1, Prob: 0.6},
	})
	legal := []position.EncodedMove{1, 2, 3, 4, 5}
	priors := cp.Materialize(legal)

	is.Equal(len(priors), 5)
	// Residual 0.4 over four uncovered moves: 0.1 each, before the
	// final renormalization (which is a no-op here).
	tol := float32(1e-3)
	is.True(priors[0] > 0.6-tol && priors[0] < 0.6+tol)
	for _, p := range priors[1:] {
		is.True(p > 0.1-tol && p < 0.1+tol)
	}

	var sum float32
	for _, p := range priors {
		sum += p
	}
	is.True(sum > 0.999 && sum < 1.001)
}

func TestMaterializeUniformWhenPolicyEmpty(t *testing.T) {
	is := is.New(t)
	var cp CompressedPolicy
	legal := []position.EncodedMove{10, 20, 30, 40}
	priors := cp.Materialize(legal)
	for _, p := range priors {
		is.True(p > 0.2499 && p < 0.2501)
	}
}

func TestMaterializeSumsToOneWithOverfullPolicy(t *testing.T) {
	is := is.New(t)
	// Pathological input whose retained mass exceeds 1 after fixed-point
	// rounding; Materialize must still normalize.
	cp := CompressPolicy([]position.PolicyEntry{
		{Move: 1, Prob: 0.7},
		{Move: 2, Prob: 0.7},
	})
	priors := cp.Materialize([]position.EncodedMove{1, 2, 3})
	var sum float32
	for _, p := range priors {
		sum += p
	}
	is.True(sum > 0.999 && sum < 1.001)
}
