package search

import (
	"encoding/binary"

	"gonum.org/v1/gonum/stat/distuv"
	"lukechampine.com/frand"
)

// frandSource adapts a seeded frand.RNG into the Uint64 shape gonum's
// distuv distributions accept as a Src. Reproducibility matters here:
// the same seed must yield the same root noise.
type frandSource struct {
	rng *frand.RNG
}

func (f frandSource) Uint64() uint64 {
	var b [8]byte
	f.rng.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// newNoiseSource builds a reproducible RNG from a uint64 seed using
// frand.NewCustom rather than frand's package-level entropy-seeded
// helpers, since those are intentionally not reproducible.
func newNoiseSource(seed uint64) frandSource {
	var seedBytes [32]byte
	binary.LittleEndian.PutUint64(seedBytes[:8], seed)
	return frandSource{rng: frand.NewCustom(seedBytes[:], 1024, 20)}
}

// DirichletNoise draws an n-dimensional sample from Dirichlet(alpha, ...,
// alpha) via n independent Gamma(alpha, 1) draws normalized to sum 1, the
// standard construction AlphaZero-style engines use to perturb root
// priors for exploration.
func DirichletNoise(alpha float64, n int, seed uint64) []float64 {
	if n <= 0 {
		return nil
	}
	src := newNoiseSource(seed)
	gamma := distuv.Gamma{Alpha: alpha, Beta: 1, Src: src}
	draws := make([]float64, n)
	var sum float64
	for i := range draws {
		draws[i] = gamma.Rand()
		sum += draws[i]
	}
	if sum <= 0 {
		// Degenerate case (alpha extremely small): fall back to uniform.
		uniform := 1.0 / float64(n)
		for i := range draws {
			draws[i] = uniform
		}
		return draws
	}
	for i := range draws {
		draws[i] /= sum
	}
	return draws
}

// MixNoise blends Dirichlet noise into priors in place:
// prior_i := (1 - epsilon) * prior_i + epsilon * noise_i.
func MixNoise(priors []float64, epsilon, alpha float64, seed uint64) {
	if epsilon <= 0 || len(priors) == 0 {
		return
	}
	noise := DirichletNoise(alpha, len(priors), seed)
	for i := range priors {
		priors[i] = (1-epsilon)*priors[i] + epsilon*noise[i]
	}
}
