package evalgateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorgonia.org/tensor"

	"github.com/ceres-chess/ceres/ceresstats"
	"github.com/ceres-chess/ceres/position"
)

// TensorEvaluator is an optional extension of BatchedEvaluator for
// backends whose graph runners take a shaped dense tensor rather than a
// flat slice. The gateway detects it per slot and hands over
// Batch.Tensor() instead of Batch.Planes(); padding, slicing, and NaN
// checks are identical on both paths.
type TensorEvaluator interface {
	position.BatchedEvaluator
	EvaluateTensor(ctx context.Context, batch *tensor.Dense, n int) ([]position.EvalResult, error)
}

// ErrEvaluatorFailed is surfaced to the driver when a batch evaluation
// errors or comes back with a NaN.
var ErrEvaluatorFailed = errors.New("evalgateway: evaluator failed")

// evaluatorSlot serializes access to one BatchedEvaluator instance
// (evaluators are typically not safe for concurrent Evaluate calls) and
// tracks its outstanding load for least-loaded routing, plus running
// batch-latency statistics the driver logs and reports in its result.
// The driver's per-cycle leaf target does not depend on them.
type evaluatorSlot struct {
	mu        sync.Mutex
	evalMu    sync.Mutex // held for the duration of each evaluator call
	evaluator position.BatchedEvaluator
	inFlight  int
	latencyMs ceresstats.Statistic
	unhealthy bool
}

// Gateway fans leaves out to one or more BatchedEvaluator instances,
// routing each batch to whichever slot is least loaded.
type Gateway struct {
	mu           sync.Mutex
	slots        []*evaluatorSlot
	pool         *planeBufPool
	planesPer    int
	dtype        position.InputDType
	minBatchSize int
	maxBatchSize int
}

// NewGateway builds a Gateway over evaluators, all of which must report
// identical InputLayout/batch-size bounds (mixed evaluator shapes are not
// supported).
func NewGateway(evaluators []position.BatchedEvaluator) (*Gateway, error) {
	if len(evaluators) == 0 {
		return nil, errors.New("evalgateway: no evaluators provided")
	}
	numPlanes, dtype := evaluators[0].InputLayout()
	minB := evaluators[0].MinBatchSize()
	maxB := evaluators[0].MaxBatchSize()
	slots := make([]*evaluatorSlot, len(evaluators))
	for i, e := range evaluators {
		n, d := e.InputLayout()
		if n != numPlanes || d != dtype {
			return nil, fmt.Errorf("evalgateway: evaluator %d has mismatched input layout", i)
		}
		slots[i] = &evaluatorSlot{evaluator: e}
	}
	return &Gateway{
		slots:        slots,
		pool:         newPlaneBufPool(numPlanes * maxB),
		planesPer:    numPlanes,
		dtype:        dtype,
		minBatchSize: minB,
		maxBatchSize: maxB,
	}, nil
}

// InputLayout reports the plane count and dtype every evaluator behind
// this gateway shares.
func (g *Gateway) InputLayout() (int, position.InputDType) {
	return g.planesPer, g.dtype
}

// MaxBatchSize returns the shared max batch size across evaluators.
func (g *Gateway) MaxBatchSize() int {
	return g.maxBatchSize
}

// pickLeastLoaded returns the evaluator slot with the fewest in-flight
// batches, breaking ties by lowest index for determinism.
func (g *Gateway) pickLeastLoaded() *evaluatorSlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	var best *evaluatorSlot
	for _, s := range g.slots {
		s.mu.Lock()
		load, healthy := s.inFlight, !s.unhealthy
		s.mu.Unlock()
		if !healthy {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		best.mu.Lock()
		bestLoad := best.inFlight
		best.mu.Unlock()
		if load < bestLoad {
			best = s
		}
	}
	if best == nil {
		// Every evaluator is unhealthy; fall back to the first one and
		// let the caller's retry-once policy surface the failure.
		best = g.slots[0]
	}
	return best
}

// Evaluate runs one batch of leaves through the least-loaded healthy
// evaluator, padding up to MinBatchSize if necessary and returning
// results sliced back to len(positions). On failure it retries once
// against the same slot with the batch halved; a successful retry
// returns results for the first half of positions only. A second
// failure marks the slot unhealthy and returns ErrEvaluatorFailed.
func (g *Gateway) Evaluate(ctx context.Context, positions []position.PositionOps) ([]position.EvalResult, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	slot := g.pickLeastLoaded()
	results, err := g.evaluateOnSlot(ctx, slot, positions)
	if err == nil {
		return results, nil
	}

	log.Warn().Err(err).Int("batch-size", len(positions)).Msg("evaluator-batch-failed-retrying")
	half := len(positions) / 2
	if half == 0 {
		half = 1
	}
	results, retryErr := g.evaluateOnSlot(ctx, slot, positions[:half])
	if retryErr != nil {
		slot.mu.Lock()
		slot.unhealthy = true
		slot.mu.Unlock()
		return nil, fmt.Errorf("%w: %v (retry: %v)", ErrEvaluatorFailed, err, retryErr)
	}
	return results, nil
}

func (g *Gateway) evaluateOnSlot(ctx context.Context, slot *evaluatorSlot, positions []position.PositionOps) ([]position.EvalResult, error) {
	padSize := len(positions)
	if padSize < g.minBatchSize {
		padSize = g.minBatchSize
	}
	if padSize > g.maxBatchSize {
		return nil, fmt.Errorf("evalgateway: batch of %d exceeds max batch size %d", padSize, g.maxBatchSize)
	}

	batch := NewBatch(g.pool, positions, g.planesPer, padSize)
	defer batch.Release(g.pool)

	slot.mu.Lock()
	slot.inFlight++
	slot.mu.Unlock()
	defer func() {
		slot.mu.Lock()
		slot.inFlight--
		slot.mu.Unlock()
	}()

	slot.evalMu.Lock()
	start := time.Now()
	var results []position.EvalResult
	var err error
	if te, ok := slot.evaluator.(TensorEvaluator); ok {
		results, err = te.EvaluateTensor(ctx, batch.Tensor(), padSize)
	} else {
		results, err = slot.evaluator.Evaluate(ctx, batch.Planes(), padSize)
	}
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
	slot.evalMu.Unlock()

	slot.mu.Lock()
	slot.latencyMs.Push(elapsedMs)
	slot.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if len(results) < batch.NumReal() {
		return nil, fmt.Errorf("evalgateway: evaluator returned %d results for %d real positions", len(results), batch.NumReal())
	}
	for i := 0; i < batch.NumReal(); i++ {
		if isNaN32(results[i].WinProb) || isNaN32(results[i].LossProb) {
			return nil, fmt.Errorf("evalgateway: NaN result at position %d", i)
		}
	}
	return results[:batch.NumReal()], nil
}

// BatchLatencyStats returns the mean of the per-slot mean batch
// latencies (milliseconds) over slots that have recorded any, and the
// standard deviation of those per-slot means (0 with a single slot).
// The Driver logs and reports them; its per-cycle leaf target does not
// depend on them.
func (g *Gateway) BatchLatencyStats() (meanMs, stdevMs float64) {
	var agg ceresstats.Statistic
	for _, s := range g.slots {
		s.mu.Lock()
		mean := s.latencyMs.Mean()
		s.mu.Unlock()
		if mean > 0 {
			agg.Push(mean)
		}
	}
	return agg.Mean(), agg.Stdev()
}

// LatencyMargin returns the widest per-slot 95% confidence margin on
// mean batch latency (milliseconds), the error bar reported next to the
// mean so a noisy device isn't mistaken for a slow one.
func (g *Gateway) LatencyMargin() float64 {
	var worst float64
	for _, s := range g.slots {
		s.mu.Lock()
		m := ceresstats.ZVal(95) * s.latencyMs.StandardError()
		s.mu.Unlock()
		if m > worst {
			worst = m
		}
	}
	return worst
}

func isNaN32(f float32) bool {
	return f != f
}
