// Package evalgateway invokes the external BatchedEvaluator, handling
// minimum/maximum batch-size padding, plane-buffer pooling, and
// least-loaded routing across multiple evaluator instances. Batches are
// assembled into one flat float32 backing slice wrapped in a
// gorgonia.org/tensor shape, never nested per-position allocations.
package evalgateway

import (
	"sync"

	"gorgonia.org/tensor"

	"github.com/ceres-chess/ceres/position"
)

// planeBufPool recycles the flat plane buffers batches are assembled
// into; allocating one per cycle would dominate the collector's
// allocation profile at large batch sizes.
type planeBufPool struct {
	pool sync.Pool
	size int
}

func newPlaneBufPool(size int) *planeBufPool {
	p := &planeBufPool{size: size}
	p.pool.New = func() interface{} {
		v := make([]float32, size)
		return &v
	}
	return p
}

func (p *planeBufPool) get() *[]float32 {
	buf := p.pool.Get().(*[]float32)
	if len(*buf) != p.size {
		v := make([]float32, p.size)
		buf = &v
	}
	return buf
}

func (p *planeBufPool) put(buf *[]float32) {
	p.pool.Put(buf)
}

// Batch is one assembled call's worth of evaluator input: n real leaves
// packed into the first n plane-sets of a buffer sized for padSize
// total slots (padSize >= max(n, evaluator.MinBatchSize())).
type Batch struct {
	planes  *[]float32
	numReal int
	padSize int
	planeSz int
}

// NewBatch assembles a batch from encoded positions, encoding each via
// PositionOps.EncodePlanes into its slot and zero-padding the remainder
// up to padSize so accelerator kernels that misbehave below a minimum
// batch size still receive a full-shaped input.
func NewBatch(pool *planeBufPool, positions []position.PositionOps, planesPerPosition, padSize int) *Batch {
	buf := pool.get()
	full := *buf
	for i, p := range positions {
		slot := full[i*planesPerPosition : (i+1)*planesPerPosition]
		p.EncodePlanes(slot)
	}
	for i := len(positions); i < padSize; i++ {
		slot := full[i*planesPerPosition : (i+1)*planesPerPosition]
		for j := range slot {
			slot[j] = 0
		}
	}
	return &Batch{planes: buf, numReal: len(positions), padSize: padSize, planeSz: planesPerPosition}
}

// Tensor wraps the batch's flat backing slice in a dense tensor of
// shape (padSize, planesPerPosition) without copying, for evaluators
// that implement TensorEvaluator.
func (b *Batch) Tensor() *tensor.Dense {
	// The pooled buffer is sized for the max batch; the backing handed
	// to the tensor must match the shape product exactly.
	backing := (*b.planes)[:b.padSize*b.planeSz]
	return tensor.New(tensor.WithShape(b.padSize, b.planeSz), tensor.WithBacking(backing))
}

// Planes exposes the raw backing slice for evaluators that take a flat
// []float32 directly rather than a tensor.Dense (BatchedEvaluator.Evaluate
// is specified against the flat form).
func (b *Batch) Planes() []float32 {
	return *b.planes
}

// NumReal returns how many of the batch's slots hold real positions; the
// rest are padding whose results must be discarded.
func (b *Batch) NumReal() int {
	return b.numReal
}

// Release returns the batch's buffer to its pool. Callers must not use
// the batch afterward.
func (b *Batch) Release(pool *planeBufPool) {
	pool.put(b.planes)
}
