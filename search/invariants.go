package search

import (
	"fmt"
	"math"

	"github.com/ceres-chess/ceres/ceresio"
	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/position"
)

// VerifyTree checks the quiescence invariants over the whole tree: no
// outstanding virtual loss, every internal node's N equal to 1 plus the
// sum of its children's, every mean value within [-1, 1], child priors
// summing to 1, and no node reachable through two different parents'
// child rows. Intended for tests and debug builds; it walks every
// reachable node.
func VerifyTree(store *nodestore.Store, root nodestore.NodeIdx) error {
	seen := make(map[nodestore.NodeIdx]bool)

	var walk func(idx nodestore.NodeIdx) (uint32, error)
	walk = func(idx nodestore.NodeIdx) (uint32, error) {
		if seen[idx] {
			return 0, fmt.Errorf("node %d reachable through two parents", idx)
		}
		seen[idx] = true

		n := store.Node(idx)
		if vl := n.VirtualLoss.Load(); vl != 0 {
			return 0, fmt.Errorf("node %d has outstanding virtual loss %d", idx, vl)
		}
		visits, valueSum, _, _ := n.Sums()
		if visits > 0 {
			if mean := valueSum / float64(visits); math.Abs(mean) > 1+1e-9 {
				return 0, fmt.Errorf("node %d mean value %f out of range", idx, mean)
			}
		}
		if !n.IsReady() || n.NumChildren == 0 {
			return visits, nil
		}

		entries := store.ChildRow(n.ChildRow, n.NumChildren)
		var priorSum float64
		var childVisits uint32
		for i := range entries {
			priorSum += float64(entries[i].Prior.UnpackProb())
			ci := entries[i].ChildIdx.Load()
			if ci == position.UnexpandedSentinel || ci == position.ReservedSentinel {
				continue
			}
			cv, err := walk(nodestore.NodeIdx(ci))
			if err != nil {
				return 0, err
			}
			childVisits += cv
		}
		if math.Abs(priorSum-1.0) > 1e-3 {
			return 0, fmt.Errorf("node %d child priors sum to %f", idx, priorSum)
		}
		if visits > 0 && visits != childVisits+1 {
			return 0, fmt.Errorf("node %d has N=%d but 1+sum(children)=%d", idx, visits, childVisits+1)
		}
		return visits, nil
	}

	_, err := walk(root)
	return err
}

// ExportSnapshot writes the tree's allocated nodes to a gzipped debug
// snapshot, produced only on demand.
func (d *Driver) ExportSnapshot(path string) error {
	store := d.sc.Store
	w, err := ceresio.NewSnapshotWriter(path)
	if err != nil {
		return err
	}
	for idx := uint32(0); idx < store.AllocatedNodes(); idx++ {
		n := store.Node(nodestore.NodeIdx(idx))
		visits, valueSum, sumSquares, _ := n.Sums()
		row := ceresio.NodeSnapshot{
			Index:       idx,
			ParentIndex: uint32(n.ParentIdx),
			Visits:      visits,
			ValueSum:    valueSum,
			SumSquares:  sumSquares,
			Prior:       n.Prior.UnpackProb(),
			Terminal:    n.Terminal.IsTerminal(),
		}
		if err := w.WriteNode(row); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
