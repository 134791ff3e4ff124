package nodestore

import "github.com/ceres-chess/ceres/position"

// Reparent builds a fresh Store containing only the subtree rooted at
// newRoot, compacting node and child-row indices and rebuilding the
// transposition index over the surviving nodes. The old arena's other
// nodes are simply left behind; callers drop the old Store.
//
// Must be called at quiescence: no outstanding virtual loss, no claimed
// but unpublished expansions.
func (s *Store) Reparent(newRoot NodeIdx) *Store {
	out := &Store{
		nodes: make([]Node, len(s.nodes)),
		rows:  newChildRowArena(uint32(len(s.rows.entries)), int(s.rows.numShards)),
		tt: &transpositionIndex{
			slots:    make([]ttSlot, len(s.tt.slots)),
			sizeMask: s.tt.sizeMask,
		},
		avgLegalMoves: s.avgLegalMoves,
	}

	mapping := map[NodeIdx]NodeIdx{newRoot: 0}
	next := uint32(1)
	queue := []NodeIdx{newRoot}

	for len(queue) > 0 {
		old := queue[0]
		queue = queue[1:]
		src := &s.nodes[old]
		dst := &out.nodes[mapping[old]]

		dst.MoveFromParent = src.MoveFromParent
		dst.Prior = src.Prior
		dst.HashLo = src.HashLo
		dst.HashHi = src.HashHi
		dst.Terminal = src.Terminal
		dst.ValueUncertainty = src.ValueUncertainty
		dst.PolicyUncertainty = src.PolicyUncertainty
		dst.SecondaryValue = src.SecondaryValue
		dst.HasSecondary = src.HasSecondary
		dst.MovesLeftEstimate = src.MovesLeftEstimate
		dst.SharedEval = src.SharedEval
		if old != newRoot {
			dst.ParentIdx = mapping[src.ParentIdx]
		}

		visits, valueSum, sumSquares, movesSum := src.Sums()
		dst.n = visits
		dst.valueSum = valueSum
		dst.sumSquares = sumSquares
		dst.movesSum = movesSum

		if src.IsReady() {
			dst.expanded.Store(true)
			if src.NumChildren > 0 {
				row, ok := out.rows.alloc(0, src.NumChildren)
				if !ok {
					// The destination row arena is the same size as the
					// source's, so a subtree that fit before fits now.
					panic("nodestore: child-row arena overflow during reparent")
				}
				srcRow := s.rows.row(src.ChildRow, src.NumChildren)
				dstRow := out.rows.row(row, src.NumChildren)
				for i := range srcRow {
					dstRow[i].Move = srcRow[i].Move
					dstRow[i].Prior = srcRow[i].Prior
					ci := srcRow[i].ChildIdx.Load()
					if ci == position.UnexpandedSentinel || ci == position.ReservedSentinel {
						dstRow[i].ChildIdx.Store(position.UnexpandedSentinel)
						continue
					}
					childNew := NodeIdx(next)
					next++
					mapping[NodeIdx(ci)] = childNew
					dstRow[i].ChildIdx.Store(uint32(childNew))
					queue = append(queue, NodeIdx(ci))
				}
				dst.ChildRow = row
				dst.NumChildren = src.NumChildren
			}
			dst.ready.Store(true)
		}

		out.tt.insert(dst.HashLo, dst.HashHi, mapping[old])
	}

	out.nextNode.Store(next)
	return out
}
