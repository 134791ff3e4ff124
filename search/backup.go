package search

import (
	"github.com/ceres-chess/ceres/nodestore"
	"github.com/ceres-chess/ceres/position"
)

// terminalValue maps a terminal status to the backed-up value from the
// perspective of the side to move at that node. Checkmate means the
// mover has been mated.
func terminalValue(t position.TerminalStatus) float64 {
	switch t {
	case position.Checkmate, position.TablebaseLoss:
		return -1
	case position.TablebaseWin:
		return 1
	default:
		return 0
	}
}

// backup applies one evaluation to every node on path, leaf to root:
// increment N, accumulate value and value-squared with the sign
// alternating each ply (perspectives alternate), accumulate the
// moves-left estimate offset by the node's distance from the leaf, then
// decrement virtual loss. The compound stat update happens under the
// node's stat lock; the virtual-loss decrement afterward is the release
// barrier that publishes it.
//
// leafValue and movesLeft are from the perspective of the side to move
// at the leaf.
func (sc *SearchContext) backup(path []nodestore.NodeIdx, leafValue, movesLeft float64) {
	vloss := sc.Cfg.VirtualLossPerVisit
	v := leafValue
	depthOffset := 0.0
	for i := len(path) - 1; i >= 0; i-- {
		n := sc.Store.Node(path[i])
		n.ApplyBackup(v, movesLeft+depthOffset)
		n.VirtualLoss.Add(-vloss)
		assertf(n.VirtualLoss.Load() >= 0, "virtual loss underflow at node %d", path[i])
		v = -v
		depthOffset++
	}
	sc.nodesSearched.Add(1)
}
