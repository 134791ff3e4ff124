// ceres-bench drives the search core end-to-end against a synthetic
// position provider and a randomized batched evaluator, for profiling
// the selection/evaluation/backup pipeline without a GPU or a real
// chess engine attached. It is a bench harness, not a UCI engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ceres-chess/ceres/ceresio"
	"github.com/ceres-chess/ceres/ceresstats"
	"github.com/ceres-chess/ceres/position"
	"github.com/ceres-chess/ceres/search"
	"github.com/ceres-chess/ceres/searchcfg"
)

// synthPosition is a procedurally generated game: every position has a
// fixed branching factor, games end in a draw at a fixed depth, and the
// hash is a mix of the move path. Cheap enough that the evaluator, not
// move handling, dominates the benchmark.
type synthPosition struct {
	branching int
	maxDepth  int
	path      []position.EncodedMove
}

func (p *synthPosition) LegalMoves() []position.EncodedMove {
	if len(p.path) >= p.maxDepth {
		return nil
	}
	moves := make([]position.EncodedMove, p.branching)
	for i := range moves {
		moves[i] = position.EncodedMove(i + 1)
	}
	return moves
}

func (p *synthPosition) MakeMove(mv position.EncodedMove) {
	p.path = append(p.path, mv)
}

func (p *synthPosition) Undo() {
	p.path = p.path[:len(p.path)-1]
}

func (p *synthPosition) Terminal() position.TerminalStatus {
	if len(p.path) >= p.maxDepth {
		return position.Draw50
	}
	return position.NotTerminal
}

func (p *synthPosition) ZobristHash() uint64 {
	// Order-dependent mix so sibling paths don't transpose into one
	// another; fmix64 from MurmurHash3 as the per-move avalanche.
	h := uint64(0x9E3779B97F4A7C15)
	for _, mv := range p.path {
		h ^= uint64(mv)
		h ^= h >> 33
		h *= 0xFF51AFD7ED558CCD
		h ^= h >> 33
		h *= 0xC4CEB9FE1A85EC53
		h ^= h >> 33
	}
	return h
}

func (p *synthPosition) EncodePlanes(dst []float32) {
	h := p.ZobristHash()
	for i := range dst {
		dst[i] = float32(h>>(i%48)&0xFF) / 255.0
	}
}

func (p *synthPosition) Clone() position.PositionOps {
	path := make([]position.EncodedMove, len(p.path))
	copy(path, p.path)
	return &synthPosition{branching: p.branching, maxDepth: p.maxDepth, path: path}
}

// randomEvaluator returns hash-seeded pseudo-evaluations with a
// configurable artificial latency standing in for a GPU forward pass.
type randomEvaluator struct {
	numPlanes int
	maxBatch  int
	latency   time.Duration
}

func (e *randomEvaluator) Evaluate(ctx context.Context, planes []float32, n int) ([]position.EvalResult, error) {
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	results := make([]position.EvalResult, n)
	for i := 0; i < n; i++ {
		seed := planes[i*e.numPlanes]
		win := 0.3 + 0.4*float32(math.Abs(float64(seed)))
		results[i] = position.EvalResult{
			WinProb:   win,
			LossProb:  (1 - win) * 0.5,
			MovesLeft: 30 - 20*seed,
		}
	}
	return results, nil
}

func (e *randomEvaluator) InputLayout() (int, position.InputDType) {
	return e.numPlanes, position.InputFloat32
}
func (e *randomEvaluator) MinBatchSize() int { return 2 }
func (e *randomEvaluator) MaxBatchSize() int { return e.maxBatch }

func main() {
	nodes := flag.Uint64("nodes", 100_000, "node limit per search")
	maxNodes := flag.Uint64("max-nodes", 4_000_000, "arena capacity")
	threads := flag.Int("threads", 4, "worker threads")
	batch := flag.Int("batch", 256, "target batch size")
	branching := flag.Int("branching", 30, "synthetic branching factor")
	depth := flag.Int("depth", 60, "synthetic game length")
	latency := flag.Duration("latency", 2*time.Millisecond, "simulated evaluator latency per batch")
	moves := flag.Int("moves", 4, "number of consecutive searches, reusing the tree between them")
	cfgPath := flag.String("config", "", "optional search config file")
	logLevel := flag.String("loglevel", "info", "zerolog level")
	flag.Parse()

	ceresio.InitLogging(*logLevel, true)

	cfg := searchcfg.DefaultConfig()
	if err := cfg.Load(*cfgPath); err != nil {
		log.Err(err).Msg("could not load config")
		os.Exit(1)
	}
	cfg.MaxNodes = *maxNodes
	cfg.NumWorkerThreads = *threads
	cfg.TargetBatchSize = *batch

	eval := &randomEvaluator{numPlanes: 64, maxBatch: cfg.MaxBatchSize, latency: *latency}
	driver, err := search.NewDriver(cfg, []position.BatchedEvaluator{eval})
	if err != nil {
		log.Err(err).Msg("could not build driver")
		os.Exit(1)
	}

	pos := &synthPosition{branching: *branching, maxDepth: *depth}
	npsStats := &ceresstats.Statistic{}

	for move := 0; move < *moves; move++ {
		res, err := driver.Search(context.Background(), pos, search.Limit{MaxNodes: *nodes})
		if err != nil {
			log.Err(err).Msg("search-failed")
			if res != nil {
				fmt.Printf("stopped with status %s after %d nodes, best m%d\n",
					res.Status, res.NodesSearched, res.BestMove)
			}
			break
		}
		nps := float64(res.NodesSearched) / res.WallTime.Seconds()
		npsStats.Push(nps)

		fmt.Printf("\nmove %d: best m%d  Q %.4f ± %.4f  nodes %d  %.0f n/s  batch %.2f±%.2fms\n",
			move+1, res.BestMove, res.Q, res.QSigma, res.NodesSearched, nps,
			res.Batch.MeanLatencyMs, res.Batch.LatencyMargin95Ms)
		fmt.Print(driver.EquityReport(res))
		if hist, err := driver.VisitHistogram(res, 10); err == nil {
			fmt.Print(hist)
		}

		driver.PlayMove(res.BestMove)
		pos.MakeMove(res.BestMove)
		if pos.Terminal().IsTerminal() {
			break
		}
	}

	fmt.Printf("\nmean throughput over %d searches: %.0f ± %.0f nodes/s\n",
		npsStats.Iterations(), npsStats.Mean(), npsStats.Stdev())
}
