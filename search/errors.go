// Package search implements the PUCT selection/expansion/backup cycle
// that drives Ceres's MCTS tree: a worker pool of selectors and leaf
// collectors feeding the evaluator gateway, with a ticking node-rate
// watchdog on the side.
package search

import "errors"

// ErrCapacityExhausted surfaces nodestore.ErrCapacityExhausted up to the
// driver: the cycle failed to allocate, and the search should stop with
// a CapacityExhausted status rather than attempting to continue on a
// half-expanded tree.
var ErrCapacityExhausted = errors.New("search: node/child-row capacity exhausted")

// ErrEvaluatorFailed surfaces evalgateway.ErrEvaluatorFailed: a batch
// failed twice (original attempt plus one retry at half size) and the
// evaluator slot has been marked unhealthy.
var ErrEvaluatorFailed = errors.New("search: evaluator failed")

// ErrCorruptInvariant marks a debug-only assertion failure: a programmer
// error, never expected outside development builds compiled with the
// ceresdebug tag. The asserted conditions are virtual-loss underflow in
// backup and a policy handle released twice; N mismatches and hash
// collisions on expansion are not asserted (VerifyTree reports N
// mismatches as plain errors).
var ErrCorruptInvariant = errors.New("search: corrupt invariant")

// ErrTerminalMisclassification marks a PositionOps contract violation: a
// position flagged terminal with legal moves available, or vice versa.
var ErrTerminalMisclassification = errors.New("search: terminal misclassification")

// errStopped is the internal signal a descent returns when it observed
// the stop flag mid-walk and unwound its virtual loss; workers treat it
// as a clean exit, never surfacing it past the driver.
var errStopped = errors.New("search: stopped")
