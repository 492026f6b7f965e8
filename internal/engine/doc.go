// Package engine implements the cell scheduler, the heart of the reactive
// notebook runtime.
//
// The scheduler owns one execution record per notebook cell, derives the
// cell-to-cell dependency graph from each cell's extracted dependencies and
// exports, and re-executes exactly the cells affected when an upstream
// variable changes.
//
// ARCHITECTURE:
//
// Single logical writer:
// All record and store mutations happen under the engine's writer lock.
// Synchronous calls (RunCell, DefineVariable, UpdateCellSource) hold the
// lock for the whole tick; asynchronous completions re-acquire it before
// committing and are discarded if a newer generation superseded them.
//
// Tick processing:
// An external trigger (source edit, variable write, explicit run) starts a
// tick. The triggering cell runs first; every variable its run defines
// enqueues the dependent cells, and the work queue is drained to a fixed
// point in topological order with document order as the tie-break. The
// queue de-duplicates, so a diamond dependency runs its join cell once per
// tick. A tick budget backs up the structural acyclicity guarantee.
//
// Cycle handling:
// The graph is rebuilt - and checked - on every registration or source
// change, before anything executes. A dependency cycle is a structural
// error carrying the offending cell path; no cell in the cycle runs.
//
// Error containment:
// A cell that fails keeps its previous exports, transitions to StateError,
// and marks its direct dependents stale; siblings and independent cells
// are unaffected. Only structural errors abort a whole operation.
//
// Subscriber callbacks registered through SubscribeToVariable fire inside
// the writer section. They receive the new value as an argument and must
// not synchronously call back into mutating engine methods; defer such
// work to another goroutine.
package engine
