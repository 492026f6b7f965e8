package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/cellflow/internal/extract"
	"github.com/roach88/cellflow/internal/sandbox"
)

// RunCell executes a cell synchronously: updates its source if the text
// changed, rebuilds and checks the graph, runs the cell, commits its
// exports, and re-runs dependents to a fixed point. The returned snapshot
// reflects the finalized record.
//
// Only structural errors (cycle, export conflict, tick budget) are
// returned; a failing cell is contained in its record and reported through
// the snapshot's State and LastError.
func (e *Engine) RunCell(ctx context.Context, id, source string, mount *sandbox.MountHandle) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return Snapshot{}, NewUnknownCellError(id)
	}

	if source != "" && source != rec.source {
		previous := rec.source
		rec.source = source
		if err := e.rebuildGraph(); err != nil {
			rec.source = previous
			if rebuildErr := e.rebuildGraph(); rebuildErr != nil {
				slog.Error("graph rebuild failed after revert", "cell", id, "error", rebuildErr)
			}
			return rec.snapshot(), err
		}
	}
	if mount != nil {
		rec.mount = mount
	}

	token := e.tokens.Generate()
	err := e.runTick(ctx, token, rec)
	return rec.snapshot(), err
}

// RunCellAsync is the fire-and-forget variant. The cell transitions to
// StateRunning before this returns; the result is delivered through the
// store's notification mechanism and the run-state transition, plus the
// optional done callback (invoked without the engine lock; skipped when a
// newer run superseded this one).
//
// Issuing a second request for the same cell before the first completes
// cancels the first run's context and discards its late result: at most
// one live result per cell.
func (e *Engine) RunCellAsync(ctx context.Context, id, source string, mount *sandbox.MountHandle, done func(Snapshot, error)) error {
	e.mu.Lock()

	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return NewUnknownCellError(id)
	}

	if source != "" && source != rec.source {
		previous := rec.source
		rec.source = source
		if err := e.rebuildGraph(); err != nil {
			rec.source = previous
			if rebuildErr := e.rebuildGraph(); rebuildErr != nil {
				slog.Error("graph rebuild failed after revert", "cell", id, "error", rebuildErr)
			}
			e.mu.Unlock()
			return err
		}
	}
	if mount != nil {
		rec.mount = mount
	}

	token := e.tokens.Generate()
	gen, runCtx := e.beginRun(ctx, rec)
	spec := rec.runSpec()
	inputs := e.resolveInputs(rec)
	e.mu.Unlock()

	go func() {
		start := time.Now()
		result := e.execute(runCtx, spec, inputs)

		e.mu.Lock()
		changed, committed := e.finalize(rec, gen, token, result, time.Since(start))
		var err error
		if committed && len(changed) > 0 {
			budget := e.tickBudget
			err = e.drain(ctx, token, changed, &budget)
		}
		snap := rec.snapshot()
		e.mu.Unlock()

		if committed && done != nil {
			done(snap, err)
		}
	}()
	return nil
}

// SetInput updates an input cell's control value and runs it, defining its
// bound variable and propagating to dependents.
func (e *Engine) SetInput(ctx context.Context, id string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return NewUnknownCellError(id)
	}
	if rec.kind != KindInput {
		return &SchedulerError{Code: ErrCodeInvalidCell, Message: "SetInput on a non-input cell", CellID: id}
	}

	rec.inputValue = value
	token := e.tokens.Generate()
	return e.runTick(ctx, token, rec)
}

// =============================================================================
// Tick pipeline (writer lock held throughout)
// =============================================================================

// runTick runs one cell and drains the resulting propagation to a fixed
// point.
func (e *Engine) runTick(ctx context.Context, token string, root *record) error {
	budget := e.tickBudget
	changed, err := e.runOne(ctx, token, root, &budget)
	if err != nil {
		return err
	}
	return e.drain(ctx, token, changed, &budget)
}

// propagate starts a tick from a set of changed variables instead of a
// root cell (external DefineVariable, input writes from tooling).
func (e *Engine) propagate(ctx context.Context, token string, changed []string) error {
	budget := e.tickBudget
	return e.drain(ctx, token, changed, &budget)
}

// drain re-runs every cell affected by the changed variables, in
// topological order with document-order tie-break, until no more
// variables change. The work queue de-duplicates, so each cell runs at
// most once per enqueue wave even in diamond graphs.
func (e *Engine) drain(ctx context.Context, token string, changed []string, budget *int) error {
	queue := newWorkQueue()
	e.enqueueConsumers(queue, changed)

	for {
		id, ok := queue.Pop(e.graph.rank)
		if !ok {
			return nil
		}
		rec := e.records[id]
		if rec == nil {
			continue // removed mid-tick
		}

		next, err := e.runOne(ctx, token, rec, budget)
		if err != nil {
			return err
		}
		e.enqueueConsumers(queue, next)
	}
}

func (e *Engine) enqueueConsumers(queue *workQueue, changed []string) {
	for _, name := range changed {
		for _, id := range e.graph.consumers[name] {
			if queue.Enqueue(id) {
				slog.Debug("dependent enqueued", "cell", id, "variable", name)
			}
		}
	}
}

// runOne executes a single cell inside the current tick and commits its
// result. Returns the variables the run defined. Only the tick-budget
// backstop produces an error; cell failures are contained in the record.
func (e *Engine) runOne(ctx context.Context, token string, rec *record, budget *int) ([]string, error) {
	if *budget <= 0 {
		slog.Error("tick budget exceeded", "cell", rec.id, "budget", e.tickBudget)
		return nil, &SchedulerError{
			Code:    ErrCodeTickBudget,
			Message: "propagation exceeded the tick run budget",
			CellID:  rec.id,
		}
	}
	*budget--

	gen, runCtx := e.beginRun(ctx, rec)
	inputs := e.resolveInputs(rec)

	start := time.Now()
	result := e.execute(runCtx, rec.runSpec(), inputs)
	changed, _ := e.finalize(rec, gen, token, result, time.Since(start))
	return changed, nil
}

// beginRun transitions a cell to StateRunning and supersedes any in-flight
// execution: the previous run's context is cancelled and its generation
// invalidated, so its late result is discarded.
func (e *Engine) beginRun(ctx context.Context, rec *record) (int64, context.Context) {
	if rec.cancel != nil {
		rec.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	rec.cancel = cancel
	rec.generation++
	rec.state = StateRunning
	e.mirror(rec)
	return rec.generation, runCtx
}

// resolveInputs reads the current value of each dependency. Never-defined
// dependencies are simply absent; the sandbox evaluates them as nil.
func (e *Engine) resolveInputs(rec *record) map[string]any {
	inputs := make(map[string]any, len(rec.dependencies))
	for _, name := range rec.dependencies {
		if value, ok := e.store.Value(name); ok {
			inputs[name] = value
		}
	}
	return inputs
}

// runSpec copies the fields the execution phase needs, so the async path
// reads no record state outside the lock.
type runSpec struct {
	id         string
	kind       CellKind
	source     string
	mount      *sandbox.MountHandle
	inputValue any
	export     string // input cells: the bound variable name
}

func (r *record) runSpec() runSpec {
	spec := runSpec{
		id:         r.id,
		kind:       r.kind,
		source:     r.source,
		mount:      r.mount,
		inputValue: r.inputValue,
	}
	if r.kind == KindInput && len(r.exports) > 0 {
		spec.export = r.exports[0]
	}
	return spec
}

// execute dispatches to the execution strategy bound to the cell's kind.
func (e *Engine) execute(ctx context.Context, spec runSpec, inputs map[string]any) sandbox.Result {
	switch spec.kind {
	case KindCode:
		return sandbox.Run(ctx, sandbox.Request{
			CellID:  spec.id,
			Source:  spec.source,
			Inputs:  inputs,
			Mount:   spec.mount,
			Console: sandbox.NewConsoleAt(e.now),
		})

	case KindFormula:
		name, expression, err := extract.SplitFormula(spec.source)
		if err != nil {
			return sandbox.Result{Err: err}
		}
		value, err := sandbox.Eval(ctx, expression, inputs)
		if err != nil {
			return sandbox.Result{Err: err}
		}
		return sandbox.Result{
			Exports: []sandbox.Export{{Name: name, Value: value}},
			Outputs: []any{value},
		}

	case KindInput:
		return sandbox.Result{
			Exports: []sandbox.Export{{Name: spec.export, Value: spec.inputValue}},
		}

	default: // markdown
		return sandbox.Result{
			Outputs: []any{sandbox.RenderMarkdown(spec.source, inputs)},
		}
	}
}

// finalize commits an execution result to the record and the store. A
// stale generation (the run was superseded) commits nothing. On success
// the exports are written to the store and returned as the changed set; on
// failure the previous exports stay undisturbed and the cell's direct
// dependents are marked stale.
func (e *Engine) finalize(rec *record, gen int64, token string, res sandbox.Result, duration time.Duration) (changed []string, committed bool) {
	if rec.generation != gen {
		slog.Debug("superseded run discarded", "cell", rec.id, "generation", gen)
		return nil, false
	}

	rec.counter++
	rec.console = res.Console
	rec.outputs = res.Outputs

	if res.Err != nil {
		rec.state = StateError
		rec.lastError = res.Err
		e.mirror(rec)
		e.markDependentsStale(rec)
		slog.Info("cell run failed", "cell", rec.id, "run", token,
			"counter", rec.counter, "error", res.Err)
	} else {
		rec.state = StateIdle
		rec.lastError = nil
		rec.stale = false
		for _, export := range res.Exports {
			e.store.Define(export.Name, export.Value)
			changed = append(changed, export.Name)
		}
		e.mirror(rec)
		slog.Debug("cell run completed", "cell", rec.id, "run", token,
			"counter", rec.counter, "exports", changed)
	}

	if e.observer != nil {
		event := RunEvent{
			Seq:      e.clock.Next(),
			RunToken: token,
			CellID:   rec.id,
			Counter:  rec.counter,
			State:    rec.state,
			Duration: duration,
		}
		if rec.lastError != nil {
			event.Error = rec.lastError.Error()
		}
		e.observer(event)
	}

	return changed, true
}

// markDependentsStale flags every direct dependent of a failed cell so it
// does not silently keep presenting results computed from outdated data.
// Dependents are not re-run: the failed run defined nothing, so their
// last-good values are still the current values.
func (e *Engine) markDependentsStale(rec *record) {
	for _, name := range rec.exports {
		for _, id := range e.graph.consumers[name] {
			dep := e.records[id]
			if dep == nil || dep.stale {
				continue
			}
			dep.stale = true
			e.mirror(dep)
			slog.Debug("dependent marked stale", "cell", id, "upstream", rec.id)
		}
	}
}
