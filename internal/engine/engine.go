package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cellflow/internal/store"
)

// DefaultTickBudget is the maximum number of cell runs in one propagation
// tick. The acyclic-graph invariant bounds every tick; the budget is the
// runtime backstop for that assumption, not a tuning knob.
const DefaultTickBudget = 10000

// RunEvent describes one finalized cell run, delivered to the configured
// observer (the CLI's run log, test recorders). Seq orders runs globally;
// RunToken correlates every run caused by the same external trigger.
type RunEvent struct {
	Seq      int64
	RunToken string
	CellID   string
	Counter  int64
	State    RunState
	Error    string
	Duration time.Duration
}

// RunObserver receives a RunEvent after each finalized run. Called under
// the writer lock; observers must not call back into the engine.
type RunObserver func(RunEvent)

// Engine is the cell scheduler. It owns the per-cell execution records and
// the derived dependency graph, decides execution order, and re-triggers
// downstream cells when a variable they depend on changes.
//
// All mutations happen under the writer lock. Synchronous entry points
// (RunCell, DefineVariable, SetInput, UpdateCellSource) hold it for the
// whole tick; asynchronous completions re-acquire it before committing.
//
// INVARIANTS:
//   - order holds the document order of cell ids; tie-breaks derive from it
//   - the graph is rebuilt before anything executes after a structural change
//   - at most one live result per cell id (generation counter)
type Engine struct {
	mu sync.Mutex

	store   *store.Store
	records map[string]*record
	order   []string // document order
	graph   *graph

	clock      *Clock
	tokens     TokenGenerator
	tickBudget int
	observer   RunObserver
	now        func() time.Time // console timestamps; injectable for tests
}

// Option configures an Engine.
type Option func(*Engine)

// WithTokens overrides the token generator (run tokens, generated cell
// ids). Tests pass FixedGenerator or SequenceGenerator for determinism.
func WithTokens(gen TokenGenerator) Option {
	return func(e *Engine) { e.tokens = gen }
}

// WithTickBudget overrides the per-tick run budget. Use a small value to
// test the backstop.
func WithTickBudget(n int) Option {
	return func(e *Engine) { e.tickBudget = n }
}

// WithRunObserver installs an observer for finalized runs.
func WithRunObserver(obs RunObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithClockFunc overrides the wall clock used for console entry
// timestamps. Golden tests pin it.
func WithClockFunc(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given variable store. The engine is an
// explicitly constructed instance: multiple independent notebooks run
// multiple independent engines.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		records:    make(map[string]*record),
		graph:      &graph{producer: map[string]string{}, consumers: map[string][]string{}, rank: map[string]int{}},
		clock:      NewClock(),
		tokens:     UUIDv7Generator{},
		tickBudget: DefaultTickBudget,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// Variable facade
// =============================================================================

// DefineVariable sets a variable from outside any cell and re-runs its
// dependent cells to a fixed point before returning.
func (e *Engine) DefineVariable(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name = store.Normalize(name)
	_, known := e.store.Value(name)
	e.store.Define(name, value)

	if !known {
		// A brand-new name may satisfy references the dependency scan
		// could not resolve when the cells were registered; re-extract so
		// those cells gain the edge before propagation.
		if err := e.rebuildGraph(); err != nil {
			return err
		}
	}

	token := e.tokens.Generate()
	return e.propagate(context.Background(), token, []string{name})
}

// VariableValue returns the current value of a variable and whether it has
// ever been defined.
func (e *Engine) VariableValue(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Value(name)
}

// SubscribeToVariable registers a callback for every future definition of
// name and returns an unsubscribe function. The callback fires inside the
// engine's writer section; it must not synchronously call mutating engine
// methods.
func (e *Engine) SubscribeToVariable(name string, callback store.Subscriber) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	unsubscribe := e.store.Subscribe(name, callback)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		unsubscribe()
	}
}

// VariableNames lists every defined variable, engine bookkeeping included;
// callers present user-facing listings by filtering store.IsInternalName.
func (e *Engine) VariableNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Names()
}

// AllVariables returns a snapshot of every variable and its value.
func (e *Engine) AllVariables() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.All()
}

// =============================================================================
// Cell registry
// =============================================================================

// RegisterCell adds a cell to the engine and rebuilds the graph. An empty
// id is replaced with a generated one; the chosen id is returned. The cell
// does not run until an explicit run request or an upstream change.
//
// A registration that would introduce a dependency cycle, an export
// conflict, or an invalid source is rolled back.
func (e *Engine) RegisterCell(id string, kind CellKind, source string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := ParseKind(string(kind)); err != nil {
		return "", err
	}
	if id == "" {
		id = e.tokens.Generate()
	}
	if _, exists := e.records[id]; exists {
		return "", &SchedulerError{Code: ErrCodeDuplicateCell, Message: "cell id already registered", CellID: id}
	}

	rec := &record{id: id, kind: kind, source: source, state: StateIdle}
	e.records[id] = rec
	e.order = append(e.order, id)

	if err := e.rebuildGraph(); err != nil {
		// Roll back so a failed registration leaves no trace.
		delete(e.records, id)
		e.order = e.order[:len(e.order)-1]
		if rebuildErr := e.rebuildGraph(); rebuildErr != nil {
			slog.Error("graph rebuild failed after rollback", "cell", id, "error", rebuildErr)
		}
		return "", err
	}

	e.mirror(rec)
	slog.Debug("cell registered", "cell", id, "kind", kind,
		"dependencies", rec.dependencies, "exports", rec.exports)
	return id, nil
}

// UpdateCellSource replaces a cell's source text, rebuilds the graph, and
// runs the cell (and its dependents) with the new definition. A structural
// error reverts the edit and nothing executes.
func (e *Engine) UpdateCellSource(ctx context.Context, id, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return NewUnknownCellError(id)
	}

	previous := rec.source
	rec.source = source
	if err := e.rebuildGraph(); err != nil {
		rec.source = previous
		if rebuildErr := e.rebuildGraph(); rebuildErr != nil {
			slog.Error("graph rebuild failed after revert", "cell", id, "error", rebuildErr)
		}
		return err
	}

	token := e.tokens.Generate()
	return e.runTick(ctx, token, rec)
}

// RemoveCell deletes a cell's record and every variable it exported, then
// rebuilds the graph. Dependents are not re-run: deletion is the only way
// a variable disappears, and it is silent.
func (e *Engine) RemoveCell(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return NewUnknownCellError(id)
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	// Invalidate the in-flight generation too: cancellation alone races the
	// sandbox's last statement, and a late completion must not resurrect
	// the record's bookkeeping variables or fire its done callback.
	rec.generation++

	for _, name := range rec.exports {
		if e.graph.producer[name] == id {
			e.store.Delete(name)
		}
	}
	e.store.Delete(store.InternalPrefix + id + ":state")
	e.store.Delete(store.InternalPrefix + id + ":count")
	e.store.Delete(store.InternalPrefix + id + ":stale")

	delete(e.records, id)
	for i, other := range e.order {
		if other == id {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}

	if err := e.rebuildGraph(); err != nil {
		// Removing a cell can only delete edges; a structural error here
		// means the graph was already broken.
		return fmt.Errorf("rebuild after removal: %w", err)
	}
	slog.Debug("cell removed", "cell", id)
	return nil
}

// CellIDs returns the registered cell ids in document order.
func (e *Engine) CellIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// CellSnapshot returns a copy of a cell's execution record.
func (e *Engine) CellSnapshot(id string) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[id]
	if !ok {
		return Snapshot{}, NewUnknownCellError(id)
	}
	return rec.snapshot(), nil
}

// Validate rebuilds the graph and reports structural errors (cycles,
// export conflicts) without executing anything.
func (e *Engine) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuildGraph()
}

// mirror publishes a cell's run state, counter, and staleness as reserved
// bookkeeping variables, so observers can subscribe to run-state
// transitions through the ordinary store contract.
func (e *Engine) mirror(rec *record) {
	prefix := store.InternalPrefix + rec.id
	e.store.Define(prefix+":state", string(rec.state))
	e.store.Define(prefix+":count", rec.counter)
	e.store.Define(prefix+":stale", rec.stale)
}
