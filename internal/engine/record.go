package engine

import (
	"context"

	"github.com/roach88/cellflow/internal/sandbox"
)

// RunState is the per-cell execution state machine: idle → running →
// (idle | error).
type RunState string

const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
	StateError   RunState = "error"
)

// record is the engine-owned bookkeeping for one cell id. Owned
// exclusively by the scheduler and mutated only by the execution pipeline;
// destroyed when the cell is removed from the document.
type record struct {
	id     string
	kind   CellKind
	source string

	// Extracted on every graph rebuild.
	dependencies []string
	exports      []string

	// Execution results of the most recent finalized run.
	state      RunState
	counter    int64 // monotonic, incremented once per finalized run
	console    []sandbox.ConsoleEntry
	outputs    []any
	lastError  error
	stale      bool // an upstream cell errored after this cell last ran
	inputValue any  // current control value, input cells only

	// mount is the cell's DOM mount handle, kept across re-runs so a
	// propagated execution reuses the container created on first run.
	mount *sandbox.MountHandle

	// generation invalidates stale async completions: a new run request
	// for the same id bumps it, so the previous run's late result is
	// discarded and its context cancelled.
	generation int64
	cancel     context.CancelFunc
}

// Snapshot is the externally visible copy of a cell's execution record.
type Snapshot struct {
	ID           string                 `json:"id"`
	Kind         CellKind               `json:"kind"`
	Source       string                 `json:"source"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Exports      []string               `json:"exports,omitempty"`
	State        RunState               `json:"state"`
	Counter      int64                  `json:"counter"`
	Console      []sandbox.ConsoleEntry `json:"console,omitempty"`
	Outputs      []any                  `json:"outputs,omitempty"`
	Stale        bool                   `json:"stale,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
}

// snapshot copies the record for external consumption. Slices are copied;
// values inside them are shared references.
func (r *record) snapshot() Snapshot {
	s := Snapshot{
		ID:           r.id,
		Kind:         r.kind,
		Source:       r.source,
		Dependencies: append([]string(nil), r.dependencies...),
		Exports:      append([]string(nil), r.exports...),
		State:        r.state,
		Counter:      r.counter,
		Console:      append([]sandbox.ConsoleEntry(nil), r.console...),
		Outputs:      append([]any(nil), r.outputs...),
		Stale:        r.stale,
	}
	if r.lastError != nil {
		s.LastError = r.lastError.Error()
	}
	return s
}
