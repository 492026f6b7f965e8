package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellflow/internal/store"
)

func newTestEngine(opts ...Option) *Engine {
	opts = append([]Option{WithTokens(NewSequenceGenerator("run"))}, opts...)
	return New(store.New(), opts...)
}

func mustRegister(t *testing.T, e *Engine, id string, kind CellKind, source string) {
	t.Helper()
	_, err := e.RegisterCell(id, kind, source)
	require.NoError(t, err)
}

func mustRun(t *testing.T, e *Engine, id string) Snapshot {
	t.Helper()
	snap, err := e.RunCell(context.Background(), id, "", nil)
	require.NoError(t, err)
	return snap
}

// =============================================================================
// End-to-end reactive scenario
// =============================================================================

func TestEngine_FormulaFeedsCodeCell(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "f1", KindFormula, "x = 2 + 3")
	mustRegister(t, e, "c1", KindCode, "exports.y = x * 2")

	mustRun(t, e, "f1")

	x, ok := e.VariableValue("x")
	require.True(t, ok)
	assert.Equal(t, 5, x)

	// c1 ran automatically: f1's define of x triggered it.
	y, ok := e.VariableValue("y")
	require.True(t, ok)
	assert.Equal(t, 10, y)

	snap, err := e.CellSnapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, int64(1), snap.Counter)
}

func TestEngine_EditingFormulaRerunsDependent(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "f1", KindFormula, "x = 2 + 3")
	mustRegister(t, e, "c1", KindCode, "exports.y = x * 2")
	mustRun(t, e, "f1")

	// Redefine the formula; c1's source is untouched but it re-runs.
	require.NoError(t, e.UpdateCellSource(context.Background(), "f1", "x = 10"))

	y, _ := e.VariableValue("y")
	assert.Equal(t, 20, y)

	snap, _ := e.CellSnapshot("c1")
	assert.Equal(t, int64(2), snap.Counter, "c1 ran once per f1 run")
}

func TestEngine_Idempotence(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "f1", KindFormula, "x = 7")
	mustRegister(t, e, "c1", KindCode, "exports.y = x + 1")

	mustRun(t, e, "f1")
	first, _ := e.CellSnapshot("c1")
	mustRun(t, e, "f1")
	second, _ := e.CellSnapshot("c1")

	assert.Equal(t, first.Exports, second.Exports)
	y, _ := e.VariableValue("y")
	assert.Equal(t, 8, y, "identical source and inputs yield identical exports")
}

// =============================================================================
// Propagation shape
// =============================================================================

func TestEngine_DiamondRunsJoinCellOnce(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "a", KindFormula, "x = 1")
	mustRegister(t, e, "b", KindCode, "exports.left = x + 1")
	mustRegister(t, e, "c", KindCode, "exports.right = x + 2")
	mustRegister(t, e, "d", KindCode, "exports.sum = left + right")

	mustRun(t, e, "a")

	snap, _ := e.CellSnapshot("d")
	assert.Equal(t, int64(1), snap.Counter,
		"the join cell runs once per upstream change, not once per branch")

	sum, _ := e.VariableValue("sum")
	assert.Equal(t, 5, sum)
}

func TestEngine_DocumentOrderTieBreak(t *testing.T) {
	// Both consumers are eligible in the same tick; document order decides.
	var ran []string
	e := newTestEngine(WithRunObserver(func(ev RunEvent) {
		ran = append(ran, ev.CellID)
	}))

	mustRegister(t, e, "src", KindFormula, "x = 1")
	mustRegister(t, e, "late", KindCode, "exports.a = x + 1")
	mustRegister(t, e, "early", KindCode, "exports.b = x + 2")

	mustRun(t, e, "src")

	require.Equal(t, []string{"src", "late", "early"}, ran,
		"same-tick cells are scheduled in notebook document order")
}

func TestEngine_ChainPropagatesToFixedPoint(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "a", KindFormula, "x = 1")
	mustRegister(t, e, "b", KindCode, "exports.y = x * 10")
	mustRegister(t, e, "c", KindCode, "exports.z = y * 10")

	mustRun(t, e, "a")

	z, _ := e.VariableValue("z")
	assert.Equal(t, 100, z, "changes ripple through the whole chain in one tick")
}

func TestEngine_DefineVariablePropagates(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "c1", KindCode, "exports.y = x * 3")

	// x was unknown when c1 registered; the define re-extracts, so c1
	// gains the dependency and runs in the same call.
	require.NoError(t, e.DefineVariable("x", 2))
	y, _ := e.VariableValue("y")
	assert.Equal(t, 6, y, "a define introducing a new name reaches existing cells")

	require.NoError(t, e.DefineVariable("x", 4))
	y, _ = e.VariableValue("y")
	assert.Equal(t, 12, y, "an external define re-runs dependent cells")
}

// =============================================================================
// Cycle detection
// =============================================================================

func TestEngine_CycleRejectedBeforeExecution(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "a", KindCode, "exports.p = q + 1")
	_, err := e.RegisterCell("b", KindCode, "exports.q = p + 1")

	require.Error(t, err)
	assert.True(t, IsCycleError(err))

	var se *SchedulerError
	require.ErrorAs(t, err, &se)
	assert.NotEmpty(t, se.Cycle, "cycle error names the implicated cells")

	// The offending registration rolled back; no cell in the cycle ran.
	assert.Equal(t, []string{"a"}, e.CellIDs())
	snap, _ := e.CellSnapshot("a")
	assert.Equal(t, int64(0), snap.Counter)
}

func TestEngine_CycleViaUpdateReverts(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "a", KindFormula, "p = 1")
	mustRegister(t, e, "b", KindCode, "exports.q = p + 1")

	err := e.UpdateCellSource(context.Background(), "a", "p = q + 1")
	require.Error(t, err)
	assert.True(t, IsCycleError(err))

	snap, _ := e.CellSnapshot("a")
	assert.Equal(t, "p = 1", snap.Source, "a structural error reverts the edit")
}

func TestEngine_ExportConflictRejected(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "a", KindFormula, "x = 1")
	_, err := e.RegisterCell("b", KindFormula, "x = 2")

	require.Error(t, err)
	var se *SchedulerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeExportConflict, se.Code)
}

// =============================================================================
// Error containment and staleness
// =============================================================================

func TestEngine_ConsoleOrderWithError(t *testing.T) {
	e := newTestEngine()

	src := "console.log(\"a\")\nconsole.log(\"b\")\nexports.y = 1 / 0"
	mustRegister(t, e, "c1", KindCode, src)

	snap := mustRun(t, e, "c1")

	assert.Equal(t, StateError, snap.State)
	assert.NotEmpty(t, snap.LastError, "the thrown value is retained")
	require.Len(t, snap.Console, 2)
	assert.Equal(t, []any{"a"}, snap.Console[0].Args)
	assert.Equal(t, []any{"b"}, snap.Console[1].Args)
}

func TestEngine_FailedRunKeepsPreviousExports(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "c1", KindCode, "exports.y = 1")
	mustRun(t, e, "c1")

	snap, err := e.RunCell(context.Background(), "c1", "exports.y = 1 / 0", nil)
	require.NoError(t, err, "a cell failure is not a scheduler failure")
	assert.Equal(t, StateError, snap.State)

	y, ok := e.VariableValue("y")
	require.True(t, ok)
	assert.Equal(t, 1, y, "previous exports stay undisturbed")
}

func TestEngine_UpstreamErrorMarksDependentsStale(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "up", KindFormula, "x = 5")
	mustRegister(t, e, "down", KindCode, "exports.y = x * 2")
	mustRegister(t, e, "other", KindFormula, "unrelated = 1")
	mustRun(t, e, "up")

	require.NoError(t, e.UpdateCellSource(context.Background(), "up", "x = 1 / 0"))

	up, _ := e.CellSnapshot("up")
	assert.Equal(t, StateError, up.State)

	down, _ := e.CellSnapshot("down")
	assert.True(t, down.Stale, "dependents learn their inputs are outdated")
	assert.Equal(t, int64(1), down.Counter, "dependents are not re-run on upstream failure")
	y, _ := e.VariableValue("y")
	assert.Equal(t, 10, y, "last-good value remains current")

	other, _ := e.CellSnapshot("other")
	assert.False(t, other.Stale, "unrelated cells are untouched")
}

func TestEngine_SuccessfulRunClearsStale(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "up", KindFormula, "x = 5")
	mustRegister(t, e, "down", KindCode, "exports.y = x * 2")
	mustRun(t, e, "up")

	require.NoError(t, e.UpdateCellSource(context.Background(), "up", "x = 1 / 0"))
	require.NoError(t, e.UpdateCellSource(context.Background(), "up", "x = 6"))

	down, _ := e.CellSnapshot("down")
	assert.False(t, down.Stale, "a successful re-run clears the flag")
	y, _ := e.VariableValue("y")
	assert.Equal(t, 12, y)
}

func TestEngine_ModuleErrorContained(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "c1", KindCode, "fs = load(\"filesystem\")")
	snap := mustRun(t, e, "c1")

	assert.Equal(t, StateError, snap.State)
	assert.Contains(t, snap.LastError, "filesystem")
}

// =============================================================================
// Supersession (at most one live result per cell)
// =============================================================================

func TestEngine_SecondRunSupersedesFirst(t *testing.T) {
	e := newTestEngine()

	slow := "load(\"time\").Sleep(5000)\nexports.y = 1"
	mustRegister(t, e, "c1", KindCode, slow)

	require.NoError(t, e.RunCellAsync(context.Background(), "c1", "", nil, nil))

	// Give the async run a moment to enter the sandbox, then supersede it.
	time.Sleep(20 * time.Millisecond)
	snap, err := e.RunCell(context.Background(), "c1", "exports.y = 2", nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)

	y, _ := e.VariableValue("y")
	assert.Equal(t, 2, y, "only the second run's exports commit")

	// The superseded run's late completion must change nothing.
	require.Eventually(t, func() bool {
		s, _ := e.CellSnapshot("c1")
		return s.State == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	final, _ := e.CellSnapshot("c1")
	assert.Equal(t, int64(1), final.Counter, "the discarded run does not count")
	y, _ = e.VariableValue("y")
	assert.Equal(t, 2, y)
}

func TestEngine_RemoveCellDiscardsInFlightRun(t *testing.T) {
	e := newTestEngine()

	slow := "load(\"time\").Sleep(5000)\nexports.y = 1"
	mustRegister(t, e, "c1", KindCode, slow)

	var doneCalls atomic.Int32
	require.NoError(t, e.RunCellAsync(context.Background(), "c1", "", nil,
		func(Snapshot, error) { doneCalls.Add(1) }))

	// Let the async run enter the sandbox, then remove the cell under it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.RemoveCell("c1"))

	// The cancelled sandbox returns promptly; give its late completion
	// time to reach finalize before asserting it left no trace.
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, e.VariableNames(),
		"a late completion must not resurrect the removed cell's variables")
	_, err := e.CellSnapshot("c1")
	assert.True(t, IsUnknownCellError(err))
	assert.Equal(t, int32(0), doneCalls.Load(),
		"the removed cell's done callback is skipped")
}

func TestEngine_SupersededDoneCallbackSkipped(t *testing.T) {
	e := newTestEngine()

	slow := "load(\"time\").Sleep(5000)\nexports.y = 1"
	mustRegister(t, e, "c1", KindCode, slow)

	var firstDone atomic.Int32
	require.NoError(t, e.RunCellAsync(context.Background(), "c1", "", nil,
		func(Snapshot, error) { firstDone.Add(1) }))

	time.Sleep(20 * time.Millisecond)

	second := make(chan Snapshot, 1)
	require.NoError(t, e.RunCellAsync(context.Background(), "c1", "exports.y = 2", nil,
		func(snap Snapshot, err error) {
			require.NoError(t, err)
			second <- snap
		}))

	select {
	case snap := <-second:
		assert.Equal(t, StateIdle, snap.State)
		assert.Equal(t, int64(1), snap.Counter)
	case <-time.After(2 * time.Second):
		t.Fatal("second run did not complete")
	}

	// The superseded run's cancelled sandbox finishes shortly after; its
	// completion must be dropped without invoking its callback.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), firstDone.Load(),
		"only the live run's callback fires")
	y, _ := e.VariableValue("y")
	assert.Equal(t, 2, y)
}

func TestEngine_AsyncDeliversThroughRunState(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "c1", KindCode, "exports.y = 40 + 2")

	var states []string
	unsubscribe := e.SubscribeToVariable(store.InternalPrefix+"c1:state", func(v any) {
		states = append(states, v.(string))
	})
	defer unsubscribe()

	done := make(chan Snapshot, 1)
	require.NoError(t, e.RunCellAsync(context.Background(), "c1", "", nil,
		func(snap Snapshot, err error) {
			require.NoError(t, err)
			done <- snap
		}))

	select {
	case snap := <-done:
		assert.Equal(t, StateIdle, snap.State)
		assert.Equal(t, int64(1), snap.Counter)
	case <-time.After(2 * time.Second):
		t.Fatal("async run did not complete")
	}

	y, _ := e.VariableValue("y")
	assert.Equal(t, 42, y)
	assert.Equal(t, []string{"running", "idle"}, states,
		"run-state transitions surface through the reserved variable")
}

// =============================================================================
// Input and markdown cells
// =============================================================================

func TestEngine_InputCellDrivesDependents(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "in", KindInput, "threshold")
	mustRegister(t, e, "c1", KindCode, "exports.over = threshold > 10")

	require.NoError(t, e.SetInput(context.Background(), "in", 15))

	over, _ := e.VariableValue("over")
	assert.Equal(t, true, over)

	require.NoError(t, e.SetInput(context.Background(), "in", 5))
	over, _ = e.VariableValue("over")
	assert.Equal(t, false, over)
}

func TestEngine_SetInputOnWrongKind(t *testing.T) {
	e := newTestEngine()
	mustRegister(t, e, "c1", KindCode, "exports.y = 1")

	err := e.SetInput(context.Background(), "c1", 5)
	assert.Error(t, err)
}

func TestEngine_MarkdownRendersDependencies(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "f1", KindFormula, "total = 6 * 7")
	mustRegister(t, e, "m1", KindMarkdown, "The answer is {{total}}.")

	mustRun(t, e, "f1")

	snap, _ := e.CellSnapshot("m1")
	require.Len(t, snap.Outputs, 1)
	assert.Equal(t, "The answer is 42.", snap.Outputs[0])
}

// =============================================================================
// Registry
// =============================================================================

func TestEngine_RegisterGeneratesID(t *testing.T) {
	e := newTestEngine()

	id, err := e.RegisterCell("", KindFormula, "x = 1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", id, "empty id draws from the token generator")
}

func TestEngine_DuplicateIDRejected(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "c1", KindFormula, "x = 1")
	_, err := e.RegisterCell("c1", KindFormula, "y = 1")

	var se *SchedulerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeDuplicateCell, se.Code)
}

func TestEngine_RemoveCellDeletesExports(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "f1", KindFormula, "x = 1")
	mustRun(t, e, "f1")
	_, ok := e.VariableValue("x")
	require.True(t, ok)

	require.NoError(t, e.RemoveCell("f1"))

	_, ok = e.VariableValue("x")
	assert.False(t, ok, "removing the owning cell deletes its variables")
	assert.Empty(t, e.CellIDs())
	_, err := e.CellSnapshot("f1")
	assert.True(t, IsUnknownCellError(err))
}

func TestEngine_UnknownCellErrors(t *testing.T) {
	e := newTestEngine()

	_, err := e.RunCell(context.Background(), "ghost", "x = 1", nil)
	assert.True(t, IsUnknownCellError(err))
	assert.True(t, IsUnknownCellError(e.RemoveCell("ghost")))
	assert.True(t, IsUnknownCellError(e.UpdateCellSource(context.Background(), "ghost", "x = 1")))
}

// =============================================================================
// Bookkeeping variables and budget
// =============================================================================

func TestEngine_InternalVariablesExcludedFromUserListing(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "f1", KindFormula, "x = 1")
	mustRun(t, e, "f1")

	names := e.VariableNames()
	var user, internal []string
	for _, name := range names {
		if store.IsInternalName(name) {
			internal = append(internal, name)
		} else {
			user = append(user, name)
		}
	}
	assert.Equal(t, []string{"x"}, user)
	assert.NotEmpty(t, internal, "the store itself excludes nothing")
}

func TestEngine_ExecutionCounterVisibleInStore(t *testing.T) {
	e := newTestEngine()

	mustRegister(t, e, "f1", KindFormula, "x = 1")
	mustRun(t, e, "f1")
	mustRun(t, e, "f1")

	count, ok := e.VariableValue(store.InternalPrefix + "f1:count")
	require.True(t, ok)
	assert.Equal(t, int64(2), count)
}

func TestEngine_TickBudgetBackstop(t *testing.T) {
	e := newTestEngine(WithTickBudget(2))

	mustRegister(t, e, "a", KindFormula, "x = 1")
	mustRegister(t, e, "b", KindCode, "exports.y = x + 1")
	mustRegister(t, e, "c", KindCode, "exports.z = y + 1")

	_, err := e.RunCell(context.Background(), "a", "", nil)
	require.Error(t, err)
	var se *SchedulerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeTickBudget, se.Code)
}

func TestEngine_RunObserverSeesEveryFinalizedRun(t *testing.T) {
	var events []RunEvent
	e := newTestEngine(WithRunObserver(func(ev RunEvent) { events = append(events, ev) }))

	mustRegister(t, e, "f1", KindFormula, "x = 1")
	mustRegister(t, e, "c1", KindCode, "exports.y = x + 1")
	mustRun(t, e, "f1")

	require.Len(t, events, 2)
	assert.Equal(t, "f1", events[0].CellID)
	assert.Equal(t, "c1", events[1].CellID)
	assert.Equal(t, events[0].RunToken, events[1].RunToken,
		"runs in one tick share the trigger's run token")
	assert.Less(t, events[0].Seq, events[1].Seq)
}
