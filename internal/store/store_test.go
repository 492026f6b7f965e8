package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Define / Value
// =============================================================================

func TestStore_Value_Undefined(t *testing.T) {
	s := New()

	val, ok := s.Value("never-defined")
	assert.False(t, ok, "unknown name should report undefined")
	assert.Nil(t, val)
}

func TestStore_Define_Overwrites(t *testing.T) {
	s := New()

	s.Define("x", 1)
	s.Define("x", 2)

	val, ok := s.Value("x")
	require.True(t, ok)
	assert.Equal(t, 2, val)
	assert.Equal(t, 1, s.Len(), "overwrite must not create a second entry")
}

func TestStore_Define_NilIsDefined(t *testing.T) {
	s := New()

	// A cell may legitimately export nil; that is distinct from undefined.
	s.Define("x", nil)

	val, ok := s.Value("x")
	assert.True(t, ok, "explicit nil define should report defined")
	assert.Nil(t, val)
}

func TestStore_NFCNormalization(t *testing.T) {
	s := New()

	// "é" as a precomposed rune vs "e" + combining acute must be one key.
	s.Define("café", 1)

	val, ok := s.Value("café")
	require.True(t, ok, "NFC-equivalent names should resolve to the same variable")
	assert.Equal(t, 1, val)
	assert.Equal(t, 1, s.Len())
}

// =============================================================================
// Subscribe
// =============================================================================

func TestStore_Subscribe_DeliveryOrder(t *testing.T) {
	s := New()

	var order []string
	s.Subscribe("x", func(any) { order = append(order, "first") })
	s.Subscribe("x", func(any) { order = append(order, "second") })
	s.Subscribe("x", func(any) { order = append(order, "third") })

	s.Define("x", 1)

	assert.Equal(t, []string{"first", "second", "third"}, order,
		"delivery order must be subscription order")
}

func TestStore_Subscribe_ReceivesNewValue(t *testing.T) {
	s := New()

	var got any
	s.Subscribe("x", func(v any) { got = v })

	s.Define("x", 42)
	assert.Equal(t, 42, got)

	s.Define("x", "changed")
	assert.Equal(t, "changed", got)
}

func TestStore_Unsubscribe(t *testing.T) {
	s := New()

	calls := 0
	unsub := s.Subscribe("x", func(any) { calls++ })

	s.Define("x", 1)
	require.Equal(t, 1, calls)

	unsub()
	s.Define("x", 2)
	assert.Equal(t, 1, calls, "no delivery after unsubscribe")
	assert.Equal(t, 0, s.SubscriberCount("x"))
}

func TestStore_Unsubscribe_Idempotent(t *testing.T) {
	s := New()

	unsubA := s.Subscribe("x", func(any) {})
	s.Subscribe("x", func(any) {})

	unsubA()
	unsubA() // second call must not remove the surviving subscriber

	assert.Equal(t, 1, s.SubscriberCount("x"))
}

// =============================================================================
// Re-entrancy and isolation
// =============================================================================

func TestStore_ReentrantDefine(t *testing.T) {
	s := New()

	// Subscriber of x defines y, mimicking the scheduler re-running a
	// dependent cell from inside a notification.
	var yValues []any
	s.Subscribe("y", func(v any) { yValues = append(yValues, v) })
	s.Subscribe("x", func(v any) { s.Define("y", v.(int)*2) })

	s.Define("x", 5)

	val, ok := s.Value("y")
	require.True(t, ok)
	assert.Equal(t, 10, val)
	assert.Equal(t, []any{10}, yValues, "nested define delivers exactly once")
}

func TestStore_ReentrantSubscribe_DoesNotAffectCurrentPass(t *testing.T) {
	s := New()

	var order []string
	s.Subscribe("x", func(any) {
		order = append(order, "outer")
		// Registered mid-notification: must not fire for this Define.
		s.Subscribe("x", func(any) { order = append(order, "late") })
	})

	s.Define("x", 1)
	assert.Equal(t, []string{"outer"}, order)

	s.Define("x", 2)
	assert.Equal(t, []string{"outer", "outer", "late"}, order,
		"late subscriber participates from the next define on")
}

func TestStore_PanickingSubscriberIsolated(t *testing.T) {
	s := New()

	var reached []string
	s.Subscribe("x", func(any) { reached = append(reached, "a") })
	s.Subscribe("x", func(any) { panic("subscriber b exploded") })
	s.Subscribe("x", func(any) { reached = append(reached, "c") })

	require.NotPanics(t, func() { s.Define("x", 1) })

	assert.Equal(t, []string{"a", "c"}, reached,
		"subscribers after the panicking one must still be notified")

	val, ok := s.Value("x")
	require.True(t, ok)
	assert.Equal(t, 1, val, "the write is not rolled back")
}

// =============================================================================
// Introspection
// =============================================================================

func TestStore_Names_IncludesInternal(t *testing.T) {
	s := New()

	s.Define("x", 1)
	s.Define(InternalPrefix+"c1:state", "idle")

	names := s.Names()
	assert.Equal(t, []string{InternalPrefix + "c1:state", "x"}, names,
		"store listings exclude nothing; callers filter internal names")

	assert.True(t, IsInternalName(InternalPrefix+"c1:state"))
	assert.False(t, IsInternalName("x"))
}

func TestStore_All_SnapshotIsCopy(t *testing.T) {
	s := New()
	s.Define("x", 1)

	all := s.All()
	all["x"] = 99
	all["injected"] = true

	val, _ := s.Value("x")
	assert.Equal(t, 1, val, "mutating the snapshot must not affect the store")
	_, ok := s.Value("injected")
	assert.False(t, ok)
}

func TestStore_Delete(t *testing.T) {
	s := New()
	s.Define("x", 1)

	s.Delete("x")

	_, ok := s.Value("x")
	assert.False(t, ok)
	assert.Empty(t, s.Names())
}
