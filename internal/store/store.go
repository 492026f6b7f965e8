package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// InternalPrefix marks engine bookkeeping variables (run state, counters,
// staleness per cell). The store does not treat them specially; listing
// callers filter with IsInternalName.
const InternalPrefix = "__cell:"

// IsInternalName reports whether name is an engine bookkeeping variable.
func IsInternalName(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}

// Subscriber is invoked on every Define of the subscribed variable.
type Subscriber func(value any)

// subscription pairs a callback with a stable registration token so that
// unsubscribe survives slice reordering caused by other removals.
type subscription struct {
	token    int64
	callback Subscriber
}

// Store holds the current value of every reactive variable and the
// subscriber lists attached to each name.
//
// The Store performs no locking of its own: the scheduler is the single
// writer, and all reads and writes happen under its lock. What the Store
// does guarantee is re-entrancy - Define may be called from inside a
// subscriber callback triggered by an outer Define.
type Store struct {
	values      map[string]any
	defined     map[string]bool
	subscribers map[string][]subscription
	nextToken   int64
}

// New creates an empty variable store.
func New() *Store {
	return &Store{
		values:      make(map[string]any),
		defined:     make(map[string]bool),
		subscribers: make(map[string][]subscription),
	}
}

// Normalize returns the canonical (NFC) form of a variable name.
// All store operations normalize internally; this is exported so the
// extractor and scheduler key their own maps the same way.
func Normalize(name string) string {
	return norm.NFC.String(name)
}

// Define sets the current value for name, unconditionally overwriting any
// prior value, and synchronously notifies every subscriber of name in
// subscription order.
//
// Subscriber callbacks may re-enter the store (including nested Define
// calls). The subscriber list is snapshotted before delivery so that
// re-entrant Subscribe/Unsubscribe calls do not perturb the current
// notification pass. A panicking subscriber is recovered and logged;
// delivery continues with the next subscriber.
func (s *Store) Define(name string, value any) {
	name = Normalize(name)
	s.values[name] = value
	s.defined[name] = true

	subs := s.subscribers[name]
	if len(subs) == 0 {
		return
	}

	// Snapshot: nested Define/Subscribe must not affect this pass.
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)

	for _, sub := range snapshot {
		s.deliver(name, sub, value)
	}
}

// deliver invokes one subscriber, isolating panics so one failing callback
// does not prevent the rest from being notified.
func (s *Store) deliver(name string, sub subscription, value any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panicked during notification",
				"variable", name,
				"token", sub.token,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	sub.callback(value)
}

// Value returns the current value for name and whether it has ever been
// defined. Unknown names return (nil, false); Value never panics.
func (s *Store) Value(name string) (any, bool) {
	name = Normalize(name)
	if !s.defined[name] {
		return nil, false
	}
	return s.values[name], true
}

// Delete removes a variable entirely. Only the scheduler calls this, and
// only when the owning cell is removed from the document. Subscribers are
// not notified of deletion - the variable simply stops existing.
func (s *Store) Delete(name string) {
	name = Normalize(name)
	delete(s.values, name)
	delete(s.defined, name)
}

// Subscribe registers callback to run on every future Define of name and
// returns an unsubscribe function. Multiple subscribers per name are
// allowed; delivery order is registration order.
//
// The unsubscribe function is idempotent.
func (s *Store) Subscribe(name string, callback Subscriber) func() {
	name = Normalize(name)
	s.nextToken++
	token := s.nextToken
	s.subscribers[name] = append(s.subscribers[name], subscription{
		token:    token,
		callback: callback,
	})

	return func() {
		subs := s.subscribers[name]
		for i, sub := range subs {
			if sub.token == token {
				s.subscribers[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers for name.
// Used for testing and introspection.
func (s *Store) SubscriberCount(name string) int {
	return len(s.subscribers[Normalize(name)])
}

// Names returns every defined variable name in sorted order, bookkeeping
// variables included. Callers filter with IsInternalName when presenting
// user-facing listings.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a snapshot map of every variable to its current value.
// The map is a fresh copy; values are shared references (the store does
// not defensively copy structured data).
func (s *Store) All() map[string]any {
	all := make(map[string]any, len(s.values))
	for name, value := range s.values {
		all[name] = value
	}
	return all
}

// Len returns the number of defined variables.
func (s *Store) Len() int {
	return len(s.values)
}
