// Package store implements the reactive variable store.
//
// The store is the only shared mutable resource in the engine: a keyed map
// from variable name to current value, with synchronous change notification.
// Cells communicate exclusively through it - a cell's exports are written
// with Define, a dependent cell's inputs are read with Value, and observers
// (the scheduler, tooling, UI adapters) register callbacks with Subscribe.
//
// Delivery guarantees:
//   - For a single variable, subscribers are notified in subscription order.
//   - Define is re-entrant: a subscriber may itself call Define (the
//     scheduler does exactly that when it re-runs a dependent cell) without
//     losing or duplicating notifications.
//   - A panicking subscriber is isolated and logged; remaining subscribers
//     still receive the notification, and the write is not rolled back.
//
// Variable names are NFC-normalized so that visually identical identifiers
// produced by different cells always collide on the same key. Names under
// the reserved InternalPrefix carry engine bookkeeping; the store lists
// them like any other variable and callers filter with IsInternalName.
package store
