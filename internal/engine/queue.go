package engine

// workQueue holds the cell ids eligible to run in the current tick.
//
// The queue de-duplicates: enqueueing a cell that is already pending is a
// no-op, which is what gives "exactly once per upstream re-run" for
// diamond-shaped graphs - both branches enqueue the join cell, it runs
// once.
//
// Draining is not FIFO: Pop returns the pending cell that comes first in
// topological order (document order breaks ties), so console and output
// interleaving is deterministic regardless of enqueue order. The queue is
// only touched under the engine's writer lock and needs no locking of its
// own.
type workQueue struct {
	pending map[string]bool
}

func newWorkQueue() *workQueue {
	return &workQueue{pending: make(map[string]bool)}
}

// Enqueue marks a cell as pending. Returns false if it was already queued.
func (q *workQueue) Enqueue(cellID string) bool {
	if q.pending[cellID] {
		return false
	}
	q.pending[cellID] = true
	return true
}

// Pop removes and returns the pending cell with the smallest position
// according to rank (topological position, pre-computed at graph build).
// Cells missing from rank sort last. Returns ("", false) when empty.
func (q *workQueue) Pop(rank map[string]int) (string, bool) {
	if len(q.pending) == 0 {
		return "", false
	}

	best := ""
	bestRank := 0
	for id := range q.pending {
		r, ok := rank[id]
		if !ok {
			r = int(^uint(0) >> 1) // unranked cells drain last
		}
		if best == "" || r < bestRank {
			best = id
			bestRank = r
		}
	}

	delete(q.pending, best)
	return best, true
}

// Len returns the number of pending cells.
func (q *workQueue) Len() int {
	return len(q.pending)
}
