package pipeline

import "sort"

// Queue is the FIFO-with-priority-tiebreak ordering over a pipeline's queued
// entries (spec §4.1, §4.2). Tie-break: priority descending, then approval
// timestamp ascending, then entry id ascending.
type Queue struct {
	entries []Entry
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Len returns the number of queued entries.
func (q *Queue) Len() int { return len(q.entries) }

// Entries returns a copy of the queue in order.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// IndexOf returns the position of prID in the queue, or -1 if absent.
func (q *Queue) IndexOf(prID string) int {
	for i, e := range q.entries {
		if e.PRID == prID {
			return i
		}
	}
	return -1
}

// Insert adds a new entry and re-sorts by the tie-break rule. If an entry with
// the same PRID already exists, it is replaced in place (re-approval semantics
// live in the engine, which decides whether replace-in-queue or
// cancel-and-requeue applies).
func (q *Queue) Insert(e Entry) {
	if i := q.IndexOf(e.PRID); i >= 0 {
		q.entries[i] = e
	} else {
		q.entries = append(q.entries, e)
	}
	q.sort()
}

// Remove deletes the entry for prID, if present, and reports whether it removed one.
func (q *Queue) Remove(prID string) bool {
	i := q.IndexOf(prID)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return true
}

// PopFront removes and returns the highest-priority entry, or ok=false if empty.
func (q *Queue) PopFront() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

func (q *Queue) sort() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority // higher priority first
		}
		if !a.ApprovedAt.Equal(b.ApprovedAt) {
			return a.ApprovedAt.Before(b.ApprovedAt)
		}
		return a.ID < b.ID
	})
}
