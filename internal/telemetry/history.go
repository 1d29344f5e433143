package telemetry

// DefaultPathLimit is the number of entries kept for a map trail.
const DefaultPathLimit = 50

// History is an insertion-ordered sliding window. Once full, every push
// evicts the oldest entry. It is not safe for concurrent use.
type History[T any] struct {
	limit   int
	entries []T
}

// PathHistory is the trail of telemetry drawn on the map.
type PathHistory = History[Record]

func NewHistory[T any](limit int) *History[T] {
	if limit <= 0 {
		limit = DefaultPathLimit
	}
	return &History[T]{limit: limit, entries: make([]T, 0, limit)}
}

func NewPathHistory() *PathHistory {
	return NewHistory[Record](DefaultPathLimit)
}

func (h *History[T]) Push(v T) {
	if len(h.entries) == h.limit {
		copy(h.entries, h.entries[1:])
		h.entries[len(h.entries)-1] = v
		return
	}
	h.entries = append(h.entries, v)
}

func (h *History[T]) Len() int { return len(h.entries) }

func (h *History[T]) Limit() int { return h.limit }

// Entries returns a copy, oldest first.
func (h *History[T]) Entries() []T {
	out := make([]T, len(h.entries))
	copy(out, h.entries)
	return out
}

// Last returns the newest entry.
func (h *History[T]) Last() (T, bool) {
	var zero T
	if len(h.entries) == 0 {
		return zero, false
	}
	return h.entries[len(h.entries)-1], true
}

func (h *History[T]) Clear() {
	clear(h.entries)
	h.entries = h.entries[:0]
}
