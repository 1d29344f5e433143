package telemetry

import "testing"

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := NewPathHistory()

	for i := 0; i < DefaultPathLimit+1; i++ {
		h.Push(Record{DeviceID: "X", Speed: float64(i)})
	}

	if h.Len() != DefaultPathLimit {
		t.Fatalf("len: want %d, got %d", DefaultPathLimit, h.Len())
	}
	entries := h.Entries()
	if entries[0].Speed != 1 {
		t.Fatalf("first pushed entry should be evicted, head is %v", entries[0].Speed)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Speed != entries[i-1].Speed+1 {
			t.Fatalf("order broken at %d: %v after %v", i, entries[i].Speed, entries[i-1].Speed)
		}
	}
	last, ok := h.Last()
	if !ok || last.Speed != float64(DefaultPathLimit) {
		t.Fatalf("last: got %v %v", last.Speed, ok)
	}
}

func TestHistoryNeverExceedsLimit(t *testing.T) {
	h := NewHistory[int](3)
	for i := 0; i < 100; i++ {
		h.Push(i)
		if h.Len() > 3 {
			t.Fatalf("len %d exceeds limit after %d pushes", h.Len(), i+1)
		}
	}
	got := h.Entries()
	want := []int{97, 98, 99}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestHistoryEntriesIsACopy(t *testing.T) {
	h := NewHistory[int](2)
	h.Push(1)
	out := h.Entries()
	out[0] = 42
	if h.Entries()[0] != 1 {
		t.Fatal("Entries leaked internal storage")
	}
}

func TestHistoryClear(t *testing.T) {
	h := NewHistory[int](0)
	if h.Limit() != DefaultPathLimit {
		t.Fatalf("non-positive limit should fall back to %d", DefaultPathLimit)
	}
	h.Push(1)
	h.Clear()
	h.Clear()
	if h.Len() != 0 {
		t.Fatalf("len after clear: %d", h.Len())
	}
	if _, ok := h.Last(); ok {
		t.Fatal("Last on empty history should report false")
	}
}
