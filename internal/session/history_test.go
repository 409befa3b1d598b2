package session

import (
	"testing"
	"time"
)

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(3)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.Add(base.Add(time.Duration(i)*time.Minute), Take{Index: i, Filename: string(rune('a' + i))})
	}

	got := h.Entries()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, e := range got {
		if e.Take.Index != i+2 {
			t.Errorf("entry %d has take %d, want %d", i, e.Take.Index, i+2)
		}
	}
}

func TestHistorySince(t *testing.T) {
	h := NewHistory(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		h.Add(base.Add(time.Duration(i)*time.Minute), Take{Index: i})
	}

	got := h.Since(base.Add(2 * time.Minute))
	if len(got) != 2 || got[0].Take.Index != 2 || got[1].Take.Index != 3 {
		t.Errorf("Since = %+v", got)
	}
	if got := h.Since(base.Add(time.Hour)); len(got) != 0 {
		t.Errorf("Since(future) = %+v, want none", got)
	}
}

func TestHistoryForget(t *testing.T) {
	h := NewHistory(0)
	now := time.Now()
	h.Add(now, Take{Filename: "a.wav"})
	h.Add(now, Take{Filename: "b.wav"})
	h.Add(now, Take{Filename: "a.wav"})

	h.Forget("a.wav")
	got := h.Entries()
	if len(got) != 1 || got[0].Take.Filename != "b.wav" {
		t.Errorf("after Forget = %+v", got)
	}
}
