package session

import (
	"sync"
	"time"
)

// HistoryEntry is one finished take and when it was recorded.
type HistoryEntry struct {
	At   time.Time `json:"at"`
	Take Take      `json:"take"`
}

// History keeps the most recent takes of a session, oldest first.
type History struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	maxSize int
}

// NewHistory creates a history holding at most maxEntries takes.
func NewHistory(maxEntries int) *History {
	if maxEntries <= 0 {
		maxEntries = DefaultHistorySize
	}
	return &History{
		entries: make([]HistoryEntry, 0, maxEntries),
		maxSize: maxEntries,
	}
}

// Add records a take.
func (h *History) Add(at time.Time, take Take) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, HistoryEntry{At: at, Take: take})
	if len(h.entries) > h.maxSize {
		h.entries = h.entries[len(h.entries)-h.maxSize:]
	}
}

// Forget drops every entry for filename.
func (h *History) Forget(filename string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Take.Filename != filename {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Since returns the takes recorded at or after t.
func (h *History) Since(t time.Time) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []HistoryEntry
	for _, e := range h.entries {
		if !e.At.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a copy of all entries.
func (h *History) Entries() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]HistoryEntry, len(h.entries))
	copy(result, h.entries)
	return result
}
