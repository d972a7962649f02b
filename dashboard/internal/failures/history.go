package failures

import "sync"

// DefaultHistoryCapacity bounds how many handled errors are retained.
const DefaultHistoryCapacity = 10

// History keeps the most recent handled errors, newest first.
type History struct {
	mu       sync.RWMutex
	capacity int
	entries  []HandledError
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{capacity: capacity}
}

func (h *History) Add(e HandledError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make([]HandledError, 0, h.capacity)
	next = append(next, e)
	for _, existing := range h.entries {
		if len(next) == h.capacity {
			break
		}
		next = append(next, existing)
	}
	h.entries = next
}

func (h *History) All() []HandledError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HandledError(nil), h.entries...)
}

func (h *History) ByKind(kind Kind) []HandledError {
	return h.filter(func(e HandledError) bool { return e.Kind == kind })
}

func (h *History) BySeverity(severity Severity) []HandledError {
	return h.filter(func(e HandledError) bool { return e.Severity == severity })
}

func (h *History) HasCritical() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.entries {
		if e.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Clear removes one entry and reports whether it was present.
func (h *History) Clear(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.ID == id {
			h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (h *History) ClearAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *History) filter(keep func(HandledError) bool) []HandledError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HandledError, 0, len(h.entries))
	for _, e := range h.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
