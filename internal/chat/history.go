package chat

import (
	"sync"

	"ragchat/internal/domain"
)

// History is the ordered list of turns of one conversation. It only grows
// until Clear is called.
type History struct {
	mu    sync.Mutex
	turns []domain.Turn
}

// Append adds turns at the end.
func (h *History) Append(turns ...domain.Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turns...)
}

// Snapshot returns a copy of the turns.
func (h *History) Snapshot() []domain.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Turn(nil), h.turns...)
}

// Clear forgets every turn.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}
