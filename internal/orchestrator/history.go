package orchestrator

import (
	"strings"
	"sync"

	"github.com/ringdesk/ringdesk/pkg/types"
)

const (
	// maxHistory is the message count that triggers pruning.
	maxHistory = 20

	// keepRecent is the unconditional tail kept on every prune.
	keepRecent = 10
)

// identityMarkers flag messages that likely carry booking-critical caller
// details. Pruning must never drop a half-captured phone number or email.
var identityMarkers = []string{"name", "phone", "email", "@", "captured"}

// history is the per-call LLM conversation history. The interaction loop is
// the single writer; the lock only covers the snapshot taken for each LLM
// request.
type history struct {
	mu   sync.Mutex
	msgs []types.ChatMessage
}

// Append adds msg to the end of the history.
func (h *history) Append(msg types.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

// Messages returns a copy of the current history.
func (h *history) Messages() []types.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.ChatMessage, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the current message count.
func (h *history) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Prune caps the history at maxHistory messages. It keeps, in original
// order: system-role messages, messages matching the identity heuristic, and
// the most recent keepRecent messages.
func (h *history) Prune() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.msgs) <= maxHistory {
		return
	}

	tailStart := len(h.msgs) - keepRecent
	kept := h.msgs[:0]
	for i, m := range h.msgs {
		switch {
		case i >= tailStart:
			kept = append(kept, m)
		case m.Role == "system":
			kept = append(kept, m)
		case mentionsIdentity(m.Content):
			kept = append(kept, m)
		}
	}
	h.msgs = kept
}

// mentionsIdentity reports whether content likely carries caller identity
// details worth protecting from pruning.
func mentionsIdentity(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range identityMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
