package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cookareq/cookareq/pkg/agent"
	"github.com/cookareq/cookareq/pkg/cancel"
	"github.com/cookareq/cookareq/pkg/llm"
)

// StatusUpdate is one free-form progress line surfaced while a run is in
// flight.
type StatusUpdate struct {
	Raw    string    `json:"raw"`
	At     time.Time `json:"at"`
	Status string    `json:"status"`
}

type statusKey struct {
	raw    string
	at     time.Time
	status string
}

// Handle tracks one submitted prompt from enqueue to finalization. It is the
// merge point for streamed tool snapshots and status updates; readers poll it
// from the UI side while the run is active.
type Handle struct {
	ID           string
	Prompt       string
	PromptAt     time.Time
	PromptTokens int
	Context      []llm.Message
	Cancel       *cancel.Source

	ConversationID string
	EntryID        string

	mu         sync.Mutex
	order      []string
	byCallID   map[string]int
	snapshots  []agent.ToolResultSnapshot
	statusSeen map[statusKey]struct{}
	statuses   []StatusUpdate
	steps      []agent.LlmStep
}

func newHandle(prompt string, promptAt time.Time, promptTokens int, contextMsgs []llm.Message) *Handle {
	return &Handle{
		ID:           uuid.NewString(),
		Prompt:       prompt,
		PromptAt:     promptAt,
		PromptTokens: promptTokens,
		Context:      contextMsgs,
		Cancel:       cancel.NewSource(),
		byCallID:     make(map[string]int),
		statusSeen:   make(map[statusKey]struct{}),
	}
}

// MergeToolResults folds a streamed snapshot list into the handle. Merging is
// additive per call_id: a known id replaces its prior payload in place, a new
// id is appended, and snapshots without a call_id are appended as orphans.
func (h *Handle) MergeToolResults(snaps []agent.ToolResultSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, snap := range snaps {
		if snap.CallID == "" {
			h.snapshots = append(h.snapshots, snap)
			continue
		}
		if idx, ok := h.byCallID[snap.CallID]; ok {
			h.snapshots[idx] = snap
			continue
		}
		h.byCallID[snap.CallID] = len(h.snapshots)
		h.order = append(h.order, snap.CallID)
		h.snapshots = append(h.snapshots, snap)
	}
}

// ToolResults returns the merged snapshots in arrival order.
func (h *Handle) ToolResults() []agent.ToolResultSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]agent.ToolResultSnapshot, len(h.snapshots))
	copy(out, h.snapshots)
	return out
}

// AddStatusUpdate records a progress line, deduplicated by (raw, at, status).
func (h *Handle) AddStatusUpdate(u StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := statusKey{raw: u.Raw, at: u.At, status: u.Status}
	if _, ok := h.statusSeen[key]; ok {
		return
	}
	h.statusSeen[key] = struct{}{}
	h.statuses = append(h.statuses, u)
}

// StatusUpdates returns the deduplicated progress lines in arrival order.
func (h *Handle) StatusUpdates() []StatusUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]StatusUpdate, len(h.statuses))
	copy(out, h.statuses)
	return out
}

func (h *Handle) recordStep(step agent.LlmStep) {
	h.mu.Lock()
	h.steps = append(h.steps, step)
	h.mu.Unlock()
}

// Steps returns the LLM steps observed so far.
func (h *Handle) Steps() []agent.LlmStep {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]agent.LlmStep, len(h.steps))
	copy(out, h.steps)
	return out
}
