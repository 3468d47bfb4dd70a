// Package timeline builds the canonical, checksummed event timeline of one
// agent run and assesses its integrity on reload.
package timeline

import (
	"sort"
	"time"
)

// Entry kinds.
const (
	KindLLMStep       = "llm_step"
	KindToolCall      = "tool_call"
	KindAgentFinished = "agent_finished"
)

// Entry is one canonical timeline row. Sequence is a pointer so persisted
// rows missing the field are distinguishable from sequence zero.
type Entry struct {
	Kind       string    `json:"kind"`
	Sequence   *int      `json:"sequence,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	StepIndex  *int      `json:"step_index,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// Event is one run event as recorded by the engine. Only the kinds that
// produce timeline entries matter here; others are skipped by the builder.
type Event struct {
	Kind       string
	Sequence   *int
	OccurredAt time.Time
	StepIndex  *int
	CallID     string
	Status     string
}

// ToolObservation is the final snapshot of one tool call, used to populate
// statuses and to synthesize entries after a partial run.
type ToolObservation struct {
	CallID    string
	Sequence  *int
	StartedAt time.Time
	Status    string
}

// StepObservation is one recorded LLM step.
type StepObservation struct {
	Index      int
	OccurredAt time.Time
}

// Build produces the canonical timeline from the primary event log,
// falling back to synthesis from observations when the log is empty or
// misses tool entries.
func Build(events []Event, toolObs []ToolObservation, stepObs []StepObservation) []Entry {
	var entries []Entry
	seenCalls := make(map[string]bool)

	for _, e := range events {
		switch e.Kind {
		case "llm_step":
			entries = append(entries, Entry{
				Kind:       KindLLMStep,
				Sequence:   e.Sequence,
				OccurredAt: e.OccurredAt,
				StepIndex:  e.StepIndex,
			})
		case "tool_started":
			// One entry per call_id; a re-dispatched id keeps its first row.
			if e.CallID != "" && seenCalls[e.CallID] {
				continue
			}
			entries = append(entries, Entry{
				Kind:       KindToolCall,
				Sequence:   e.Sequence,
				OccurredAt: e.OccurredAt,
				CallID:     e.CallID,
			})
			seenCalls[e.CallID] = true
		case "agent_finished", "agent_cancelled":
			status := e.Status
			if e.Kind == "agent_cancelled" && status == "" {
				status = "cancelled"
			}
			entries = append(entries, Entry{
				Kind:       KindAgentFinished,
				Sequence:   e.Sequence,
				OccurredAt: e.OccurredAt,
				Status:     status,
			})
		}
	}

	// Tool calls observed but never logged (e.g. events lost to a partial
	// cancel) are synthesized from their earliest snapshot observation.
	for _, obs := range toolObs {
		if seenCalls[obs.CallID] {
			continue
		}
		entries = append(entries, Entry{
			Kind:       KindToolCall,
			Sequence:   obs.Sequence,
			OccurredAt: obs.StartedAt,
			CallID:     obs.CallID,
		})
		seenCalls[obs.CallID] = true
	}

	// Empty event log but a recorded trace: rebuild LLM steps too.
	if len(events) == 0 {
		for _, step := range stepObs {
			idx := step.Index
			entries = append(entries, Entry{
				Kind:       KindLLMStep,
				OccurredAt: step.OccurredAt,
				StepIndex:  &idx,
			})
		}
	}

	sortEntries(entries)
	reindex(entries)
	populateStatuses(entries, toolObs)
	return entries
}

// sortEntries orders by sequence where present, then occurred_at, then the
// deterministic (kind, call_id) tie-break.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.Sequence != nil && b.Sequence != nil && *a.Sequence != *b.Sequence:
			return *a.Sequence < *b.Sequence
		case a.Sequence != nil && b.Sequence == nil:
			return true
		case a.Sequence == nil && b.Sequence != nil:
			return false
		}
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.CallID < b.CallID
	})
}

// reindex assigns final [0..N) sequences. Source event sequences are shared
// with non-timeline events and arrive sparse; sorting already consumed them
// as the ordering key, so the canonical form renumbers contiguously.
func reindex(entries []Entry) {
	for i := range entries {
		seq := i
		entries[i].Sequence = &seq
	}
}

// populateStatuses copies each tool call's final snapshot status onto its
// timeline entry.
func populateStatuses(entries []Entry, toolObs []ToolObservation) {
	statuses := make(map[string]string, len(toolObs))
	for _, obs := range toolObs {
		statuses[obs.CallID] = obs.Status
	}
	for i := range entries {
		if entries[i].Kind == KindToolCall && entries[i].CallID != "" {
			if s, ok := statuses[entries[i].CallID]; ok {
				entries[i].Status = s
			}
		}
	}
}
