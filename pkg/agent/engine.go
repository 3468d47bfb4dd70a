package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cookareq/cookareq/pkg/cancel"
	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/llm"
	"github.com/cookareq/cookareq/pkg/mcpclient"
	"github.com/cookareq/cookareq/pkg/timeline"
)

// Defaults for the loop bounds.
const (
	DefaultMaxSteps   = 32
	DefaultMaxRetries = 2
)

// CompletionClient is the LLM dependency of the engine.
type CompletionClient interface {
	Complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, onDelta func(string)) (*llm.Response, error)
}

// ToolCaller is the MCP dependency of the engine. The async form lets the
// engine wait on the call and the cancellation signal at the same time.
type ToolCaller interface {
	CallToolAsync(ctx context.Context, name string, arguments json.RawMessage) <-chan mcpclient.Result
}

// Config describes one agent.
type Config struct {
	SystemPrompt string
	LLM          CompletionClient
	Tools        ToolCaller
	// ToolDefs are offered to the model on every step.
	ToolDefs   []llm.ToolDef
	MaxSteps   int
	MaxRetries int
}

// RunOptions carries per-run inputs and observers. Observers are invoked on
// the engine goroutine; callers that need UI-thread delivery wrap them with
// their scheduler. They must be non-blocking and reconcile ordering by
// sequence.
type RunOptions struct {
	Prompt  string
	History []llm.Message
	Context []llm.Message
	Cancel  *cancel.Source
	// OnToolResults receives the full ordered snapshot list on each change.
	OnToolResults func([]ToolResultSnapshot)
	// OnLLMStep receives every recorded step, terminal or not.
	OnLLMStep func(LlmStep)
	// OnDelta receives streamed assistant text as it arrives.
	OnDelta func(string)
}

// Agent executes turn loops. One instance per run handle; it is not
// reused across runs.
type Agent struct {
	cfg Config
}

// New builds an agent with defaults filled in.
func New(cfg Config) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Agent{cfg: cfg}
}

// run carries the mutable state of one turn loop.
type run struct {
	agent *Agent
	opts  RunOptions

	conversation []llm.Message
	events       []AgentEvent
	steps        []LlmStep
	order        []string                       // call ids in dispatch order
	snapshots    map[string]*ToolResultSnapshot // call_id → snapshot
	sequence     int
	retries      int
	startedAt    time.Time
}

// Run executes the loop and always returns a payload, whatever happened.
func (a *Agent) Run(ctx context.Context, opts RunOptions) *AgentRunPayload {
	if opts.Cancel == nil {
		opts.Cancel = cancel.None()
	}
	r := &run{
		agent:     a,
		opts:      opts,
		snapshots: make(map[string]*ToolResultSnapshot),
		startedAt: time.Now().UTC(),
	}
	r.conversation = assembleConversation(a.cfg.SystemPrompt, opts.Context, opts.History, opts.Prompt)
	return r.loop(ctx)
}

func assembleConversation(systemPrompt string, contextMsgs, history []llm.Message, prompt string) []llm.Message {
	conv := make([]llm.Message, 0, len(contextMsgs)+len(history)+2)
	if systemPrompt != "" {
		conv = append(conv, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	conv = append(conv, contextMsgs...)
	conv = append(conv, history...)
	conv = append(conv, llm.Message{Role: llm.RoleUser, Content: prompt})
	return conv
}

func (r *run) loop(ctx context.Context) *AgentRunPayload {
	cfg := r.agent.cfg
	runCtx := r.opts.Cancel.Context()

	for stepCount := 0; stepCount < cfg.MaxSteps; stepCount++ {
		if r.cancelled() {
			return r.finishCancelled()
		}
		r.emit(AgentEvent{Kind: EventLLMStepStarted})

		resp, err := cfg.LLM.Complete(runCtx, snapshotMessages(r.conversation), cfg.ToolDefs, r.opts.OnDelta)
		if err != nil {
			if r.cancelled() || errs.IsCode(err, errs.CodeCancelled) {
				return r.finishCancelled()
			}
			if errs.IsCode(err, errs.CodeValidation) {
				// Malformed model output. Feed the error back so the model
				// can self-correct, within the retry budget.
				r.retries++
				if r.retries > cfg.MaxRetries {
					return r.finishFailed(errs.FromError(err))
				}
				r.conversation = append(r.conversation, llm.Message{
					Role:    llm.RoleUser,
					Content: "The previous tool call could not be decoded: " + err.Error() + ". Please retry with valid JSON arguments.",
				})
				continue
			}
			return r.finishFailed(errs.FromError(err))
		}

		step := LlmStep{
			Index:      len(r.steps) + 1,
			OccurredAt: time.Now().UTC(),
			Request:    snapshotMessages(r.conversation),
			Response:   *resp,
		}
		r.steps = append(r.steps, step)
		idx := step.Index
		r.emit(AgentEvent{Kind: EventLLMStep, StepIndex: &idx})
		if r.opts.OnLLMStep != nil {
			r.opts.OnLLMStep(step)
		}

		if len(resp.ToolCalls) == 0 {
			r.conversation = append(r.conversation, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			return r.finishSucceeded(resp.Content)
		}

		r.conversation = append(r.conversation, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if payload := r.dispatchToolCalls(ctx, runCtx, resp.ToolCalls); payload != nil {
			return payload
		}
		if r.retries > cfg.MaxRetries {
			return r.finishFailed(errs.New(errs.CodeValidation,
				"tool argument validation failed more than %d times", cfg.MaxRetries))
		}
	}
	return r.finishFailed(errs.New(errs.CodeInternal, "step limit of %d reached without a terminal response", cfg.MaxSteps))
}

// dispatchToolCalls runs one step's tool calls in response order. A non-nil
// return is a terminal payload (cancellation).
func (r *run) dispatchToolCalls(ctx, runCtx context.Context, calls []llm.ToolCall) *AgentRunPayload {
	for _, call := range calls {
		snap := &ToolResultSnapshot{
			CallID:    call.ID,
			ToolName:  call.Name,
			Arguments: call.Arguments,
			Status:    ToolRunning,
			Sequence:  r.nextSequence(),
			StartedAt: time.Now().UTC(),
		}
		// A colliding call_id overwrites the prior snapshot in place; the
		// ordered list never grows a duplicate row.
		if _, exists := r.snapshots[call.ID]; !exists {
			r.order = append(r.order, call.ID)
		}
		r.snapshots[call.ID] = snap
		r.events = append(r.events, AgentEvent{
			Kind:       EventToolStarted,
			Sequence:   snap.Sequence,
			OccurredAt: snap.StartedAt,
			CallID:     call.ID,
			ToolName:   call.Name,
		})
		r.notifyToolResults()

		if r.cancelled() {
			return r.finishCancelled()
		}

		args, err := json.Marshal(call.Arguments)
		if err != nil {
			args = []byte("{}")
		}

		var result mcpclient.Result
		select {
		case result = <-r.agent.cfg.Tools.CallToolAsync(runCtx, call.Name, args):
		case <-r.opts.Cancel.Done():
			return r.finishCancelled()
		case <-ctx.Done():
			return r.finishCancelled()
		}

		now := time.Now().UTC()
		snap.CompletedAt = &now
		snap.DurationSeconds = now.Sub(snap.StartedAt).Seconds()

		var content string
		if result.OK {
			snap.Status = ToolSucceeded
			snap.Result = result.Result
			content = string(result.Result)
			r.emit(AgentEvent{Kind: EventToolCompleted, CallID: call.ID, ToolName: call.Name, Status: ToolSucceeded})
		} else {
			snap.Status = ToolFailed
			snap.Error = result.Error
			if errs.IsCode(result.Error, errs.CodeCancelled) && r.cancelled() {
				return r.finishCancelled()
			}
			if result.Error.Code == errs.CodeValidation {
				r.retries++
			}
			wire, err := json.Marshal(result.Error.Wrap())
			if err != nil {
				wire = []byte(`{"error":{"code":"INTERNAL","message":"unencodable error"}}`)
			}
			content = string(wire)
			r.emit(AgentEvent{Kind: EventToolFailed, CallID: call.ID, ToolName: call.Name, Status: ToolFailed})
		}

		r.conversation = append(r.conversation, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    content,
		})
		r.notifyToolResults()
	}
	return nil
}

func (r *run) cancelled() bool {
	select {
	case <-r.opts.Cancel.Done():
		return true
	default:
		return false
	}
}

func (r *run) nextSequence() int {
	seq := r.sequence
	r.sequence++
	return seq
}

// emit appends an event, filling sequence and timestamp unless the caller
// already did.
func (r *run) emit(e AgentEvent) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
		e.Sequence = r.nextSequence()
	}
	r.events = append(r.events, e)
}

func (r *run) notifyToolResults() {
	if r.opts.OnToolResults == nil {
		return
	}
	r.opts.OnToolResults(r.orderedSnapshots())
}

func (r *run) orderedSnapshots() []ToolResultSnapshot {
	out := make([]ToolResultSnapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.snapshots[id])
	}
	return out
}

func (r *run) finishSucceeded(resultText string) *AgentRunPayload {
	r.emit(AgentEvent{Kind: EventAgentFinished, Status: StatusSucceeded, ResultText: resultText})
	return r.finalize(StatusSucceeded, resultText, nil)
}

func (r *run) finishFailed(env *errs.Envelope) *AgentRunPayload {
	r.emit(AgentEvent{Kind: EventAgentFinished, Status: StatusFailed})
	return r.finalize(StatusFailed, "", env)
}

// finishCancelled stops immediately: in-flight snapshots become terminal
// failures with a CANCELLED error, then the run is finalized.
func (r *run) finishCancelled() *AgentRunPayload {
	now := time.Now().UTC()
	for _, id := range r.order {
		snap := r.snapshots[id]
		if snap.Status != ToolRunning {
			continue
		}
		snap.Status = ToolFailed
		snap.CompletedAt = &now
		snap.DurationSeconds = now.Sub(snap.StartedAt).Seconds()
		snap.Error = errs.New(errs.CodeCancelled, "run cancelled while tool was in flight")
	}
	r.notifyToolResults()
	r.emit(AgentEvent{Kind: EventAgentCancelled, Status: StatusCancelled})
	return r.finalize(StatusCancelled, "", errs.New(errs.CodeCancelled, "run cancelled"))
}

func (r *run) finalize(status, resultText string, env *errs.Envelope) *AgentRunPayload {
	entries := timeline.Build(timelineEvents(r.events), toolObservations(r.orderedSnapshots()), stepObservations(r.steps))
	payload := &AgentRunPayload{
		OK:          status == StatusSucceeded,
		Status:      status,
		ResultText:  resultText,
		Error:       env,
		Events:      r.events,
		ToolResults: r.orderedSnapshots(),
		LLMTrace:    LLMTrace{Steps: r.steps},
		Timeline:    entries,
		StartedAt:   r.startedAt,
		CompletedAt: time.Now().UTC(),
	}
	if len(r.steps) > 0 {
		payload.Reasoning = r.steps[len(r.steps)-1].Response.Reasoning
	}
	sum, err := timeline.Checksum(entries)
	if err == nil {
		payload.TimelineChecksum = sum
	}
	return payload
}

// timelineEvents converts the run's event log into builder input.
func timelineEvents(events []AgentEvent) []timeline.Event {
	out := make([]timeline.Event, 0, len(events))
	for _, e := range events {
		seq := e.Sequence
		out = append(out, timeline.Event{
			Kind:       e.Kind,
			Sequence:   &seq,
			OccurredAt: e.OccurredAt,
			StepIndex:  e.StepIndex,
			CallID:     e.CallID,
			Status:     e.Status,
		})
	}
	return out
}

func toolObservations(snaps []ToolResultSnapshot) []timeline.ToolObservation {
	out := make([]timeline.ToolObservation, 0, len(snaps))
	for _, s := range snaps {
		seq := s.Sequence
		out = append(out, timeline.ToolObservation{
			CallID:    s.CallID,
			Sequence:  &seq,
			StartedAt: s.StartedAt,
			Status:    s.Status,
		})
	}
	return out
}

func stepObservations(steps []LlmStep) []timeline.StepObservation {
	out := make([]timeline.StepObservation, 0, len(steps))
	for _, s := range steps {
		out = append(out, timeline.StepObservation{Index: s.Index, OccurredAt: s.OccurredAt})
	}
	return out
}

// snapshotMessages copies the conversation so later appends do not mutate
// recorded step requests.
func snapshotMessages(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}
