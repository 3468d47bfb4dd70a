// Package queue serializes agent runs: a single-worker executor per session
// drains prompts FIFO, with at most one run in flight and a fresh run handle
// per prompt. UI-facing callbacks are marshalled through an injected
// scheduler so consumers never see engine-goroutine delivery.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cookareq/cookareq/pkg/agent"
	"github.com/cookareq/cookareq/pkg/chat"
	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/llm"
	"github.com/cookareq/cookareq/pkg/tokens"
)

// DefaultQueueDepth bounds how many prompts may wait behind the active run.
const DefaultQueueDepth = 16

// AgentSupplier builds a fresh engine for each run. Suppliers capture the
// current LLM and tool wiring so configuration changes apply to the next
// prompt, not the one in flight.
type AgentSupplier func() (*agent.Agent, error)

// Config wires a controller.
type Config struct {
	Store  *chat.Store
	Agents AgentSupplier
	// ContextProvider computes the effective context messages at submit time.
	ContextProvider func() []llm.Message
	// Scheduler marshals callbacks onto the UI thread. Nil means direct call.
	Scheduler func(func())
	Counter   *tokens.Counter
	// OnRefresh asks the UI to redraw the transcript of a conversation.
	OnRefresh func(conversationID string)
	// OnDelta receives streamed assistant text, already scheduled.
	OnDelta    func(string)
	Logger     *slog.Logger
	QueueDepth int
}

// Controller owns the prompt queue and the active run handle.
type Controller struct {
	cfg   Config
	tasks chan *task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	conv   *chat.ChatConversation
	active *Handle
	queued int
}

type task struct {
	handle  *Handle
	history []llm.Message
}

// NewController validates the wiring and starts the worker.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errs.New(errs.CodeValidation, "queue controller requires a conversation store")
	}
	if cfg.Agents == nil {
		return nil, errs.New(errs.CodeValidation, "queue controller requires an agent supplier")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = func(f func()) { f() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	c := &Controller{
		cfg:   cfg,
		tasks: make(chan *task, cfg.QueueDepth),
		quit:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.worker()
	return c, nil
}

// Close cancels any active run and stops the worker after the current task.
func (c *Controller) Close() {
	c.Stop()
	close(c.quit)
	c.wg.Wait()
}

// NewConversation creates and activates an empty conversation.
func (c *Controller) NewConversation(title string) (*chat.ChatConversation, error) {
	conv, err := c.cfg.Store.Create(title)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()
	return conv, nil
}

// OpenConversation loads a conversation and makes it active.
func (c *Controller) OpenConversation(id string) (*chat.ChatConversation, error) {
	conv, err := c.cfg.Store.Load(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()
	return conv, nil
}

// ActiveConversation returns the conversation runs append to, or nil.
func (c *Controller) ActiveConversation() *chat.ChatConversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Idle reports whether no run is in flight and nothing is queued.
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == nil && c.queued == 0
}

// ActiveHandle returns the handle of the run in flight, or nil.
func (c *Controller) ActiveHandle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SubmitPrompt enqueues one prompt. Empty or whitespace-only prompts are
// rejected with no side effects. The returned handle is live immediately even
// though the run may still be waiting behind the active one.
func (c *Controller) SubmitPrompt(prompt string, promptAt *time.Time) (*Handle, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return nil, errs.New(errs.CodeValidation, "prompt is empty")
	}

	handle, err := c.enqueue(trimmed, promptAt)
	if err != nil {
		return nil, err
	}
	c.requestRefresh(handle.ConversationID)
	return handle, nil
}

// enqueue does the mutex-guarded part of SubmitPrompt. Callbacks never fire
// under the lock.
func (c *Controller) enqueue(trimmed string, promptAt *time.Time) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queued >= c.cfg.QueueDepth {
		return nil, errs.New(errs.CodeConflict, "prompt queue is full (%d waiting)", c.queued)
	}
	if c.conv == nil {
		conv, err := c.cfg.Store.Create("")
		if err != nil {
			return nil, err
		}
		c.conv = conv
	}

	// History is snapshotted before the pending entry joins the conversation.
	history := c.conv.ConversationMessages()

	var contextMsgs []llm.Message
	if c.cfg.ContextProvider != nil {
		contextMsgs = c.cfg.ContextProvider()
	}

	at := time.Now().UTC()
	if promptAt != nil {
		at = promptAt.UTC()
	}

	handle := newHandle(trimmed, at, 0, contextMsgs)
	handle.ConversationID = c.conv.ID

	entry := chat.ChatEntry{ID: uuid.NewString(), Prompt: trimmed, PromptAt: &at}
	if c.cfg.Counter != nil {
		handle.PromptTokens = entry.PromptTokenCount(c.cfg.Counter)
	}
	handle.EntryID = entry.ID
	c.conv.Entries = append(c.conv.Entries, entry)
	if err := c.cfg.Store.Save(c.conv); err != nil {
		c.conv.Entries = c.conv.Entries[:len(c.conv.Entries)-1]
		return nil, err
	}

	c.queued++
	c.tasks <- &task{handle: handle, history: history}
	return handle, nil
}

// Stop cancels the active run and returns its handle, or nil when idle.
func (c *Controller) Stop() *Handle {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h != nil {
		h.Cancel.Cancel()
	}
	return h
}

// Regenerate resubmits the prompt of the last entry in a conversation. Only
// the last entry qualifies and only while the runtime is idle; the old entry
// is marked regenerated so history replays skip it.
func (c *Controller) Regenerate(conversationID, entryID string) (*Handle, error) {
	if !c.Idle() {
		return nil, errs.New(errs.CodeConflict, "cannot regenerate while a run is in flight")
	}

	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == nil || conv.ID != conversationID {
		loaded, err := c.cfg.Store.Load(conversationID)
		if err != nil {
			return nil, err
		}
		conv = loaded
	}
	if len(conv.Entries) == 0 {
		return nil, errs.New(errs.CodeNotFound, "conversation %s has no entries", conversationID)
	}
	last := &conv.Entries[len(conv.Entries)-1]
	if last.ID != entryID {
		return nil, errs.New(errs.CodeConflict, "only the last entry can be regenerated")
	}

	last.Regenerated = true
	if err := c.cfg.Store.Save(conv); err != nil {
		last.Regenerated = false
		return nil, err
	}
	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()

	return c.SubmitPrompt(last.Prompt, last.PromptAt)
}

func (c *Controller) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case t := <-c.tasks:
			c.runTask(t)
		}
	}
}

// runTask executes one prompt end to end. The next queued prompt is not
// picked up until finalization completed on the scheduler.
func (c *Controller) runTask(t *task) {
	c.mu.Lock()
	c.active = t.handle
	c.mu.Unlock()

	payload := c.execute(t)

	done := make(chan struct{})
	c.cfg.Scheduler(func() {
		defer close(done)
		c.finalizePrompt(t.handle, payload)
	})
	<-done

	c.mu.Lock()
	c.active = nil
	c.queued--
	c.mu.Unlock()
}

func (c *Controller) execute(t *task) *agent.AgentRunPayload {
	ag, err := c.cfg.Agents()
	if err != nil {
		c.cfg.Logger.Error("agent construction failed", "error", err)
		now := time.Now().UTC()
		return &agent.AgentRunPayload{
			Status:      agent.StatusFailed,
			Error:       errs.FromError(err),
			StartedAt:   now,
			CompletedAt: now,
		}
	}

	handle := t.handle
	return ag.Run(context.Background(), agent.RunOptions{
		Prompt:  handle.Prompt,
		History: t.history,
		Context: handle.Context,
		Cancel:  handle.Cancel,
		OnToolResults: func(snaps []agent.ToolResultSnapshot) {
			handle.MergeToolResults(snaps)
			c.requestRefresh(handle.ConversationID)
		},
		OnLLMStep: func(step agent.LlmStep) {
			handle.recordStep(step)
			c.requestRefresh(handle.ConversationID)
		},
		OnDelta: c.deltaObserver(),
	})
}

func (c *Controller) deltaObserver() func(string) {
	if c.cfg.OnDelta == nil {
		return nil
	}
	return func(text string) {
		c.cfg.Scheduler(func() { c.cfg.OnDelta(text) })
	}
}

// finalizePrompt writes the run result into the pending entry and persists
// the conversation. It runs on the scheduler.
func (c *Controller) finalizePrompt(handle *Handle, payload *agent.AgentRunPayload) {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == nil || conv.ID != handle.ConversationID {
		loaded, err := c.cfg.Store.Load(handle.ConversationID)
		if err != nil {
			c.cfg.Logger.Error("finalization lost its conversation",
				"conversation_id", handle.ConversationID, "error", err)
			return
		}
		conv = loaded
	}

	entry := findEntry(conv, handle.EntryID)
	if entry == nil {
		c.cfg.Logger.Error("finalization lost its pending entry",
			"conversation_id", handle.ConversationID, "entry_id", handle.EntryID)
		return
	}

	entry.Response = payload.ResultText
	completed := payload.CompletedAt
	entry.ResponseAt = &completed
	entry.ApplyRunResult(payload)
	raw, err := agent.MarshalPayload(payload)
	if err != nil {
		c.cfg.Logger.Error("run payload could not be serialized",
			"conversation_id", handle.ConversationID, "error", err)
	} else {
		entry.RawResult = raw
	}
	if c.cfg.Counter != nil && entry.Response != "" {
		entry.ResponseTokenCount(c.cfg.Counter)
	}

	if err := c.cfg.Store.Save(conv); err != nil {
		c.cfg.Logger.Error("conversation save failed after run",
			"conversation_id", handle.ConversationID, "error", err)
	}
	c.requestRefresh(handle.ConversationID)
}

func (c *Controller) requestRefresh(conversationID string) {
	if c.cfg.OnRefresh == nil {
		return
	}
	c.cfg.Scheduler(func() { c.cfg.OnRefresh(conversationID) })
}

func findEntry(conv *chat.ChatConversation, id string) *chat.ChatEntry {
	for i := len(conv.Entries) - 1; i >= 0; i-- {
		if conv.Entries[i].ID == id {
			return &conv.Entries[i]
		}
	}
	return nil
}
