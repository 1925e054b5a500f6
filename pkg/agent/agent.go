package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/session"
	"github.com/fluxloop/agentcore/pkg/tools"
)

// defaultLogger returns the package-wide fallback logger used whenever a
// caller doesn't supply one (Options.Logger / NewConfigReloader(..., nil)).
func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// Agent orchestrates the LLM + tool loop.
// It is safe to subscribe/unsubscribe listeners from multiple goroutines,
// but Prompt / Steer / FollowUp must not be called concurrently.
type Agent struct {
	mu           sync.RWMutex
	systemPrompt string
	model        string
	provider     ai.Provider
	tools        *tools.Registry
	hooks        *HookEngine
	logger       *slog.Logger

	messages     []ai.Message
	isStreaming  bool
	pendingCalls map[string]bool
	activeTool   string
	currentTurn  int
	err          string

	// Interrupt forensics (§3 AgentState.streamingContent / §4.8 abort()
	// contract): the turn, active tool, and accumulated text in flight at
	// the moment an AbortToken trips, read once runLoop returns to build the
	// agent_interrupted event payload and the run's RunResult.
	streamingContent   string
	interruptedTurn    int
	interruptedTool    string
	interruptedContent string
	turnError          string

	cumulativeCost CostUsage

	listeners   map[int]func(Event)
	listenerSeq int
	listenerMu  sync.RWMutex

	abortToken *AbortToken

	steeringQueue []ai.Message
	steeringMu    sync.Mutex
	followUpQueue []ai.Message
	followUpMu    sync.Mutex

	// Session persistence (optional).
	sess *session.Session
	// entryIDs maps message index → session entry ID, used for compaction.
	entryIDs []string

	// Compaction config.
	compactionCfg CompactionConfig
	prevSummary   string // accumulated summary from previous compactions
	streamOpts    ai.StreamOptions
}

// Options configures a new Agent.
type Options struct {
	SystemPrompt  string
	Model         string
	Provider      ai.Provider
	Tools         *tools.Registry  // nil → empty registry
	Hooks         *HookEngine      // nil → empty hook engine
	Logger        *slog.Logger     // nil → defaultLogger()
	Session       *session.Session // optional: persist conversation to file
	Compaction    CompactionConfig // optional: auto-compact when context grows
	StreamOptions ai.StreamOptions // passed to every LLM call
}

// New creates a new Agent.
func New(opts Options) *Agent {
	reg := opts.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NewHookEngine()
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	a := &Agent{
		systemPrompt:  opts.SystemPrompt,
		model:         opts.Model,
		provider:      opts.Provider,
		tools:         reg,
		hooks:         hooks,
		logger:        logger,
		pendingCalls:  make(map[string]bool),
		listeners:     make(map[int]func(Event)),
		sess:          opts.Session,
		compactionCfg: opts.Compaction,
		streamOpts:    opts.StreamOptions,
	}
	return a
}

// SetSession attaches a session for persistence. Existing session entries are
// NOT replayed; use session.ParseMessages before creating the agent to resume.
func (a *Agent) SetSession(s *session.Session) {
	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()
}

// AttachSession attaches an already opened session and replaces the agent's
// history with msgs. Call before first Prompt().
func (a *Agent) AttachSession(s *session.Session, msgs []ai.Message) {
	a.mu.Lock()
	a.sess = s
	// Build entryIDs slice (empty IDs for pre-loaded messages).
	a.entryIDs = make([]string, len(msgs))
	a.messages = msgs
	a.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Configuration setters
// ---------------------------------------------------------------------------

// SetSystemPrompt updates the system prompt. Returns ErrAgentBusy while streaming.
func (a *Agent) SetSystemPrompt(s string) error {
	if a.IsStreaming() {
		return ErrAgentBusy
	}
	a.mu.Lock()
	a.systemPrompt = s
	a.mu.Unlock()
	return nil
}

// SetModel switches the active model. Returns ErrAgentBusy while streaming.
func (a *Agent) SetModel(m string) error {
	if a.IsStreaming() {
		return ErrAgentBusy
	}
	a.mu.Lock()
	a.model = m
	a.mu.Unlock()
	return nil
}

// SetProvider swaps the provider. Returns ErrAgentBusy while streaming.
func (a *Agent) SetProvider(p ai.Provider) error {
	if a.IsStreaming() {
		return ErrAgentBusy
	}
	a.mu.Lock()
	a.provider = p
	a.mu.Unlock()
	return nil
}

// RegisterTool adds a tool to the registry. Returns ErrAgentBusy while streaming.
func (a *Agent) RegisterTool(t tools.Tool) error {
	if a.IsStreaming() {
		return ErrAgentBusy
	}
	a.tools.RegisterOrReplace(t)
	return nil
}

// RegisterHook adds a hook to the agent's hook engine. Returns ErrAgentBusy
// while streaming.
func (a *Agent) RegisterHook(h Hook) error {
	if a.IsStreaming() {
		return ErrAgentBusy
	}
	a.hooks.Register(h)
	return nil
}

func (a *Agent) Tools() *tools.Registry {
	return a.tools
}

// ---------------------------------------------------------------------------
// Event subscriptions
// ---------------------------------------------------------------------------

// Subscribe registers a listener and returns an unsubscribe function.
func (a *Agent) Subscribe(fn func(Event)) func() {
	a.listenerMu.Lock()
	id := a.listenerSeq
	a.listenerSeq++
	a.listeners[id] = fn
	a.listenerMu.Unlock()

	return func() {
		a.listenerMu.Lock()
		delete(a.listeners, id)
		a.listenerMu.Unlock()
	}
}

// broadcast fans an event out to every subscriber. A panicking subscriber is
// recovered and logged; it never takes down the loop or a sibling subscriber.
func (a *Agent) broadcast(e Event) {
	a.listenerMu.RLock()
	fns := make([]func(Event), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenerMu.RUnlock()
	for _, fn := range fns {
		a.safeNotify(fn, e)
	}
}

func (a *Agent) safeNotify(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("event subscriber panicked", "panic", r, "event", e.Type)
		}
	}()
	fn(e)
}

// ---------------------------------------------------------------------------
// Prompt / Steer / FollowUp
// ---------------------------------------------------------------------------

// Prompt sends a new user message and runs the agent loop.
// Returns when the loop is complete (or ctx cancelled).
func (a *Agent) Prompt(ctx context.Context, text string, cfg Config) (RunResult, error) {
	return a.PromptMessages(ctx, []ai.Message{
		ai.UserMessage{
			Role:      ai.RoleUser,
			Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
			Timestamp: time.Now().UnixMilli(),
		},
	}, cfg)
}

// PromptMessages sends one or more pre-built messages and runs the loop.
// The returned RunResult carries §4.8/§7's success/interrupted/partialContent
// contract; err is a Go-level error for failures the loop never got to run
// for (AgentBusy, a rejected confirm-tool-call, context-transform failures).
func (a *Agent) PromptMessages(ctx context.Context, msgs []ai.Message, cfg Config) (RunResult, error) {
	if a.IsStreaming() {
		return RunResult{}, ErrAgentBusy
	}

	token := NewAbortToken()
	loopCtx := token.Context(ctx)

	a.mu.Lock()
	a.abortToken = token
	a.isStreaming = true
	a.err = ""
	a.currentTurn = 0
	a.streamingContent = ""
	a.mu.Unlock()
	a.consumeInterrupt()
	a.consumeTurnError()

	defer func() {
		a.mu.Lock()
		a.isStreaming = false
		a.abortToken = nil
		a.activeTool = ""
		a.mu.Unlock()
	}()

	// Wire steering/follow-up hooks into config
	cfg = a.wrapConfig(cfg)
	if cfg.Hooks == nil {
		cfg.Hooks = a.hooks
	}

	err := a.runLoop(loopCtx, msgs, cfg)

	if token.IsTripped() {
		turn, activeTool, partial := a.consumeInterrupt()
		a.broadcast(Event{
			Type:           EventAgentInterrupted,
			Turn:           turn,
			ActiveTool:     activeTool,
			PartialContent: partial,
		})
		return RunResult{Interrupted: true, PartialContent: partial, ActiveTool: activeTool, Turn: turn}, nil
	}

	if err != nil {
		a.mu.Lock()
		a.err = err.Error()
		a.mu.Unlock()
		return RunResult{Error: err.Error()}, err
	}

	if turnErr := a.consumeTurnError(); turnErr != "" {
		a.mu.Lock()
		a.err = turnErr
		a.mu.Unlock()
		return RunResult{Error: turnErr}, nil
	}

	return RunResult{Success: true}, nil
}

// Continue resumes from existing context (e.g. after an error or retry).
func (a *Agent) Continue(ctx context.Context, cfg Config) (RunResult, error) {
	if a.IsStreaming() {
		return RunResult{}, ErrAgentBusy
	}
	msgs := a.snapshotMessages()
	if len(msgs) == 0 {
		return RunResult{}, fmt.Errorf("no messages to continue from")
	}
	if msgs[len(msgs)-1].GetRole() == ai.RoleAssistant {
		return RunResult{}, fmt.Errorf("last message is assistant; nothing to continue from")
	}
	return a.PromptMessages(ctx, nil, cfg)
}

// Steer queues a message to inject after the current tool call finishes.
func (a *Agent) Steer(m ai.Message) {
	a.steeringMu.Lock()
	a.steeringQueue = append(a.steeringQueue, m)
	a.steeringMu.Unlock()
}

// SteerText queues a plain-text steering message.
func (a *Agent) SteerText(text string) {
	a.Steer(ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	})
}

// FollowUp queues a message to process after the agent would otherwise stop.
func (a *Agent) FollowUp(m ai.Message) {
	a.followUpMu.Lock()
	a.followUpQueue = append(a.followUpQueue, m)
	a.followUpMu.Unlock()
}

// FollowUpText queues a plain-text follow-up message.
func (a *Agent) FollowUpText(text string) {
	a.FollowUp(ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	})
}

// setActiveTool records the tool currently occupying the window between
// invocation start and PostHooks completion (I5). name == "" clears it.
func (a *Agent) setActiveTool(name string) {
	a.mu.Lock()
	a.activeTool = name
	a.mu.Unlock()
}

// setCurrentTurn records the 1-indexed turn currently in flight, read back
// by State() and by recordInterrupt for the agent_interrupted payload.
func (a *Agent) setCurrentTurn(n int) {
	a.mu.Lock()
	a.currentTurn = n
	a.mu.Unlock()
}

// setStreamingContent updates the live mirror of the current turn's
// accumulated assistant text (AgentState.streamingContent, spec.md §3),
// exposed via State() and used for interrupt forensics. It is reset to ""
// once the turn's assistant message is appended to history.
func (a *Agent) setStreamingContent(text string) {
	a.mu.Lock()
	a.streamingContent = text
	a.mu.Unlock()
}

// getStreamingContent reads the live mirror set by setStreamingContent. A
// stream aborted before Done never gets to assemble its final AssistantMessage
// content (the rebuild rule never runs), so this is the only place the
// partial text an abort mid-stream (S4) interrupted is still available.
func (a *Agent) getStreamingContent() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.streamingContent
}

// recordInterrupt snapshots the forensic data needed for the single
// agent_interrupted event/RunResult emitted once a run unwinds after its
// AbortToken trips (§4.8 abort() contract).
func (a *Agent) recordInterrupt(activeTool, partialContent string) {
	a.mu.Lock()
	a.interruptedTurn = a.currentTurn
	a.interruptedTool = activeTool
	a.interruptedContent = partialContent
	a.mu.Unlock()
}

// consumeInterrupt returns and clears the forensic data recorded by the most
// recent recordInterrupt call, so a later run starts with a clean slate.
func (a *Agent) consumeInterrupt() (turn int, activeTool, partialContent string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	turn, activeTool, partialContent = a.interruptedTurn, a.interruptedTool, a.interruptedContent
	a.interruptedTurn, a.interruptedTool, a.interruptedContent = 0, "", ""
	return
}

// recordTurnError remembers a non-aborted stream error's message (StopReason
// == ai.StopReasonError) so PromptMessages can report it on RunResult.Error
// without re-deriving it from message history (§7: such an error ends the
// turn but is not itself a Go-level error from runLoop).
func (a *Agent) recordTurnError(msg string) {
	a.mu.Lock()
	a.turnError = msg
	a.mu.Unlock()
}

// consumeTurnError returns and clears the message recorded by recordTurnError.
func (a *Agent) consumeTurnError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := a.turnError
	a.turnError = ""
	return msg
}

// Abort trips the current run's AbortToken. Idempotent; a no-op if no run is
// in flight.
func (a *Agent) Abort() {
	a.mu.RLock()
	token := a.abortToken
	a.mu.RUnlock()
	if token != nil {
		token.Trip()
	}
}

// ---------------------------------------------------------------------------
// State accessors
// ---------------------------------------------------------------------------

func (a *Agent) IsStreaming() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isStreaming
}

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	msgs := make([]ai.Message, len(a.messages))
	copy(msgs, a.messages)
	pending := make(map[string]bool, len(a.pendingCalls))
	for k, v := range a.pendingCalls {
		pending[k] = v
	}
	usage := EstimateContextTokens(msgs)
	return State{
		SystemPrompt:     a.systemPrompt,
		Model:            a.model,
		Provider:         a.provider.Name(),
		Messages:         msgs,
		IsStreaming:      a.isStreaming,
		PendingToolCalls: pending,
		ActiveTool:       a.activeTool,
		CurrentTurn:      a.currentTurn,
		StreamingContent: a.streamingContent,
		Error:            a.err,
		ContextTokens:    usage.Tokens,
		CumulativeCost:   a.cumulativeCost,
	}
}

// Messages returns a snapshot of the full conversation history.
func (a *Agent) Messages() []ai.Message {
	return a.snapshotMessages()
}

// ClearMessages resets conversation history. Returns ErrAgentBusy while streaming.
func (a *Agent) ClearMessages() error {
	if a.IsStreaming() {
		return ErrAgentBusy
	}
	a.mu.Lock()
	a.messages = nil
	a.entryIDs = nil
	a.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (a *Agent) appendMsg(m ai.Message) {
	// Normalise: dereference pointer types so all stored messages are values.
	// Providers (e.g. streaming loop) return *AssistantMessage.
	m = derefMessage(m)
	a.mu.Lock()
	a.messages = append(a.messages, m)
	var entryID string
	if a.sess != nil {
		var err error
		entryID, err = a.sess.AppendMessage(m)
		if err != nil {
			a.logger.Warn("session write failed", "error", err)
		}
	}
	a.entryIDs = append(a.entryIDs, entryID)
	a.mu.Unlock()
}

// maybeCompact checks whether compaction should run and, if so, replaces the
// message history with a summary + kept messages. It records the compaction
// entry in the session file.
func (a *Agent) maybeCompact(ctx context.Context) error {
	if !a.compactionCfg.Enabled || a.compactionCfg.ContextWindow <= 0 {
		return nil
	}

	a.mu.RLock()
	msgs := make([]ai.Message, len(a.messages))
	copy(msgs, a.messages)
	entryIDs := make([]string, len(a.entryIDs))
	copy(entryIDs, a.entryIDs)
	prevSummary := a.prevSummary
	a.mu.RUnlock()

	usage := EstimateContextTokens(msgs)
	if !ShouldCompact(usage.Tokens, a.compactionCfg) {
		return nil
	}

	result, err := runCompaction(ctx, a.provider, a.model, a.streamOpts, msgs, a.compactionCfg, prevSummary)
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	if result == nil {
		return nil // nothing compacted
	}

	// Find the session entry ID of the first kept message.
	cutIdx := len(result.summarisedMessages)
	firstKeptEntryID := ""
	if a.sess != nil && cutIdx < len(entryIDs) {
		firstKeptEntryID = entryIDs[cutIdx]
	}

	// Record compaction in session.
	if a.sess != nil {
		if err := a.sess.AppendCompaction(result.summary, firstKeptEntryID, result.tokensBefore); err != nil {
			a.logger.Warn("session compaction write failed", "error", err)
		}
	}

	// Rebuild entryIDs for the new message list:
	// [1 empty ID for summary, kept IDs...]
	newEntryIDs := make([]string, 1+len(result.keptMessages))
	copy(newEntryIDs[1:], entryIDs[cutIdx:cutIdx+len(result.keptMessages)])

	a.mu.Lock()
	a.messages = result.newMessages
	a.entryIDs = newEntryIDs
	a.prevSummary = result.summary
	a.mu.Unlock()

	a.broadcast(Event{Type: EventCompaction, Compaction: &CompactionEvent{
		Summary:         result.summary,
		MessagesRemoved: len(result.summarisedMessages),
		MessagesKept:    len(result.keptMessages),
		TokensBefore:    result.tokensBefore,
		TokensAfter:     EstimateContextTokens(result.newMessages).Tokens,
	}})

	return nil
}

// derefMessage unwraps pointer message types to their value form.
// All concrete types (UserMessage, AssistantMessage, ToolResultMessage) define
// GetRole on value receivers, so both *T and T implement ai.Message. We
// normalise to values to keep type assertions simple throughout the codebase.
func derefMessage(m ai.Message) ai.Message {
	switch p := m.(type) {
	case *ai.UserMessage:
		return *p
	case *ai.AssistantMessage:
		return *p
	case *ai.ToolResultMessage:
		return *p
	}
	return m
}

func (a *Agent) snapshotMessages() []ai.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ai.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Agent) collectNew() []ai.Message {
	return a.snapshotMessages()
}

// wrapConfig injects the agent's steering/follow-up queues into the config.
func (a *Agent) wrapConfig(cfg Config) Config {
	if cfg.GetSteeringMessages == nil {
		cfg.GetSteeringMessages = func() ([]ai.Message, error) {
			a.steeringMu.Lock()
			defer a.steeringMu.Unlock()
			if len(a.steeringQueue) == 0 {
				return nil, nil
			}
			first := a.steeringQueue[0]
			a.steeringQueue = a.steeringQueue[1:]
			return []ai.Message{first}, nil
		}
	}
	if cfg.GetFollowUpMessages == nil {
		cfg.GetFollowUpMessages = func() ([]ai.Message, error) {
			a.followUpMu.Lock()
			defer a.followUpMu.Unlock()
			if len(a.followUpQueue) == 0 {
				return nil, nil
			}
			first := a.followUpQueue[0]
			a.followUpQueue = a.followUpQueue[1:]
			return []ai.Message{first}, nil
		}
	}
	return cfg
}
