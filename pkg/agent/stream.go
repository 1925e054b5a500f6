package agent

import (
	"strings"
	"time"

	"github.com/fluxloop/agentcore/pkg/ai"
)

// StreamProcessor consumes a single ai.Provider.Stream call, accumulating
// text/thinking/tool-call state and forwarding MessageUpdate events to a
// sink. It exists so the accumulation and end-of-stream repair rules (rebuild
// rule, missed-tool rescue) live in one place instead of inline in the loop.
type StreamProcessor struct {
	sink  *EventSink
	abort *AbortToken

	accumulatedText     strings.Builder
	accumulatedThinking strings.Builder
	toolCallOrder       []string // callID order as first seen
	toolCalls           map[string]ai.ToolCall

	yielded bool
}

// NewStreamProcessor creates a processor that emits through sink and honors
// abort (nil disables abort checking).
func NewStreamProcessor(sink *EventSink, abort *AbortToken) *StreamProcessor {
	return &StreamProcessor{
		sink:      sink,
		abort:     abort,
		toolCalls: make(map[string]ai.ToolCall),
	}
}

// HasYielded reports whether any delta event was ever dispatched.
func (p *StreamProcessor) HasYielded() bool { return p.yielded }

// StreamingContent returns the text accumulated so far, for interrupt
// forensics (AbortedError.PartialText).
func (p *StreamProcessor) StreamingContent() string { return p.accumulatedText.String() }

// StreamingThinking returns the thinking text accumulated so far.
func (p *StreamProcessor) StreamingThinking() string { return p.accumulatedThinking.String() }

// Run drains events, emitting MessageUpdate for every delta, and returns the
// final assistant message once wait() resolves. If the AbortToken trips
// before the stream finishes, Run stops consuming and returns an
// *AbortedError wrapping the accumulated partial content.
func (p *StreamProcessor) Run(
	partial *ai.AssistantMessage,
	events <-chan ai.StreamEvent,
	wait func() (*ai.AssistantMessage, error),
) (*ai.AssistantMessage, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return p.finish(partial, wait)
			}
			p.consume(ev, &partial)
		case <-p.abortDone():
			return nil, &AbortedError{
				PartialText:     p.accumulatedText.String(),
				PartialThinking: p.accumulatedThinking.String(),
			}
		}
	}
}

func (p *StreamProcessor) abortDone() <-chan struct{} {
	if p.abort == nil {
		return nil
	}
	return p.abort.Done()
}

func (p *StreamProcessor) consume(ev ai.StreamEvent, partial **ai.AssistantMessage) {
	switch ev.Type {
	case ai.StreamEventStart:
		*partial = ev.Partial
	case ai.StreamEventTextDelta:
		p.accumulatedText.WriteString(ev.Delta)
		*partial = ev.Partial
		p.yielded = true
		p.sink.Emit(Event{Type: EventMessageUpdate, Message: *partial, StreamEvent: &ev})
	case ai.StreamEventThinkingDelta:
		p.accumulatedThinking.WriteString(ev.Delta)
		*partial = ev.Partial
		p.yielded = true
		p.sink.Emit(Event{Type: EventMessageUpdate, Message: *partial, StreamEvent: &ev})
	case ai.StreamEventToolCallStart:
		*partial = ev.Partial
		p.yielded = true
		p.sink.Emit(Event{Type: EventMessageUpdate, Message: *partial, StreamEvent: &ev})
	case ai.StreamEventToolCallDelta:
		*partial = ev.Partial
		p.yielded = true
		p.sink.Emit(Event{Type: EventMessageUpdate, Message: *partial, StreamEvent: &ev})
	case ai.StreamEventToolCallEnd:
		*partial = ev.Partial
		p.yielded = true
		p.sink.Emit(Event{Type: EventMessageUpdate, Message: *partial, StreamEvent: &ev})
		p.recordToolCalls(*partial)
	case ai.StreamEventDone:
		*partial = ev.Partial
	case ai.StreamEventError:
		(*partial).StopReason = ai.StopReasonError
		if ev.Error != nil {
			(*partial).ErrorMessage = ev.Error.Error()
		}
	}
}

// recordToolCalls remembers every ai.ToolCall seen in a partial snapshot,
// including its accumulated Arguments, so the rebuild rule and the
// missed-tool rescue in finish() can reconstruct a ToolUse block that
// carries its arguments rather than just its id/name. It is called on every
// ToolCallEnd, whose partial snapshot holds the fully-assembled arguments
// for that call (a defensive path; well-behaved providers always announce
// what they emit).
func (p *StreamProcessor) recordToolCalls(partial *ai.AssistantMessage) {
	if partial == nil {
		return
	}
	for _, c := range partial.Content {
		if tc, ok := c.(ai.ToolCall); ok {
			if _, seen := p.toolCalls[tc.ID]; !seen {
				p.toolCallOrder = append(p.toolCallOrder, tc.ID)
			}
			p.toolCalls[tc.ID] = tc
		}
	}
}

// finish resolves wait(), applies the rebuild rule (synthesize content from
// accumulators when the provider's final message carries none) and the
// missed-tool rescue (append any tool call observed mid-stream but absent
// from the final content), then returns the assistant message.
func (p *StreamProcessor) finish(
	partial *ai.AssistantMessage,
	wait func() (*ai.AssistantMessage, error),
) (*ai.AssistantMessage, error) {
	final, err := wait()
	if err != nil {
		if partial == nil {
			partial = &ai.AssistantMessage{Role: ai.RoleAssistant, Timestamp: time.Now().UnixMilli()}
		}
		partial.StopReason = ai.StopReasonError
		partial.ErrorMessage = err.Error()
		return partial, nil // non-fatal: caller records an error turn
	}
	if final == nil {
		return nil, ErrNoResponse
	}

	if len(final.Content) == 0 {
		final.Content = p.rebuildContent()
	} else {
		p.recordToolCalls(final)
		final.Content = p.rescueMissedToolCalls(final)
	}

	return final, nil
}

// rebuildContent synthesizes [Thinking?, Text?, ToolUse*] from accumulators
// when the provider's terminal message arrived with no content blocks at all.
func (p *StreamProcessor) rebuildContent() []ai.ContentBlock {
	var blocks []ai.ContentBlock
	if t := p.accumulatedThinking.String(); t != "" {
		blocks = append(blocks, ai.ThinkingContent{Type: "thinking", Thinking: t})
	}
	if t := p.accumulatedText.String(); t != "" {
		blocks = append(blocks, ai.TextContent{Type: "text", Text: t})
	}
	for _, id := range p.toolCallOrder {
		blocks = append(blocks, p.toolCalls[id])
	}
	return blocks
}

// rescueMissedToolCalls appends any tool call recorded during streaming whose
// ID is absent from the final content (defensive: no observed provider
// adapter actually drops a tool call it started).
func (p *StreamProcessor) rescueMissedToolCalls(final *ai.AssistantMessage) []ai.ContentBlock {
	present := make(map[string]bool, len(final.Content))
	for _, c := range final.Content {
		if tc, ok := c.(ai.ToolCall); ok {
			present[tc.ID] = true
		}
	}
	out := final.Content
	for _, id := range p.toolCallOrder {
		if !present[id] {
			out = append(out, p.toolCalls[id])
		}
	}
	return out
}
