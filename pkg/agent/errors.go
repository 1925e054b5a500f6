package agent

import (
	"errors"
	"fmt"

	"github.com/fluxloop/agentcore/pkg/retry"
)

// Sentinel errors for conditions every caller needs to distinguish with
// errors.Is, independent of message text.
var (
	// ErrAgentBusy is returned by any mutating call (PromptMessages, Continue,
	// ClearMessages, SetModel, ...) made while the agent is already streaming.
	ErrAgentBusy = errors.New("agent: already streaming")

	// ErrNoResponse is returned when a provider's event channel has closed and
	// its wait func then yields neither a final message nor an error.
	ErrNoResponse = errors.New("agent: provider stream ended without a terminal event")

	// ErrAborted is returned (wrapping partial state) when AbortToken trips
	// mid-stream or mid-turn.
	ErrAborted = errors.New("agent: aborted")

	// ErrMaxRetriesExceeded names retry exhaustion for callers. The agent loop
	// does not return it: once Config.MaxRetries / Config.Retry.MaxRetries is
	// used up, the last failed attempt is recorded as an error turn instead.
	ErrMaxRetriesExceeded = errors.New("agent: max retries exceeded")
)

// StreamError wraps a provider failure with its retry classification so
// callers can decide how to react without re-parsing the error string.
type StreamError struct {
	Category retry.Category
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("agent: stream error (%s): %v", e.Category, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// AbortedError wraps ErrAborted with the partial assistant content observed
// before the token tripped, so callers can inspect what was produced.
type AbortedError struct {
	PartialText     string
	PartialThinking string
}

func (e *AbortedError) Error() string { return ErrAborted.Error() }

func (e *AbortedError) Unwrap() error { return ErrAborted }
