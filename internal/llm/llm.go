package llm

import (
	"context"
	"fmt"
)

// Suggester produces one agent-response suggestion per prompt.
type Suggester interface {
	// Suggest sends a single request and returns the generated text.
	// It never retries.
	Suggest(ctx context.Context, prompt string) (string, error)
}

// SuggestionError reports a failed suggestion attempt: a non-success status,
// a timeout or transport failure, or a response with no usable content.
type SuggestionError struct {
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *SuggestionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("suggestion request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("suggestion request failed: %v", e.Err)
}

func (e *SuggestionError) Unwrap() error { return e.Err }
