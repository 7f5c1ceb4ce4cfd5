package crm

import (
	"context"
	"fmt"
)

// Record is what gets saved for a finished call.
type Record struct {
	CallID      string
	Transcript  string
	Suggestions string // suggestions joined with a blank line
}

// Persister saves finished calls to the CRM.
type Persister interface {
	// Persist issues a single save request. It does not retry.
	Persist(ctx context.Context, rec Record) error
}

// PersistError reports a failed save for one call.
type PersistError struct {
	CallID     string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *PersistError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("persist call %s: status %d: %v", e.CallID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("persist call %s: %v", e.CallID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// TokenSource supplies the bearer credential for CRM requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a pre-issued access token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("no access token configured")
	}
	return string(t), nil
}
