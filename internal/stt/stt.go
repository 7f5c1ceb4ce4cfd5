package stt

import (
	"context"
	"fmt"
)

// Fragment is one incremental unit of transcribed speech.
type Fragment struct {
	CallID  string
	Text    string // never empty
	IsFinal bool
}

// Link is a live streaming connection to a transcription service for one call.
type Link interface {
	// Send queues one audio chunk. It never blocks; the chunk is dropped and
	// false returned when the link is not open or its buffer is full.
	Send(audio []byte) bool

	// Fragments delivers transcript fragments in the order the service
	// emitted them. The channel is closed once the link has been closed.
	Fragments() <-chan Fragment

	// Close tears the link down. It is safe to call more than once.
	Close() error
}

// Dialer opens transcription links.
type Dialer interface {
	Open(ctx context.Context, callID string) (Link, error)
}

// ConnectionError reports that a link could not be established, either
// because the service was unreachable or because it rejected our credentials.
type ConnectionError struct {
	CallID     string
	StatusCode int // HTTP status of a rejected handshake, 0 if none
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transcription link for call %s: handshake status %d: %v", e.CallID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transcription link for call %s: %v", e.CallID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
