package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of call event
type EventType string

const (
	EventCallStarted         EventType = "call_started"
	EventTranscriptionFailed EventType = "transcription_failed"
	EventTranscriptFragment  EventType = "transcript_fragment"
	EventSuggestionAdded     EventType = "suggestion_added"
	EventSuggestionFailed    EventType = "suggestion_failed"
	EventSuggestionDropped   EventType = "suggestion_dropped"
	EventPersistSucceeded    EventType = "persist_succeeded"
	EventPersistFailed       EventType = "persist_failed"
	EventCallEnded           EventType = "call_ended"
)

// Recorder accepts call events without blocking the caller.
type Recorder interface {
	LogAsync(callSid string, eventType EventType, data map[string]any)
}

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
	wg sync.WaitGroup
}

// New creates a new event logger. A nil pool turns every call into a no-op.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, callSid string, eventType EventType, data map[string]any) error {
	if l.db == nil || callSid == "" {
		return nil // Silently skip if no DB or call ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_events (call_sid, event_type, event_data)
		VALUES ($1, $2, $3)
	`, callSid, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(callSid string, eventType EventType, data map[string]any) {
	if l.db == nil || callSid == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, callSid, eventType, data)
	}()
}

// Wait blocks until pending async writes have finished.
func (l *Logger) Wait() {
	l.wg.Wait()
}

// Event is a stored call event.
type Event struct {
	ID        int64           `json:"id"`
	CallSid   string          `json:"call_sid"`
	Type      EventType       `json:"event_type"`
	Data      json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// List returns the events recorded for one call, oldest first.
func (l *Logger) List(ctx context.Context, callSid string, limit int) ([]Event, error) {
	if l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := l.db.Query(ctx, `
		SELECT id, call_sid, event_type, event_data, created_at
		FROM call_events
		WHERE call_sid = $1
		ORDER BY created_at, id
		LIMIT $2
	`, callSid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.CallSid, &eventType, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Recorder = (*Logger)(nil)
