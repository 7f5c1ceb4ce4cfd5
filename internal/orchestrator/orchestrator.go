// Package orchestrator owns the lifecycle of each call: it routes telephony
// control events, consumes transcript fragments, dispatches suggestion
// requests and persists the finished call to the CRM.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/semaphore"

	"github.com/lukasbauer/callassist/internal/crm"
	"github.com/lukasbauer/callassist/internal/eventlog"
	"github.com/lukasbauer/callassist/internal/llm"
	"github.com/lukasbauer/callassist/internal/store"
	"github.com/lukasbauer/callassist/internal/stt"
)

// EventType identifies a control event from the telephony side.
type EventType int

const (
	EventStart EventType = iota
	EventMedia
	EventStop
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one inbound control event.
type Event struct {
	Type   EventType
	CallID string
	Audio  []byte // media payload, EventMedia only
}

// Alerter notifies operators about calls that could not be saved.
type Alerter interface {
	NotifyPersistFailed(ctx context.Context, callID string, status int, cause error)
}

// Config wires an Orchestrator to its collaborators. Dialer, Suggester,
// Persister and Store are required.
type Config struct {
	Dialer    stt.Dialer
	Suggester llm.Suggester
	Persister crm.Persister
	Store     *store.Store
	Events    eventlog.Recorder // optional
	Alerts    Alerter           // optional
	Logger    *log.Logger

	AgentScript       string
	DialTimeout       time.Duration // defaults to 10s
	SuggestionTimeout time.Duration // defaults to 20s
	PersistTimeout    time.Duration // defaults to 15s

	// MaxInflightSuggestions caps suggestion requests across all calls.
	// Zero means unbounded.
	MaxInflightSuggestions int64
}

var ErrUnknownEvent = errors.New("unknown event type")

// Orchestrator multiplexes the calls handled by this process.
type Orchestrator struct {
	cfg    Config
	logger *log.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	calls    map[string]*call
	draining bool

	// pending counts calls from Start until their persist attempt has
	// finished. idle is closed whenever it is zero.
	pending int
	idle    chan struct{}

	inflight sync.WaitGroup
}

// call is the per-call record. It exists between Start and Stop.
type call struct {
	id        string
	startedAt time.Time

	// ctx is cancelled by Stop. It bounds the dial and pending dispatches.
	ctx    context.Context
	cancel context.CancelFunc

	ready        chan struct{} // closed once the dial attempt has finished
	consumerDone chan struct{} // closed when the fragment consumer exits

	mu   sync.Mutex
	link stt.Link // nil when transcription is unavailable
}

func (c *call) currentLink() stt.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

type nopRecorder struct{}

func (nopRecorder) LogAsync(string, eventlog.EventType, map[string]any) {}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Events == nil {
		cfg.Events = nopRecorder{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.SuggestionTimeout <= 0 {
		cfg.SuggestionTimeout = 20 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 15 * time.Second
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		calls:  make(map[string]*call),
		idle:   make(chan struct{}),
	}
	close(o.idle)
	if cfg.MaxInflightSuggestions > 0 {
		o.sem = semaphore.NewWeighted(cfg.MaxInflightSuggestions)
	}
	return o
}

// HandleEvent processes one control event. Events for the same call must be
// delivered in arrival order; events for different calls may be delivered
// concurrently. Stop blocks until the call has been persisted.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) error {
	if ev.CallID == "" {
		return fmt.Errorf("%s event without call id", ev.Type)
	}

	switch ev.Type {
	case EventStart:
		o.start(ctx, ev.CallID)
	case EventMedia:
		o.media(ev.CallID, ev.Audio)
	case EventStop:
		o.stop(ctx, ev.CallID)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownEvent, int(ev.Type))
	}
	return nil
}

// ActiveCalls returns the number of calls between Start and Stop.
func (o *Orchestrator) ActiveCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// ActiveCallIDs returns the ids of the calls between Start and Stop, sorted.
func (o *Orchestrator) ActiveCallIDs() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// StartDraining marks the process as shutting down. Calls already started
// continue; the telephony side uses Draining to turn new calls away.
func (o *Orchestrator) StartDraining() {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
}

func (o *Orchestrator) Draining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}

// WaitIdle blocks until every started call has been persisted or ctx ends.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched suggestion request has completed.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// StopAll finalizes every registered call. It is used at shutdown for calls
// whose telephony connection never delivered a stop.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o.stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (o *Orchestrator) start(ctx context.Context, callID string) {
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{
		id:           callID,
		startedAt:    time.Now(),
		ctx:          callCtx,
		cancel:       cancel,
		ready:        make(chan struct{}),
		consumerDone: make(chan struct{}),
	}

	o.mu.Lock()
	if _, exists := o.calls[callID]; exists {
		o.mu.Unlock()
		cancel()
		o.logger.Printf("orchestrator: duplicate start for call %s ignored", callID)
		return
	}
	o.calls[callID] = c
	if o.pending == 0 {
		o.idle = make(chan struct{})
	}
	o.pending++
	o.mu.Unlock()

	o.logger.Printf("orchestrator: call %s started", callID)
	o.cfg.Events.LogAsync(callID, eventlog.EventCallStarted, nil)

	defer close(c.ready)

	dialCtx, dialCancel := context.WithTimeout(callCtx, o.cfg.DialTimeout)
	link, err := o.cfg.Dialer.Open(dialCtx, callID)
	dialCancel()
	if err != nil {
		var connErr *stt.ConnectionError
		if !errors.As(err, &connErr) {
			connErr = &stt.ConnectionError{CallID: callID, Err: err}
		}
		close(c.consumerDone)
		o.logger.Printf("orchestrator: transcription unavailable for call %s, continuing without it: %v", callID, connErr)
		o.capture(callID, connErr)
		o.cfg.Events.LogAsync(callID, eventlog.EventTranscriptionFailed, map[string]any{
			"error":       connErr.Error(),
			"status_code": connErr.StatusCode,
		})
		return
	}

	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	go o.consume(c, link)
}

func (o *Orchestrator) media(callID string, audio []byte) {
	o.mu.Lock()
	c := o.calls[callID]
	o.mu.Unlock()
	if c == nil {
		return
	}

	link := c.currentLink()
	if link == nil {
		return
	}
	link.Send(audio)
}

func (o *Orchestrator) stop(ctx context.Context, callID string) {
	o.mu.Lock()
	c, ok := o.calls[callID]
	delete(o.calls, callID)
	o.mu.Unlock()

	if !ok {
		o.logger.Printf("orchestrator: stop for unknown call %s ignored", callID)
		return
	}

	c.cancel()
	<-c.ready

	if link := c.currentLink(); link != nil {
		if err := link.Close(); err != nil {
			o.logger.Printf("orchestrator: closing transcription link for call %s: %v", callID, err)
		}
	}
	// Trailing fragments are appended before the session is finalized.
	<-c.consumerDone

	o.finalize(ctx, c)

	o.mu.Lock()
	o.pending--
	if o.pending == 0 {
		close(o.idle)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) finalize(ctx context.Context, c *call) {
	snap, _ := o.cfg.Store.BeginFinalize(c.id)
	rec := crm.Record{
		CallID:      c.id,
		Transcript:  snap.TranscriptText(),
		Suggestions: snap.SuggestionsText(),
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	err := o.cfg.Persister.Persist(persistCtx, rec)
	cancel()

	o.cfg.Store.Delete(c.id)

	if err != nil {
		status := 0
		var perr *crm.PersistError
		if errors.As(err, &perr) {
			status = perr.StatusCode
		}
		o.logger.Printf("orchestrator: failed to persist call %s: %v", c.id, err)
		o.capture(c.id, err)
		o.cfg.Events.LogAsync(c.id, eventlog.EventPersistFailed, map[string]any{
			"error":       err.Error(),
			"status_code": status,
		})
		if o.cfg.Alerts != nil {
			o.cfg.Alerts.NotifyPersistFailed(ctx, c.id, status, err)
		}
	} else {
		o.cfg.Events.LogAsync(c.id, eventlog.EventPersistSucceeded, map[string]any{
			"transcript_fragments": len(snap.Transcript),
			"suggestions":          len(snap.Suggestions),
		})
	}

	duration := time.Since(c.startedAt)
	o.logger.Printf("orchestrator: call %s ended after %s (%d fragments, %d suggestions)",
		c.id, duration.Round(time.Millisecond), len(snap.Transcript), len(snap.Suggestions))
	o.cfg.Events.LogAsync(c.id, eventlog.EventCallEnded, map[string]any{
		"duration_ms": duration.Milliseconds(),
		"persisted":   err == nil,
	})
}

// consume handles the call's fragments one at a time, in emission order.
func (o *Orchestrator) consume(c *call, link stt.Link) {
	defer close(c.consumerDone)
	for frag := range link.Fragments() {
		// Interim hypotheses are revised later; only final text is kept.
		if !frag.IsFinal {
			continue
		}
		o.handleFragment(c, frag.Text)
	}
}

func (o *Orchestrator) handleFragment(c *call, text string) {
	if _, created := o.cfg.Store.GetOrCreate(c.id); created {
		o.logger.Printf("orchestrator: session created for call %s", c.id)
	}
	if err := o.cfg.Store.AppendTranscript(c.id, text); err != nil {
		o.logger.Printf("orchestrator: dropping fragment for call %s: %v", c.id, err)
		return
	}
	o.cfg.Events.LogAsync(c.id, eventlog.EventTranscriptFragment, map[string]any{
		"text": text,
	})

	o.dispatch(c, llm.BuildSuggestionPrompt(o.cfg.AgentScript, text))
}

// dispatch issues one suggestion request without blocking on its result.
func (o *Orchestrator) dispatch(c *call, prompt string) {
	if c.ctx.Err() != nil {
		o.cfg.Events.LogAsync(c.id, eventlog.EventSuggestionDropped, map[string]any{"reason": "call ending"})
		return
	}
	if o.sem != nil {
		if err := o.sem.Acquire(c.ctx, 1); err != nil {
			o.cfg.Events.LogAsync(c.id, eventlog.EventSuggestionDropped, map[string]any{"reason": "call ending"})
			return
		}
	}

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		if o.sem != nil {
			defer o.sem.Release(1)
		}

		// A request already in flight may finish after the call stops.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), o.cfg.SuggestionTimeout)
		defer cancel()

		started := time.Now()
		suggestion, err := o.cfg.Suggester.Suggest(ctx, prompt)
		if err != nil {
			o.logger.Printf("orchestrator: suggestion failed for call %s: %v", c.id, err)
			o.capture(c.id, err)
			o.cfg.Events.LogAsync(c.id, eventlog.EventSuggestionFailed, map[string]any{
				"error":      err.Error(),
				"latency_ms": time.Since(started).Milliseconds(),
			})
			return
		}

		if err := o.cfg.Store.AppendSuggestion(c.id, suggestion); err != nil {
			if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, store.ErrSessionClosed) {
				o.logger.Printf("orchestrator: late suggestion for call %s dropped", c.id)
				return
			}
			o.logger.Printf("orchestrator: failed to store suggestion for call %s: %v", c.id, err)
			return
		}
		o.cfg.Events.LogAsync(c.id, eventlog.EventSuggestionAdded, map[string]any{
			"length":     len(suggestion),
			"latency_ms": time.Since(started).Milliseconds(),
		})
	}()
}

func (o *Orchestrator) capture(callID string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("call_id", callID)
		sentry.CaptureException(err)
	})
}
