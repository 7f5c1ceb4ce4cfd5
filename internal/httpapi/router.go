package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/callassist/internal/eventlog"
	"github.com/lukasbauer/callassist/internal/orchestrator"
)

type RouterConfig struct {
	PublicBaseURL string

	// Twilio request signing. Validation is skipped when empty.
	TwilioAuthToken string

	// AgentDialNumber is the human agent the caller is bridged to. When empty
	// the call is connected to the media stream alone.
	AgentDialNumber string

	// AdminToken guards the call event endpoint. The endpoint is not
	// registered when empty.
	AdminToken string
}

// EventHandler receives the control events of a telephony stream and owns
// the table of open calls.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev orchestrator.Event) error
	// Draining reports whether new calls should be turned away.
	Draining() bool
	ActiveCallIDs() []string
}

// EventLister reads a call's recorded events.
type EventLister interface {
	List(ctx context.Context, callSid string, limit int) ([]eventlog.Event, error)
}

type Router struct {
	cfg     RouterConfig
	logger  *log.Logger
	handler EventHandler
	events  EventLister
	mux     *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, handler EventHandler, events EventLister) http.Handler {
	r := &Router{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		events:  events,
		mux:     http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(r.mux)
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Twilio webhooks (no auth - signature verified)
	r.mux.HandleFunc("POST /voice", r.handleVoice)
	r.mux.HandleFunc("GET /media", r.handleMediaWS)

	if r.cfg.AdminToken != "" && r.events != nil {
		r.mux.HandleFunc("GET /admin/calls/{callSid}/events", r.withAdmin(r.handleCallEvents))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 503 while draining so the load balancer stops routing
// new calls here. X-Active-Calls carries the number of calls still open.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-Active-Calls", strconv.Itoa(len(r.handler.ActiveCallIDs())))
	if r.handler.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != r.cfg.AdminToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, req)
	}
}

func (r *Router) handleCallEvents(w http.ResponseWriter, req *http.Request) {
	callSid := req.PathValue("callSid")
	if callSid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing call sid"})
		return
	}

	events, err := r.events.List(req.Context(), callSid, 500)
	if err != nil {
		r.logger.Printf("admin: failed to list events for call %s: %v", callSid, err)
		captureError(req, err, "admin: list call events")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_sid": callSid,
		"events":   events,
	})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context.
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func wsURLFromPublicBase(publicBase string) string {
	publicBase = strings.TrimRight(publicBase, "/")
	// http://x -> ws://x
	// https://x -> wss://x
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
