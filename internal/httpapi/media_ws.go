package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/callassist/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Twilio Media Stream message types
type twilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Stop           *twilioStop  `json:"stop,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // Base64 μ-law audio
}

type twilioStart struct {
	StreamSid    string            `json:"streamSid"`
	AccountSid   string            `json:"accountSid"`
	CallSid      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	CustomParams map[string]string `json:"customParameters"`
	MediaFormat  struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type twilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// mediaSession adapts one Twilio media stream connection to orchestrator events.
type mediaSession struct {
	id      string // connection id, for logs only
	conn    *websocket.Conn
	handler EventHandler
	logger  *log.Logger

	callSid   string
	streamSid string
	started   bool
	stopped   bool
	frames    int
}

func (r *Router) handleMediaWS(w http.ResponseWriter, req *http.Request) {
	if !r.validTwilioSignature(req, true) {
		r.logger.Printf("media_ws: invalid Twilio signature from %s", req.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	if r.handler.Draining() {
		r.logger.Printf("media_ws: rejecting connection, server is draining")
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("media_ws: upgrade failed: %v", err)
		return
	}

	s := &mediaSession{
		id:      uuid.NewString(),
		conn:    conn,
		handler: r.handler,
		logger:  r.logger,
	}

	r.logger.Printf("media_ws: connection %s established, waiting for start message", s.id)
	s.run(req.Context())
}

func (s *mediaSession) run(ctx context.Context) {
	defer s.cleanup(ctx)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("media_ws: connection %s closed for call %s", s.id, s.callSid)
			} else {
				s.logger.Printf("media_ws: read error on %s for call %s: %v", s.id, s.callSid, err)
			}
			return
		}

		var twilioMsg twilioMessage
		if err := json.Unmarshal(msg, &twilioMsg); err != nil {
			s.logger.Printf("media_ws: failed to parse message: %v", err)
			continue
		}

		switch twilioMsg.Event {
		case "connected":
			s.logger.Printf("media_ws: Twilio connected on %s", s.id)

		case "start":
			if err := s.handleStart(ctx, twilioMsg.Start); err != nil {
				s.logger.Printf("media_ws: start error: %v", err)
			}

		case "media":
			if err := s.handleMedia(ctx, twilioMsg.Media); err != nil {
				s.logger.Printf("media_ws: media error: %v", err)
			}

		case "stop":
			s.logger.Printf("media_ws: stream stopped for call %s after %d frames", s.callSid, s.frames)
			s.handleStop(ctx)
			return

		default:
			// mark, dtmf and anything newer are not relevant here
		}
	}
}

func (s *mediaSession) handleStart(ctx context.Context, start *twilioStart) error {
	if start == nil {
		return fmt.Errorf("nil start message")
	}
	if s.started {
		return fmt.Errorf("duplicate start on connection %s for call %s", s.id, s.callSid)
	}

	callSid := start.CallSid
	if callSid == "" {
		callSid = start.CustomParams["callSid"]
	}
	if callSid == "" {
		return fmt.Errorf("start message without callSid")
	}

	s.callSid = callSid
	s.streamSid = start.StreamSid
	s.started = true
	s.logger.Printf("media_ws: stream started - StreamSid: %s, CallSid: %s, Connection: %s", s.streamSid, s.callSid, s.id)

	return s.handler.HandleEvent(ctx, orchestrator.Event{Type: orchestrator.EventStart, CallID: s.callSid})
}

func (s *mediaSession) handleMedia(ctx context.Context, media *twilioMedia) error {
	if media == nil || !s.started || s.stopped {
		return nil
	}

	// Decode base64 audio
	audio, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode audio: %w", err)
	}
	s.frames++

	return s.handler.HandleEvent(ctx, orchestrator.Event{Type: orchestrator.EventMedia, CallID: s.callSid, Audio: audio})
}

func (s *mediaSession) handleStop(ctx context.Context) {
	if !s.started || s.stopped {
		return
	}
	s.stopped = true
	if err := s.handler.HandleEvent(ctx, orchestrator.Event{Type: orchestrator.EventStop, CallID: s.callSid}); err != nil {
		s.logger.Printf("media_ws: stop error for call %s: %v", s.callSid, err)
	}
}

func (s *mediaSession) cleanup(ctx context.Context) {
	_ = s.conn.Close()

	// The connection dropped without a stop message; finalize the call anyway.
	if s.started && !s.stopped {
		s.logger.Printf("media_ws: connection %s lost before stop, finalizing call %s", s.id, s.callSid)
		s.handleStop(ctx)
	}
}
