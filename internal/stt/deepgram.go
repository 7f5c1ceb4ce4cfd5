package stt

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// closeStreamMsg asks Deepgram to flush pending results and close.
var closeStreamMsg = []byte(`{"type": "CloseStream"}`)

// DeepgramConfig holds configuration for Deepgram links.
type DeepgramConfig struct {
	APIKey     string
	URL        string // defaults to the public streaming endpoint
	Model      string // e.g., "nova-2"
	Language   string // empty lets Deepgram pick its default
	Encoding   string // "mulaw" for Twilio
	SampleRate int    // 8000 for Twilio
	Channels   int
	Punctuate  bool

	// CloseGrace bounds how long Close waits for the service to flush its
	// final results after CloseStream.
	CloseGrace time.Duration
	// SendBuffer is the number of audio chunks queued before Send drops.
	SendBuffer int
}

func (c DeepgramConfig) withDefaults() DeepgramConfig {
	if c.URL == "" {
		c.URL = deepgramWSURL
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 2 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// DeepgramDialer opens one Deepgram streaming connection per call.
type DeepgramDialer struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
	logger *log.Logger
}

func NewDeepgramDialer(cfg DeepgramConfig, logger *log.Logger) *DeepgramDialer {
	return &DeepgramDialer{
		cfg: cfg.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (d *DeepgramDialer) listenURL() string {
	q := url.Values{}
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	if d.cfg.Language != "" {
		q.Set("language", d.cfg.Language)
	}
	q.Set("encoding", d.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(d.cfg.Channels))
	q.Set("punctuate", strconv.FormatBool(d.cfg.Punctuate))
	return d.cfg.URL + "?" + q.Encode()
}

// Open dials Deepgram for callID. Failures are returned as *ConnectionError.
func (d *DeepgramDialer) Open(ctx context.Context, callID string) (Link, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, d.listenURL(), headers)
	if err != nil {
		cerr := &ConnectionError{CallID: callID, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return nil, cerr
	}

	l := &DeepgramLink{
		callID:     callID,
		conn:       conn,
		logger:     d.logger,
		closeGrace: d.cfg.CloseGrace,
		audio:      make(chan []byte, d.cfg.SendBuffer),
		fragments:  make(chan Fragment, 100),
		done:       make(chan struct{}),
		abort:      make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go l.readLoop()
	go l.writeLoop()

	return l, nil
}

// DeepgramLink is a live Deepgram connection. A single writer goroutine owns
// all socket writes until Close takes over.
type DeepgramLink struct {
	callID     string
	conn       *websocket.Conn
	logger     *log.Logger
	closeGrace time.Duration

	audio     chan []byte
	fragments chan Fragment

	done       chan struct{} // closed when Close starts
	abort      chan struct{} // closed when the reader must stop delivering
	readerDone chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// Ready reports whether the link still accepts audio.
func (l *DeepgramLink) Ready() bool {
	select {
	case <-l.done:
		return false
	case <-l.readerDone:
		return false
	default:
		return true
	}
}

func (l *DeepgramLink) Send(audio []byte) bool {
	if !l.Ready() {
		return false
	}
	select {
	case l.audio <- audio:
		return true
	default:
		return false
	}
}

func (l *DeepgramLink) Fragments() <-chan Fragment {
	return l.fragments
}

// Close sends CloseStream, waits up to the grace period for the trailing
// results, then closes the socket.
func (l *DeepgramLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		<-l.writerDone

		_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = l.conn.WriteMessage(websocket.TextMessage, closeStreamMsg)

		select {
		case <-l.readerDone:
		case <-time.After(l.closeGrace):
		}
		close(l.abort)

		err = l.conn.Close()
		<-l.readerDone
		close(l.fragments)
	})
	return err
}

func (l *DeepgramLink) writeLoop() {
	defer close(l.writerDone)

	for {
		select {
		case <-l.done:
			return
		case <-l.readerDone:
			return
		case chunk := <-l.audio:
			_ = l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				l.logger.Printf("stt: write error for call %s: %v", l.callID, err)
				return
			}
		}
	}
}

func (l *DeepgramLink) readLoop() {
	defer close(l.readerDone)

	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					l.logger.Printf("stt: read error for call %s: %v", l.callID, err)
				}
			}
			return
		}

		text, isFinal, ok := parseTranscript(msg)
		if !ok {
			continue
		}

		select {
		case l.fragments <- Fragment{CallID: l.callID, Text: text, IsFinal: isFinal}:
		case <-l.abort:
			return
		}
	}
}

// parseTranscript extracts the first alternative's transcript. Metadata,
// malformed and empty messages report ok=false.
func parseTranscript(msg []byte) (text string, isFinal bool, ok bool) {
	var resp msginterfaces.MessageResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return "", false, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false, false
	}
	text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	if text == "" {
		return "", false, false
	}
	return text, resp.IsFinal || resp.SpeechFinal, true
}

var _ Dialer = (*DeepgramDialer)(nil)
var _ Link = (*DeepgramLink)(nil)
