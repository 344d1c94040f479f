// Package tts maintains the outbound Cartesia speech-synthesis connection
// for one reply turn.
package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL  = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
)

// Config carries the per-turn synthesis settings.
type Config struct {
	APIKey  string
	VoiceID string
	ModelID string

	Language   string
	SampleRate int

	BaseURL string
	Logger  *slog.Logger
}

// Relay is one outbound synthesis connection serving exactly one reply
// turn. A fresh random context id is generated per instance and sent with
// every request so Cartesia preserves prosody across sequential text
// chunks within the turn. The relay never reconnects; a transport failure
// is surfaced as an error and the next reply builds a new relay.
type Relay struct {
	cfg       Config
	logger    *slog.Logger
	contextID string

	audio     chan []byte
	completed chan struct{}
	errs      chan error
	done      chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex
}

func New(cfg Config) *Relay {
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "tts"),
		contextID: uuid.NewString(),
		audio:     make(chan []byte, 32),
		completed: make(chan struct{}, 1),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}
}

// ContextID returns the continuity token used for this relay's lifetime.
func (r *Relay) ContextID() string {
	return r.contextID
}

// Connect opens the synthesis socket. No payload is sent until the first
// Synthesize call.
func (r *Relay) Connect(ctx context.Context) error {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return fmt.Errorf("tts: api key is required")
	}

	u, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("parse tts base url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", r.cfg.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("tts connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("tts connect: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return fmt.Errorf("tts: relay is closed")
	}
	r.conn = conn
	r.mu.Unlock()

	go r.readLoop(conn)
	return nil
}

type synthesisRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
	ContextID    string       `json:"context_id"`
	Continue     bool         `json:"continue"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

func (r *Relay) request(text string, more bool) synthesisRequest {
	return synthesisRequest{
		ModelID:    r.cfg.ModelID,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: r.cfg.VoiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: r.cfg.SampleRate,
		},
		Language:  r.cfg.Language,
		ContextID: r.contextID,
		Continue:  more,
	}
}

// Synthesize sends one text chunk for synthesis. The continuation flag
// stays set so the remote context remains open for more text; when flush
// is true a flush request follows immediately.
func (r *Relay) Synthesize(text string, flush bool) error {
	if err := r.writeJSON(r.request(text, true)); err != nil {
		return fmt.Errorf("tts synthesize: %w", err)
	}
	if flush {
		return r.Flush()
	}
	return nil
}

// Flush tells the backend no more text is coming this turn. The remote
// protocol has no dedicated end-of-input frame; the documented idiom is a
// placeholder transcript with the continuation flag cleared, which makes
// the backend emit any buffered audio and close the context.
func (r *Relay) Flush() error {
	if err := r.writeJSON(r.request(" ", false)); err != nil {
		return fmt.Errorf("tts flush: %w", err)
	}
	return nil
}

func (r *Relay) writeJSON(v any) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(v)
}

type synthesisResponse struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		var msg synthesisResponse
		if err := conn.ReadJSON(&msg); err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				// Short-lived connection: surface immediately
				// rather than retry, the next reply turn builds
				// a fresh relay.
				r.emitError(fmt.Errorf("tts connection lost: %w", err))
			}
			r.finish()
			return
		}

		switch msg.Type {
		case "chunk":
			data, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				r.emitError(fmt.Errorf("tts decode audio: %w", err))
				r.finish()
				return
			}
			select {
			case r.audio <- data:
			case <-r.done:
				return
			}
			if msg.Done {
				r.emitCompleted()
				r.finish()
				return
			}

		case "done":
			r.emitCompleted()
			r.finish()
			return

		case "flush_done":
			// Flush acknowledged; audio keeps arriving until done.

		case "error":
			if msg.Code != "" {
				r.emitError(fmt.Errorf("tts remote error %s: %s", msg.Code, msg.Error))
			} else {
				r.emitError(fmt.Errorf("tts remote error: %s", msg.Error))
			}
			r.finish()
			return

		default:
			r.logger.Debug("tts unrecognized message", "type", msg.Type)
		}
	}
}

func (r *Relay) emitError(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

func (r *Relay) emitCompleted() {
	select {
	case r.completed <- struct{}{}:
	default:
	}
}

// Audio returns decoded synthesized audio chunks. Consumers should select
// against Done; the channel itself is never closed.
func (r *Relay) Audio() <-chan []byte {
	return r.audio
}

// Completed signals the end of the turn's audio.
func (r *Relay) Completed() <-chan struct{} {
	return r.completed
}

// Errors returns transport and remote errors.
func (r *Relay) Errors() <-chan error {
	return r.errs
}

// Done is closed once the relay is finished.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Close tears the relay down. The protocol needs no remote close
// handshake. Safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	r.finish()
	return nil
}

func (r *Relay) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
