// Package stt maintains the outbound Deepgram live-transcription
// connection for one listening window.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearth-os/hearth-voice/pkg/voice/protocol"
)

const defaultBaseURL = "wss://api.deepgram.com/v1/listen"

// ErrRetriesExhausted is the terminal error emitted after the reconnect
// schedule runs out. The caller may recover by issuing a fresh
// start-listening, which builds a new relay.
var ErrRetriesExhausted = errors.New("stt: reconnect attempts exhausted")

// reconnectSchedule is the fixed backoff between reconnect attempts after
// an unexpected close. One attempt per entry, then ErrRetriesExhausted.
var reconnectSchedule = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Config carries the per-window transcription settings. APIKey is
// required; everything else has serviceable defaults.
type Config struct {
	APIKey   string
	Model    string
	Language string

	Encoding   string
	SampleRate int
	Channels   int

	// EndpointingMS is the silence threshold after which Deepgram
	// finalizes a segment; UtteranceEndMS is the gap that marks the end
	// of a complete utterance (speech_final).
	EndpointingMS  int
	UtteranceEndMS int

	BaseURL string
	Logger  *slog.Logger

	// Backoff overrides the reconnect schedule. Tests shrink it; the
	// production schedule is reconnectSchedule.
	Backoff []time.Duration

	// OnReconnect, when set, observes each reconnect attempt.
	OnReconnect func(attempt int)
}

// Relay is one outbound transcription connection. Done is closed when the
// relay is finished, either by Close or by exhausting the reconnect
// schedule.
type Relay struct {
	cfg    Config
	logger *slog.Logger

	results chan protocol.Transcript
	errs    chan error
	done    chan struct{}

	mu             sync.Mutex
	conn           *websocket.Conn
	ctx            context.Context
	closing        bool
	finished       bool
	attempts       int
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

func New(cfg Config) *Relay {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.EndpointingMS <= 0 {
		cfg.EndpointingMS = 300
	}
	if cfg.UtteranceEndMS <= 0 {
		cfg.UtteranceEndMS = 1000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = reconnectSchedule
	}
	return &Relay{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "stt"),
		results: make(chan protocol.Transcript, 32),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (r *Relay) dialURL() (string, error) {
	u, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse stt base url: %w", err)
	}
	q := u.Query()
	q.Set("model", r.cfg.Model)
	q.Set("language", r.cfg.Language)
	q.Set("encoding", r.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(r.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(r.cfg.Channels))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("endpointing", strconv.Itoa(r.cfg.EndpointingMS))
	q.Set("utterance_end_ms", strconv.Itoa(r.cfg.UtteranceEndMS))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the transcription endpoint and starts the read loop. A
// successful open resets the reconnect counter.
func (r *Relay) Connect(ctx context.Context) error {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return fmt.Errorf("stt: api key is required")
	}

	wsURL, err := r.dialURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("stt connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("stt connect: %w", err)
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		conn.Close()
		return fmt.Errorf("stt: relay is closed")
	}
	r.conn = conn
	r.ctx = ctx
	r.attempts = 0
	r.mu.Unlock()

	go r.readLoop(conn)
	return nil
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			if closing {
				return
			}
			r.logger.Debug("stt connection lost", "error", err)
			r.scheduleReconnect()
			return
		}
		r.handleMessage(data)
	}
}

// deepgramResult is the subset of the live API's Results message the relay
// acts on. Non-result message types (Metadata, UtteranceEnd, SpeechStarted)
// carry no transcript and are ignored.
type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r *Relay) handleMessage(data []byte) {
	var msg deepgramResult
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Debug("stt unrecognized message", "error", err)
		return
	}
	if msg.Type != "Results" {
		return
	}
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return
	}

	t := protocol.Transcript{
		Text:        alt.Transcript,
		IsFinal:     msg.IsFinal,
		Confidence:  alt.Confidence,
		SpeechFinal: msg.SpeechFinal,
		Timestamp:   time.Now(),
	}
	select {
	case r.results <- t:
	case <-r.done:
	}
}

func (r *Relay) scheduleReconnect() {
	r.mu.Lock()
	if r.closing || r.finished {
		r.mu.Unlock()
		return
	}
	r.attempts++
	attempt := r.attempts
	if attempt > len(r.cfg.Backoff) {
		r.finished = true
		r.mu.Unlock()
		r.logger.Warn("stt reconnect attempts exhausted")
		select {
		case r.errs <- ErrRetriesExhausted:
		default:
		}
		r.finish()
		return
	}
	delay := r.cfg.Backoff[attempt-1]
	ctx := r.ctx
	if r.cfg.OnReconnect != nil {
		r.cfg.OnReconnect(attempt)
	}
	r.reconnectTimer = time.AfterFunc(delay, func() {
		r.logger.Debug("stt reconnecting", "attempt", attempt, "delay", delay)
		if err := r.Connect(ctx); err != nil {
			r.scheduleReconnect()
		}
	})
	r.mu.Unlock()
}

// Send forwards raw audio to the transcription socket. Chunks sent while
// the connection is down are dropped; stale live audio has no value, so
// there is no buffering.
func (r *Relay) Send(chunk []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Results returns the transcript stream. Consumers should select against
// Done; the channel itself is never closed.
func (r *Relay) Results() <-chan protocol.Transcript {
	return r.results
}

// Errors returns terminal relay errors.
func (r *Relay) Errors() <-chan error {
	return r.errs
}

// Done is closed once the relay is finished, either by Close or by
// exhausting the reconnect schedule.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Close tears the relay down. Safe to call more than once; suppresses any
// pending reconnect.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		r.writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
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
