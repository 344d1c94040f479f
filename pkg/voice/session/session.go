// Package session implements the per-connection voice state machine. One
// Session owns at most one STT relay and one TTS relay at a time and
// translates browser control/audio frames into relay operations and back.
//
// Mutation is serialized with a session mutex rather than a single event
// loop: frames arrive from the gateway's read loop, transcripts and audio
// arrive from relay reader goroutines, and replies arrive from the bus
// subscriber, but only one of them touches session state at a time.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearth-os/hearth-voice/pkg/voice/protocol"
	"github.com/hearth-os/hearth-voice/pkg/voice/stt"
	"github.com/hearth-os/hearth-voice/pkg/voice/tts"
)

// Conn is the browser-facing socket surface the session writes to. It is
// satisfied by *websocket.Conn.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// STTRelay is one outbound transcription connection.
type STTRelay interface {
	Connect(ctx context.Context) error
	Send(chunk []byte) error
	Results() <-chan protocol.Transcript
	Errors() <-chan error
	Done() <-chan struct{}
	Close() error
}

// TTSRelay is one outbound synthesis connection serving a single reply
// turn.
type TTSRelay interface {
	Connect(ctx context.Context) error
	Synthesize(text string, flush bool) error
	Flush() error
	Audio() <-chan []byte
	Completed() <-chan struct{}
	Errors() <-chan error
	Done() <-chan struct{}
	Close() error
}

type STTFactory func(cfg stt.Config) STTRelay

type TTSFactory func(cfg tts.Config) TTSRelay

// Observer carries optional counters for externally visible session
// events. Nil fields are skipped; callbacks must not block.
type Observer struct {
	TranscriptForwarded func(final bool)
	UtteranceCompleted  func(text string)
	SynthesisRequested  func()
	SynthesisFailed     func()
	AudioSynthesized    func(n int)
	STTReconnect        func(attempt int)
	STTFailed           func()
}

// Config is the immutable per-session voice configuration, sourced by the
// deployment at session creation.
type Config struct {
	DeepgramAPIKey string
	STTModel       string
	STTLanguage    string

	CartesiaAPIKey string
	TTSVoiceID     string
	TTSModelID     string

	KeepAliveInterval time.Duration
	// FlushDelay separates the final text send from the flush signal so
	// the text lands on the wire first.
	FlushDelay   time.Duration
	WriteTimeout time.Duration

	STTBaseURL string
	TTSBaseURL string
}

// Dependencies wires a Session. Conn and ID are required.
type Dependencies struct {
	Conn   Conn
	ID     string
	Config Config
	Logger *slog.Logger

	// OnTranscript is the sole hand-off point to the reasoning daemon,
	// invoked exactly once per completed utterance.
	OnTranscript func(sessionID, text string)
	// OnClose fires once when the session is torn down.
	OnClose func(sessionID string)

	NewSTT STTFactory
	NewTTS TTSFactory

	Observer Observer
}

type Session struct {
	conn   Conn
	id     string
	cfg    Config
	logger *slog.Logger

	onTranscript func(sessionID, text string)
	onClose      func(sessionID string)
	newSTT       STTFactory
	newTTS       TTSFactory
	obs          Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	state              State
	sttRelay           STTRelay
	ttsRelay           TTSRelay
	receivedTranscript bool
	lastActivity       time.Time
	flushTimer         *time.Timer
	closed             bool

	keepaliveStop chan struct{}

	writeMu sync.Mutex
}

func New(deps Dependencies) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.KeepAliveInterval <= 0 {
		deps.Config.KeepAliveInterval = 30 * time.Second
	}
	if deps.Config.FlushDelay <= 0 {
		deps.Config.FlushDelay = 150 * time.Millisecond
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.OnTranscript == nil {
		deps.OnTranscript = func(string, string) {}
	}
	if deps.OnClose == nil {
		deps.OnClose = func(string) {}
	}
	if deps.NewSTT == nil {
		deps.NewSTT = func(cfg stt.Config) STTRelay { return stt.New(cfg) }
	}
	if deps.NewTTS == nil {
		deps.NewTTS = func(cfg tts.Config) TTSRelay { return tts.New(cfg) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:          deps.Conn,
		id:            deps.ID,
		cfg:           deps.Config,
		logger:        deps.Logger.With("session_id", deps.ID),
		onTranscript:  deps.OnTranscript,
		onClose:       deps.OnClose,
		newSTT:        deps.NewSTT,
		newTTS:        deps.NewTTS,
		obs:           deps.Observer,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateIdle,
		lastActivity:  time.Now(),
		keepaliveStop: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// State returns the current voice state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the browser last sent a frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// setStateLocked is a pure guard: illegal non-idle targets are rejected
// without changing state. Callers hold s.mu and decide their own fallback
// from the boolean result.
func (s *Session) setStateLocked(target State) bool {
	if !canTransition(s.state, target) {
		return false
	}
	if s.state != target {
		s.logger.Debug("state transition", "from", s.state.String(), "to", target.String())
	}
	s.state = target
	return true
}

// Start begins the keep-alive loop. The gateway calls it once after the
// connected acknowledgement is sent.
func (s *Session) Start() {
	go s.keepaliveLoop()
}

// SendConnected writes the connected acknowledgement carrying the session
// ID. It is the first frame on the wire after the upgrade.
func (s *Session) SendConnected() {
	s.sendControl(protocol.NewConnected(s.id))
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// A dead write is the only dead-peer signal used;
				// there is no pong tracking.
				s.logger.Debug("keepalive ping failed, closing session", "error", err)
				s.Close()
				return
			}
		}
	}
}

// HandleBinary forwards one microphone audio frame to the STT relay.
// Frames outside a listening window are dropped so backend usage is never
// wasted on audio nobody asked to transcribe.
func (s *Session) HandleBinary(data []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	var relay STTRelay
	if s.state == StateListening {
		relay = s.sttRelay
	}
	s.mu.Unlock()

	if relay == nil {
		s.logger.Debug("dropping audio frame outside listening window")
		return
	}
	if err := relay.Send(data); err != nil {
		s.logger.Debug("stt send failed", "error", err)
	}
}

// HandleText parses and dispatches one control frame. Malformed payloads
// and unknown types are logged and ignored; they never tear the session
// down.
func (s *Session) HandleText(data []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.logger.Warn("ignoring control frame", "error", err)
		return
	}

	switch msg.(type) {
	case protocol.ClientStartListening:
		s.startListening()
	case protocol.ClientStopListening:
		s.stopListening()
	case protocol.ClientCancel:
		s.cancelTurn()
	}
}

func (s *Session) startListening() {
	if s.cfg.DeepgramAPIKey == "" {
		s.sendControl(protocol.NewError("Deepgram API key not configured"))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// A turn already in flight keeps its upstream sockets; dialing a
	// relay here would leave it connected with nothing feeding it.
	// Restarting an open listening window is allowed and replaces the
	// relay.
	if s.state != StateIdle && s.state != StateListening {
		s.logger.Debug("start-listening ignored", "state", s.state.String())
		s.mu.Unlock()
		return
	}
	prev := s.sttRelay
	s.sttRelay = nil
	s.receivedTranscript = false
	relay := s.newSTT(stt.Config{
		APIKey:      s.cfg.DeepgramAPIKey,
		Model:       s.cfg.STTModel,
		Language:    s.cfg.STTLanguage,
		BaseURL:     s.cfg.STTBaseURL,
		Logger:      s.logger,
		OnReconnect: s.obs.STTReconnect,
	})
	s.sttRelay = relay
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	if err := relay.Connect(s.ctx); err != nil {
		s.logger.Warn("stt connect failed", "error", err)
		s.sendControl(protocol.NewError("speech recognition unavailable"))
		s.mu.Lock()
		if s.sttRelay == relay {
			s.sttRelay = nil
		}
		s.mu.Unlock()
		relay.Close()
		return
	}
	go s.consumeSTT(relay)

	s.mu.Lock()
	// On a restart the state is already listening and the guard above
	// vouched for the transition; setStateLocked is a no-op then.
	s.setStateLocked(StateListening)
	s.mu.Unlock()
}

func (s *Session) stopListening() {
	s.mu.Lock()
	if s.state != StateListening {
		s.logger.Debug("stop-listening outside listening window", "state", s.state.String())
		s.mu.Unlock()
		return
	}
	relay := s.sttRelay
	s.sttRelay = nil
	if s.receivedTranscript {
		// A complete utterance was heard; a reply is expected.
		s.setStateLocked(StateProcessing)
	} else {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()

	if relay != nil {
		relay.Close()
	}
}

func (s *Session) cancelTurn() {
	s.mu.Lock()
	sttRelay := s.sttRelay
	ttsRelay := s.ttsRelay
	s.sttRelay = nil
	s.ttsRelay = nil
	s.receivedTranscript = false
	s.stopFlushTimerLocked()
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if sttRelay != nil {
		sttRelay.Close()
	}
	if ttsRelay != nil {
		ttsRelay.Close()
	}
}

func (s *Session) consumeSTT(relay STTRelay) {
	for {
		select {
		case t := <-relay.Results():
			s.handleTranscript(t)
		case err := <-relay.Errors():
			s.handleSTTError(err)
		case <-relay.Done():
			// Drain transcripts and errors that were already in flight
			// when the relay closed; a late speechFinal is tolerated
			// rather than dropped, and a terminal error delivered
			// just before done still reaches the client.
			for {
				select {
				case t := <-relay.Results():
					s.handleTranscript(t)
				case err := <-relay.Errors():
					s.handleSTTError(err)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) handleSTTError(err error) {
	if err == nil {
		return
	}
	s.logger.Warn("stt relay error", "error", err)
	if errors.Is(err, stt.ErrRetriesExhausted) && s.obs.STTFailed != nil {
		s.obs.STTFailed()
	}
	s.sendControl(protocol.NewError("speech recognition failed"))
}

// handleTranscript forwards every transcript to the browser for live
// captioning. Only an end-of-utterance transcript hands the turn to the
// reasoning daemon and moves the session to processing.
func (s *Session) handleTranscript(t protocol.Transcript) {
	s.sendControl(protocol.NewTranscriptMessage(t))
	if s.obs.TranscriptForwarded != nil {
		s.obs.TranscriptForwarded(t.IsFinal)
	}

	if !t.SpeechFinal {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.receivedTranscript = true
	if !s.setStateLocked(StateProcessing) {
		// Late end-of-utterance after the window already closed; the
		// hand-off still happens, the state stays put.
		s.logger.Debug("speech-final transcript after listening window", "state", s.state.String())
	}
	s.mu.Unlock()

	if s.obs.UtteranceCompleted != nil {
		s.obs.UtteranceCompleted(t.Text)
	}
	s.onTranscript(s.id, t.Text)
}

// Speak feeds reply text into the TTS relay, creating one lazily for this
// turn. isFinal schedules the delayed flush that ends the turn.
func (s *Session) Speak(text string, isFinal bool) {
	if s.cfg.CartesiaAPIKey == "" {
		s.sendControl(protocol.NewError("Cartesia API key not configured"))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	relay := s.ttsRelay
	fresh := false
	if relay == nil {
		relay = s.newTTS(tts.Config{
			APIKey:  s.cfg.CartesiaAPIKey,
			VoiceID: s.cfg.TTSVoiceID,
			ModelID: s.cfg.TTSModelID,
			BaseURL: s.cfg.TTSBaseURL,
			Logger:  s.logger,
		})
		s.ttsRelay = relay
		fresh = true
	}
	s.mu.Unlock()

	if fresh {
		if err := relay.Connect(s.ctx); err != nil {
			s.logger.Warn("tts connect failed", "error", err)
			s.sendControl(protocol.NewError("speech synthesis unavailable"))
			s.mu.Lock()
			if s.ttsRelay == relay {
				s.ttsRelay = nil
			}
			s.mu.Unlock()
			relay.Close()
			return
		}
		go s.consumeTTS(relay)
	}

	if err := relay.Synthesize(text, false); err != nil {
		s.logger.Warn("tts synthesize failed", "error", err)
		return
	}
	if s.obs.SynthesisRequested != nil {
		s.obs.SynthesisRequested()
	}

	if isFinal {
		s.mu.Lock()
		s.stopFlushTimerLocked()
		s.flushTimer = time.AfterFunc(s.cfg.FlushDelay, func() {
			if err := relay.Flush(); err != nil {
				s.logger.Debug("tts flush failed", "error", err)
			}
		})
		s.mu.Unlock()
	}
}

func (s *Session) consumeTTS(relay TTSRelay) {
	firstChunk := true
	for {
		select {
		case chunk := <-relay.Audio():
			if firstChunk {
				firstChunk = false
				s.mu.Lock()
				if s.state == StateProcessing {
					s.setStateLocked(StateSpeaking)
				}
				s.mu.Unlock()
			}
			if s.obs.AudioSynthesized != nil {
				s.obs.AudioSynthesized(len(chunk))
			}
			s.sendBinary(chunk)

		case <-relay.Completed():
			s.drainTTSAudio(relay, &firstChunk)
			s.sendControl(protocol.NewTTSDone())
			s.detachTTS(relay)
			relay.Close()
			return

		case err := <-relay.Errors():
			if err != nil {
				s.logger.Warn("tts relay error", "error", err)
				if s.obs.SynthesisFailed != nil {
					s.obs.SynthesisFailed()
				}
				s.sendControl(protocol.NewError("speech synthesis failed"))
			}
			s.detachTTS(relay)
			relay.Close()
			return

		case <-relay.Done():
			s.drainTTSAudio(relay, &firstChunk)
			s.detachTTS(relay)
			return
		}
	}
}

// drainTTSAudio flushes chunks that were already buffered when the relay
// finished, so the reply's tail is not cut off.
func (s *Session) drainTTSAudio(relay TTSRelay, firstChunk *bool) {
	for {
		select {
		case chunk := <-relay.Audio():
			if *firstChunk {
				*firstChunk = false
				s.mu.Lock()
				if s.state == StateProcessing {
					s.setStateLocked(StateSpeaking)
				}
				s.mu.Unlock()
			}
			if s.obs.AudioSynthesized != nil {
				s.obs.AudioSynthesized(len(chunk))
			}
			s.sendBinary(chunk)
		default:
			return
		}
	}
}

// detachTTS resets the session to idle at the end of a reply turn. One
// relay instance serves exactly one turn; it is not kept warm.
func (s *Session) detachTTS(relay TTSRelay) {
	s.mu.Lock()
	s.stopFlushTimerLocked()
	if s.ttsRelay == relay {
		s.ttsRelay = nil
	}
	if !s.closed {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()
}

func (s *Session) stopFlushTimerLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

func (s *Session) sendControl(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode control message", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("control write failed", "error", err)
	}
}

func (s *Session) sendBinary(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.logger.Debug("audio write failed", "error", err)
	}
}

// Close tears the session down: keep-alive and flush timers are canceled,
// both relays are closed, and the socket is closed with a normal-closure
// code. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.keepaliveStop)
	s.stopFlushTimerLocked()
	sttRelay := s.sttRelay
	ttsRelay := s.ttsRelay
	s.sttRelay = nil
	s.ttsRelay = nil
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	s.cancel()
	if sttRelay != nil {
		sttRelay.Close()
	}
	if ttsRelay != nil {
		ttsRelay.Close()
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.conn.Close()

	s.onClose(s.id)
}
