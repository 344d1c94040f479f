// Package gateway accepts voice WebSocket connections, owns the session
// table, and routes assistant replies from the bus back to the session
// that asked.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearth-os/hearth-voice/pkg/bus"
	"github.com/hearth-os/hearth-voice/pkg/gateway/auth"
	"github.com/hearth-os/hearth-voice/pkg/gateway/lifecycle"
	"github.com/hearth-os/hearth-voice/pkg/gateway/metrics"
	"github.com/hearth-os/hearth-voice/pkg/voice/session"
)

// TurnRecorder persists conversation turns. Recording is best-effort;
// failures are logged and never disturb the live session.
type TurnRecorder interface {
	RecordUtterance(ctx context.Context, sessionID, text string) error
	RecordReply(ctx context.Context, sessionID, text string) error
}

// Dependencies wires a Gateway. Bus is required; the rest may be nil.
type Dependencies struct {
	Logger    *slog.Logger
	Auth      *auth.Authenticator
	Bus       bus.Bus
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
	Recorder  TurnRecorder

	// Session carries the per-session voice configuration handed to
	// every new connection.
	Session session.Config

	// MaxFrameBytes bounds a single inbound frame. Zero means the
	// default of 1 MiB.
	MaxFrameBytes int64

	// NewSTT and NewTTS override the relay factories in tests.
	NewSTT session.STTFactory
	NewTTS session.TTSFactory
}

// Gateway is the WebSocket front door for voice clients.
type Gateway struct {
	logger        *slog.Logger
	authn         *auth.Authenticator
	bus           bus.Bus
	lc            *lifecycle.Lifecycle
	metrics       *metrics.Metrics
	recorder      TurnRecorder
	sessionCfg    session.Config
	maxFrameBytes int64
	newSTT        session.STTFactory
	newTTS        session.TTSFactory

	upgrader websocket.Upgrader
	sessions *tracker

	mu          sync.Mutex
	stopReplies func()
	stopped     bool
}

func New(deps Dependencies) *Gateway {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxFrameBytes <= 0 {
		deps.MaxFrameBytes = 1 << 20
	}
	return &Gateway{
		logger:        deps.Logger,
		authn:         deps.Auth,
		bus:           deps.Bus,
		lc:            deps.Lifecycle,
		metrics:       deps.Metrics,
		recorder:      deps.Recorder,
		sessionCfg:    deps.Session,
		maxFrameBytes: deps.MaxFrameBytes,
		newSTT:        deps.NewSTT,
		newTTS:        deps.NewTTS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client lives on the LAN and sends whatever
			// origin the home server is reached under.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: newTracker(),
	}
}

// Start subscribes to the reply stream. Call once before serving.
func (g *Gateway) Start(ctx context.Context) error {
	stop, err := g.bus.SubscribeReplies(ctx, g.routeReply)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.stopReplies = stop
	g.mu.Unlock()
	return nil
}

// SessionCount reports the number of live sessions.
func (g *Gateway) SessionCount() int {
	return g.sessions.len()
}

// ServeHTTP authenticates and upgrades one voice connection, then runs
// its read loop until the socket dies.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.lc.IsDraining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var responseHeader http.Header
	if g.authn != nil {
		result, err := g.authn.Authenticate(r)
		switch {
		case err == nil:
			if result.Subprotocol != "" {
				responseHeader = http.Header{}
				responseHeader.Set("Sec-WebSocket-Protocol", result.Subprotocol)
			}
		case errors.Is(err, auth.ErrUnauthorized):
			if g.metrics != nil {
				g.metrics.AuthRejections.WithLabelValues("unauthorized").Inc()
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		default:
			g.logger.Error("auth verification failed", "error", err)
			if g.metrics != nil {
				g.metrics.AuthRejections.WithLabelValues("verifier_error").Inc()
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	logger := g.logger.With("session_id", id, "remote", r.RemoteAddr)
	logger.Info("voice session connected")

	sess := session.New(session.Dependencies{
		Conn:         conn,
		ID:           id,
		Config:       g.sessionCfg,
		Logger:       g.logger,
		OnTranscript: g.handleUtterance,
		OnClose: func(sessionID string) {
			g.sessions.remove(sessionID)
			if g.metrics != nil {
				g.metrics.ActiveSessions.Dec()
				g.metrics.SessionsClosed.Inc()
			}
			logger.Info("voice session closed")
		},
		NewSTT:   g.newSTT,
		NewTTS:   g.newTTS,
		Observer: g.observer(),
	})
	g.sessions.add(sess)
	if g.metrics != nil {
		g.metrics.ActiveSessions.Inc()
		g.metrics.SessionsStarted.Inc()
	}

	sess.SendConnected()
	sess.Start()

	g.readLoop(conn, sess, logger)
}

func (g *Gateway) readLoop(conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	conn.SetReadLimit(g.maxFrameBytes)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read loop ended", "error", err)
			}
			sess.Close()
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if g.metrics != nil {
				g.metrics.AudioBytesIn.Add(float64(len(data)))
			}
			sess.HandleBinary(data)
		case websocket.TextMessage:
			sess.HandleText(data)
		}
	}
}

// handleUtterance publishes a completed utterance for the reasoning
// daemon and records it.
func (g *Gateway) handleUtterance(sessionID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.bus.PublishUtterance(ctx, bus.Utterance{SessionID: sessionID, Text: text}); err != nil {
		g.logger.Error("publish utterance", "session_id", sessionID, "error", err)
	}
	if g.recorder != nil {
		if err := g.recorder.RecordUtterance(ctx, sessionID, text); err != nil {
			g.logger.Warn("record utterance", "session_id", sessionID, "error", err)
		}
	}
}

// routeReply hands one assistant reply to the session that owns it.
// Replies for sessions held by another gateway process land here too;
// those are dropped quietly.
func (g *Gateway) routeReply(r bus.Reply) {
	sess, ok := g.sessions.get(r.SessionID)
	if !ok {
		g.logger.Debug("reply for unknown session", "session_id", r.SessionID)
		if g.metrics != nil {
			g.metrics.RepliesDropped.Inc()
		}
		return
	}
	if g.metrics != nil {
		g.metrics.RepliesRouted.Inc()
	}
	sess.Speak(r.Text, r.IsFinal)

	if r.IsFinal && g.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.recorder.RecordReply(ctx, r.SessionID, r.Text); err != nil {
			g.logger.Warn("record reply", "session_id", r.SessionID, "error", err)
		}
	}
}

func (g *Gateway) observer() session.Observer {
	if g.metrics == nil {
		return session.Observer{}
	}
	m := g.metrics
	return session.Observer{
		TranscriptForwarded: func(final bool) {
			if final {
				m.Transcripts.WithLabelValues("true").Inc()
			} else {
				m.Transcripts.WithLabelValues("false").Inc()
			}
		},
		UtteranceCompleted: func(text string) {
			m.UtteranceLength.Observe(float64(len(text)))
		},
		SynthesisRequested: func() { m.SynthesisRequests.Inc() },
		SynthesisFailed:    func() { m.SynthesisFailures.Inc() },
		AudioSynthesized:   func(n int) { m.AudioBytesOut.Add(float64(n)) },
		STTReconnect:       func(int) { m.STTReconnects.Inc() },
		STTFailed:          func() { m.STTFailures.Inc() },
	}
}

// Stop unsubscribes from the reply stream and closes every live session.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	stop := g.stopReplies
	g.stopReplies = nil
	g.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, s := range g.sessions.drain() {
		s.Close()
	}
}
