// Package protocol defines the control messages exchanged with browser
// clients over the voice WebSocket, and the transcript values produced by
// the speech-to-text relay. Control frames are JSON tagged unions
// discriminated by a "type" field; audio travels as raw binary frames and
// never appears here.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// Client -> gateway.
	TypeStartListening = "start-listening"
	TypeStopListening  = "stop-listening"
	TypeCancel         = "cancel"

	// Gateway -> client.
	TypeConnected  = "connected"
	TypeTranscript = "transcript"
	TypeError      = "error"
	TypeTTSDone    = "tts-done"
)

// DecodeError describes a client frame the gateway refuses to act on.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badFrame(message string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message}
}

// ErrUnknownType is returned for frames whose type is well-formed but not
// part of the inbound set. Callers log and drop these rather than closing
// the connection.
var ErrUnknownType = &DecodeError{Code: "unknown_type", Message: "unknown message type"}

// ClientStartListening opens a listening window.
type ClientStartListening struct {
	Type string `json:"type"`
}

// ClientStopListening ends the current listening window.
type ClientStopListening struct {
	Type string `json:"type"`
}

// ClientCancel abandons any in-flight recognition and resets the session.
type ClientCancel struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one inbound text frame into its typed variant.
// Unknown types return ErrUnknownType; malformed JSON returns a DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type")
	}

	switch typ {
	case TypeStartListening:
		return ClientStartListening{Type: typ}, nil
	case TypeStopListening:
		return ClientStopListening{Type: typ}, nil
	case TypeCancel:
		return ClientCancel{Type: typ}, nil
	default:
		return nil, ErrUnknownType
	}
}

// ServerConnected acknowledges an authenticated upgrade and carries the
// session id the client should use in logs and support requests.
type ServerConnected struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ServerTranscript forwards one interim or final transcript for live
// captioning.
type ServerTranscript struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
}

// ServerError reports a recoverable session error to the client.
type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerTTSDone signals that the current reply's audio has finished.
type ServerTTSDone struct {
	Type string `json:"type"`
}

func NewConnected(sessionID string) ServerConnected {
	return ServerConnected{Type: TypeConnected, SessionID: sessionID}
}

func NewTranscriptMessage(t Transcript) ServerTranscript {
	return ServerTranscript{
		Type:       TypeTranscript,
		Text:       t.Text,
		IsFinal:    t.IsFinal,
		Confidence: t.Confidence,
	}
}

func NewError(message string) ServerError {
	return ServerError{Type: TypeError, Message: message}
}

func NewTTSDone() ServerTTSDone {
	return ServerTTSDone{Type: TypeTTSDone}
}

// Transcript is one recognition result from the STT relay.
//
// IsFinal marks a finalized transcript segment; several of those can occur
// inside a single user turn. SpeechFinal marks the end of one complete
// spoken utterance and is the only signal that hands a turn to the
// reasoning daemon.
type Transcript struct {
	Text        string
	IsFinal     bool
	Confidence  float64
	SpeechFinal bool
	Timestamp   time.Time
}
