package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeClientMessage_KnownTypes(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"start-listening"}`))
	if err != nil {
		t.Fatalf("decode start-listening: %v", err)
	}
	if _, ok := msg.(ClientStartListening); !ok {
		t.Fatalf("got %T, want ClientStartListening", msg)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"stop-listening"}`))
	if err != nil {
		t.Fatalf("decode stop-listening: %v", err)
	}
	if _, ok := msg.(ClientStopListening); !ok {
		t.Fatalf("got %T, want ClientStopListening", msg)
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"cancel"}`))
	if err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if _, ok := msg.(ClientCancel); !ok {
		t.Fatalf("got %T, want ClientCancel", msg)
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"reboot"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err=%v, want ErrUnknownType", err)
	}
}

func TestDecodeClientMessage_Malformed(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
	if _, err := DecodeClientMessage([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"  "}`)); err == nil {
		t.Fatalf("expected error for blank type")
	}
}

func TestServerMessages_WireKeys(t *testing.T) {
	data, err := json.Marshal(NewConnected("sess-1"))
	if err != nil {
		t.Fatalf("marshal connected: %v", err)
	}
	if !strings.Contains(string(data), `"sessionId":"sess-1"`) {
		t.Fatalf("connected payload %s missing camelCase sessionId", data)
	}

	tr := Transcript{Text: "hi there", IsFinal: true, Confidence: 0.97, Timestamp: time.Now()}
	data, err = json.Marshal(NewTranscriptMessage(tr))
	if err != nil {
		t.Fatalf("marshal transcript: %v", err)
	}
	for _, want := range []string{`"type":"transcript"`, `"text":"hi there"`, `"isFinal":true`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("transcript payload %s missing %s", data, want)
		}
	}

	data, err = json.Marshal(NewTTSDone())
	if err != nil {
		t.Fatalf("marshal tts-done: %v", err)
	}
	if !strings.Contains(string(data), `"type":"tts-done"`) {
		t.Fatalf("tts-done payload %s has wrong type", data)
	}
}
