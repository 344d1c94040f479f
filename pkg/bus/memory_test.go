package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryBus_ReplyDelivery(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	got := make(chan Reply, 1)
	stop, err := b.SubscribeReplies(context.Background(), func(r Reply) { got <- r })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	want := Reply{SessionID: "s1", Text: "the lights are on", IsFinal: true}
	if err := b.PublishReply(context.Background(), want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case r := <-got:
		if r != want {
			t.Fatalf("reply=%+v, want %+v", r, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("reply not delivered")
	}
}

func TestMemoryBus_PreservesPublishOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	const n = 20
	got := make(chan string, n)
	stop, err := b.SubscribeReplies(context.Background(), func(r Reply) { got <- r.Text })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	for i := 0; i < n; i++ {
		r := Reply{SessionID: "s1", Text: fmt.Sprintf("%02d", i), IsFinal: i == n-1}
		if err := b.PublishReply(context.Background(), r); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		want := fmt.Sprintf("%02d", i)
		select {
		case text := <-got:
			if text != want {
				t.Fatalf("delivery %d = %q, want %q", i, text, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
}

func TestMemoryBus_StopUnsubscribes(t *testing.T) {
	b := NewMemorySynchronous()
	defer b.Close()

	var delivered int
	stop, err := b.SubscribeUtterances(context.Background(), func(Utterance) { delivered++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.PublishUtterance(context.Background(), Utterance{SessionID: "s1", Text: "hello"})
	stop()
	b.PublishUtterance(context.Background(), Utterance{SessionID: "s1", Text: "ignored"})

	if delivered != 1 {
		t.Fatalf("delivered=%d, want 1", delivered)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	b := NewMemorySynchronous()
	defer b.Close()

	var a, c int
	stopA, _ := b.SubscribeReplies(context.Background(), func(Reply) { a++ })
	defer stopA()
	stopC, _ := b.SubscribeReplies(context.Background(), func(Reply) { c++ })
	defer stopC()

	b.PublishReply(context.Background(), Reply{SessionID: "s1", Text: "x"})

	if a != 1 || c != 1 {
		t.Fatalf("deliveries a=%d c=%d, want 1 each", a, c)
	}
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	b := NewMemory()
	received := make(chan struct{}, 1)
	b.SubscribeReplies(context.Background(), func(Reply) { received <- struct{}{} })
	b.Close()

	if err := b.PublishReply(context.Background(), Reply{SessionID: "s1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	select {
	case <-received:
		t.Fatalf("no delivery after close")
	case <-time.After(50 * time.Millisecond):
	}
}
