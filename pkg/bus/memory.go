package bus

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// MemoryBus is an in-process Bus for single-process deployments and
// tests. Each subscriber owns a buffered queue drained by a single
// goroutine, so messages published in sequence are delivered in that
// sequence, matching the per-channel ordering Redis pub/sub gives.
type MemoryBus struct {
	mu          sync.Mutex
	nextID      int
	replySubs   map[int]*replySub
	utterSubs   map[int]*utteranceSub
	closed      bool
	deliverWG   sync.WaitGroup
	synchronous bool
}

type replySub struct {
	fn   func(Reply)
	ch   chan Reply
	stop chan struct{}
}

type utteranceSub struct {
	fn   func(Utterance)
	ch   chan Utterance
	stop chan struct{}
}

func NewMemory() *MemoryBus {
	return &MemoryBus{
		replySubs: make(map[int]*replySub),
		utterSubs: make(map[int]*utteranceSub),
	}
}

// NewMemorySynchronous delivers messages inline on Publish. Tests use it
// to avoid sleeping for asynchronous delivery.
func NewMemorySynchronous() *MemoryBus {
	b := NewMemory()
	b.synchronous = true
	return b
}

func (b *MemoryBus) PublishUtterance(_ context.Context, u Utterance) error {
	b.mu.Lock()
	subs := make([]*utteranceSub, 0, len(b.utterSubs))
	for _, sub := range b.utterSubs {
		subs = append(subs, sub)
	}
	sync := b.synchronous
	b.mu.Unlock()

	for _, sub := range subs {
		if sync {
			sub.fn(u)
			continue
		}
		select {
		case sub.ch <- u:
		case <-sub.stop:
		}
	}
	return nil
}

func (b *MemoryBus) PublishReply(_ context.Context, r Reply) error {
	b.mu.Lock()
	subs := make([]*replySub, 0, len(b.replySubs))
	for _, sub := range b.replySubs {
		subs = append(subs, sub)
	}
	sync := b.synchronous
	b.mu.Unlock()

	for _, sub := range subs {
		if sync {
			sub.fn(r)
			continue
		}
		select {
		case sub.ch <- r:
		case <-sub.stop:
		}
	}
	return nil
}

func (b *MemoryBus) SubscribeReplies(_ context.Context, fn func(Reply)) (func(), error) {
	sub := &replySub{
		fn:   fn,
		ch:   make(chan Reply, subscriberBuffer),
		stop: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.replySubs[id] = sub
	b.mu.Unlock()

	b.deliverWG.Add(1)
	go func() {
		defer b.deliverWG.Done()
		for {
			select {
			case r := <-sub.ch:
				sub.fn(r)
			case <-sub.stop:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		if _, ok := b.replySubs[id]; ok {
			delete(b.replySubs, id)
			close(sub.stop)
		}
		b.mu.Unlock()
	}, nil
}

func (b *MemoryBus) SubscribeUtterances(_ context.Context, fn func(Utterance)) (func(), error) {
	sub := &utteranceSub{
		fn:   fn,
		ch:   make(chan Utterance, subscriberBuffer),
		stop: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.utterSubs[id] = sub
	b.mu.Unlock()

	b.deliverWG.Add(1)
	go func() {
		defer b.deliverWG.Done()
		for {
			select {
			case u := <-sub.ch:
				sub.fn(u)
			case <-sub.stop:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		if _, ok := b.utterSubs[id]; ok {
			delete(b.utterSubs, id)
			close(sub.stop)
		}
		b.mu.Unlock()
	}, nil
}

// Close stops every subscriber and waits for their delivery goroutines.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	for id, sub := range b.replySubs {
		delete(b.replySubs, id)
		close(sub.stop)
	}
	for id, sub := range b.utterSubs {
		delete(b.utterSubs, id)
		close(sub.stop)
	}
	b.mu.Unlock()
	b.deliverWG.Wait()
	return nil
}
