package gateway

import (
	"sync"

	"github.com/hearth-os/hearth-voice/pkg/voice/session"
)

// tracker is the in-process session table. Reply routing looks sessions
// up by ID; shutdown walks the table to close everything.
type tracker struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newTracker() *tracker {
	return &tracker{sessions: make(map[string]*session.Session)}
}

func (t *tracker) add(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID()] = s
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *tracker) get(id string) (*session.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// drain snapshots and empties the table so each session can be closed
// without holding the tracker lock.
func (t *tracker) drain() []*session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*session.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.sessions = make(map[string]*session.Session)
	return out
}
