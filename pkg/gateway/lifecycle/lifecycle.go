package lifecycle

import "sync/atomic"

// Lifecycle tracks whether the process is draining. While draining the
// gateway refuses new voice connections so a restart can finish the
// sessions it already holds.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
