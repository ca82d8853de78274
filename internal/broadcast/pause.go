package broadcast

import "sync"

// PauseBroadcaster latches the current pause flag and notifies
// subscribers only on a transition.
type PauseBroadcaster struct {
	mu      sync.Mutex
	paused  bool
	subs    []chan bool
}

func NewPauseBroadcaster() *PauseBroadcaster {
	return &PauseBroadcaster{}
}

// IsPaused returns the current value.
func (b *PauseBroadcaster) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Subscribe returns a channel carrying the current value immediately,
// then every subsequent transition.
func (b *PauseBroadcaster) Subscribe() <-chan bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan bool, 1)
	ch <- b.paused
	b.subs = append(b.subs, ch)
	return ch
}

// SetPaused updates the flag and reports whether it actually changed.
// Callers in the pause/unpause coordination path must only run their
// side effects when this returns true.
func (b *PauseBroadcaster) SetPaused(paused bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if paused == b.paused {
		return false
	}
	b.paused = paused
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- paused
	}
	return true
}
