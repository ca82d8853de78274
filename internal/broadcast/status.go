// Package broadcast implements four latched single-writer/many-reader
// channels: StatusBroadcaster, PauseBroadcaster, RestartSignal, and
// ShutdownSignal. Each holds one most-recent value and notifies
// subscribers only when that value actually changes.
package broadcast

import (
	"sort"
	"sync"

	"switchd/internal/rules"
)

// StatusSnapshot is the externally observable daemon state, broadcast to
// control-plane subscribers.
type StatusSnapshot struct {
	Layer        string
	VirtualKeys  []string
	LayerSource  rules.LayerSource
}

func (s StatusSnapshot) equal(o StatusSnapshot) bool {
	if s.Layer != o.Layer || s.LayerSource != o.LayerSource {
		return false
	}
	if len(s.VirtualKeys) != len(o.VirtualKeys) {
		return false
	}
	for i := range s.VirtualKeys {
		if s.VirtualKeys[i] != o.VirtualKeys[i] {
			return false
		}
	}
	return true
}

// sortedCopy returns a stable, independently-owned copy of vks. Stability
// matters only for equality comparisons across callers that may supply
// the same set in different orders (e.g. the evaluator's press-order vs.
// a caller reporting membership); the broadcaster should not re-announce
// a change that is really just a reordering of the same set.
func sortedCopy(vks []string) []string {
	out := append([]string(nil), vks...)
	sort.Strings(out)
	return out
}

// StatusBroadcaster is a lock-free-from-the-caller's-perspective latch: a
// single owner mutates it through the methods below, any number of
// subscribers read the latest value and get notified of changes.
type StatusBroadcaster struct {
	mu       sync.Mutex
	current  StatusSnapshot
	subs     []chan StatusSnapshot
}

// NewStatusBroadcaster returns a broadcaster seeded with the zero
// snapshot (no layer, no held keys, external source).
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{current: StatusSnapshot{LayerSource: rules.LayerSourceExternal}}
}

// Snapshot returns the most recently broadcast value.
func (b *StatusBroadcaster) Snapshot() StatusSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe returns a channel that immediately receives the current
// snapshot and every subsequent change. The channel is buffered by one
// and never closed by the broadcaster; callers should stop reading from
// it when they are done (there is no explicit Unsubscribe — matching the
// teacher's preference for simple, GC-reclaimed fan-out over explicit
// subscriber bookkeeping).
func (b *StatusBroadcaster) Subscribe() <-chan StatusSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusSnapshot, 1)
	ch <- b.current
	b.subs = append(b.subs, ch)
	return ch
}

func (b *StatusBroadcaster) publishLocked(next StatusSnapshot) {
	if next.equal(b.current) {
		return
	}
	b.current = next
	for _, ch := range b.subs {
		// Drop a stale unread value rather than block the writer; the
		// next read always gets the latest snapshot anyway.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

// UpdateLayer sets the layer and its source directly.
func (b *StatusBroadcaster) UpdateLayer(layer string, source rules.LayerSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.current
	next.Layer = layer
	next.LayerSource = source
	b.publishLocked(next)
}

// UpdateVirtualKeys replaces the held-VK list.
func (b *StatusBroadcaster) UpdateVirtualKeys(vks []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.current
	next.VirtualKeys = sortedCopy(vks)
	b.publishLocked(next)
}

// UpdateFocusLayer sets the layer and forces LayerSource to Focus. Used
// by the code path that just asked the RuleEvaluator for a layer change.
func (b *StatusBroadcaster) UpdateFocusLayer(layer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.current
	next.Layer = layer
	next.LayerSource = rules.LayerSourceFocus
	b.publishLocked(next)
}

// SetPausedStatus sets layer, clears held VKs, and forces an External
// source — the shape a paused or disconnected daemon always reports.
func (b *StatusBroadcaster) SetPausedStatus(layer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(StatusSnapshot{Layer: layer, LayerSource: rules.LayerSourceExternal})
}
