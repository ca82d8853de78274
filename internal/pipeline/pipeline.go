// Package pipeline is the single chokepoint that turns a WindowInfo into
// engine commands: RuleEvaluator.Handle followed by executing the
// resulting FocusActions against the EngineClient. Every producer of
// focus events — a FocusSource's Run loop, the control plane's
// WindowFocus ingress, the session activity monitor's native-terminal
// synthesis, and the unpause "apply focus for env" step — funnels
// through the same Pipeline so concurrent focus events cannot interleave
// their engine commands.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"switchd/internal/broadcast"
	"switchd/internal/engine"
	"switchd/internal/logging"
	"switchd/internal/rules"
)

// Pipeline serializes focus handling: the RuleEvaluator mutex is taken
// first (inside Handle), then the EngineClient mutex for each emitted
// action, matching the lock order required between concurrent focus
// events.
type Pipeline struct {
	mu sync.Mutex

	evaluator *rules.Evaluator
	client    *engine.Client
	status    *broadcast.StatusBroadcaster
	log       *slog.Logger

	defaultLayer string
}

// New constructs a Pipeline. defaultLayer is the configured fallback
// layer handed to every Handle call.
func New(evaluator *rules.Evaluator, client *engine.Client, status *broadcast.StatusBroadcaster, defaultLayer string, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		evaluator:    evaluator,
		client:       client,
		status:       status,
		defaultLayer: defaultLayer,
		log:          log.With("component", "pipeline"),
	}
}

// HandleFocus implements the FocusHandler contract consumed by the
// control plane's WindowFocus method and by every FocusSource consumer.
func (p *Pipeline) HandleFocus(window rules.WindowInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	actions := p.evaluator.Handle(window, p.defaultLayer)
	p.executeLocked(actions)
}

// executeLocked sends every FocusAction to the engine in order, updating
// the status broadcaster optimistically before each layer write so a
// subscriber's view of the current layer never trails the write that
// produced it.
func (p *Pipeline) executeLocked(actions *rules.FocusActions) {
	if actions == nil {
		return
	}
	for _, a := range actions.Actions {
		switch a.Kind {
		case rules.ActionReleaseVk:
			ok := p.client.ActOnFakeKey(a.Name, rules.VkRelease)
			logging.AuditFocusAction(context.Background(), "release_vk", a.Name, ok)
		case rules.ActionChangeLayer:
			p.status.UpdateFocusLayer(a.Name)
			ok := p.client.ChangeLayer(a.Name)
			logging.AuditFocusAction(context.Background(), "change_layer", a.Name, ok)
		case rules.ActionPressVk:
			ok := p.client.ActOnFakeKey(a.Name, rules.VkPress)
			logging.AuditFocusAction(context.Background(), "press_vk", a.Name, ok)
		case rules.ActionRawVkAction:
			ok := p.client.ActOnFakeKey(a.Name, a.RawAction)
			logging.AuditFocusAction(context.Background(), "raw_vk_action", a.Name, ok)
		default:
			p.log.Warn("unknown focus action kind, dropping", "kind", a.Kind)
		}
	}
	p.status.UpdateVirtualKeys(actions.ManagedVks)
}

// CurrentVirtualKeys reports the evaluator's held-VK set, used by the
// pause sequence to know what to release before disconnecting.
func (p *Pipeline) CurrentVirtualKeys() []string {
	return p.evaluator.CurrentVirtualKeys()
}

// ResetEvaluator clears matching state without touching the engine. Used
// by the pause sequence after snapshotting held VKs.
func (p *Pipeline) ResetEvaluator() {
	p.evaluator.Reset()
}

// ApplyFocusForEnv runs a freshly queried window through the pipeline.
// Used on startup and by unpause, after the caller re-queries the
// current FocusSource.
func (p *Pipeline) ApplyFocusForEnv(window rules.WindowInfo) {
	p.HandleFocus(window)
}
