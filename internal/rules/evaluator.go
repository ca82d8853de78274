package rules

import "sync"

// nativeTerminalIndex is the synthetic matched-rule index used when the
// configured native-terminal rule is the thing being evaluated. It can
// never collide with a real rule index (those are always >= 0).
const nativeTerminalIndex = -1

type matchedRule struct {
	index int
	rule  Rule
}

// Evaluator is the pure focus-to-engine-command evaluator: it turns a
// focused window and the configured rule set into the ordered engine
// actions needed to reach the new state from the old one. Handle is its
// only mutator; it is short, CPU-only, and must never be called while
// holding any lock a caller might also need to suspend under.
type Evaluator struct {
	mu sync.Mutex

	config Config

	lastMatchedRuleIndices []int
	lastEffectiveLayer     string
	currentVirtualKeys     []string
}

// NewEvaluator constructs an Evaluator over the given Config. The Config
// is treated as immutable for the lifetime of the Evaluator; load a new
// one and build a fresh Evaluator (or call SetConfig) to pick up edits.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{config: cfg}
}

// SetConfig replaces the rule set and resets matching state, since the
// old lastMatchedRuleIndices would otherwise refer to a rule list that no
// longer exists.
func (e *Evaluator) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
	e.resetLocked()
}

// CurrentVirtualKeys returns the VK names currently held, in press order.
func (e *Evaluator) CurrentVirtualKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.currentVirtualKeys...)
}

// Reset clears last-matched-rule, last-effective-layer, and held-VK
// state, but preserves the configured rules.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Evaluator) resetLocked() {
	e.lastMatchedRuleIndices = nil
	e.lastEffectiveLayer = ""
	e.currentVirtualKeys = nil
}

// Handle processes one focus event and returns the resulting actions, or
// nil if the computed action list is empty.
func (e *Evaluator) Handle(window WindowInfo, defaultLayer string) *FocusActions {
	e.mu.Lock()
	defer e.mu.Unlock()

	if window.IsNativeTerminal {
		if nt := e.config.NativeTerminalRule; nt != nil {
			// on_native_terminal carries the layer to switch to, the way
			// a matcher rule's Layer field would; it is enforced at
			// Config-construction time to be the only "identity" field
			// this rule shape carries.
			effective := Rule{Layer: nt.OnNativeTerminal, VirtualKey: nt.VirtualKey, RawVkActions: nt.RawVkActions}
			return e.applyMatchedLocked([]matchedRule{{index: nativeTerminalIndex, rule: effective}}, defaultLayer)
		}
		return e.applyMatchedLocked(nil, defaultLayer)
	}

	if window.Class == "" && window.Title == "" {
		return e.applyMatchedLocked(nil, defaultLayer)
	}

	var matched []matchedRule
	for i, r := range e.config.Rules {
		if matchesWindow(r, window) {
			matched = append(matched, matchedRule{index: i, rule: r})
			if !r.Fallthrough {
				break
			}
		}
		// a non-matching rule never stops iteration, regardless of its
		// own Fallthrough flag.
	}
	return e.applyMatchedLocked(matched, defaultLayer)
}

// applyMatchedLocked implements the five action-construction steps for
// both the matcher case and the native-terminal / unfocused cases,
// which are the degenerate "zero or one matched rule" instances of the
// same algorithm.
func (e *Evaluator) applyMatchedLocked(matched []matchedRule, defaultLayer string) *FocusActions {
	newIndices := make([]int, len(matched))
	var newVks []string
	for i, m := range matched {
		newIndices[i] = m.index
		if m.rule.VirtualKey != "" {
			newVks = append(newVks, m.rule.VirtualKey)
		}
	}

	var actions []FocusAction

	// Step 2: release every currently held VK not in newVks, in reverse
	// press-order. This always runs before any press, satisfying the
	// release-before-press ordering invariant.
	heldBefore := e.currentVirtualKeys
	newHeld := append([]string(nil), heldBefore...)
	for i := len(heldBefore) - 1; i >= 0; i-- {
		vk := heldBefore[i]
		if !containsString(newVks, vk) {
			actions = append(actions, ReleaseVk(vk))
			newHeld = removeString(newHeld, vk)
		}
	}

	indicesChanged := !intSliceEqual(e.lastMatchedRuleIndices, newIndices)

	if len(matched) == 0 {
		// Step 3.
		if defaultLayer != e.lastEffectiveLayer {
			actions = append(actions, ChangeLayer(defaultLayer))
		}
		e.lastEffectiveLayer = defaultLayer
	} else {
		lastSet := toIntSet(e.lastMatchedRuleIndices)
		last := matched[len(matched)-1]
		emittedForLast := false

		// Step 4: newly matched rules, in order, emit layer/press/raw.
		for _, m := range matched {
			if lastSet[m.index] {
				continue
			}
			if m.rule.Layer != "" {
				actions = append(actions, ChangeLayer(m.rule.Layer))
				if m.index == last.index {
					emittedForLast = true
				}
			}
			if m.rule.VirtualKey != "" && !containsString(newHeld, m.rule.VirtualKey) {
				actions = append(actions, PressVk(m.rule.VirtualKey))
				newHeld = append(newHeld, m.rule.VirtualKey)
			}
			for _, ra := range m.rule.RawVkActions {
				actions = append(actions, RawAction(ra.Name, ra.Action))
			}
		}

		// Step 5: correct the final layer if the matched-rule set changed.
		if indicesChanged && last.rule.Layer != "" {
			if last.rule.Layer != e.lastEffectiveLayer && !emittedForLast {
				actions = append(actions, ChangeLayer(last.rule.Layer))
			}
			e.lastEffectiveLayer = last.rule.Layer
		}
	}

	e.lastMatchedRuleIndices = newIndices
	e.currentVirtualKeys = newHeld

	if len(actions) == 0 {
		return nil
	}
	return &FocusActions{
		Actions:    actions,
		ManagedVks: append([]string(nil), newHeld...),
	}
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toIntSet(xs []int) map[int]bool {
	m := make(map[int]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}
