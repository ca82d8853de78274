// Package rules implements the pure focus-to-engine-command evaluator:
// given a window, a rule list, and the evaluator's own held state, it
// produces the ordered list of commands the engine client should send.
package rules

// WindowInfo identifies the currently focused window. Class and title are
// empty strings when nothing is focused. IsNativeTerminal is a synthetic
// marker set only by the session activity monitor, never by a focus
// source.
type WindowInfo struct {
	Class            string
	Title            string
	IsNativeTerminal bool
}

// Unfocused reports whether w represents "no focused window".
func (w WindowInfo) Unfocused() bool {
	return w.Class == "" && w.Title == "" && !w.IsNativeTerminal
}

// RawVkActionKind is one of the four fire-and-forget virtual key actions.
type RawVkActionKind string

const (
	VkPress   RawVkActionKind = "Press"
	VkRelease RawVkActionKind = "Release"
	VkTap     RawVkActionKind = "Tap"
	VkToggle  RawVkActionKind = "Toggle"
)

// RawVkAction is a single (name, action) pair taken verbatim from a rule.
type RawVkAction struct {
	Name   string
	Action RawVkActionKind
}

// Rule is one entry of a Config. It is exactly one of two disjoint shapes,
// enforced by ParseConfig:
//
//   - a matcher rule: uses ClassPattern/TitlePattern/Layer/VirtualKey/
//     RawVkActions/Fallthrough, with OnNativeTerminal empty.
//   - a native-terminal rule: uses only OnNativeTerminal/VirtualKey/
//     RawVkActions; ClassPattern, TitlePattern, and Layer must be empty.
type Rule struct {
	ClassPattern    string
	TitlePattern    string
	OnNativeTerminal string
	Layer           string
	VirtualKey      string
	RawVkActions    []RawVkAction
	Fallthrough     bool
}

// IsNativeTerminalRule reports whether r is the native-terminal shape.
func (r Rule) IsNativeTerminalRule() bool {
	return r.OnNativeTerminal != ""
}

// Config is an ordered sequence of matcher rules, at most one optional
// default-layer entry, and at most one optional native-terminal rule.
type Config struct {
	Rules             []Rule
	DefaultLayer      string
	NativeTerminalRule *Rule
}

// FocusActionKind tags the four FocusAction variants.
type FocusActionKind int

const (
	ActionReleaseVk FocusActionKind = iota
	ActionChangeLayer
	ActionPressVk
	ActionRawVkAction
)

// FocusAction is a single engine-bound command produced by the evaluator.
//
//   - ReleaseVk(Name): send a "Release" fake-key command.
//   - ChangeLayer(Name): switch the engine to the named layer.
//   - PressVk(Name): send "Press"; the evaluator now tracks Name as held.
//   - RawVkAction(Name, RawAction): fire-and-forget, never tracked.
type FocusAction struct {
	Kind      FocusActionKind
	Name      string
	RawAction RawVkActionKind
}

func ReleaseVk(name string) FocusAction    { return FocusAction{Kind: ActionReleaseVk, Name: name} }
func ChangeLayer(name string) FocusAction  { return FocusAction{Kind: ActionChangeLayer, Name: name} }
func PressVk(name string) FocusAction      { return FocusAction{Kind: ActionPressVk, Name: name} }
func RawAction(name string, a RawVkActionKind) FocusAction {
	return FocusAction{Kind: ActionRawVkAction, Name: name, RawAction: a}
}

// FocusActions is the ordered action list a single handle() call produces,
// plus the held-VK set that results from executing it.
type FocusActions struct {
	Actions       []FocusAction
	ManagedVks []string
}

// LayerSource records whether a layer was set by a focus rule or observed
// from the engine (or implied by pause/disconnect).
type LayerSource int

const (
	LayerSourceFocus LayerSource = iota
	LayerSourceExternal
)

func (s LayerSource) String() string {
	if s == LayerSourceFocus {
		return "focus"
	}
	return "external"
}
