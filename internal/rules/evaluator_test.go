package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func win(class, title string) WindowInfo {
	return WindowInfo{Class: class, Title: title}
}

func nativeTerminal() WindowInfo {
	return WindowInfo{IsNativeTerminal: true}
}

func matcherRule(class, layer string) Rule {
	return Rule{ClassPattern: class, Layer: layer}
}

func vkRule(class, vk string) Rule {
	return Rule{ClassPattern: class, VirtualKey: vk}
}

func layerNames(a *FocusActions) []string {
	var out []string
	if a == nil {
		return out
	}
	for _, act := range a.Actions {
		if act.Kind == ActionChangeLayer {
			out = append(out, act.Name)
		}
	}
	return out
}

func actionKinds(a *FocusActions) []FocusActionKind {
	var out []FocusActionKind
	if a == nil {
		return out
	}
	for _, act := range a.Actions {
		out = append(out, act.Kind)
	}
	return out
}

func TestScenarioS1_SimpleLayerMap(t *testing.T) {
	cfg := Config{Rules: []Rule{
		matcherRule("firefox", "browser"),
		matcherRule("kitty", "terminal"),
	}}
	e := NewEvaluator(cfg)

	a1 := e.Handle(win("firefox", "GitHub"), "")
	require.NotNil(t, a1)
	assert.Equal(t, []string{"browser"}, layerNames(a1))

	a2 := e.Handle(win("kitty", "bash"), "")
	require.NotNil(t, a2)
	assert.Equal(t, []string{"terminal"}, layerNames(a2))
}

func TestScenarioS2_HeldVirtualKey(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ClassPattern: "firefox", Layer: "browser", VirtualKey: "vk_browser"},
	}}
	e := NewEvaluator(cfg)

	a1 := e.Handle(win("firefox", ""), "default")
	require.NotNil(t, a1)
	assert.Equal(t, []FocusAction{ChangeLayer("browser"), PressVk("vk_browser")}, a1.Actions)
	assert.Equal(t, []string{"vk_browser"}, a1.ManagedVks)

	a2 := e.Handle(win("", ""), "default")
	require.NotNil(t, a2)
	assert.Equal(t, []FocusAction{ReleaseVk("vk_browser"), ChangeLayer("default")}, a2.Actions)
	assert.Empty(t, a2.ManagedVks)
	assert.Empty(t, e.CurrentVirtualKeys())
}

func TestScenarioS3_Fallthrough(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ClassPattern: "kitty", Layer: "browser", RawVkActions: []RawVkAction{{Name: "vk_notify", Action: VkTap}}, Fallthrough: true},
		{ClassPattern: "kitty", Layer: "terminal"},
	}}
	e := NewEvaluator(cfg)

	a := e.Handle(win("kitty", ""), "")
	require.NotNil(t, a)
	assert.Equal(t, []FocusAction{
		ChangeLayer("browser"),
		RawAction("vk_notify", VkTap),
		ChangeLayer("terminal"),
	}, a.Actions)
}

func TestScenarioS6_PartialVkCarryover(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ClassPattern: "app", TitlePattern: "both", VirtualKey: "vk1", Fallthrough: true},
		{ClassPattern: "app", VirtualKey: "vk2"},
	}}
	e := NewEvaluator(cfg)

	a1 := e.Handle(win("app", "both"), "")
	require.NotNil(t, a1)
	assert.Equal(t, []FocusAction{PressVk("vk1"), PressVk("vk2")}, a1.Actions)

	a2 := e.Handle(win("app", "other"), "")
	require.NotNil(t, a2)
	assert.Equal(t, []FocusAction{ReleaseVk("vk1")}, a2.Actions)
	assert.Equal(t, []string{"vk2"}, e.CurrentVirtualKeys())
}

func TestHandle_EmptyConfigReturnsNilAlways(t *testing.T) {
	e := NewEvaluator(Config{})
	assert.Nil(t, e.Handle(win("anything", "here"), ""))
	assert.Nil(t, e.Handle(win("", ""), ""))
	assert.Nil(t, e.Handle(nativeTerminal(), ""))
}

func TestHandle_NativeTerminalWithoutRuleActsUnfocused(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ClassPattern: "app", Layer: "l1", VirtualKey: "vk1"},
	}}
	e := NewEvaluator(cfg)
	require.NotNil(t, e.Handle(win("app", ""), "default"))

	a := e.Handle(nativeTerminal(), "default")
	require.NotNil(t, a)
	assert.Equal(t, []FocusAction{ReleaseVk("vk1"), ChangeLayer("default")}, a.Actions)
	assert.Empty(t, e.CurrentVirtualKeys())
}

func TestHandle_NativeTerminalRuleHoldsAndReleasesVk(t *testing.T) {
	cfg := Config{
		Rules:              []Rule{{ClassPattern: "app", Layer: "l1", VirtualKey: "vk_app"}},
		NativeTerminalRule: &Rule{OnNativeTerminal: "termlayer", VirtualKey: "vk_term"},
	}
	e := NewEvaluator(cfg)
	require.NotNil(t, e.Handle(win("app", ""), "default"))

	a := e.Handle(nativeTerminal(), "default")
	require.NotNil(t, a)
	assert.Equal(t, []FocusAction{ReleaseVk("vk_app"), ChangeLayer("termlayer"), PressVk("vk_term")}, a.Actions)
	assert.Equal(t, []string{"vk_term"}, e.CurrentVirtualKeys())

	back := e.Handle(win("app", ""), "default")
	require.NotNil(t, back)
	assert.Contains(t, back.Actions, ReleaseVk("vk_term"))
	assert.Contains(t, back.Actions, PressVk("vk_app"))
}

func TestInvariant_RepeatedIdenticalWindowYieldsNilSecondTime(t *testing.T) {
	cfg := Config{Rules: []Rule{matcherRule("firefox", "browser")}}
	e := NewEvaluator(cfg)
	require.NotNil(t, e.Handle(win("firefox", "x"), ""))
	assert.Nil(t, e.Handle(win("firefox", "x"), ""))
}

func TestInvariant_UnfocusAfterAnySequenceEmptiesHeldVks(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ClassPattern: "a", VirtualKey: "va"},
		{ClassPattern: "b", VirtualKey: "vb"},
	}}
	e := NewEvaluator(cfg)
	e.Handle(win("a", ""), "")
	e.Handle(win("b", ""), "")
	e.Handle(win("", ""), "")
	assert.Empty(t, e.CurrentVirtualKeys())
}

func TestInvariant_ReleaseBeforePressOrdering(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ClassPattern: "a", VirtualKey: "shared"},
		{ClassPattern: "b", VirtualKey: "other"},
	}}
	e := NewEvaluator(cfg)
	e.Handle(win("a", ""), "")
	a := e.Handle(win("b", ""), "")
	require.NotNil(t, a)

	lastRelease, firstPress := -1, len(a.Actions)
	for i, act := range a.Actions {
		if act.Kind == ActionReleaseVk {
			lastRelease = i
		}
		if act.Kind == ActionPressVk && i < firstPress {
			firstPress = i
		}
	}
	if lastRelease != -1 && firstPress != len(a.Actions) {
		assert.Less(t, lastRelease, firstPress)
	}
}

func TestFallthroughRule_NonMatchingDoesNotTruncate(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{ClassPattern: "nomatch", Layer: "skip"},
		{ClassPattern: "app", Layer: "hit"},
	}}
	e := NewEvaluator(cfg)
	a := e.Handle(win("app", ""), "")
	require.NotNil(t, a)
	assert.Equal(t, []string{"hit"}, layerNames(a))
}

func TestReset_PreservesConfiguredRules(t *testing.T) {
	cfg := Config{Rules: []Rule{{ClassPattern: "app", Layer: "l", VirtualKey: "vk"}}}
	e := NewEvaluator(cfg)
	e.Handle(win("app", ""), "")
	require.NotEmpty(t, e.CurrentVirtualKeys())

	e.Reset()
	assert.Empty(t, e.CurrentVirtualKeys())

	a := e.Handle(win("app", ""), "")
	require.NotNil(t, a)
	assert.Contains(t, a.Actions, PressVk("vk"))
}
