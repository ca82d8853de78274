package control

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchd/internal/broadcast"
	"switchd/internal/rules"
)

type fakeFocusHandler struct {
	calls []rules.WindowInfo
}

func (f *fakeFocusHandler) HandleFocus(w rules.WindowInfo) {
	f.calls = append(f.calls, w)
}

type fakePauseController struct {
	pauseErr, unpauseErr   error
	pauseCalls, unpauseCalls int
}

func (f *fakePauseController) Pause(ctx context.Context) error {
	f.pauseCalls++
	return f.pauseErr
}

func (f *fakePauseController) Unpause(ctx context.Context) error {
	f.unpauseCalls++
	return f.unpauseErr
}

func newTestPlane(focus FocusHandler, pauseCtl PauseController) *Plane {
	return New(nil, focus, pauseCtl, broadcast.NewStatusBroadcaster(), broadcast.NewPauseBroadcaster(), broadcast.NewRestartSignal(), nil)
}

func TestWindowFocus_DropsSilentlyWhenPaused(t *testing.T) {
	handler := &fakeFocusHandler{}
	p := newTestPlane(handler, &fakePauseController{})
	p.pause.SetPaused(true)

	err := p.WindowFocus("firefox", "GitHub")
	assert.Nil(t, err)
	assert.Empty(t, handler.calls)
}

func TestWindowFocus_ForwardsWhenNotPaused(t *testing.T) {
	handler := &fakeFocusHandler{}
	p := newTestPlane(handler, &fakePauseController{})

	err := p.WindowFocus("firefox", "GitHub")
	require.Nil(t, err)
	require.Len(t, handler.calls, 1)
	assert.Equal(t, "firefox", handler.calls[0].Class)
	assert.Equal(t, "GitHub", handler.calls[0].Title)
}

func TestGetStatus_ReportsBroadcasterSnapshot(t *testing.T) {
	p := newTestPlane(&fakeFocusHandler{}, &fakePauseController{})
	p.status.UpdateFocusLayer("browser")
	p.status.UpdateVirtualKeys([]string{"vk1"})

	layer, vks, source, err := p.GetStatus()
	require.Nil(t, err)
	assert.Equal(t, "browser", layer)
	assert.Equal(t, []string{"vk1"}, vks)
	assert.Equal(t, "focus", source)
}

func TestGetStatus_EmptyVksIsNeverNil(t *testing.T) {
	p := newTestPlane(&fakeFocusHandler{}, &fakePauseController{})
	_, vks, _, err := p.GetStatus()
	require.Nil(t, err)
	assert.NotNil(t, vks)
}

func TestGetPaused_ReflectsBroadcaster(t *testing.T) {
	p := newTestPlane(&fakeFocusHandler{}, &fakePauseController{})
	paused, err := p.GetPaused()
	require.Nil(t, err)
	assert.False(t, paused)

	p.pause.SetPaused(true)
	paused, err = p.GetPaused()
	require.Nil(t, err)
	assert.True(t, paused)
}

func TestRestart_FiresSignal(t *testing.T) {
	p := newTestPlane(&fakeFocusHandler{}, &fakePauseController{})
	ch := p.restart.Subscribe()

	err := p.Restart()
	require.Nil(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("restart signal did not fire")
	}
}

func TestPause_PropagatesControllerError(t *testing.T) {
	ctl := &fakePauseController{pauseErr: errors.New("boom")}
	p := newTestPlane(&fakeFocusHandler{}, ctl)

	err := p.Pause()
	require.NotNil(t, err)
	assert.Equal(t, 1, ctl.pauseCalls)
}

func TestUnpause_PropagatesControllerError(t *testing.T) {
	ctl := &fakePauseController{unpauseErr: errors.New("boom")}
	p := newTestPlane(&fakeFocusHandler{}, ctl)

	err := p.Unpause()
	require.NotNil(t, err)
	assert.Equal(t, 1, ctl.unpauseCalls)
}

func TestKwinScriptBody_VariesByMajorVersion(t *testing.T) {
	v5 := kwinScriptBody(5)
	v6 := kwinScriptBody(6)

	assert.Contains(t, v5, "clientActivated")
	assert.NotContains(t, v5, "windowActivated")

	assert.Contains(t, v6, "windowActivated")
	assert.NotContains(t, v6, "clientActivated")
}

func TestKwinScriptBody_CallsBackIntoWindowFocus(t *testing.T) {
	body := kwinScriptBody(5)
	assert.Contains(t, body, BusName)
	assert.Contains(t, body, string(ObjectPath))
	assert.Contains(t, body, "WindowFocus")
}
