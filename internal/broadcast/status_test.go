package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchd/internal/rules"
)

func recv(t *testing.T, ch <-chan StatusSnapshot) StatusSnapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return StatusSnapshot{}
	}
}

func TestStatusBroadcaster_SubscribeGetsCurrentValueImmediately(t *testing.T) {
	b := NewStatusBroadcaster()
	b.UpdateFocusLayer("browser")

	ch := b.Subscribe()
	snap := recv(t, ch)
	assert.Equal(t, "browser", snap.Layer)
	assert.Equal(t, rules.LayerSourceFocus, snap.LayerSource)
}

func TestStatusBroadcaster_SuppressesNoopChanges(t *testing.T) {
	b := NewStatusBroadcaster()
	ch := b.Subscribe()
	recv(t, ch) // initial zero value

	b.UpdateFocusLayer("browser")
	recv(t, ch)

	b.UpdateFocusLayer("browser")
	select {
	case s := <-ch:
		t.Fatalf("unexpected re-broadcast of unchanged snapshot: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusBroadcaster_PausedStatusClearsVksAndForcesExternal(t *testing.T) {
	b := NewStatusBroadcaster()
	b.UpdateFocusLayer("browser")
	b.UpdateVirtualKeys([]string{"vk1"})

	b.SetPausedStatus("default")
	snap := b.Snapshot()
	assert.Equal(t, "default", snap.Layer)
	assert.Empty(t, snap.VirtualKeys)
	assert.Equal(t, rules.LayerSourceExternal, snap.LayerSource)
}

func TestPauseBroadcaster_SetPausedReportsTransition(t *testing.T) {
	b := NewPauseBroadcaster()
	assert.True(t, b.SetPaused(true))
	assert.False(t, b.SetPaused(true))
	assert.True(t, b.SetPaused(false))
}

func TestRestartShutdown_ShutdownWinsTies(t *testing.T) {
	restart := NewRestartSignal()
	shutdown := NewShutdownSignal()

	shutdown.Request()
	restart.Request()

	require.Equal(t, OutcomeExit, WaitForRestartOrShutdown(restart, shutdown))
}

func TestRestartShutdown_RestartFiresWhenShutdownAbsent(t *testing.T) {
	restart := NewRestartSignal()
	shutdown := NewShutdownSignal()

	go func() {
		time.Sleep(10 * time.Millisecond)
		restart.Request()
	}()

	require.Equal(t, OutcomeRestart, WaitForRestartOrShutdown(restart, shutdown))
}
