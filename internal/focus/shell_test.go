package focus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchd/internal/rules"
)

func TestShellPushed_RunReceivesPushedEvents(t *testing.T) {
	s := NewShellPushed(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := make(chan rules.WindowInfo, 4)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, sink) }()

	// give Run a moment to register its subscriber channel.
	time.Sleep(10 * time.Millisecond)

	s.Push(rules.WindowInfo{Class: "firefox", Title: "Example"})

	select {
	case info := <-sink:
		assert.Equal(t, "firefox", info.Class)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed window info")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestShellPushed_PushWithNoSubscribersIsNoop(t *testing.T) {
	s := NewShellPushed(nil)
	assert.NotPanics(t, func() {
		s.Push(rules.WindowInfo{Class: "x"})
	})
}
