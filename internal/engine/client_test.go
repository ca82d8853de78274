package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchd/internal/broadcast"
	"switchd/internal/rules"
)

func waitForConn(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	return conn
}

func writeLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func readLine(t *testing.T, rd *bufio.Scanner) map[string]json.RawMessage {
	t.Helper()
	require.True(t, rd.Scan())
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rd.Bytes(), &m))
	return m
}

func TestClient_ConnectHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	status := broadcast.NewStatusBroadcaster()
	c := NewClient("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "", status, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.ConnectWithRetry(ctx) }()

	conn := waitForConn(t, ln)
	defer conn.Close()
	rd := bufio.NewScanner(conn)

	writeLine(t, conn, map[string]interface{}{"LayerChange": map[string]string{"new": "qwerty"}})
	reqLine := readLine(t, rd)
	assert.Contains(t, reqLine, "RequestLayerNames")
	writeLine(t, conn, map[string]interface{}{"LayerNames": map[string][]string{"names": {"qwerty", "browser"}}})

	require.NoError(t, <-done)
	assert.True(t, c.IsConnected())
	assert.Equal(t, "qwerty", c.CurrentLayer())
}

func TestClient_ChangeLayer_SubstitutesDefaultForUnknownLayer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	status := broadcast.NewStatusBroadcaster()
	c := NewClient("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "qwerty", status, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ConnectWithRetry(ctx)

	conn := waitForConn(t, ln)
	defer conn.Close()
	rd := bufio.NewScanner(conn)
	writeLine(t, conn, map[string]interface{}{"LayerChange": map[string]string{"new": "browser"}})
	readLine(t, rd)
	writeLine(t, conn, map[string]interface{}{"LayerNames": map[string][]string{"names": {"qwerty", "browser"}}})

	waitUntil(t, func() bool { return c.IsConnected() })

	sent := c.ChangeLayer("does-not-exist")
	require.True(t, sent)

	line := readLine(t, rd)
	var payload struct {
		New string `json:"new"`
	}
	require.NoError(t, json.Unmarshal(line["ChangeLayer"], &payload))
	assert.Equal(t, "qwerty", payload.New)
}

func TestClient_ChangeLayer_NoopWhenAlreadyCurrent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	status := broadcast.NewStatusBroadcaster()
	c := NewClient("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "", status, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ConnectWithRetry(ctx)

	conn := waitForConn(t, ln)
	defer conn.Close()
	rd := bufio.NewScanner(conn)
	writeLine(t, conn, map[string]interface{}{"LayerChange": map[string]string{"new": "qwerty"}})
	readLine(t, rd)
	writeLine(t, conn, map[string]interface{}{"LayerNames": map[string][]string{"names": {}}})

	waitUntil(t, func() bool { return c.IsConnected() })
	assert.False(t, c.ChangeLayer("qwerty"))
}

func TestClient_ChangeLayer_StashesPendingWhenDisconnected(t *testing.T) {
	status := broadcast.NewStatusBroadcaster()
	c := NewClient("127.0.0.1", 1, "", status, nil)
	assert.False(t, c.ChangeLayer("browser"))
	assert.Equal(t, "browser", *c.pendingLayer)
}

func TestClient_ActOnFakeKey_FailsWhenDisconnected(t *testing.T) {
	status := broadcast.NewStatusBroadcaster()
	c := NewClient("127.0.0.1", 1, "", status, nil)
	assert.False(t, c.ActOnFakeKey("vk1", rules.VkPress))
}

func TestClient_PauseDisconnect_ClearsState(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	status := broadcast.NewStatusBroadcaster()
	c := NewClient("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "", status, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.ConnectWithRetry(ctx)

	conn := waitForConn(t, ln)
	rd := bufio.NewScanner(conn)
	writeLine(t, conn, map[string]interface{}{"LayerChange": map[string]string{"new": "qwerty"}})
	readLine(t, rd)
	writeLine(t, conn, map[string]interface{}{"LayerNames": map[string][]string{"names": {}}})
	waitUntil(t, func() bool { return c.IsConnected() })

	c.PauseDisconnect()
	assert.False(t, c.IsConnected())
	assert.Empty(t, c.CurrentLayer())
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
