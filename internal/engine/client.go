package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"switchd/internal/broadcast"
	"switchd/internal/rules"
)

// connectBackoff and reconnectBackoff implement the daemon's connect and
// reconnect retry schedules. The last element repeats forever.
var connectBackoff = []time.Duration{0, time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second}
var reconnectBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 5 * time.Second}

func backoffFor(sequence []time.Duration, attempt int) time.Duration {
	if attempt < len(sequence) {
		return sequence[attempt]
	}
	return sequence[len(sequence)-1]
}

// Client owns the TCP connection to the keyboard-remapping engine. All
// public methods acquire the interior mutex for the duration of their
// critical section; the mutex is never held across an await/blocking call
// other than the single synchronous write of one line to the socket.
type Client struct {
	host string
	port int

	status *broadcast.StatusBroadcaster
	log    *slog.Logger

	mu sync.Mutex

	conn   net.Conn
	reader context.CancelFunc // cancels the background reader task

	currentLayer      string
	autoDefaultLayer  string
	configDefaultLayer string
	knownLayers       []string
	pendingLayer      *string

	connected bool
	paused    bool
}

// NewClient constructs a Client for host:port. configDefaultLayer is the
// operator-configured default layer; it wins over the engine-announced
// auto_default_layer whenever both are known.
func NewClient(host string, port int, configDefaultLayer string, status *broadcast.StatusBroadcaster, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		host:               host,
		port:               port,
		configDefaultLayer: configDefaultLayer,
		status:             status,
		log:                log.With("component", "engine"),
	}
}

// DefaultLayer returns the layer change_layer substitutes for an unknown
// or empty target: the config default if set, else the engine-announced
// auto default.
func (c *Client) DefaultLayer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultLayerLocked()
}

func (c *Client) defaultLayerLocked() string {
	if c.configDefaultLayer != "" {
		return c.configDefaultLayer
	}
	return c.autoDefaultLayer
}

// IsConnected reports whether the client currently has a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CurrentLayer returns the last layer the client observed or set.
func (c *Client) CurrentLayer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLayer
}

// ConnectWithRetry dials the engine, backing off through [0s, 1s, 2s, 5s,
// 5s, ...] between attempts, until it succeeds or ctx is cancelled.
func (c *Client) ConnectWithRetry(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := backoffFor(connectBackoff, attempt)
			c.log.Info("retrying engine connection", "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.connectOnce(ctx); err != nil {
			c.log.Warn("engine connect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
}

// connectOnce performs the handshake: read one LayerChange line, send
// RequestLayerNames, read one LayerNames line.
// Only after both succeed is the client marked connected and the reader
// task spawned.
func (c *Client) connectOnce(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("engine: dial %s: %w", addr, err)
	}

	rd := bufio.NewScanner(conn)
	rd.Buffer(make([]byte, 0, 4096), 1<<20)

	if !rd.Scan() {
		conn.Close()
		return fmt.Errorf("engine: connection closed before handshake: %w", rd.Err())
	}
	kind, env, err := decodeInbound(rd.Bytes())
	if err != nil || kind != inboundLayerChange {
		conn.Close()
		return fmt.Errorf("engine: expected LayerChange handshake, got kind=%d err=%v", kind, err)
	}

	reqBytes, err := encodeRequestLayerNames()
	if err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(append(reqBytes, '\n')); err != nil {
		conn.Close()
		return fmt.Errorf("engine: send RequestLayerNames: %w", err)
	}

	if !rd.Scan() {
		conn.Close()
		return fmt.Errorf("engine: connection closed awaiting LayerNames: %w", rd.Err())
	}
	kind2, env2, err := decodeInbound(rd.Bytes())
	if err != nil || kind2 != inboundLayerNames {
		conn.Close()
		return fmt.Errorf("engine: expected LayerNames handshake, got kind=%d err=%v", kind2, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.currentLayer = env.LayerChange.New
	c.autoDefaultLayer = env.LayerChange.New
	c.knownLayers = env2.LayerNames.Names
	c.connected = true

	readerCtx, cancel := context.WithCancel(ctx)
	c.reader = cancel
	pending := c.pendingLayer
	c.pendingLayer = nil
	c.mu.Unlock()

	go c.readLoop(readerCtx, conn, rd)

	c.status.UpdateLayer(c.CurrentLayer(), rules.LayerSourceExternal)

	if pending != nil && *pending != c.CurrentLayer() {
		c.ChangeLayer(*pending)
	}

	c.log.Info("connected to engine", "layer", c.CurrentLayer(), "known_layers", c.knownLayers)
	return nil
}

// readLoop is the background reader task. It updates current_layer and
// broadcasts external status changes, and on EOF/error tears down the
// connection and (unless paused) enters the reconnect loop.
func (c *Client) readLoop(ctx context.Context, conn net.Conn, rd *bufio.Scanner) {
	for rd.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		kind, env, err := decodeInbound(rd.Bytes())
		if err != nil {
			c.log.Debug("dropping malformed engine line", "error", err)
			continue
		}
		if kind != inboundLayerChange {
			// protocol-unexpected (including LayerNames outside the
			// handshake): documented drop.
			continue
		}

		c.mu.Lock()
		if c.paused {
			c.mu.Unlock()
			continue
		}
		c.currentLayer = env.LayerChange.New
		c.mu.Unlock()

		c.status.UpdateLayer(env.LayerChange.New, rules.LayerSourceExternal)
	}

	c.mu.Lock()
	wasPaused := c.paused
	c.connected = false
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	if wasPaused {
		return
	}

	c.log.Warn("engine connection lost, reconnecting")
	c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		wait := backoffFor(reconnectBackoff, attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		c.mu.Lock()
		if c.paused {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.connectOnce(ctx); err != nil {
			c.log.Warn("engine reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return
	}
}

// ChangeLayer requests the engine switch to name, substituting the
// default layer if name is not among known_layers (when that list is
// non-empty). Returns false when nothing was sent: the substituted
// target already equals current_layer, or the client is disconnected (in
// which case the request is stashed in pending_layer for replay on
// reconnect).
func (c *Client) ChangeLayer(name string) bool {
	c.mu.Lock()

	target := name
	if len(c.knownLayers) > 0 && !containsString(c.knownLayers, name) {
		target = c.defaultLayerLocked()
	}

	if target == c.currentLayer {
		c.mu.Unlock()
		return false
	}

	if !c.connected {
		p := target
		c.pendingLayer = &p
		c.mu.Unlock()
		return false
	}

	payload, err := encodeChangeLayer(target)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("encode ChangeLayer failed", "error", err)
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		c.log.Warn("write ChangeLayer failed", "error", err)
		return false
	}

	c.mu.Lock()
	c.currentLayer = target
	c.mu.Unlock()
	return true
}

// ActOnFakeKey sends a single fake-key command. It is never queued: if
// the client is not connected, it logs and returns false.
func (c *Client) ActOnFakeKey(name string, action rules.RawVkActionKind) bool {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.log.Warn("dropping fake-key action while disconnected", "vk", name, "action", action)
		return false
	}
	payload, err := encodeActOnFakeKey(name, action)
	conn := c.conn
	c.mu.Unlock()

	if err != nil {
		c.log.Error("encode ActOnFakeKey failed", "error", err)
		return false
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		c.log.Warn("write ActOnFakeKey failed", "error", err)
		return false
	}
	return true
}

// PauseDisconnect tears down the connection: aborts the reader task,
// closes the writer, and clears connected/current-layer/auto-default/
// pending/known-layers state so a subsequent unpause starts clean.
func (c *Client) PauseDisconnect() {
	c.mu.Lock()
	c.paused = true
	if c.reader != nil {
		c.reader()
		c.reader = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.currentLayer = ""
	c.autoDefaultLayer = ""
	c.pendingLayer = nil
	c.knownLayers = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// UnpauseConnect clears the paused flag and blocks until reconnected.
func (c *Client) UnpauseConnect(ctx context.Context) error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return c.ConnectWithRetry(ctx)
}

// SwitchToDefaultIfConnectedSync is the shutdown guard's best-effort
// nudge: if connected and the current layer differs from the known
// default, ask the engine to switch to it.
func (c *Client) SwitchToDefaultIfConnectedSync() bool {
	c.mu.Lock()
	def := c.defaultLayerLocked()
	connected := c.connected
	current := c.currentLayer
	c.mu.Unlock()

	if !connected || def == "" || def == current {
		return false
	}
	return c.ChangeLayer(def)
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
