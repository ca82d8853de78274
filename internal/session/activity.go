// Package session watches the system session manager's Active property
// on the current graphical session and tells the supervisor when the
// seat is switched away from (a VT switch to a text console) and back.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	loginBusName          = "org.freedesktop.login1"
	loginManagerPath      = dbus.ObjectPath("/org/freedesktop/login1")
	loginManagerInterface = "org.freedesktop.login1.Manager"
	loginSessionInterface = "org.freedesktop.login1.Session"
	loginUserInterface    = "org.freedesktop.login1.User"
	propertiesInterface   = "org.freedesktop.DBus.Properties"
)

// Monitor watches one session object's Active property and invokes the
// supervisor's callbacks on transitions. A Monitor that failed to
// resolve a session at Start degrades to a permanent no-op rather than
// failing daemon startup.
type Monitor struct {
	conn *dbus.Conn
	log  *slog.Logger

	mu       sync.Mutex
	disabled bool
	active   bool
}

// NewMonitor constructs a Monitor over conn, the session bus connection
// shared with the control plane.
func NewMonitor(conn *dbus.Conn, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{conn: conn, log: log.With("component", "session")}
}

// resolveSessionPath tries, in order: $XDG_SESSION_ID if set; else the
// session owning this process; else, if that fails with "no session for
// PID", the user's display session. An empty path with a nil error means
// "no display session" — the monitor should degrade, not fail.
func resolveSessionPath(conn *dbus.Conn) (dbus.ObjectPath, error) {
	manager := conn.Object(loginBusName, loginManagerPath)

	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		var path dbus.ObjectPath
		if err := manager.Call(loginManagerInterface+".GetSession", 0, id).Store(&path); err != nil {
			return "", fmt.Errorf("session: GetSession(%q): %w", id, err)
		}
		return path, nil
	}

	var path dbus.ObjectPath
	err := manager.Call(loginManagerInterface+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path)
	if err == nil {
		return path, nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "no session for pid") {
		return "", fmt.Errorf("session: GetSessionByPID: %w", err)
	}

	var userPath dbus.ObjectPath
	if err := manager.Call(loginManagerInterface+".GetUser", 0, uint32(os.Getuid())).Store(&userPath); err != nil {
		return "", fmt.Errorf("session: GetUser: %w", err)
	}

	userObj := conn.Object(loginBusName, userPath)
	variant, err := userObj.GetProperty(loginUserInterface + ".Display")
	if err != nil {
		return "", fmt.Errorf("session: read Display property: %w", err)
	}
	display, ok := variant.Value().([]interface{})
	if !ok || len(display) != 2 {
		return "", fmt.Errorf("session: unexpected Display property shape: %v", variant)
	}
	displayPath, ok := display[1].(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("session: unexpected Display path type: %v", display[1])
	}
	return displayPath, nil
}

func readActive(conn *dbus.Conn, sessionPath dbus.ObjectPath) (bool, error) {
	obj := conn.Object(loginBusName, sessionPath)
	variant, err := obj.GetProperty(loginSessionInterface + ".Active")
	if err != nil {
		return false, err
	}
	active, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("session: unexpected Active property type: %v", variant)
	}
	return active, nil
}

// IsDisabled reports whether the monitor degraded at startup and is
// permanently inactive.
func (m *Monitor) IsDisabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled
}

// Start resolves the session object, subscribes to its property
// changes, and runs until ctx is cancelled. onInactive is called on an
// Active=true→false transition; onActive on the reverse. onFatal reports
// a post-startup failure, which is fatal to the daemon process; Start
// itself never returns an error for a resolution failure, since that
// only disables session monitoring.
func (m *Monitor) Start(ctx context.Context, onInactive func(), onActive func(ctx context.Context) error, onFatal func(error)) {
	sessionPath, err := resolveSessionPath(m.conn)
	if err != nil || sessionPath == "" {
		m.mu.Lock()
		m.disabled = true
		m.mu.Unlock()
		m.log.Warn("session activity monitoring disabled", "error", err)
		return
	}

	active, err := readActive(m.conn, sessionPath)
	if err != nil {
		m.mu.Lock()
		m.disabled = true
		m.mu.Unlock()
		m.log.Warn("session activity monitoring disabled: could not read initial Active state", "error", err)
		return
	}
	m.mu.Lock()
	m.active = active
	m.mu.Unlock()

	if err := m.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(sessionPath),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		m.mu.Lock()
		m.disabled = true
		m.mu.Unlock()
		m.log.Warn("session activity monitoring disabled: could not subscribe", "error", err)
		return
	}

	signals := make(chan *dbus.Signal, 16)
	m.conn.Signal(signals)
	defer m.conn.RemoveSignal(signals)

	m.log.Info("session activity monitoring started", "session", sessionPath)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Path != sessionPath || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			v, ok := changed["Active"]
			if !ok {
				continue
			}
			nowActive, ok := v.Value().(bool)
			if !ok {
				continue
			}

			m.mu.Lock()
			wasActive := m.active
			m.active = nowActive
			m.mu.Unlock()

			if wasActive == nowActive {
				continue
			}

			if nowActive {
				m.log.Info("seat became active, re-querying focus")
				if err := onActive(ctx); err != nil {
					m.log.Error("re-query after seat activation failed, this is fatal", "error", err)
					onFatal(err)
					return
				}
			} else {
				m.log.Info("seat became inactive, synthesizing native-terminal focus")
				onInactive()
			}
		}
	}
}
