// Package control implements the session-bus service a running daemon
// exposes: status and pause queries, the restart/pause/unpause verbs the
// CLI's one-shot flags drive, and the WindowFocus ingress the GNOME/KDE
// shell extensions call into. It also owns the KDE-specific window
// manager script that bridges KWin's own activation signal to
// WindowFocus, since no generic D-Bus focus-push API exists on KDE.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"switchd/internal/broadcast"
	"switchd/internal/logging"
	"switchd/internal/rules"
)

const (
	BusName       = "org.switchd.Daemon"
	ObjectPath    = dbus.ObjectPath("/org/switchd/Daemon")
	InterfaceName = "org.switchd.Daemon1"
)

const introspectXML = `
<node>
	<interface name="` + InterfaceName + `">
		<method name="WindowFocus">
			<arg name="class" type="s" direction="in"/>
			<arg name="title" type="s" direction="in"/>
		</method>
		<method name="GetStatus">
			<arg name="layer" type="s" direction="out"/>
			<arg name="virtual_keys" type="as" direction="out"/>
			<arg name="source" type="s" direction="out"/>
		</method>
		<method name="GetPaused">
			<arg name="paused" type="b" direction="out"/>
		</method>
		<method name="Restart"></method>
		<method name="Pause"></method>
		<method name="Unpause"></method>
		<signal name="StatusChanged">
			<arg name="layer" type="s"/>
			<arg name="virtual_keys" type="as"/>
			<arg name="source" type="s"/>
		</signal>
		<signal name="PausedChanged">
			<arg name="paused" type="b"/>
		</signal>
	</interface>` + introspect.IntrospectDataString + `
</node>`

// FocusHandler decouples the control plane's WindowFocus ingress from
// the focus pipeline that owns the RuleEvaluator and EngineClient.
type FocusHandler interface {
	HandleFocus(window rules.WindowInfo)
}

// PauseController runs the coordinated pause/unpause algorithm. The
// supervisor implements this; the control plane only triggers it.
type PauseController interface {
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
}

// Plane is the exported D-Bus object. Every exported method runs on
// godbus's own dispatch goroutine. Restart and the queries return at
// once; WindowFocus hands shell-pushed events to the focus source and
// otherwise runs the focus pipeline in place; Pause and Unpause run the
// whole coordinated algorithm before replying, and Unpause waits until
// the engine is reconnected.
type Plane struct {
	conn     *dbus.Conn
	focus    FocusHandler
	pauseCtl PauseController
	status   *broadcast.StatusBroadcaster
	pause    *broadcast.PauseBroadcaster
	restart  *broadcast.RestartSignal
	log      *slog.Logger

	kde *kdeScripting
}

// New constructs a Plane. conn is the session bus connection shared with
// internal/session and internal/focus's shell variant.
func New(conn *dbus.Conn, focus FocusHandler, pauseCtl PauseController, status *broadcast.StatusBroadcaster, pause *broadcast.PauseBroadcaster, restart *broadcast.RestartSignal, log *slog.Logger) *Plane {
	if log == nil {
		log = slog.Default()
	}
	return &Plane{
		conn:     conn,
		focus:    focus,
		pauseCtl: pauseCtl,
		status:   status,
		pause:    pause,
		restart:  restart,
		log:      log.With("component", "control"),
	}
}

// Register claims the well-known bus name and exports the interface.
// Returns an error naming the bus name if another process already owns
// it (e.g. a second daemon instance for the same user).
func (p *Plane) Register() error {
	reply, err := p.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("control: request name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		logging.AuditPermission(context.Background(), "request_bus_name", false)
		return fmt.Errorf("control: bus name %s already owned", BusName)
	}
	logging.AuditPermission(context.Background(), "request_bus_name", true)
	if err := p.conn.Export(p, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("control: export interface: %w", err)
	}
	if err := p.conn.Export(introspect.Introspectable(introspectXML), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("control: export introspectable: %w", err)
	}
	return nil
}

// EnableKDEScripting installs the KWin activation-forwarding script.
// Called by the supervisor only when the resolved FocusSource is
// shell-pushed KDE. kwinMajor selects which activation API the script
// targets, since KWin 5 and 6 name it differently.
func (p *Plane) EnableKDEScripting(kwinMajor int) error {
	kde, err := newKDEScripting(p.conn, kwinMajor, p.log)
	if err != nil {
		return err
	}
	p.kde = kde
	return nil
}

// Run emits StatusChanged and PausedChanged whenever the underlying
// broadcasters change, including once immediately (each Subscribe call
// delivers the current value right away, satisfying the "also emitted
// once at registration" requirement without special-casing it here).
// Run blocks until ctx is cancelled.
func (p *Plane) Run(ctx context.Context) {
	statusCh := p.status.Subscribe()
	pauseCh := p.pause.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-statusCh:
			if !ok {
				return
			}
			if err := p.conn.Emit(ObjectPath, InterfaceName+".StatusChanged", snap.Layer, snap.VirtualKeys, snap.LayerSource.String()); err != nil {
				p.log.Warn("failed to emit StatusChanged", "error", err)
			}
		case paused, ok := <-pauseCh:
			if !ok {
				return
			}
			if err := p.conn.Emit(ObjectPath, InterfaceName+".PausedChanged", paused); err != nil {
				p.log.Warn("failed to emit PausedChanged", "error", err)
			}
		}
	}
}

// Close releases the bus name and tears down any KDE scripting.
func (p *Plane) Close() error {
	var firstErr error
	if p.kde != nil {
		if err := p.kde.Close(); err != nil {
			firstErr = err
		}
	}
	if _, err := p.conn.ReleaseName(BusName); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// WindowFocus is the ingress used by the shell extensions (and the KDE
// script, indirectly). It never returns an error: a malformed or
// unwelcome focus event is simply dropped, per the daemon's "focus
// events from the shell are best-effort" contract.
func (p *Plane) WindowFocus(class, title string) *dbus.Error {
	if p.pause.IsPaused() {
		return nil
	}
	p.focus.HandleFocus(rules.WindowInfo{Class: class, Title: title})
	return nil
}

// GetStatus returns the current (layer, virtual_keys, source) snapshot.
func (p *Plane) GetStatus() (string, []string, string, *dbus.Error) {
	snap := p.status.Snapshot()
	vks := snap.VirtualKeys
	if vks == nil {
		vks = []string{}
	}
	return snap.Layer, vks, snap.LayerSource.String(), nil
}

// GetPaused returns the current pause flag.
func (p *Plane) GetPaused() (bool, *dbus.Error) {
	return p.pause.IsPaused(), nil
}

// Restart fires RestartSignal; the supervisor's run loop picks it up and
// rebuilds the world.
func (p *Plane) Restart() *dbus.Error {
	logging.AuditRestart(context.Background(), "control_plane")
	p.restart.Request()
	return nil
}

// Pause runs the coordinated pause algorithm. Idempotent: a call while
// already paused returns immediately with no side effects, since
// PauseController only acts on an actual flag transition.
func (p *Plane) Pause() *dbus.Error {
	if err := p.pauseCtl.Pause(context.Background()); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// Unpause runs the coordinated unpause algorithm.
func (p *Plane) Unpause() *dbus.Error {
	if err := p.pauseCtl.Unpause(context.Background()); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}
