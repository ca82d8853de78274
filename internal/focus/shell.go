package focus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"switchd/internal/rules"
)

// The focus-query helper is the shell extension's side of the contract:
// a distinct object path/interface/method on the session bus, owned by
// the extension, called by us on startup and on unpause.
const (
	FocusQueryBusName     = "org.switchd.ShellFocus"
	FocusQueryObjectPath  = dbus.ObjectPath("/org/switchd/ShellFocus")
	FocusQueryInterface   = "org.switchd.ShellFocus1"
	FocusQueryMethod      = FocusQueryInterface + ".CurrentFocus"
	focusQueryCallTimeout = 5
)

// ShellPushed implements Source for desktop shells (GNOME, KDE) that
// have no stable polling protocol of their own. Live updates arrive by
// the control plane's WindowFocus method calling Push; QueryCurrent
// instead makes a synchronous round trip to the shell extension's own
// helper object.
type ShellPushed struct {
	conn *dbus.Conn

	mu   sync.Mutex
	subs map[chan rules.WindowInfo]struct{}
}

// NewShellPushed returns a ShellPushed source that queries the shell
// extension over conn.
func NewShellPushed(conn *dbus.Conn) *ShellPushed {
	return &ShellPushed{conn: conn, subs: make(map[chan rules.WindowInfo]struct{})}
}

// Push fans info out to every active Run call. Called from the control
// plane's WindowFocus method.
func (s *ShellPushed) Push(info rules.WindowInfo) {
	s.mu.Lock()
	subs := make([]chan rules.WindowInfo, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- info:
		default:
		}
	}
}

// QueryCurrent calls the shell extension's helper object for the window
// it currently considers focused.
func (s *ShellPushed) QueryCurrent(ctx context.Context) (rules.WindowInfo, error) {
	obj := s.conn.Object(FocusQueryBusName, FocusQueryObjectPath)
	var class, title string
	call := obj.CallWithContext(ctx, FocusQueryMethod, 0)
	if call.Err != nil {
		return rules.WindowInfo{}, fmt.Errorf("focus: shell focus query: %w", call.Err)
	}
	if err := call.Store(&class, &title); err != nil {
		return rules.WindowInfo{}, fmt.Errorf("focus: shell focus query: decode reply: %w", err)
	}
	return rules.WindowInfo{Class: class, Title: title}, nil
}

// Run is trivial: the shell-pushed variant has no polling loop of its
// own, only the WindowFocus ingress (see Push).
func (s *ShellPushed) Run(ctx context.Context, sink chan<- rules.WindowInfo) error {
	ch := make(chan rules.WindowInfo, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case info := <-ch:
			select {
			case sink <- info:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
