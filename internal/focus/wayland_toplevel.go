package focus

import (
	"context"
	"fmt"
	"sync"

	"switchd/internal/rules"
)

// toplevelProtocolDesc captures the handful of ways the WLR and COSMIC
// foreign-toplevel protocols differ: the global's interface name, and
// the bit value the `state` array uses for "activated" (the two
// protocols use distinct sentinel constants for the same concept).
// Opcodes are otherwise identical between the two.
type toplevelProtocolDesc struct {
	managerInterface string
	activatedValue   uint32
}

const (
	// Manager object events.
	opToplevel = 0
	opFinished = 1

	// Handle object events.
	opTitle  = 0
	opAppID  = 1
	opState  = 4
	opDone   = 5
	opClosed = 6
)

var wlrProtocol = toplevelProtocolDesc{
	managerInterface: "zwlr_foreign_toplevel_manager_v1",
	activatedValue:   2,
}

var cosmicProtocol = toplevelProtocolDesc{
	managerInterface: "zcosmic_toplevel_info_v1",
	activatedValue:   3,
}

type toplevelHandleState struct {
	appID     string
	title     string
	activated bool
}

// toplevelSource implements Source over either foreign-toplevel
// protocol variant, selected by desc.
type toplevelSource struct {
	desc toplevelProtocolDesc

	mu       sync.Mutex
	handles  map[uint32]*toplevelHandleState
	activeID uint32 // 0 means "no active toplevel"
}

// NewWaylandWLR returns a Source backed by zwlr_foreign_toplevel_manager_v1.
func NewWaylandWLR() Source {
	return &toplevelSource{desc: wlrProtocol, handles: make(map[uint32]*toplevelHandleState)}
}

// NewWaylandCOSMIC returns a Source backed by zcosmic_toplevel_info_v1.
func NewWaylandCOSMIC() Source {
	return &toplevelSource{desc: cosmicProtocol, handles: make(map[uint32]*toplevelHandleState)}
}

func (s *toplevelSource) reset() {
	s.mu.Lock()
	s.handles = make(map[uint32]*toplevelHandleState)
	s.activeID = 0
	s.mu.Unlock()
}

func (s *toplevelSource) activeWindowInfo() rules.WindowInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == 0 {
		return rules.WindowInfo{}
	}
	h := s.handles[s.activeID]
	if h == nil {
		return rules.WindowInfo{}
	}
	return rules.WindowInfo{Class: h.appID, Title: h.title}
}

// bindAndWatch connects, binds the manager global, and registers event
// handlers that keep s.handles and s.activeID current. It returns the
// live connection (caller closes it) and a channel that fires the pump's
// terminal error.
func (s *toplevelSource) bindAndWatch(onChange func()) (*wireConn, <-chan error, error) {
	conn, err := dialWaylandSocket()
	if err != nil {
		return nil, nil, err
	}

	stop := make(chan struct{})
	pumpErr := conn.startPump(stop)

	registryID, globals, err := listGlobals(conn, pumpErr)
	if err != nil {
		close(stop)
		conn.close()
		return nil, nil, err
	}

	g, ok := findGlobal(globals, s.desc.managerInterface)
	if !ok {
		close(stop)
		conn.close()
		return nil, nil, fmt.Errorf("focus: compositor does not advertise %s", s.desc.managerInterface)
	}

	managerID, err := bindGlobal(conn, registryID, g)
	if err != nil {
		close(stop)
		conn.close()
		return nil, nil, err
	}

	conn.on(managerID, func(opcode uint16, body []byte) {
		switch opcode {
		case opToplevel:
			handleID := getUint32(body, 0)
			s.mu.Lock()
			s.handles[handleID] = &toplevelHandleState{}
			s.mu.Unlock()
			s.watchHandle(conn, handleID, onChange)
		case opFinished:
			// manager destroyed; nothing further to do on this connection.
		}
	})

	return conn, pumpErr, nil
}

func (s *toplevelSource) watchHandle(conn *wireConn, handleID uint32, onChange func()) {
	conn.on(handleID, func(opcode uint16, body []byte) {
		switch opcode {
		case opTitle:
			title, _ := getString(body, 0)
			s.mu.Lock()
			if h := s.handles[handleID]; h != nil {
				h.title = title
			}
			s.mu.Unlock()
		case opAppID:
			appID, _ := getString(body, 0)
			s.mu.Lock()
			if h := s.handles[handleID]; h != nil {
				h.appID = appID
			}
			s.mu.Unlock()
		case opState:
			values, _ := getUint32Array(body, 0)
			activated := false
			for _, v := range values {
				if v == s.desc.activatedValue {
					activated = true
					break
				}
			}
			s.mu.Lock()
			if h := s.handles[handleID]; h != nil {
				h.activated = activated
			}
			s.mu.Unlock()
		case opDone:
			s.mu.Lock()
			h := s.handles[handleID]
			if h != nil && h.activated {
				s.activeID = handleID
			} else if s.activeID == handleID && h != nil && !h.activated {
				s.activeID = 0
			}
			s.mu.Unlock()
			if onChange != nil {
				onChange()
			}
		case opClosed:
			s.mu.Lock()
			delete(s.handles, handleID)
			if s.activeID == handleID {
				s.activeID = 0
			}
			s.mu.Unlock()
			conn.forget(handleID)
			if onChange != nil {
				onChange()
			}
		}
	})
}

// QueryCurrent makes a fresh one-shot connection, waits for the
// compositor to finish delivering the initial burst of toplevel state,
// and reports whichever toplevel is activated.
func (s *toplevelSource) QueryCurrent(ctx context.Context) (rules.WindowInfo, error) {
	s.reset()

	conn, pumpErr, err := s.bindAndWatch(nil)
	if err != nil {
		return rules.WindowInfo{}, err
	}
	defer conn.close()

	syncID := conn.allocID()
	synced := make(chan struct{}, 1)
	conn.on(syncID, func(opcode uint16, body []byte) {
		if opcode == 0 {
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	})

	var args []byte
	args = putUint32(args, syncID)
	if err := conn.send(wlDisplayID, 0 /* sync */, args); err != nil {
		return rules.WindowInfo{}, err
	}

	select {
	case <-synced:
		return s.activeWindowInfo(), nil
	case err := <-pumpErr:
		return rules.WindowInfo{}, fmt.Errorf("focus: wayland query: %w", err)
	case <-ctx.Done():
		return rules.WindowInfo{}, ctx.Err()
	}
}

// Run streams every activation change until ctx is cancelled.
func (s *toplevelSource) Run(ctx context.Context, sink chan<- rules.WindowInfo) error {
	s.reset()

	var mu sync.Mutex
	var lastSent rules.WindowInfo
	onChange := func() {
		info := s.activeWindowInfo()
		mu.Lock()
		changed := info != lastSent
		if changed {
			lastSent = info
		}
		mu.Unlock()
		if changed {
			select {
			case sink <- info:
			default:
			}
		}
	}

	conn, pumpErr, err := s.bindAndWatch(onChange)
	if err != nil {
		return err
	}
	defer conn.close()

	select {
	case <-ctx.Done():
		return nil
	case err := <-pumpErr:
		return fmt.Errorf("focus: wayland run: %w", err)
	}
}
