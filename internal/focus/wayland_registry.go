package focus

import "fmt"

// waylandGlobal is one entry advertised by wl_registry.global.
type waylandGlobal struct {
	name      uint32
	interface_ string
	version   uint32
}

// listGlobals binds a wl_registry, collects every advertised global
// until the compositor acks our wl_display.sync, and returns them. conn
// must already have a pump running (see wireConn.startPump). The
// registry object is left bound so callers can still issue
// wl_registry.bind against the returned names.
func listGlobals(conn *wireConn, pumpErr <-chan error) (registryID uint32, globals []waylandGlobal, err error) {
	registryID = conn.allocID()

	var args []byte
	args = putUint32(args, registryID)
	if sendErr := conn.send(wlDisplayID, 1 /* get_registry */, args); sendErr != nil {
		return 0, nil, sendErr
	}

	conn.on(registryID, func(opcode uint16, body []byte) {
		if opcode != 0 { // global
			return
		}
		name := getUint32(body, 0)
		iface, next := getString(body, 4)
		version := getUint32(body, next)
		globals = append(globals, waylandGlobal{name: name, interface_: iface, version: version})
	})

	syncID := conn.allocID()
	synced := make(chan struct{}, 1)
	conn.on(syncID, func(opcode uint16, body []byte) {
		if opcode == 0 { // wl_callback.done
			select {
			case synced <- struct{}{}:
			default:
			}
		}
	})
	defer conn.forget(syncID)

	var syncArgs []byte
	syncArgs = putUint32(syncArgs, syncID)
	if sendErr := conn.send(wlDisplayID, 0 /* sync */, syncArgs); sendErr != nil {
		return 0, nil, sendErr
	}

	select {
	case <-synced:
	case err := <-pumpErr:
		return 0, nil, fmt.Errorf("focus: wayland registry sync: %w", err)
	}

	return registryID, globals, nil
}

// findGlobal returns the first global whose interface matches name.
func findGlobal(globals []waylandGlobal, name string) (waylandGlobal, bool) {
	for _, g := range globals {
		if g.interface_ == name {
			return g, true
		}
	}
	return waylandGlobal{}, false
}

// bindGlobal issues wl_registry.bind for g, returning the id of the new
// local object.
func bindGlobal(conn *wireConn, registryID uint32, g waylandGlobal) (uint32, error) {
	newID := conn.allocID()

	var args []byte
	args = putUint32(args, g.name)
	args = putString(args, g.interface_)
	args = putUint32(args, g.version)
	args = putUint32(args, newID)

	if err := conn.send(registryID, 0 /* bind */, args); err != nil {
		return 0, err
	}
	return newID, nil
}
