package focus

import "fmt"

// detectWaylandVariant makes a throwaway connection to the compositor
// and inspects its registry to decide which foreign-toplevel protocol
// is available. Called from DetectKind, which runs at startup and again
// on every supervisor rebuild.
func detectWaylandVariant() (Kind, error) {
	conn, err := dialWaylandSocket()
	if err != nil {
		return 0, err
	}
	defer conn.close()

	stop := make(chan struct{})
	defer close(stop)
	pumpErr := conn.startPump(stop)

	_, globals, err := listGlobals(conn, pumpErr)
	if err != nil {
		return 0, err
	}

	if _, ok := findGlobal(globals, wlrProtocol.managerInterface); ok {
		return KindWaylandWLR, nil
	}
	if _, ok := findGlobal(globals, cosmicProtocol.managerInterface); ok {
		return KindWaylandCOSMIC, nil
	}
	return 0, fmt.Errorf("focus: compositor advertises neither %s nor %s",
		wlrProtocol.managerInterface, cosmicProtocol.managerInterface)
}
