package focus

import (
	"fmt"
	"os"
	"strings"
)

// DetectKind maps the desktop environment to a FocusSource variant. It
// returns an error for the unmapped case, and when WAYLAND_DISPLAY is set
// but the compositor cannot be probed or offers neither toplevel
// protocol; the caller treats both as fatal.
func DetectKind() (Kind, error) {
	desktop := os.Getenv("CURRENT_DESKTOP")
	if strings.Contains(strings.ToLower(desktop), "gnome") || os.Getenv("GNOME_SETUP_DISPLAY") != "" {
		return KindShellPushedGNOME, nil
	}
	if os.Getenv("KDE_SESSION_VERSION") != "" {
		return KindShellPushedKDE, nil
	}
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return detectWaylandVariant()
	}
	if os.Getenv("DISPLAY") != "" {
		return KindX11, nil
	}
	return 0, fmt.Errorf("focus: could not detect a desktop environment (no CURRENT_DESKTOP, KDE_SESSION_VERSION, WAYLAND_DISPLAY, or DISPLAY)")
}
