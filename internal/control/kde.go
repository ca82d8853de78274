package control

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"switchd/internal/config"
)

const (
	kwinBusName             = "org.kde.KWin"
	kwinScriptingPath       = dbus.ObjectPath("/Scripting")
	kwinScriptingInterface  = "org.kde.kwin.Scripting"
	kwinScriptInterfaceFmt  = "org.kde.kwin.Script"
)

// scriptCounter is a process-wide generator for unique temp-script
// suffixes, so two supervisor restarts within the
// same process never collide on the same plugin name.
var scriptCounter atomic.Uint64

// kdeScripting holds the lifecycle of the injected window-manager
// script: the loaded KWin script ID and the temp file backing it. Close
// unloads the script and removes the file; it must run on every exit
// path, including a panic unwind in the supervisor.
type kdeScripting struct {
	conn       *dbus.Conn
	path       string
	pluginName string
	scriptID   int32
	log        *slog.Logger
}

// newKDEScripting writes the activation-forwarding script to a per-UID
// temp path, asks KWin's scripting service to load and run it, and
// returns a handle whose Close reverses both steps.
func newKDEScripting(conn *dbus.Conn, kwinMajor int, log *slog.Logger) (*kdeScripting, error) {
	n := scriptCounter.Add(1)
	pluginName := fmt.Sprintf("switchd-focus-%d-%d", os.Getpid(), n)
	dir := config.PlatformRuntimeDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("control: create kwin script directory: %w", err)
	}
	path := filepath.Join(dir, pluginName+".js")

	if err := os.WriteFile(path, []byte(kwinScriptBody(kwinMajor)), 0o600); err != nil {
		return nil, fmt.Errorf("control: write kwin script: %w", err)
	}

	scripting := conn.Object(kwinBusName, kwinScriptingPath)
	var scriptID int32
	if err := scripting.Call(kwinScriptingInterface+".loadScript", 0, path, pluginName).Store(&scriptID); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("control: kwin loadScript: %w", err)
	}

	scriptObj := conn.Object(kwinBusName, dbus.ObjectPath(fmt.Sprintf("%s/Script%d", kwinScriptingPath, scriptID)))
	if call := scriptObj.Call(kwinScriptInterfaceFmt+".run", 0); call.Err != nil {
		scripting.Call(kwinScriptingInterface+".unloadScript", 0, pluginName)
		os.Remove(path)
		return nil, fmt.Errorf("control: kwin run script: %w", call.Err)
	}

	log.Info("kwin focus-forwarding script loaded", "plugin", pluginName, "kwin_major", kwinMajor)
	return &kdeScripting{conn: conn, path: path, pluginName: pluginName, scriptID: scriptID, log: log}, nil
}

// Close unloads the script from KWin and removes the backing temp file.
// Both steps are attempted even if the first fails, matching the
// resource-discipline rule that this guard is always run, including on
// a disconnected bus where the unload call itself may fail.
func (k *kdeScripting) Close() error {
	scripting := k.conn.Object(kwinBusName, kwinScriptingPath)
	var unloaded bool
	unloadErr := scripting.Call(kwinScriptingInterface+".unloadScript", 0, k.pluginName).Store(&unloaded)
	removeErr := os.Remove(k.path)
	if unloadErr != nil {
		return fmt.Errorf("control: kwin unloadScript: %w", unloadErr)
	}
	if removeErr != nil {
		return fmt.Errorf("control: remove kwin script file: %w", removeErr)
	}
	return nil
}

// kwinScriptBody returns the JavaScript body KWin loads. KWin 5 exposes
// the active-window accessor as workspace.activeClient and the
// activation signal as workspace.clientActivated; KWin 6 renamed both to
// workspace.activeWindow and workspace.windowActivated.
func kwinScriptBody(kwinMajor int) string {
	signal := "clientActivated"
	classProp := "resourceClass"
	titleProp := "caption"
	if kwinMajor >= 6 {
		signal = "windowActivated"
	}
	return fmt.Sprintf(`
function switchdEmitFocus(win) {
	if (!win) {
		return;
	}
	callDBus("%s", "%s", "%s", "WindowFocus", String(win.%s), String(win.%s));
}
workspace.%s.connect(switchdEmitFocus);
`, BusName, string(ObjectPath), InterfaceName, classProp, titleProp, signal)
}
