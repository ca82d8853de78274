// switchd retargets a keyboard-remapping engine's active layer and held
// virtual keys in response to desktop focus changes. It runs as a
// long-lived per-session daemon; --restart, --pause, and --unpause are
// one-shot verbs that talk to an already-running instance over the
// session bus instead of starting a new one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/godbus/dbus/v5"

	"switchd/internal/config"
	"switchd/internal/control"
	"switchd/internal/focus"
	"switchd/internal/logging"
	"switchd/internal/supervisor"
)

const backgroundEnvVar = "SWITCHD_BACKGROUNDED"

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	opts := config.DefaultOptions()

	if err := config.LoadSettingsFile(config.PlatformConfigDir(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "switchd: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("switchd", flag.ExitOnError)
	host := fs.String("host", opts.Host, "engine host")
	port := fs.Int("port", opts.Port, "engine port")
	rulesPath := fs.String("config", opts.RulesPath, "path to the rule-config JSON document")
	quiet := fs.Bool("quiet", opts.Quiet, "suppress all indicator/notification chatter")
	quietFocus := fs.Bool("quiet-focus", opts.QuietFocus, "suppress only the per-focus-change notification")
	noIndicator := fs.Bool("no-indicator", opts.NoIndicator, "disable the tray indicator")
	indicatorFocusOnly := fs.String("indicator-focus-only", "", "show the indicator only while a rule-governed window is focused (true|false)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")
	version := fs.Bool("version", false, "print version and exit")

	restart := fs.Bool("restart", false, "ask a running daemon to rebuild its world and exit")
	pause := fs.Bool("pause", false, "ask a running daemon to release held keys and disconnect from the engine")
	unpause := fs.Bool("unpause", false, "ask a running daemon to reconnect and resume")
	installAutostart := fs.Bool("install-autostart", false, "install a login-session autostart entry for switchd")
	uninstallAutostart := fs.Bool("uninstall-autostart", false, "remove the autostart entry installed by --install-autostart")
	background := fs.Bool("background", false, "detach into the background instead of running in the foreground")

	fs.Parse(os.Args[1:])

	if *version {
		fmt.Printf("switchd %s (%s)\n", Version, Commit)
		return
	}

	opts.Host = *host
	opts.Port = *port
	opts.RulesPath = *rulesPath
	opts.Quiet = *quiet
	opts.QuietFocus = *quietFocus
	opts.NoIndicator = *noIndicator
	if *indicatorFocusOnly != "" {
		v := *indicatorFocusOnly == "true"
		opts.IndicatorFocusOnly = &v
	}

	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "switchd: %v\n", err)
		os.Exit(1)
	}

	oneShotCount := boolsTrue(*restart, *pause, *unpause, *installAutostart, *uninstallAutostart)
	if oneShotCount > 1 {
		fmt.Fprintln(os.Stderr, "switchd: --restart, --pause, --unpause, --install-autostart, and --uninstall-autostart are mutually exclusive")
		os.Exit(1)
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchd: %v\n", err)
		os.Exit(1)
	}
	format := logging.FormatText
	if *logFormat == "json" {
		format = logging.FormatJSON
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Format = format
	logCfg.Output = "both"
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchd: init logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)

	switch {
	case *installAutostart:
		os.Exit(runInstallAutostart())
	case *uninstallAutostart:
		os.Exit(runUninstallAutostart())
	case *restart, *pause, *unpause:
		os.Exit(runOneShotVerb(*restart, *pause, *unpause))
	case *background && os.Getenv(backgroundEnvVar) == "":
		os.Exit(spawnInBackground())
	default:
		os.Exit(runDaemon(opts, logger.Logger))
	}
}

// spawnInBackground relaunches the current invocation as a detached
// child (dropping --background so the child falls through to runDaemon)
// and returns as soon as the child process has been started; it does not
// wait to see whether the child keeps running.
func spawnInBackground() int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchd: resolve executable path: %v\n", err)
		return 1
	}

	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a != "--background" && a != "-background" {
			args = append(args, a)
		}
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), backgroundEnvVar+"=1")
	cmd.SysProcAttr = getDaemonSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "switchd: start background process: %v\n", err)
		return 1
	}
	fmt.Printf("switchd: started in background, pid %d\n", cmd.Process.Pid)
	return 0
}

func boolsTrue(bs ...bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

// runOneShotVerb dials the session bus and invokes the matching method
// on an already-running daemon's control plane. It never starts a
// daemon of its own: no running instance is a fatal condition here.
func runOneShotVerb(restart, pause, unpause bool) int {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchd: connect to session bus: %v\n", err)
		return 1
	}
	defer conn.Close()

	obj := conn.Object(control.BusName, control.ObjectPath)

	var call *dbus.Call
	switch {
	case restart:
		call = obj.Call(control.InterfaceName+".Restart", 0)
	case pause:
		call = obj.Call(control.InterfaceName+".Pause", 0)
	case unpause:
		call = obj.Call(control.InterfaceName+".Unpause", 0)
	}
	if call.Err != nil {
		fmt.Fprintf(os.Stderr, "switchd: no running daemon to control: %v\n", call.Err)
		return 1
	}
	return 0
}

// runDaemon runs the long-lived supervised process. It returns the
// process's exit code: 0 on a clean shutdown, 1 on a fatal error.
func runDaemon(opts *config.Options, log *slog.Logger) (code int) {
	// code stays 1 when a panic is recovered below.
	code = 1
	defer logging.RecoverPanic()

	if _, err := focus.DetectKind(); err != nil {
		fmt.Fprintf(os.Stderr, "switchd: %v\n", err)
		return 1
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchd: connect to session bus: %v\n", err)
		return 1
	}
	defer conn.Close()

	sup := supervisor.New(opts, conn, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		sup.Shutdown()
	}()

	if err := sup.Run(context.Background()); err != nil {
		log.Error("switchd exiting on fatal error", "error", err)
		return 1
	}
	return 0
}

const autostartDesktopEntry = `[Desktop Entry]
Type=Application
Name=switchd
Comment=Retargets keyboard-remapping layers on desktop focus changes
Exec=%s
Terminal=false
X-GNOME-Autostart-enabled=true
`

func autostartFilePath() string {
	return filepath.Join(config.PlatformConfigDir(), "..", "autostart", "switchd.desktop")
}

func runInstallAutostart() int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchd: resolve executable path: %v\n", err)
		return 1
	}
	path := autostartFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "switchd: create autostart directory: %v\n", err)
		return 1
	}
	entry := fmt.Sprintf(autostartDesktopEntry, exe)
	if err := os.WriteFile(path, []byte(entry), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "switchd: write autostart entry: %v\n", err)
		return 1
	}
	fmt.Printf("switchd: autostart entry installed at %s\n", path)
	return 0
}

func runUninstallAutostart() int {
	path := autostartFilePath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "switchd: remove autostart entry: %v\n", err)
		return 1
	}
	fmt.Printf("switchd: autostart entry removed from %s\n", path)
	return 0
}
