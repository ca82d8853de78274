// Package supervisor owns the daemon's run loop: detecting the desktop
// environment, connecting to the engine, starting the chosen FocusSource,
// registering the control plane, watching session activity, and wiring
// all four into the focus pipeline. It rebuilds every one of those parts
// on a control-plane Restart and tears them down cleanly (engine reset
// to default layer, held keys released) on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/godbus/dbus/v5"

	"switchd/internal/broadcast"
	"switchd/internal/config"
	"switchd/internal/control"
	"switchd/internal/engine"
	"switchd/internal/focus"
	"switchd/internal/logging"
	"switchd/internal/pipeline"
	"switchd/internal/rules"
	"switchd/internal/session"
)

// Supervisor is the top-level owner of one daemon process. The session
// bus connection and the shutdown latch outlive every restart; everything
// else lives inside the current world and is rebuilt from scratch on
// restart.
type Supervisor struct {
	opts *config.Options
	conn *dbus.Conn
	log  *slog.Logger

	shutdown *broadcast.ShutdownSignal

	mu       sync.Mutex
	w        *world
	fatalErr error
}

// New constructs a Supervisor. conn must be a connected session bus
// handle; it is shared by the control plane, the shell-pushed focus
// source, and the session activity monitor across every restart.
func New(opts *config.Options, conn *dbus.Conn, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		opts:     opts,
		conn:     conn,
		log:      log.With("component", "supervisor"),
		shutdown: broadcast.NewShutdownSignal(),
	}
}

// Shutdown requests a clean exit. Safe to call from a signal handler.
func (s *Supervisor) Shutdown() {
	s.shutdown.Request()
}

// Run blocks until the daemon shuts down, rebuilding its world on every
// restart in between. A non-nil error return means a fatal condition
// occurred (config load failure, unknown environment, a post-startup
// focus-source or session-activity failure); the caller should exit 1.
func (s *Supervisor) Run(ctx context.Context) error {
	logging.AuditStartup(ctx, "", nil)
	defer func() {
		s.mu.Lock()
		reason := "shutdown requested"
		if s.fatalErr != nil {
			reason = s.fatalErr.Error()
		}
		s.mu.Unlock()
		logging.AuditShutdown(ctx, reason)
	}()
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			w := s.w
			s.mu.Unlock()
			if w != nil {
				w.close(true)
			}
			panic(r)
		}
	}()

	for {
		restart := broadcast.NewRestartSignal()

		w, err := s.buildWorld(ctx, restart)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.w = w
		s.mu.Unlock()

		outcome := broadcast.WaitForRestartOrShutdown(restart, s.shutdown)
		w.close(outcome == broadcast.OutcomeExit)
		s.mu.Lock()
		s.w = nil
		s.mu.Unlock()

		if outcome == broadcast.OutcomeExit {
			s.mu.Lock()
			fatalErr := s.fatalErr
			s.mu.Unlock()
			return fatalErr
		}
		s.log.Info("restart requested, rebuilding")
	}
}

// fail records the first fatal error seen and requests shutdown. Called
// from any long-running task that hits an unrecoverable error after
// startup.
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
	s.log.Error("fatal error, shutting down", "error", err)
	s.shutdown.Request()
}

// world bundles every component rebuilt on each connect/restart cycle.
type world struct {
	log *slog.Logger

	status  *broadcast.StatusBroadcaster
	paused  *broadcast.PauseBroadcaster
	engine  *engine.Client
	eval    *rules.Evaluator
	flow    *pipeline.Pipeline
	source  focus.Source
	shell   *focus.ShellPushed
	plane   *control.Plane
	monitor *session.Monitor
	watcher *config.RuleConfigWatcher

	cancel context.CancelFunc
}

func (s *Supervisor) buildWorld(ctx context.Context, restart *broadcast.RestartSignal) (*world, error) {
	kind, err := focus.DetectKind()
	if err != nil {
		return nil, fmt.Errorf("supervisor: detect environment: %w", err)
	}

	cfg, err := loadRuleConfig(s.opts.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load rule config: %w", err)
	}

	status := broadcast.NewStatusBroadcaster()
	paused := broadcast.NewPauseBroadcaster()
	eval := rules.NewEvaluator(cfg)

	client := engine.NewClient(s.opts.Host, s.opts.Port, cfg.DefaultLayer, status, s.log)
	if err := client.ConnectWithRetry(ctx); err != nil {
		return nil, fmt.Errorf("supervisor: connect to engine: %w", err)
	}

	flow := pipeline.New(eval, client, status, cfg.DefaultLayer, s.log)

	source, shell := buildSource(kind, s.conn)

	worldCtx, cancel := context.WithCancel(ctx)
	w := &world{
		log:    s.log,
		status: status,
		paused: paused,
		engine: client,
		eval:   eval,
		flow:   flow,
		source: source,
		shell:  shell,
		cancel: cancel,
	}

	plane := control.New(s.conn, &focusIngress{w: w}, s, status, paused, restart, s.log)
	if err := plane.Register(); err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: register control plane: %w", err)
	}
	w.plane = plane

	if kind == focus.KindShellPushedKDE {
		if err := plane.EnableKDEScripting(kwinMajorFromEnv()); err != nil {
			s.log.Warn("kwin scripting unavailable, shell extension must push focus itself", "error", err)
		}
	}

	sink := make(chan rules.WindowInfo, 16)
	go func() {
		defer logging.RecoverPanic()
		if err := source.Run(worldCtx, sink); err != nil && worldCtx.Err() == nil {
			s.fail(fmt.Errorf("supervisor: focus source failed: %w", err))
		}
	}()
	go func() {
		defer logging.RecoverPanic()
		consumeSink(worldCtx, sink, flow)
	}()
	go func() {
		defer logging.RecoverPanic()
		plane.Run(worldCtx)
	}()

	if initial, err := source.QueryCurrent(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: initial focus query: %w", err)
	} else {
		flow.ApplyFocusForEnv(initial)
	}

	monitor := session.NewMonitor(s.conn, s.log)
	go func() {
		defer logging.RecoverPanic()
		monitor.Start(worldCtx,
			func() { w.flow.HandleFocus(rules.WindowInfo{IsNativeTerminal: true}) },
			func(ctx context.Context) error {
				info, err := w.source.QueryCurrent(ctx)
				if err != nil {
					return err
				}
				w.flow.ApplyFocusForEnv(info)
				return nil
			},
			s.fail,
		)
	}()
	w.monitor = monitor

	watcher := config.NewRuleConfigWatcher(s.opts.RulesPath, restart, s.log)
	if err := watcher.Start(); err != nil {
		s.log.Warn("rule-config watcher unavailable, edits require manual restart", "error", err)
	} else {
		w.watcher = watcher
	}

	return w, nil
}

// close tears down every goroutine and resource the world holds. On a
// true shutdown (not a restart), it also runs the "reset engine to
// default layer, release held virtual keys" guard before disconnecting.
func (w *world) close(shutdown bool) {
	if shutdown {
		releaseAllAndSwitchDefault(w.eval, w.engine, w.status)
	}
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.engine.PauseDisconnect()
	if err := w.plane.Close(); err != nil {
		w.log.Warn("error closing control plane", "error", err)
	}
}

// releaseAllAndSwitchDefault runs the same "drain held keys, then switch
// to default" sequence the pause path uses, since both need the engine
// left in a clean state before the connection goes away.
func releaseAllAndSwitchDefault(eval *rules.Evaluator, client *engine.Client, status *broadcast.StatusBroadcaster) {
	vks := eval.CurrentVirtualKeys()
	eval.Reset()
	for i := len(vks) - 1; i >= 0; i-- {
		client.ActOnFakeKey(vks[i], rules.VkRelease)
	}
	def := client.DefaultLayer()
	if def != "" {
		client.ChangeLayer(def)
	}
	status.SetPausedStatus(def)
}

func consumeSink(ctx context.Context, sink <-chan rules.WindowInfo, flow *pipeline.Pipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-sink:
			if !ok {
				return
			}
			flow.HandleFocus(w)
		}
	}
}

func buildSource(kind focus.Kind, conn *dbus.Conn) (focus.Source, *focus.ShellPushed) {
	switch kind {
	case focus.KindWaylandWLR:
		return focus.NewWaylandWLR(), nil
	case focus.KindWaylandCOSMIC:
		return focus.NewWaylandCOSMIC(), nil
	case focus.KindShellPushedGNOME, focus.KindShellPushedKDE:
		shell := focus.NewShellPushed(conn)
		return shell, shell
	default:
		return focus.NewX11(), nil
	}
}

// kwinMajorFromEnv reads KDE_SESSION_VERSION, defaulting to 5 (the last
// version before KWin's scripting API rename) when absent or malformed.
func kwinMajorFromEnv() int {
	v, err := strconv.Atoi(os.Getenv("KDE_SESSION_VERSION"))
	if err != nil || v <= 0 {
		return 5
	}
	return v
}

func loadRuleConfig(path string) (rules.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rules.Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return rules.ParseConfig(data)
}

// focusIngress adapts the control plane's WindowFocus method onto the
// current world: shell-pushed sources route through their own Push so
// the event still flows through the normal Run/sink path; every other
// variant goes straight to the pipeline.
type focusIngress struct {
	w *world
}

func (f *focusIngress) HandleFocus(window rules.WindowInfo) {
	if f.w.shell != nil {
		f.w.shell.Push(window)
		return
	}
	f.w.flow.HandleFocus(window)
}

// Pause implements control.PauseController.
func (s *Supervisor) Pause(ctx context.Context) error {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return errors.New("supervisor: no active world")
	}
	if !w.paused.SetPaused(true) {
		return nil
	}

	vks := w.flow.CurrentVirtualKeys()
	w.flow.ResetEvaluator()

	def := w.engine.DefaultLayer()
	for i := len(vks) - 1; i >= 0; i-- {
		w.engine.ActOnFakeKey(vks[i], rules.VkRelease)
	}
	if def != "" {
		w.engine.ChangeLayer(def)
	}
	w.status.SetPausedStatus(def)
	w.engine.PauseDisconnect()
	logging.AuditPause(ctx)
	return nil
}

// Unpause implements control.PauseController.
func (s *Supervisor) Unpause(ctx context.Context) error {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return errors.New("supervisor: no active world")
	}
	if !w.paused.SetPaused(false) {
		return nil
	}

	if err := w.engine.UnpauseConnect(ctx); err != nil {
		return fmt.Errorf("supervisor: reconnect to engine: %w", err)
	}

	window, err := w.source.QueryCurrent(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: re-query focus after unpause: %w", err)
	}
	w.flow.ApplyFocusForEnv(window)
	logging.AuditUnpause(ctx)
	return nil
}
