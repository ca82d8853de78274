package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"switchd/internal/broadcast"
	"switchd/internal/logging"
	"switchd/internal/rules"
)

// debounceDelay absorbs the burst of write events most editors produce
// for a single save (temp-file-then-rename, multiple small writes).
const debounceDelay = 250 * time.Millisecond

// RuleConfigWatcher watches the rule-config file named by path and feeds
// restart whenever it changes, per the convenience wiring described
// alongside the control plane's restart verb: editing the rule file on
// disk behaves exactly like issuing a restart over the bus. A change
// that fails to parse is logged and ignored; the daemon keeps running
// on its last-good rules.
type RuleConfigWatcher struct {
	path    string
	restart *broadcast.RestartSignal
	log     *slog.Logger

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRuleConfigWatcher constructs a watcher for path. It does not start
// watching until Start is called.
func NewRuleConfigWatcher(path string, restart *broadcast.RestartSignal, log *slog.Logger) *RuleConfigWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &RuleConfigWatcher{
		path:    path,
		restart: restart,
		log:     log.With("component", "config-watcher"),
	}
}

// Start begins watching the directory containing the rule-config file.
// Watching the containing directory, rather than the file itself, keeps
// the watch alive across editors that replace the file via
// rename-over-original.
func (w *RuleConfigWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *RuleConfigWatcher) run(ctx context.Context) {
	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("rule-config watcher error", "error", err)
		}
	}
}

func (w *RuleConfigWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("rule-config changed but could not be read", "path", w.path, "error", err)
		return
	}
	if _, err := rules.ParseConfig(data); err != nil {
		w.log.Warn("rule-config changed but failed to parse, ignoring", "path", w.path, "error", err)
		return
	}
	w.log.Info("rule-config changed on disk, requesting restart", "path", w.path)
	logging.AuditRestart(context.Background(), "rule_config_watcher")
	w.restart.Request()
}

// Close stops watching and releases the underlying inotify/kqueue handle.
func (w *RuleConfigWatcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	watcher := w.watcher
	w.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
