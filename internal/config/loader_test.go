package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"switchd/internal/broadcast"
)

func TestRuleConfigWatcher_RequestsRestartOnValidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(path, []byte(`[]`), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	restart := broadcast.NewRestartSignal()
	w := NewRuleConfigWatcher(path, restart, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	if restart.Fired() {
		t.Fatal("restart should not have fired before any edit")
	}

	if err := os.WriteFile(path, []byte(`[{"default": "qwerty"}]`), 0644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if restart.Fired() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("restart was not requested after rule-config edit")
}

func TestRuleConfigWatcher_IgnoresUnparsableChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(path, []byte(`[]`), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	restart := broadcast.NewRestartSignal()
	w := NewRuleConfigWatcher(path, restart, nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`not json`), 0644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if restart.Fired() {
		t.Fatal("restart should not fire for a file that fails to parse")
	}
}
