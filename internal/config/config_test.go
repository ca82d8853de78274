package config

import (
	"strings"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	if o == nil {
		t.Fatal("DefaultOptions returned nil")
	}
	if o.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", o.Host)
	}
	if o.Port != 10000 {
		t.Errorf("expected default port 10000, got %d", o.Port)
	}
	if o.RulesPath == "" {
		t.Error("expected a non-empty default rules path")
	}
}

func TestOptionsValidate(t *testing.T) {
	o := DefaultOptions()
	if err := o.Validate(); err != nil {
		t.Errorf("expected default options to validate, got %v", err)
	}

	bad := DefaultOptions()
	bad.Port = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	bad2 := DefaultOptions()
	bad2.Quiet = true
	bad2.QuietFocus = true
	if err := bad2.Validate(); err == nil {
		t.Error("expected error for redundant quiet+quiet-focus")
	}
}

func TestValidateOptionsCollectsAllErrors(t *testing.T) {
	o := &Options{Host: "", Port: -1, RulesPath: ""}
	err := ValidateOptions(o)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"host", "port", "rules_path"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error message to mention %q, got: %s", want, msg)
		}
	}
}

func TestGetDefaultPathsAreUnderSwitchd(t *testing.T) {
	paths := GetDefaultPaths()
	for name, p := range map[string]string{
		"ConfigDir":       paths.ConfigDir,
		"LogDir":          paths.LogDir,
		"RulesConfigFile": paths.RulesConfigFile,
		"LogFile":         paths.LogFile,
	} {
		if !strings.Contains(p, "switchd") {
			t.Errorf("%s should contain switchd: %s", name, p)
		}
	}
}
