// Package config resolves the daemon's ambient settings: command-line
// options, platform-specific paths, and a watcher that reloads the
// rule-config file on edit.
package config

import (
	"errors"
)

// Options holds the daemon's runtime settings. Each field starts at its
// built-in or platform default, may be overridden by the optional
// settings file (see LoadSettingsFile), and then by a CLI flag.
type Options struct {
	// Host and Port address the engine's line-delimited JSON TCP socket.
	Host string
	Port int

	// RulesPath is the rule-config JSON document's path.
	RulesPath string

	// Quiet suppresses indicator/notification chatter entirely; QuietFocus
	// suppresses only the per-focus-change notification.
	Quiet      bool
	QuietFocus bool

	// NoIndicator disables the tray indicator outright.
	NoIndicator bool

	// IndicatorFocusOnly, when true, shows the indicator only while a
	// rule-governed window is focused. nil means "use the indicator's own
	// default".
	IndicatorFocusOnly *bool
}

// DefaultOptions returns Options with the documented defaults (host
// 127.0.0.1, port 10000) and a platform-default rules path.
func DefaultOptions() *Options {
	return &Options{
		Host:      "127.0.0.1",
		Port:      10000,
		RulesPath: GetDefaultPaths().RulesConfigFile,
	}
}

// Validate reports the first structural problem with o, if any.
func (o *Options) Validate() error {
	if o.Host == "" {
		return errors.New("config: host must not be empty")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return errors.New("config: port must be between 1 and 65535")
	}
	if o.Quiet && o.QuietFocus {
		return errors.New("config: --quiet already implies --quiet-focus")
	}
	return nil
}
