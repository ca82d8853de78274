package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// settingsFile mirrors the on-disk settings document: everything
// Options can hold except the things that only make sense as CLI
// overrides for a single invocation (the one-shot verbs live in
// cmd/switchd, not here).
type settingsFile struct {
	Host                string `toml:"host" yaml:"host"`
	Port                int    `toml:"port" yaml:"port"`
	RulesPath           string `toml:"rules_path" yaml:"rules_path"`
	Quiet               bool   `toml:"quiet" yaml:"quiet"`
	QuietFocus          bool   `toml:"quiet_focus" yaml:"quiet_focus"`
	NoIndicator         bool   `toml:"no_indicator" yaml:"no_indicator"`
	IndicatorFocusOnly  *bool  `toml:"indicator_focus_only" yaml:"indicator_focus_only"`
}

// LoadSettingsFile looks for switchd.toml then switchd.yaml (then
// switchd.yml) in dir and applies whatever it finds on top of opts. A
// missing settings file is not an error: CLI flags and the built-in
// defaults are enough on their own. The format is picked by extension,
// not content sniffing.
func LoadSettingsFile(dir string, opts *Options) error {
	for _, name := range []string{"switchd.toml", "switchd.yaml", "switchd.yml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config: read settings file %s: %w", path, err)
		}

		var s settingsFile
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), &s); err != nil {
				return fmt.Errorf("config: parse settings file %s: %w", path, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("config: parse settings file %s: %w", path, err)
			}
		}

		applySettings(s, opts)
		return nil
	}
	return nil
}

// applySettings copies every non-zero field of s onto opts. A zero value
// in the settings file means "not set there", so it never overwrites an
// already-populated default; CLI flags applied after this call still win
// over both.
func applySettings(s settingsFile, opts *Options) {
	if s.Host != "" {
		opts.Host = s.Host
	}
	if s.Port != 0 {
		opts.Port = s.Port
	}
	if s.RulesPath != "" {
		opts.RulesPath = s.RulesPath
	}
	if s.Quiet {
		opts.Quiet = true
	}
	if s.QuietFocus {
		opts.QuietFocus = true
	}
	if s.NoIndicator {
		opts.NoIndicator = true
	}
	if s.IndicatorFocusOnly != nil {
		opts.IndicatorFocusOnly = s.IndicatorFocusOnly
	}
}
