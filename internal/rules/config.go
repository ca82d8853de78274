package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is the JSON Schema for the rule-config wire format. It is
// compiled once and reused for every ParseConfig call.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "default": {"type": "string"},
      "on_native_terminal": {"type": "string"},
      "class": {"type": "string"},
      "title": {"type": "string"},
      "layer": {"type": "string"},
      "virtual_key": {"type": "string"},
      "raw_vk_action": {
        "type": "array",
        "items": {
          "type": "array",
          "items": [{"type": "string"}, {"type": "string"}],
          "minItems": 2,
          "maxItems": 2
        }
      },
      "fallthrough": {"type": "boolean"}
    },
    "additionalProperties": false
  }
}`

var compiledConfigSchema = mustCompileConfigSchema()

func mustCompileConfigSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("switchd-rules.json", bytes.NewReader([]byte(configSchema))); err != nil {
		panic(fmt.Sprintf("rules: invalid embedded schema: %v", err))
	}
	schema, err := compiler.Compile("switchd-rules.json")
	if err != nil {
		panic(fmt.Sprintf("rules: schema compile failed: %v", err))
	}
	return schema
}

// rawEntry is the wire shape of a single config array element: either
// {"default": "<layer>"}, a native-terminal entry, or a matcher-rule
// object.
type rawEntry struct {
	Default          *string          `json:"default,omitempty"`
	OnNativeTerminal *string          `json:"on_native_terminal,omitempty"`
	Class            *string          `json:"class,omitempty"`
	Title            *string          `json:"title,omitempty"`
	Layer            *string          `json:"layer,omitempty"`
	VirtualKey       *string          `json:"virtual_key,omitempty"`
	RawVkAction      [][2]string      `json:"raw_vk_action,omitempty"`
	Fallthrough      bool             `json:"fallthrough,omitempty"`
}

// ParseConfig decodes and validates the JSON rule-config document. It
// enforces: at most one "default" entry, at most one
// "on_native_terminal" entry, and that on_native_terminal entries carry
// none of class/title/layer.
func ParseConfig(data []byte) (Config, error) {
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return Config{}, fmt.Errorf("rules: invalid JSON: %w", err)
	}
	if err := compiledConfigSchema.Validate(generic); err != nil {
		return Config{}, fmt.Errorf("rules: schema validation failed: %w", err)
	}

	var entries []rawEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return Config{}, fmt.Errorf("rules: invalid JSON: %w", err)
	}

	var cfg Config
	sawDefault := false
	sawNativeTerminal := false

	for i, e := range entries {
		switch {
		case e.Default != nil:
			if sawDefault {
				return Config{}, fmt.Errorf("rules: entry %d: duplicate \"default\" entry", i)
			}
			sawDefault = true
			cfg.DefaultLayer = *e.Default

		case e.OnNativeTerminal != nil:
			if sawNativeTerminal {
				return Config{}, fmt.Errorf("rules: entry %d: duplicate \"on_native_terminal\" entry", i)
			}
			if e.Class != nil || e.Title != nil || e.Layer != nil {
				return Config{}, fmt.Errorf("rules: entry %d: on_native_terminal entries must not carry class, title, or layer", i)
			}
			sawNativeTerminal = true
			r := Rule{
				OnNativeTerminal: *e.OnNativeTerminal,
				VirtualKey:       derefOr(e.VirtualKey, ""),
				RawVkActions:     toRawVkActions(e.RawVkAction),
			}
			cfg.NativeTerminalRule = &r

		default:
			cfg.Rules = append(cfg.Rules, Rule{
				ClassPattern: derefOr(e.Class, ""),
				TitlePattern: derefOr(e.Title, ""),
				Layer:        derefOr(e.Layer, ""),
				VirtualKey:   derefOr(e.VirtualKey, ""),
				RawVkActions: toRawVkActions(e.RawVkAction),
				Fallthrough:  e.Fallthrough,
			})
		}
	}

	if err := validateRawActionKinds(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

func toRawVkActions(pairs [][2]string) []RawVkAction {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]RawVkAction, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, RawVkAction{Name: p[0], Action: RawVkActionKind(p[1])})
	}
	return out
}

func validateRawActionKinds(cfg Config) error {
	check := func(actions []RawVkAction) error {
		for _, a := range actions {
			switch a.Action {
			case VkPress, VkRelease, VkTap, VkToggle:
			default:
				return fmt.Errorf("rules: unknown raw_vk_action kind %q (want one of Press, Release, Tap, Toggle)", a.Action)
			}
		}
		return nil
	}
	for _, r := range cfg.Rules {
		if err := check(r.RawVkActions); err != nil {
			return err
		}
	}
	if cfg.NativeTerminalRule != nil {
		if err := check(cfg.NativeTerminalRule.RawVkActions); err != nil {
			return err
		}
	}
	return nil
}

// String renders a one-line summary of a Config (default layer, rule
// count, whether a native-terminal rule is present), mainly useful for
// diagnostics and tests.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config{default=%q, rules=%d, native_terminal=%v}", c.DefaultLayer, len(c.Rules), c.NativeTerminalRule != nil)
	return b.String()
}
