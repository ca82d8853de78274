package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettingsFile_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	if err := LoadSettingsFile(dir, opts); err != nil {
		t.Fatalf("expected no error for a missing settings file, got %v", err)
	}
	if opts.Host != "127.0.0.1" {
		t.Errorf("expected defaults untouched, got host %s", opts.Host)
	}
}

func TestLoadSettingsFile_TOMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	body := "host = \"0.0.0.0\"\nport = 9999\nquiet = true\n"
	if err := os.WriteFile(filepath.Join(dir, "switchd.toml"), []byte(body), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	opts := DefaultOptions()
	if err := LoadSettingsFile(dir, opts); err != nil {
		t.Fatalf("LoadSettingsFile: %v", err)
	}
	if opts.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", opts.Host)
	}
	if opts.Port != 9999 {
		t.Errorf("expected port 9999, got %d", opts.Port)
	}
	if !opts.Quiet {
		t.Error("expected quiet to be true")
	}
}

func TestLoadSettingsFile_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	body := "host: 192.168.1.1\nport: 8080\nno_indicator: true\n"
	if err := os.WriteFile(filepath.Join(dir, "switchd.yaml"), []byte(body), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	opts := DefaultOptions()
	if err := LoadSettingsFile(dir, opts); err != nil {
		t.Fatalf("LoadSettingsFile: %v", err)
	}
	if opts.Host != "192.168.1.1" {
		t.Errorf("expected host 192.168.1.1, got %s", opts.Host)
	}
	if opts.Port != 8080 {
		t.Errorf("expected port 8080, got %d", opts.Port)
	}
	if !opts.NoIndicator {
		t.Error("expected no_indicator to be true")
	}
}

func TestLoadSettingsFile_TOMLPreferredOverYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "switchd.toml"), []byte("host = \"from-toml\"\n"), 0644); err != nil {
		t.Fatalf("seed toml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "switchd.yaml"), []byte("host: from-yaml\n"), 0644); err != nil {
		t.Fatalf("seed yaml: %v", err)
	}

	opts := DefaultOptions()
	if err := LoadSettingsFile(dir, opts); err != nil {
		t.Fatalf("LoadSettingsFile: %v", err)
	}
	if opts.Host != "from-toml" {
		t.Errorf("expected toml to take precedence, got host %s", opts.Host)
	}
}

func TestLoadSettingsFile_MalformedTOMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "switchd.toml"), []byte("not = [valid"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	opts := DefaultOptions()
	if err := LoadSettingsFile(dir, opts); err == nil {
		t.Fatal("expected an error for malformed toml")
	}
}
