package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modelhost.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Listen != DefaultListen {
		t.Errorf("Listen = %q, want %q", cfg.Server.Listen, DefaultListen)
	}
	if cfg.Plugins.Root != DefaultPluginRoot {
		t.Errorf("Root = %q, want %q", cfg.Plugins.Root, DefaultPluginRoot)
	}
	if cfg.Plugins.ReloadGrace.Std() != DefaultReloadGrace {
		t.Errorf("ReloadGrace = %v, want %v", cfg.Plugins.ReloadGrace.Std(), DefaultReloadGrace)
	}
	if cfg.Plugins.Limits.CallTimeout.Std() != DefaultCallTimeout {
		t.Errorf("CallTimeout = %v, want %v", cfg.Plugins.Limits.CallTimeout.Std(), DefaultCallTimeout)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err != nil {
		t.Fatalf("missing file should fall back to defaults, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
[server]
listen = ":9090"
request_timeout = "30s"

[plugins]
root = "/srv/models"
watch = true
reload_grace = "3s"

[plugins.limits]
call_timeout = "15s"

[log]
level = "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", cfg.Server.Listen)
	}
	if cfg.Server.RequestTimeout.Std() != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.Server.RequestTimeout.Std())
	}
	if cfg.Plugins.Root != "/srv/models" {
		t.Errorf("Root = %q, want /srv/models", cfg.Plugins.Root)
	}
	if !cfg.Plugins.Watch {
		t.Error("Watch should be true")
	}
	if cfg.Plugins.ReloadGrace.Std() != 3*time.Second {
		t.Errorf("ReloadGrace = %v, want 3s", cfg.Plugins.ReloadGrace.Std())
	}
	if cfg.Plugins.Limits.CallTimeout.Std() != 15*time.Second {
		t.Errorf("CallTimeout = %v, want 15s", cfg.Plugins.Limits.CallTimeout.Std())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Log.Level)
	}
	// Untouched sections keep defaults.
	if cfg.Files.MaxSize != DefaultMaxFileSize {
		t.Errorf("MaxSize = %d, want default %d", cfg.Files.MaxSize, DefaultMaxFileSize)
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := writeConfigFile(t, "[server\nlisten=")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MODELHOST_LISTEN", ":7000")
	t.Setenv("MODELHOST_PLUGIN_WATCH", "true")
	t.Setenv("MODELHOST_RELOAD_GRACE", "2s")
	t.Setenv("MODELHOST_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Listen != ":7000" {
		t.Errorf("Listen = %q, want :7000", cfg.Server.Listen)
	}
	if !cfg.Plugins.Watch {
		t.Error("PLUGIN_WATCH override ignored")
	}
	if cfg.Plugins.ReloadGrace.Std() != 2*time.Second {
		t.Errorf("ReloadGrace = %v, want 2s", cfg.Plugins.ReloadGrace.Std())
	}
	if !cfg.Server.EnableAPIKey || cfg.Server.APIKey != "sk-test" {
		t.Error("API_KEY override should set the key and enable checking")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "[server]\nlisten = \":9090\"\n")
	t.Setenv("MODELHOST_LISTEN", ":7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != ":7000" {
		t.Errorf("environment should win over file, got %q", cfg.Server.Listen)
	}
}

func TestLoadInvalidEnvValue(t *testing.T) {
	t.Setenv("MODELHOST_RELOAD_GRACE", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Server.Listen = "" }},
		{"api key enabled without key", func(c *Config) { c.Server.EnableAPIKey = true }},
		{"empty root", func(c *Config) { c.Plugins.Root = "" }},
		{"negative grace", func(c *Config) { c.Plugins.ReloadGrace = Duration(-time.Second) }},
		{"zero call timeout", func(c *Config) { c.Plugins.Limits.CallTimeout = 0 }},
		{"zero max file size", func(c *Config) { c.Files.MaxSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate should reject %s", tc.name)
			}
		})
	}

	good := Default()
	if err := good.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}
