package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// applyEnv overlays MODELHOST_* environment variables onto cfg. Values use
// the same syntax as the TOML fields: durations as "30s", sizes in bytes.
func applyEnv(cfg *Config) error {
	overrides := []struct {
		key   string
		apply func(string) error
	}{
		{"LISTEN", stringVar(&cfg.Server.Listen)},
		{"API_KEY", func(v string) error {
			cfg.Server.APIKey = v
			cfg.Server.EnableAPIKey = v != ""
			return nil
		}},
		{"ENABLE_API_KEY", boolVar(&cfg.Server.EnableAPIKey)},
		{"REQUEST_TIMEOUT", durationVar(&cfg.Server.RequestTimeout)},
		{"PLUGIN_ROOT", stringVar(&cfg.Plugins.Root)},
		{"PLUGIN_WATCH", boolVar(&cfg.Plugins.Watch)},
		{"DEFAULT_MODEL", stringVar(&cfg.Plugins.DefaultModel)},
		{"RELOAD_GRACE", durationVar(&cfg.Plugins.ReloadGrace)},
		{"CALL_TIMEOUT", durationVar(&cfg.Plugins.Limits.CallTimeout)},
		{"FILES_DIR", stringVar(&cfg.Files.Dir)},
		{"MAX_FILE_SIZE", int64Var(&cfg.Files.MaxSize)},
		{"LOG_LEVEL", stringVar(&cfg.Log.Level)},
		{"LOG_FORMAT", stringVar(&cfg.Log.Format)},
	}

	for _, ov := range overrides {
		v, ok := os.LookupEnv(EnvPrefix + ov.key)
		if !ok {
			continue
		}
		if err := ov.apply(v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, ov.key, err)
		}
	}
	return nil
}

func stringVar(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func boolVar(dst *bool) func(string) error {
	return func(v string) error {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	}
}

func int64Var(dst *int64) func(string) error {
	return func(v string) error {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = parsed
		return nil
	}
}

func durationVar(dst *Duration) func(string) error {
	return func(v string) error {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = Duration(parsed)
		return nil
	}
}
