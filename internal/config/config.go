// Package config loads host configuration from a TOML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Defaults applied before the file and environment are read.
const (
	DefaultListen          = ":8080"
	DefaultRequestTimeout  = 2 * time.Minute
	DefaultPluginRoot      = "./models"
	DefaultModel           = "echo"
	DefaultReloadGrace     = 10 * time.Second
	DefaultMemoryBytes     = 64 << 20
	DefaultInstructions    = 10_000_000
	DefaultCallTimeout     = 60 * time.Second
	DefaultMaxOutputBytes  = 4 << 20
	DefaultFilesDir        = "./data/uploads"
	DefaultMaxFileSize     = 50 << 20
)

// EnvPrefix is the prefix for environment overrides, e.g. MODELHOST_LISTEN.
const EnvPrefix = "MODELHOST_"

// Duration wraps time.Duration so TOML fields accept "10s" style strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root host configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Plugins Plugins `toml:"plugins"`
	Files   Files   `toml:"files"`
	Log     Log     `toml:"log"`
}

// Server configures the HTTP listener.
type Server struct {
	Listen         string   `toml:"listen"`
	APIKey         string   `toml:"api_key"`
	EnableAPIKey   bool     `toml:"enable_api_key"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// Plugins configures plugin discovery and lifecycle.
type Plugins struct {
	Root         string   `toml:"root"`
	Watch        bool     `toml:"watch"`
	DefaultModel string   `toml:"default_model"`
	ReloadGrace  Duration `toml:"reload_grace"`
	Limits       Limits   `toml:"limits"`
}

// Limits are host-wide resource defaults; a plugin manifest may override
// them per plugin.
type Limits struct {
	MemoryBytes    int64    `toml:"memory_bytes"`
	Instructions   int64    `toml:"instructions"`
	CallTimeout    Duration `toml:"call_timeout"`
	MaxOutputBytes int64    `toml:"max_output_bytes"`
}

// Files configures the upload store.
type Files struct {
	Dir     string `toml:"dir"`
	MaxSize int64  `toml:"max_size"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: Server{
			Listen:         DefaultListen,
			RequestTimeout: Duration(DefaultRequestTimeout),
		},
		Plugins: Plugins{
			Root:         DefaultPluginRoot,
			Watch:        false,
			DefaultModel: DefaultModel,
			ReloadGrace:  Duration(DefaultReloadGrace),
			Limits: Limits{
				MemoryBytes:    DefaultMemoryBytes,
				Instructions:   DefaultInstructions,
				CallTimeout:    Duration(DefaultCallTimeout),
				MaxOutputBytes: DefaultMaxOutputBytes,
			},
		},
		Files: Files{
			Dir:     DefaultFilesDir,
			MaxSize: DefaultMaxFileSize,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file at
// path (a missing file is not an error), then MODELHOST_* environment
// variables, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// No file; defaults plus environment apply.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen must not be empty")
	}
	if c.Server.EnableAPIKey && c.Server.APIKey == "" {
		return errors.New("server.enable_api_key requires server.api_key")
	}
	if c.Plugins.Root == "" {
		return errors.New("plugins.root must not be empty")
	}
	if c.Plugins.ReloadGrace.Std() < 0 {
		return errors.New("plugins.reload_grace must not be negative")
	}
	if c.Plugins.Limits.CallTimeout.Std() <= 0 {
		return errors.New("plugins.limits.call_timeout must be positive")
	}
	if c.Files.MaxSize <= 0 {
		return fmt.Errorf("files.max_size must be positive, got %d", c.Files.MaxSize)
	}
	return nil
}
