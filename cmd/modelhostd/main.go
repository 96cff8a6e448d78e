// Package main is the entry point for the modelhost daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelhost/modelhost/internal/api"
	"github.com/modelhost/modelhost/internal/builtin"
	_ "github.com/modelhost/modelhost/internal/builtin/provider"
	"github.com/modelhost/modelhost/internal/config"
	"github.com/modelhost/modelhost/internal/dispatcher"
	"github.com/modelhost/modelhost/internal/filestore"
	"github.com/modelhost/modelhost/internal/logging"
	"github.com/modelhost/modelhost/internal/plugin"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := parseFlags()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Info().Str("version", version).Str("root", cfg.Plugins.Root).Msg("modelhost starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := filestore.New(cfg.Files.Dir, cfg.Files.MaxSize, log)
	if err != nil {
		log.Error().Err(err).Msg("file store init failed")
		return 1
	}

	reg := plugin.NewRegistry(plugin.Options{
		Root:        cfg.Plugins.Root,
		HostVersion: version,
		Defaults:    pluginLimits(cfg.Plugins.Limits),
		ReloadGrace: cfg.Plugins.ReloadGrace.Std(),
		Builtins:    builtin.New,
		Logger:      log,
	})
	defer reg.Close()

	if err := reg.Scan(ctx); err != nil {
		log.Error().Err(err).Msg("plugin scan failed")
		return 1
	}
	if err := registerDefaultModel(reg, cfg.Plugins.DefaultModel); err != nil {
		log.Error().Err(err).Str("model", cfg.Plugins.DefaultModel).Msg("default model registration failed")
		return 1
	}

	if cfg.Plugins.Watch {
		watcher, err := plugin.NewWatcher(reg, plugin.DefaultDebounce, log)
		if err != nil {
			log.Error().Err(err).Msg("plugin watcher init failed")
			return 1
		}
		defer watcher.Close()
	}

	disp := dispatcher.New(reg, log)
	srv := api.New(cfg.Server, reg, disp, files, version, log)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server failed")
		return 1
	}

	log.Info().Msg("modelhost stopped")
	return 0
}

// registerDefaultModel backs the configured default model with the echo
// handler when no plugin directory claimed the name. A host with an empty
// plugin root still answers chat requests this way.
func registerDefaultModel(reg *plugin.Registry, name string) error {
	if name == "" {
		return nil
	}
	if _, ok := reg.Get(name); ok {
		return nil
	}
	handler, err := builtin.New("echo", nil)
	if err != nil {
		return err
	}
	return reg.RegisterBuiltin(name, handler,
		plugin.WithDescription("Built-in echo model for testing the host."))
}

func pluginLimits(l config.Limits) plugin.Limits {
	return plugin.Limits{
		MemoryBytes:    l.MemoryBytes,
		Instructions:   l.Instructions,
		CallTimeout:    plugin.Duration(l.CallTimeout.Std()),
		MaxOutputBytes: l.MaxOutputBytes,
	}
}

func parseFlags() string {
	var configPath string
	var showVersion bool
	var showHelp bool

	flag.StringVar(&configPath, "config", "modelhost.toml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "modelhost.toml", "Path to configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Modelhost - chat completion host for directory-deployed model plugins\n\n")
		fmt.Fprintf(os.Stderr, "Usage: modelhostd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration is read from the TOML file, then overridden by\n")
		fmt.Fprintf(os.Stderr, "MODELHOST_* environment variables (e.g. MODELHOST_LISTEN=:9090).\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("modelhostd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return configPath
}
