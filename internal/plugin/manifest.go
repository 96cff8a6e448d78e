package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	plua "github.com/modelhost/modelhost/internal/plugin/lua"
)

// ManifestFile is the manifest filename inside a plugin directory.
const ManifestFile = "plugin.yaml"

// DefaultEntry is the entry file used when the manifest omits one, and the
// file a bare plugin directory must contain to be loadable without a
// manifest.
const DefaultEntry = "main.lua"

// RuntimeKind selects how a model executes.
type RuntimeKind string

// Supported runtimes.
const (
	// RuntimeLua runs the model in a sandboxed Lua interpreter, one
	// interpreter per instance.
	RuntimeLua RuntimeKind = "lua"

	// RuntimeBuiltin runs a handler compiled into the host, sharing the
	// host process directly.
	RuntimeBuiltin RuntimeKind = "builtin"
)

// Isolation describes how far a model is separated from the host.
type Isolation string

// Isolation modes. The mode is derived from the runtime, not declared.
const (
	IsolationSandboxed Isolation = "sandboxed"
	IsolationShared    Isolation = "shared"
)

// Concurrency selects the dispatch policy for a model's instances.
type Concurrency string

// Concurrency policies.
const (
	// ConcurrencyExclusive serializes calls through a single instance in
	// arrival order.
	ConcurrencyExclusive Concurrency = "exclusive"

	// ConcurrencyConcurrent fans calls out over a bounded instance pool.
	ConcurrencyConcurrent Concurrency = "concurrent"
)

// DefaultMaxInstances bounds a concurrent model's pool when the manifest
// does not say otherwise.
const DefaultMaxInstances = 4

// Duration parses Go duration strings ("30s", "2m") in YAML manifests.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("manifest: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("manifest: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Limits bound one instance's resource use. Zero fields fall back to the
// host defaults.
type Limits struct {
	// MemoryBytes is advisory; the Lua runtime cannot enforce a hard
	// memory ceiling.
	MemoryBytes int64 `yaml:"memory_bytes"`

	// Instructions caps host API calls per chat call.
	Instructions int64 `yaml:"instructions"`

	// CallTimeout bounds one chat call, enforced by the host for both
	// isolation modes.
	CallTimeout Duration `yaml:"call_timeout"`

	// MaxOutputBytes caps the total emitted text per chat call.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// WithDefaults fills zero fields from d.
func (l Limits) WithDefaults(d Limits) Limits {
	if l.MemoryBytes == 0 {
		l.MemoryBytes = d.MemoryBytes
	}
	if l.Instructions == 0 {
		l.Instructions = d.Instructions
	}
	if l.CallTimeout == 0 {
		l.CallTimeout = d.CallTimeout
	}
	if l.MaxOutputBytes == 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	return l
}

// Manifest describes a model plugin's metadata and requirements.
type Manifest struct {
	// Identity
	Name        string `yaml:"name"`        // Unique identifier (e.g. "echo")
	Version     string `yaml:"version"`     // Semver (e.g. "1.2.0")
	Description string `yaml:"description"` // Short description
	Author      string `yaml:"author"`      // Author name or org

	// Execution
	Runtime RuntimeKind `yaml:"runtime"` // lua (default) or builtin
	Entry   string      `yaml:"entry"`   // Entry file for lua (default: "main.lua")
	Builtin string      `yaml:"builtin"` // Builtin handler name (default: manifest name)

	// Requirements
	RuntimeVersion string `yaml:"runtime_version"`  // Lua version the plugin targets
	MinHostVersion string `yaml:"min_host_version"` // Minimum host version

	// Dispatch
	Concurrency  Concurrency `yaml:"concurrency"`   // exclusive (default) or concurrent
	MaxInstances int         `yaml:"max_instances"` // Pool bound for concurrent models

	// Sandbox
	Capabilities []string `yaml:"capabilities"`
	Limits       Limits   `yaml:"limits"`

	// Config is passed to the plugin verbatim (the config global for lua,
	// the handler config for builtins).
	Config map[string]any `yaml:"config"`

	// Internal: the plugin directory.
	dir string
}

// Validation errors.
var (
	ErrMissingName          = errors.New("manifest: name is required")
	ErrInvalidName          = errors.New("manifest: name must be lowercase alphanumeric with hyphens")
	ErrInvalidVersion       = errors.New("manifest: version must be valid semver")
	ErrInvalidEntry         = errors.New("manifest: entry must be a .lua file inside the plugin directory")
	ErrInvalidRuntime       = errors.New("manifest: unknown runtime")
	ErrInvalidConcurrency   = errors.New("manifest: concurrency must be exclusive or concurrent")
	ErrInvalidMaxInstances  = errors.New("manifest: max_instances must be positive")
	ErrExclusiveInstances   = errors.New("manifest: max_instances conflicts with exclusive concurrency")
	ErrInvalidCapability    = errors.New("manifest: invalid capability")
	ErrRuntimeVersion       = errors.New("manifest: unsupported runtime version")
	ErrHostVersionTooOld    = errors.New("manifest: host version below min_host_version")
	ErrNegativeLimit        = errors.New("manifest: limits must not be negative")
	ErrEntryFileNotFound    = errors.New("manifest: entry file not found")
	ErrManifestNotPermitted = errors.New("manifest: not readable")
)

// namePattern validates model names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// LoadManifestFromDir loads the manifest for a plugin directory.
//
// A directory without a plugin.yaml is still loadable when it contains the
// default entry file; a minimal manifest is synthesized from the directory
// name. A directory with neither returns ErrNoEntryPoint.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	switch {
	case err == nil:
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", ManifestFile, err)
		}
		m.dir = dir
		m.applyDefaults()
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if err := m.checkEntryFile(); err != nil {
			return nil, err
		}
		return &m, nil

	case errors.Is(err, os.ErrNotExist):
		if _, statErr := os.Stat(filepath.Join(dir, DefaultEntry)); statErr != nil {
			return nil, ErrNoEntryPoint
		}
		m := synthesizeManifest(dir)
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrManifestNotPermitted, err)
	}
}

// synthesizeManifest builds a minimal manifest for a bare plugin directory
// containing only the default entry file.
func synthesizeManifest(dir string) *Manifest {
	return &Manifest{
		Name:        filepath.Base(dir),
		Version:     "0.0.0",
		Runtime:     RuntimeLua,
		Entry:       DefaultEntry,
		Concurrency: ConcurrencyExclusive,
		dir:         dir,
	}
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	if m.Runtime == "" {
		m.Runtime = RuntimeLua
	}
	if m.Entry == "" && m.Runtime == RuntimeLua {
		m.Entry = DefaultEntry
	}
	if m.Builtin == "" && m.Runtime == RuntimeBuiltin {
		m.Builtin = m.Name
	}
	if m.Concurrency == "" {
		m.Concurrency = ConcurrencyExclusive
	}
	if m.MaxInstances == 0 && m.Concurrency == ConcurrencyConcurrent {
		m.MaxInstances = DefaultMaxInstances
	}
}

// Validate checks that the manifest is internally consistent.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, m.Name)
	}

	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version)
	}

	switch m.Runtime {
	case RuntimeLua:
		if filepath.Ext(m.Entry) != ".lua" || !filepath.IsLocal(m.Entry) {
			return fmt.Errorf("%w: %q", ErrInvalidEntry, m.Entry)
		}
		if m.RuntimeVersion != "" && !strings.HasPrefix(m.RuntimeVersion, "5.1") {
			return fmt.Errorf("%w: lua %s (host provides 5.1)", ErrRuntimeVersion, m.RuntimeVersion)
		}
	case RuntimeBuiltin:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRuntime, m.Runtime)
	}

	if m.MaxInstances < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxInstances, m.MaxInstances)
	}
	switch m.Concurrency {
	case ConcurrencyExclusive:
		if m.MaxInstances > 1 {
			return fmt.Errorf("%w: %d", ErrExclusiveInstances, m.MaxInstances)
		}
	case ConcurrencyConcurrent:
		if m.MaxInstances < 1 {
			return fmt.Errorf("%w: %d", ErrInvalidMaxInstances, m.MaxInstances)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidConcurrency, m.Concurrency)
	}

	for _, c := range m.Capabilities {
		if _, err := plua.ParseCapability(c); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidCapability, c)
		}
	}

	if m.Limits.MemoryBytes < 0 || m.Limits.Instructions < 0 ||
		m.Limits.CallTimeout < 0 || m.Limits.MaxOutputBytes < 0 {
		return ErrNegativeLimit
	}

	if m.MinHostVersion != "" && !semverPattern.MatchString(m.MinHostVersion) {
		return fmt.Errorf("%w: min_host_version %q", ErrInvalidVersion, m.MinHostVersion)
	}

	return nil
}

// checkEntryFile verifies the lua entry file exists, so a missing file is
// reported at load time rather than on the first call.
func (m *Manifest) checkEntryFile() error {
	if m.Runtime != RuntimeLua {
		return nil
	}
	if _, err := os.Stat(filepath.Join(m.dir, m.Entry)); err != nil {
		return fmt.Errorf("%w: %s", ErrEntryFileNotFound, m.Entry)
	}
	return nil
}

// CheckHostVersion enforces min_host_version against the running host.
// Non-semver host versions (development builds) skip the check.
func (m *Manifest) CheckHostVersion(hostVersion string) error {
	if m.MinHostVersion == "" || !semverPattern.MatchString(hostVersion) {
		return nil
	}
	if compareVersions(hostVersion, m.MinHostVersion) < 0 {
		return fmt.Errorf("%w: host %s < %s", ErrHostVersionTooOld, hostVersion, m.MinHostVersion)
	}
	return nil
}

// Isolation returns the isolation mode implied by the runtime.
func (m *Manifest) Isolation() Isolation {
	if m.Runtime == RuntimeBuiltin {
		return IsolationShared
	}
	return IsolationSandboxed
}

// Dir returns the plugin directory. Empty for synthesized builtin
// manifests registered in code.
func (m *Manifest) Dir() string {
	return m.dir
}

// ParsedCapabilities returns the manifest capabilities as sandbox grants.
// Validate has already rejected unknown values.
func (m *Manifest) ParsedCapabilities() []plua.Capability {
	caps := make([]plua.Capability, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		parsed, err := plua.ParseCapability(c)
		if err != nil {
			continue
		}
		caps = append(caps, parsed)
	}
	return caps
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}

// compareVersions compares two x.y.z version strings numerically,
// ignoring pre-release and build suffixes. It returns -1, 0, or 1.
func compareVersions(a, b string) int {
	pa, pb := versionTriple(a), versionTriple(b)
	for i := 0; i < 3; i++ {
		switch {
		case pa[i] < pb[i]:
			return -1
		case pa[i] > pb[i]:
			return 1
		}
	}
	return 0
}

func versionTriple(v string) [3]int {
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return out
		}
		out[i] = n
	}
	return out
}
