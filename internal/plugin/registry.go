package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelhost/modelhost/internal/chat"
	plua "github.com/modelhost/modelhost/internal/plugin/lua"
)

// EventType is the type of registry event.
type EventType int

const (
	// EventLoaded is emitted when a model (re)loads successfully.
	EventLoaded EventType = iota
	// EventFailed is emitted when a model fails to load.
	EventFailed
	// EventRemoved is emitted when a model is removed.
	EventRemoved
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventFailed:
		return "failed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event describes a registry state change.
type Event struct {
	Type  EventType
	Model string
	Err   error
}

// BuiltinResolver constructs the shared handler for a builtin model. The
// config map comes from the manifest verbatim.
type BuiltinResolver func(name string, config map[string]any) (chat.Handler, error)

// Options configures a Registry.
type Options struct {
	// Root is the plugin directory scanned for models.
	Root string

	// HostVersion gates manifests that declare min_host_version.
	// Non-semver values (development builds) disable the gate.
	HostVersion string

	// Defaults fill manifest limits that are left unset.
	Defaults Limits

	// ReloadGrace bounds how long a retiring generation may keep serving
	// in-flight calls.
	ReloadGrace time.Duration

	// Builtins resolves manifests with runtime "builtin". Nil means such
	// manifests fail to load.
	Builtins BuiltinResolver

	Logger zerolog.Logger
}

// entry is the registry's record for one model name.
type entry struct {
	// loadMu serializes load and reload for this name.
	loadMu sync.Mutex

	// desc and manifest are guarded by the registry mutex.
	desc     Descriptor
	manifest *Manifest
}

// Registry discovers directory-based model plugins, tracks their
// descriptors through load, reload, and removal, and owns the host that
// runs them.
//
// Names are first come, first served: when two directories claim the same
// model name, the first one loaded keeps it and the loser is recorded as a
// failed model under its directory name.
type Registry struct {
	log      zerolog.Logger
	root     string
	version  string
	defaults Limits
	grace    time.Duration
	resolve  BuiltinResolver

	host *Host

	mu     sync.RWMutex
	models map[string]*entry
	subs   map[int]chan Event
	subSeq int
}

// NewRegistry creates a registry and its host.
func NewRegistry(opts Options) *Registry {
	grace := opts.ReloadGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	log := opts.Logger.With().Str("component", "registry").Logger()
	return &Registry{
		log:      log,
		root:     opts.Root,
		version:  opts.HostVersion,
		defaults: opts.Defaults,
		grace:    grace,
		resolve:  opts.Builtins,
		host:     NewHost(opts.Logger),
		models:   make(map[string]*entry),
		subs:     make(map[int]chan Event),
	}
}

// Root returns the plugin directory.
func (r *Registry) Root() string {
	return r.root
}

// Scan discovers every plugin directory under the root and loads each one.
// A plugin that fails to load is recorded as failed and does not disturb
// its siblings. Directories whose names start with "." or "_" are skipped.
func (r *Registry) Scan(ctx context.Context) error {
	_, err := r.scan(ctx)
	return err
}

// scan walks the root and returns the set of model names claimed by the
// walk, including the directory names that carry failure records.
func (r *Registry) scan(ctx context.Context) (map[string]bool, error) {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating plugin root: %w", err)
	}
	dirs, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("reading plugin root: %w", err)
	}

	claimed := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") {
			continue
		}
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		claimed[r.loadDir(filepath.Join(r.root, d.Name()))] = true
	}
	return claimed, nil
}

// loadDir loads one plugin directory and returns the model name it landed
// under. Manifest problems are recorded under the directory name because
// the model name may be unknown or untrustworthy at that point.
func (r *Registry) loadDir(dir string) string {
	base := filepath.Base(dir)

	m, err := LoadManifestFromDir(dir)
	if err != nil {
		r.recordFailure(base, dir, err)
		return base
	}
	if err := m.CheckHostVersion(r.version); err != nil {
		r.recordFailure(m.Name, dir, err)
		return m.Name
	}
	return r.load(m)
}

// load binds a parsed manifest. Name collisions lose to the incumbent and
// are recorded under the loser's directory name.
func (r *Registry) load(m *Manifest) string {
	r.mu.Lock()
	e, exists := r.models[m.Name]
	if exists && e.manifest != nil && e.manifest.Dir() != m.Dir() {
		r.mu.Unlock()
		base := filepath.Base(m.Dir())
		err := fmt.Errorf("%w: name %q already provided by %s",
			ErrNameTaken, m.Name, e.manifest.Dir())
		r.recordFailure(base, m.Dir(), err)
		return base
	}
	if !exists {
		e = &entry{}
		r.models[m.Name] = e
	}
	r.mu.Unlock()

	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	r.bindGeneration(e, m)
	return m.Name
}

// bindGeneration loads the next generation of a model and swaps it in.
// The previous generation keeps serving until the swap. On failure a
// previously Ready generation stays bound and authoritative with the
// failure recorded on the descriptor; only a model with nothing to fall
// back to is marked failed.
func (r *Registry) bindGeneration(e *entry, m *Manifest) {
	r.mu.Lock()
	gen := e.desc.Generation + 1
	prev := e.desc
	e.desc = Descriptor{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Dir:         m.Dir(),
		Runtime:     m.Runtime,
		Isolation:   m.Isolation(),
		Concurrency: m.Concurrency,
		Status:      StatusLoading,
		Generation:  prev.Generation,
		LoadedAt:    prev.LoadedAt,
	}
	r.mu.Unlock()

	cfg, err := r.bindingFor(m, gen)
	if err == nil {
		err = r.host.Rebind(cfg, r.grace)
	}
	if err != nil {
		r.mu.Lock()
		if prev.Status == StatusReady && r.host.Bound(m.Name) {
			e.desc = prev
			e.desc.Err = err
			r.mu.Unlock()
			r.log.Warn().Err(err).Str("model", m.Name).
				Msg("reload failed, previous generation keeps serving")
			r.publish(Event{Type: EventFailed, Model: m.Name, Err: err})
			return
		}
		e.desc.Status = StatusFailed
		e.desc.Err = err
		e.manifest = m
		r.mu.Unlock()
		r.host.Retire(m.Name, r.grace)
		r.log.Error().Err(err).Str("model", m.Name).Msg("model failed to load")
		r.publish(Event{Type: EventFailed, Model: m.Name, Err: err})
		return
	}

	r.mu.Lock()
	e.desc.Status = StatusReady
	e.desc.Err = nil
	e.desc.Generation = gen
	e.desc.LoadedAt = time.Now()
	e.manifest = m
	r.mu.Unlock()
	r.log.Info().Str("model", m.Name).Str("version", m.Version).Int("generation", gen).Msg("model loaded")
	r.publish(Event{Type: EventLoaded, Model: m.Name})
}

// bindingFor builds the host binding for a manifest.
func (r *Registry) bindingFor(m *Manifest, gen int) (Binding, error) {
	limits := m.Limits.WithDefaults(r.defaults)
	cfg := Binding{
		Name:       m.Name,
		Manifest:   m,
		Limits:     limits,
		Generation: gen,
	}

	switch m.Runtime {
	case RuntimeBuiltin:
		if r.resolve == nil {
			return Binding{}, fmt.Errorf("builtin %q: no builtin handlers available", m.Builtin)
		}
		handler, err := r.resolve(m.Builtin, m.Config)
		if err != nil {
			return Binding{}, fmt.Errorf("builtin %q: %w", m.Builtin, err)
		}
		cfg.Factory = func() (Runner, error) { return NewBuiltinRunner(handler), nil }
		cfg.OnRetire = func() { closeHandler(handler) }

	default:
		luaCfg := plua.Config{
			Dir:          m.Dir(),
			Entry:        m.Entry,
			Capabilities: m.ParsedCapabilities(),
			MemoryBytes:  limits.MemoryBytes,
			Instructions: limits.Instructions,
			PluginConfig: m.Config,
			Logger:       r.log.With().Str("plugin", m.Name).Logger(),
		}
		cfg.Factory = func() (Runner, error) { return NewLuaRunner(luaCfg) }
	}
	return cfg, nil
}

func closeHandler(h chat.Handler) {
	if c, ok := h.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// recordFailure stores a failure for name and reports whether a serving
// generation absorbed it. A live model from a different directory is
// never clobbered by a failure record, and a Ready model from the same
// directory keeps serving with the failure recorded on its descriptor.
func (r *Registry) recordFailure(name, dir string, err error) bool {
	r.mu.Lock()
	e := r.models[name]
	if e != nil && e.desc.Status == StatusReady && e.desc.Dir != dir {
		r.mu.Unlock()
		r.log.Warn().Err(err).Str("model", name).Str("dir", dir).
			Msg("load failure shadowed by live model with same name")
		return false
	}
	if e != nil && e.desc.Status == StatusReady && r.host.Bound(name) {
		e.desc.Err = err
		r.mu.Unlock()
		r.log.Warn().Err(err).Str("model", name).Str("dir", dir).
			Msg("reload failed, previous generation keeps serving")
		r.publish(Event{Type: EventFailed, Model: name, Err: err})
		return true
	}
	if e == nil {
		e = &entry{}
		r.models[name] = e
	}
	e.desc = Descriptor{
		Name:       name,
		Dir:        dir,
		Status:     StatusFailed,
		Err:        err,
		Generation: e.desc.Generation,
	}
	r.mu.Unlock()

	r.log.Error().Err(err).Str("model", name).Str("dir", dir).Msg("model failed to load")
	r.publish(Event{Type: EventFailed, Model: name, Err: err})
	return false
}

// RegisterBuiltin binds a handler compiled into the host under a model
// name. The name must be free.
func (r *Registry) RegisterBuiltin(name string, handler chat.Handler, opts ...BuiltinOption) error {
	m := &Manifest{
		Name:        name,
		Version:     "0.0.0",
		Runtime:     RuntimeBuiltin,
		Builtin:     name,
		Concurrency: ConcurrencyExclusive,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.models[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	e := &entry{}
	r.models[name] = e
	r.mu.Unlock()

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	cfg := Binding{
		Name:       name,
		Manifest:   m,
		Limits:     m.Limits.WithDefaults(r.defaults),
		Generation: 1,
		Factory:    func() (Runner, error) { return NewBuiltinRunner(handler), nil },
		OnRetire:   func() { closeHandler(handler) },
	}
	if err := r.host.Bind(cfg); err != nil {
		r.mu.Lock()
		delete(r.models, name)
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	e.desc = Descriptor{
		Name:        name,
		Version:     m.Version,
		Description: m.Description,
		Runtime:     RuntimeBuiltin,
		Isolation:   IsolationShared,
		Concurrency: m.Concurrency,
		Status:      StatusReady,
		Generation:  1,
		LoadedAt:    time.Now(),
	}
	e.manifest = m
	r.mu.Unlock()

	r.log.Info().Str("model", name).Msg("builtin model registered")
	r.publish(Event{Type: EventLoaded, Model: name})
	return nil
}

// BuiltinOption adjusts the synthesized manifest of a code-registered
// builtin model.
type BuiltinOption func(*Manifest)

// WithDescription sets the model description.
func WithDescription(desc string) BuiltinOption {
	return func(m *Manifest) { m.Description = desc }
}

// WithVersion sets the model version.
func WithVersion(v string) BuiltinOption {
	return func(m *Manifest) { m.Version = v }
}

// WithConcurrent switches the model to the concurrent policy with the
// given pool bound.
func WithConcurrent(maxInstances int) BuiltinOption {
	return func(m *Manifest) {
		m.Concurrency = ConcurrencyConcurrent
		m.MaxInstances = maxInstances
	}
}

// WithLimits overrides the model limits.
func WithLimits(l Limits) BuiltinOption {
	return func(m *Manifest) { m.Limits = l }
}

// Get returns the descriptor for a model name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, e.desc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload reloads one model from its directory. The serving generation
// keeps answering calls until the new one is ready; on failure it stays
// authoritative and the failure is recorded on the descriptor, so a bad
// reload never takes a working model out of service. Renaming a plugin
// in its manifest counts as a failure, since the new name belongs to a
// scan.
//
// Builtins registered in code have nothing to reload and return nil.
func (r *Registry) Reload(ctx context.Context, name string) error {
	r.mu.RLock()
	e, ok := r.models[name]
	var dir string
	if ok {
		dir = e.desc.Dir
	}
	r.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if dir == "" {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m, err := LoadManifestFromDir(dir)
	if err == nil {
		err = m.CheckHostVersion(r.version)
	}
	if err == nil && m.Name != name {
		err = fmt.Errorf("plugin renamed %q to %q, rescan to pick up the new name", name, m.Name)
	}
	if err != nil {
		if !r.recordFailure(name, dir, err) {
			r.host.Retire(name, r.grace)
		}
		return err
	}

	r.load(m)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.desc.Err
}

// ReloadAll rescans the plugin root: new directories load, existing ones
// reload, and models whose directories disappeared (or whose manifests no
// longer claim their name) are removed.
func (r *Registry) ReloadAll(ctx context.Context) error {
	r.mu.RLock()
	known := make([]string, 0, len(r.models))
	for name, e := range r.models {
		if e.desc.Dir != "" {
			known = append(known, name)
		}
	}
	r.mu.RUnlock()

	claimed, err := r.scan(ctx)
	if err != nil {
		return err
	}

	for _, name := range known {
		if !claimed[name] {
			_ = r.Remove(name)
		}
	}
	return nil
}

// Remove retires a model and forgets its descriptor. In-flight calls get
// the drain grace.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	_, ok := r.models[name]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.models, name)
	r.mu.Unlock()

	r.host.Retire(name, r.grace)
	r.log.Info().Str("model", name).Msg("model removed")
	r.publish(Event{Type: EventRemoved, Model: name})
	return nil
}

// Acquire leases an instance of a model, mapping registry state onto the
// error taxonomy: unknown names are ErrNotFound, known-but-unready models
// are ErrUnavailable wrapping the recorded load failure.
func (r *Registry) Acquire(ctx context.Context, name string) (*Lease, error) {
	r.mu.RLock()
	e, ok := r.models[name]
	var loadErr error
	var status Status
	if ok {
		loadErr = e.desc.Err
		status = e.desc.Status
	}
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	lease, err := r.host.Acquire(ctx, name)
	if err == nil {
		return lease, nil
	}
	if errors.Is(err, ErrNotFound) {
		if loadErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, loadErr)
		}
		return nil, fmt.Errorf("%w: model is %s", ErrUnavailable, status)
	}
	return nil, err
}

// Invoke runs one chat call on a leased instance. See Host.Invoke.
func (r *Registry) Invoke(ctx context.Context, lease *Lease, conv *chat.Conversation) <-chan chat.Chunk {
	return r.host.Invoke(ctx, lease, conv)
}

// Subscribe returns a channel of registry events and a cancel function.
// Slow subscribers lose events rather than blocking the registry.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	r.subSeq++
	id := r.subSeq
	ch := make(chan Event, 16)
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// publish fans an event out to subscribers without holding them up.
func (r *Registry) publish(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close retires every model and waits for their drains.
func (r *Registry) Close() {
	r.host.Close(r.grace)

	r.mu.Lock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.mu.Unlock()
}
