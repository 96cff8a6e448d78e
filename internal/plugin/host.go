package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelhost/modelhost/internal/chat"
	plua "github.com/modelhost/modelhost/internal/plugin/lua"
)

// Host runs model instances. It owns instance pools, enforces per-call
// limits uniformly across isolation modes, and turns handler execution
// into ordered chunk streams.
//
// The registry decides WHAT is bound under each name; the host decides
// HOW calls reach a live instance.
type Host struct {
	log zerolog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	closed   bool
}

// NewHost creates an empty host.
func NewHost(log zerolog.Logger) *Host {
	return &Host{
		log:      log.With().Str("component", "host").Logger(),
		bindings: make(map[string]*binding),
	}
}

// Binding describes one model to bind.
type Binding struct {
	Name     string
	Manifest *Manifest

	// Limits are the effective limits (manifest merged with defaults).
	Limits Limits

	// Factory constructs instances. It is called eagerly once at bind
	// time, then again for pool growth and error replacement.
	Factory RunnerFactory

	Generation int

	// OnRetire runs once after the binding's last instance is closed.
	// Builtin models use it to close their shared handler.
	OnRetire func()
}

// binding is the live state behind one bound model name.
type binding struct {
	host  *Host
	name  string
	gen   int
	log   zerolog.Logger
	limit Limits

	policy  Concurrency
	factory RunnerFactory

	// ctx is cancelled when the binding is retired and its drain grace
	// expires; every call's context is derived from it.
	ctx    context.Context
	cancel context.CancelFunc

	// createMu serializes singleton recreation for exclusive models.
	createMu sync.Mutex
	// slots bounds in-flight calls for concurrent models (nil otherwise).
	slots chan struct{}
	seq   atomic.Int64

	mu        sync.Mutex
	retired   bool
	exclusive *Instance
	idle      []*Instance
	all       map[*Instance]struct{}

	active   sync.WaitGroup
	onRetire func()
}

// Lease is the right to run one call on an instance. It is released
// exactly once: automatically when Invoke's stream terminates, or through
// Release when the call is aborted before Invoke.
type Lease struct {
	binding  *binding
	instance *Instance
	released atomic.Bool
}

// InstanceID identifies the leased instance in logs.
func (l *Lease) InstanceID() string {
	return l.instance.ID()
}

// RunHook runs a lifecycle hook on the leased instance.
func (l *Lease) RunHook(ctx context.Context, hook Hook, conv *chat.Conversation, thread string) (bool, error) {
	return l.instance.RunHook(ctx, hook, conv, thread)
}

// Release returns the instance without invoking. A failed call discards
// the instance; a clean release returns it to the pool.
func (l *Lease) Release(callErr error) {
	l.release(callErr == nil)
}

func (l *Lease) release(healthy bool) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	b := l.binding
	inst := l.instance
	defer b.active.Done()

	b.mu.Lock()
	keep := healthy && !b.retired
	if keep {
		if b.policy == ConcurrencyConcurrent {
			b.idle = append(b.idle, inst)
		}
		// Exclusive singletons stay resident between calls.
	} else {
		if b.exclusive == inst {
			b.exclusive = nil
		}
		delete(b.all, inst)
	}
	b.mu.Unlock()

	if !keep {
		inst.Close()
		b.log.Debug().Str("instance", inst.ID()).Msg("instance discarded")
	}
	if b.slots != nil {
		<-b.slots
	}
}

// build constructs a binding and eagerly spawns its first instance, so a
// successful bind means the model actually loads and is Ready.
func (h *Host) build(cfg Binding) (*binding, error) {
	if cfg.Factory == nil {
		return nil, errors.New("bind: nil factory")
	}
	m := cfg.Manifest

	b := &binding{
		host:     h,
		name:     cfg.Name,
		gen:      cfg.Generation,
		log:      h.log.With().Str("model", cfg.Name).Int("generation", cfg.Generation).Logger(),
		limit:    cfg.Limits,
		policy:   m.Concurrency,
		factory:  cfg.Factory,
		all:      make(map[*Instance]struct{}),
		onRetire: cfg.OnRetire,
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	if m.Concurrency == ConcurrencyConcurrent {
		b.slots = make(chan struct{}, m.MaxInstances)
	}

	inst, err := b.spawn()
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.mu.Lock()
	b.all[inst] = struct{}{}
	if b.policy == ConcurrencyExclusive {
		b.exclusive = inst
	} else {
		b.idle = append(b.idle, inst)
	}
	b.mu.Unlock()
	return b, nil
}

func (b *binding) discard() {
	b.mu.Lock()
	instances := make([]*Instance, 0, len(b.all))
	for inst := range b.all {
		instances = append(instances, inst)
	}
	b.all = make(map[*Instance]struct{})
	b.exclusive = nil
	b.idle = nil
	b.mu.Unlock()
	for _, inst := range instances {
		inst.Close()
	}
	b.cancel()
	if b.onRetire != nil {
		b.onRetire()
	}
}

// Bind registers a model under a free name.
func (h *Host) Bind(cfg Binding) error {
	b, err := h.build(cfg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		b.discard()
		return ErrHostClosed
	}
	if _, taken := h.bindings[cfg.Name]; taken {
		h.mu.Unlock()
		b.discard()
		return fmt.Errorf("%w: %s", ErrNameTaken, cfg.Name)
	}
	h.bindings[cfg.Name] = b
	h.mu.Unlock()

	b.log.Info().Str("policy", string(b.policy)).Msg("model bound")
	return nil
}

// Rebind swaps a new generation in under an existing name. The old
// generation, if any, drains in the background with the given grace. On
// build failure nothing is swapped and the caller decides the old
// generation's fate.
func (h *Host) Rebind(cfg Binding, grace time.Duration) error {
	b, err := h.build(cfg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		b.discard()
		return ErrHostClosed
	}
	old := h.bindings[cfg.Name]
	h.bindings[cfg.Name] = b
	h.mu.Unlock()

	if old != nil {
		go old.retire(grace)
	}
	b.log.Info().Str("policy", string(b.policy)).Msg("model bound")
	return nil
}

// Acquire leases an instance of the named model. Exclusive models share
// their singleton (the instance queue serializes calls); concurrent models
// block until one of the bounded slots frees up.
func (h *Host) Acquire(ctx context.Context, name string) (*Lease, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}
	b := h.bindings[name]
	h.mu.Unlock()

	if b == nil {
		return nil, ErrNotFound
	}
	if b.policy == ConcurrencyConcurrent {
		return b.acquireConcurrent(ctx)
	}
	return b.acquireExclusive()
}

func (b *binding) acquireExclusive() (*Lease, error) {
	b.createMu.Lock()
	defer b.createMu.Unlock()

	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: retired", ErrUnavailable)
	}
	inst := b.exclusive
	b.mu.Unlock()

	if inst == nil {
		// The previous instance was discarded after an error; replace it.
		spawned, err := b.spawn()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		inst = spawned
	}

	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		if inst != b.exclusive {
			inst.Close()
		}
		return nil, fmt.Errorf("%w: retired", ErrUnavailable)
	}
	if b.exclusive == nil {
		b.exclusive = inst
		b.all[inst] = struct{}{}
	}
	b.active.Add(1)
	b.mu.Unlock()

	return &Lease{binding: b, instance: inst}, nil
}

func (b *binding) acquireConcurrent(ctx context.Context) (*Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, fmt.Errorf("%w: retired", ErrUnavailable)
	case b.slots <- struct{}{}:
	}

	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		<-b.slots
		return nil, fmt.Errorf("%w: retired", ErrUnavailable)
	}
	var inst *Instance
	if n := len(b.idle); n > 0 {
		inst = b.idle[n-1]
		b.idle = b.idle[:n-1]
	}
	b.mu.Unlock()

	fresh := false
	if inst == nil {
		spawned, err := b.spawn()
		if err != nil {
			<-b.slots
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		inst = spawned
		fresh = true
	}

	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		inst.Close()
		<-b.slots
		return nil, fmt.Errorf("%w: retired", ErrUnavailable)
	}
	if fresh {
		b.all[inst] = struct{}{}
	}
	b.active.Add(1)
	b.mu.Unlock()
	return &Lease{binding: b, instance: inst}, nil
}

// spawn constructs and starts a fresh instance.
func (b *binding) spawn() (*Instance, error) {
	runner, err := b.factory()
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s/%d/%d", b.name, b.gen, b.seq.Add(1))
	b.log.Debug().Str("instance", id).Msg("instance created")
	return newInstance(id, b.name, runner), nil
}

// Invoke runs one chat call and streams its chunks. The returned channel
// is unbuffered: a slow consumer backpressures the model through emit, and
// nothing is dropped. Text chunks carry seq 1..n; exactly one terminal
// (done or error) follows with seq n+1, then the channel closes. The lease
// is released when the stream terminates.
//
// The caller must drain the channel until it closes, even after
// cancelling ctx. Cancellation aborts the call and cuts the stream short,
// but the terminal still arrives.
func (h *Host) Invoke(ctx context.Context, lease *Lease, conv *chat.Conversation) <-chan chat.Chunk {
	out := make(chan chat.Chunk)
	go h.produce(ctx, lease, conv, out)
	return out
}

func (h *Host) produce(ctx context.Context, lease *Lease, conv *chat.Conversation, out chan<- chat.Chunk) {
	defer close(out)
	b := lease.binding

	callCtx := ctx
	var cancel context.CancelFunc
	if t := b.limit.CallTimeout.Std(); t > 0 {
		callCtx, cancel = context.WithTimeout(ctx, t)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	// Retiring the binding aborts the call once the drain grace expires.
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	var (
		seq      int
		emitted  int64
		emitFail error
	)
	emit := func(ectx context.Context, text string) error {
		if err := ectx.Err(); err != nil {
			emitFail = err
			return err
		}
		emitted += int64(len(text))
		if max := b.limit.MaxOutputBytes; max > 0 && emitted > max {
			emitFail = fmt.Errorf("%w: output exceeds %d bytes", ErrResourceExceeded, max)
			return emitFail
		}
		select {
		case out <- chat.Chunk{Seq: seq + 1, Kind: chat.ChunkText, Text: text}:
			// The sequence number is committed only once the chunk is
			// delivered, so the terminal stays contiguous when a send
			// is cut short.
			seq++
			return nil
		case <-ectx.Done():
			emitFail = ectx.Err()
			return emitFail
		}
	}

	start := time.Now()
	err := lease.instance.Chat(callCtx, conv, emit)
	callErr := b.classify(err, emitFail, ctx)

	healthy := err == nil && emitFail == nil
	lease.release(healthy)

	terminal := chat.Chunk{Seq: seq + 1, Kind: chat.ChunkDone}
	if callErr != nil {
		terminal = chat.Chunk{Seq: seq + 1, Kind: chat.ChunkError, Err: callErr}
		b.log.Warn().Err(callErr).
			Str("instance", lease.instance.ID()).
			Dur("elapsed", time.Since(start)).
			Msg("chat call failed")
	} else {
		b.log.Debug().
			Str("instance", lease.instance.ID()).
			Int("chunks", seq).
			Dur("elapsed", time.Since(start)).
			Msg("chat call finished")
	}

	out <- terminal
}

// classify maps a raw call failure onto the host's error taxonomy. When
// emit failed, the emit failure is the authoritative cause: Lua plugins
// lose error identity across the interpreter boundary, and this restores
// it. Context errors split three ways by origin: caller cancellation
// passes through, binding retirement reads as unavailable, and the host's
// own call timeout reads as a resource limit.
func (b *binding) classify(err, emitFail error, callerCtx context.Context) error {
	if err == nil && emitFail == nil {
		return nil
	}
	cause := err
	if emitFail != nil {
		cause = emitFail
	}

	switch {
	case errors.Is(cause, plua.ErrInstructionLimit):
		return fmt.Errorf("%w: %w", ErrResourceExceeded, cause)
	case errors.Is(cause, ErrResourceExceeded):
		return cause
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		switch {
		case callerCtx.Err() != nil:
			return cause
		case b.ctx.Err() != nil:
			return fmt.Errorf("%w: retired during call", ErrUnavailable)
		default:
			return fmt.Errorf("%w: call timeout after %s", ErrResourceExceeded, b.limit.CallTimeout.Std())
		}
	case errors.Is(cause, ErrInstanceClosed):
		return fmt.Errorf("%w: %w", ErrUnavailable, cause)
	default:
		return fmt.Errorf("%w: %w", ErrRuntime, cause)
	}
}

// Retire unbinds a model and drains it in the background: in-flight calls
// get the grace period to finish, then their contexts are cancelled. New
// acquires fail immediately.
func (h *Host) Retire(name string, grace time.Duration) {
	h.mu.Lock()
	b := h.bindings[name]
	delete(h.bindings, name)
	h.mu.Unlock()

	if b == nil {
		return
	}
	go b.retire(grace)
}

func (b *binding) retire(grace time.Duration) {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return
	}
	b.retired = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.active.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		b.log.Warn().Dur("grace", grace).Msg("drain grace expired, cancelling in-flight calls")
		b.cancel()
		<-done
	}
	b.cancel()

	b.mu.Lock()
	instances := make([]*Instance, 0, len(b.all))
	for inst := range b.all {
		instances = append(instances, inst)
	}
	b.all = make(map[*Instance]struct{})
	b.exclusive = nil
	b.idle = nil
	b.mu.Unlock()

	for _, inst := range instances {
		inst.Close()
	}
	if b.onRetire != nil {
		b.onRetire()
	}
	b.log.Info().Msg("model retired")
}

// Bound reports whether a model name is currently bound.
func (h *Host) Bound(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.bindings[name]
	return ok
}

// Close retires every binding and waits for the drains to finish.
func (h *Host) Close(grace time.Duration) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	bindings := make([]*binding, 0, len(h.bindings))
	for _, b := range h.bindings {
		bindings = append(bindings, b)
	}
	h.bindings = make(map[string]*binding)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range bindings {
		wg.Add(1)
		go func(b *binding) {
			defer wg.Done()
			b.retire(grace)
		}(b)
	}
	wg.Wait()
}
