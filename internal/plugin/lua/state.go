package lua

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Default limits for a Lua state.
const (
	DefaultMemoryLimit      = 64 * 1024 * 1024 // advisory, not enforced by gopher-lua
	DefaultInstructionLimit = 10_000_000
)

// State wraps gopher-lua with sandboxing and budget tracking.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes access
// from Go, but callers must still keep all execution for one State on a
// single logical thread of control; the instance layer does this.
//
// Memory limits are advisory only. gopher-lua provides no hard memory
// ceiling, so the limit is recorded for reporting and the real ceilings
// are the instruction budget and the host-enforced call timeout.
type State struct {
	l *lua.LState

	mu sync.Mutex

	memoryLimit      int64
	instructionLimit int64

	sandbox *Sandbox
	closed  bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithMemoryLimit sets the advisory memory limit.
func WithMemoryLimit(bytes int64) StateOption {
	return func(s *State) {
		s.memoryLimit = bytes
	}
}

// WithInstructionLimit sets the per-call instruction budget. Instructions
// are counted at host API boundaries (emit, context, log, json).
func WithInstructionLimit(limit int64) StateOption {
	return func(s *State) {
		s.instructionLimit = limit
	}
}

// NewState creates a sandboxed Lua state with only safe libraries opened.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{
		memoryLimit:      DefaultMemoryLimit,
		instructionLimit: DefaultInstructionLimit,
	}
	for _, opt := range opts {
		opt(state)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	state.l = L

	if err := openSafeLibraries(L); err != nil {
		L.Close()
		return nil, err
	}

	state.sandbox = NewSandbox(L, state.instructionLimit)
	state.sandbox.Install()

	return state, nil
}

// openSafeLibraries opens only the safe Lua standard libraries. The
// package library is opened so that preloaded modules resolve, and the
// sandbox then strips its filesystem loaders.
//
// io, os, and debug are intentionally not opened; the sandbox injects
// restricted variants when the matching capability is granted.
func openSafeLibraries(L *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("opening lua library %q: %w", lib.name, err)
		}
	}
	return nil
}

// WithLua runs fn with exclusive access to the underlying Lua state,
// converting panics from unprotected Lua API calls into errors.
func (s *State) WithLua(fn func(L *lua.LState) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn(s.l)
}

// Sandbox returns the sandbox for capability grants and budget checks.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// MemoryLimit returns the advisory memory limit.
func (s *State) MemoryLimit() int64 {
	return s.memoryLimit
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Further calls return ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.l.Close()
	s.closed = true
	return nil
}
