package lua

import (
	"fmt"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// Capability is a permission a plugin manifest may request.
type Capability string

// Capabilities understood by the sandbox.
const (
	CapabilityFileRead  Capability = "filesystem.read"
	CapabilityFileWrite Capability = "filesystem.write"
	CapabilityNetwork   Capability = "network"
	CapabilityEnv       Capability = "env"
	CapabilityUnsafe    Capability = "unsafe" // full Lua stdlib access
)

var knownCapabilities = map[Capability]bool{
	CapabilityFileRead:  true,
	CapabilityFileWrite: true,
	CapabilityNetwork:   true,
	CapabilityEnv:       true,
	CapabilityUnsafe:    true,
}

// ParseCapability validates a manifest capability string.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !knownCapabilities[c] {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// Sandbox restricts Lua execution to safe operations and tracks the
// per-call instruction budget.
type Sandbox struct {
	L *lua.LState

	instructionLimit int64
	instructionCount atomic.Int64
	limitHit         atomic.Bool

	capabilities map[Capability]bool
}

// NewSandbox creates a sandbox for the Lua state.
func NewSandbox(L *lua.LState, instructionLimit int64) *Sandbox {
	return &Sandbox{
		L:                L,
		instructionLimit: instructionLimit,
		capabilities:     make(map[Capability]bool),
	}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Remove functions that load arbitrary code.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}
	s.installSafeRequire()
}

// installSafeRequire clears the package loaders so nothing can be loaded
// from disk, then replaces require with a whitelist version. Only the safe
// built-in modules, host-preloaded modules, and capability-gated modules
// resolve.
func (s *Sandbox) installSafeRequire() {
	if pkgTable, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkgTable, "path", lua.LString(""))
		s.L.SetField(pkgTable, "cpath", lua.LString(""))

		safeLoaded := map[string]bool{
			"_G": true, "string": true, "table": true, "math": true,
			"package": true,
		}
		if loadedTbl, ok := s.L.GetField(pkgTable, "loaded").(*lua.LTable); ok {
			var drop []string
			loadedTbl.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !safeLoaded[string(ks)] {
					drop = append(drop, string(ks))
				}
			})
			for _, key := range drop {
				loadedTbl.RawSetString(key, lua.LNil)
			}
		}
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
		"json":   true, // preloaded by the runtime
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		allow := safeModules[modName]
		switch modName {
		case "io":
			if !s.capabilities[CapabilityFileRead] && !s.capabilities[CapabilityFileWrite] {
				L.RaiseError("module 'io' requires a filesystem capability")
			}
			allow = true
		case "os":
			if !s.capabilities[CapabilityEnv] && !s.capabilities[CapabilityUnsafe] {
				L.RaiseError("module 'os' requires the env capability")
			}
			allow = true
		case "debug":
			if !s.capabilities[CapabilityUnsafe] {
				L.RaiseError("module 'debug' requires the unsafe capability")
			}
			allow = true
		}

		if !allow {
			L.RaiseError("module %q is not available", modName)
			return 0
		}

		// Host-injected APIs (io, os) live as globals, not loaders.
		if tbl, ok := L.GetGlobal(modName).(*lua.LTable); ok {
			L.Push(tbl)
			return 1
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// ResetInstructionCount resets the per-call budget.
func (s *Sandbox) ResetInstructionCount() {
	s.instructionCount.Store(0)
	s.limitHit.Store(false)
}

// InstructionCount returns the instructions consumed by the current call.
func (s *Sandbox) InstructionCount() int64 {
	return s.instructionCount.Load()
}

// CountInstruction charges n instructions against the budget and returns
// ErrInstructionLimit once it is exceeded.
func (s *Sandbox) CountInstruction(n int64) error {
	if s.instructionLimit <= 0 {
		return nil
	}
	if s.instructionCount.Add(n) > s.instructionLimit {
		s.limitHit.Store(true)
		return ErrInstructionLimit
	}
	return nil
}

// LimitExceeded reports whether the current call blew its budget.
func (s *Sandbox) LimitExceeded() bool {
	return s.limitHit.Load()
}

// Grant enables a capability and injects its API.
func (s *Sandbox) Grant(c Capability) {
	s.capabilities[c] = true

	switch c {
	case CapabilityFileRead:
		s.installFileReadAPI()
	case CapabilityFileWrite:
		s.installFileWriteAPI()
	case CapabilityEnv:
		s.installEnvAPI()
	case CapabilityNetwork:
		// Reserved. No Lua-side network API is exposed yet; the
		// capability exists so manifests validate and future grants
		// have a home.
	case CapabilityUnsafe:
		s.installUnsafeLibraries()
	}
}

// HasCapability reports whether the capability is granted.
func (s *Sandbox) HasCapability(c Capability) bool {
	return s.capabilities[c]
}

// Capabilities returns all granted capabilities.
func (s *Sandbox) Capabilities() []Capability {
	caps := make([]Capability, 0, len(s.capabilities))
	for c, granted := range s.capabilities {
		if granted {
			caps = append(caps, c)
		}
	}
	return caps
}

// installUnsafeLibraries opens the full standard library for trusted
// plugins.
func (s *Sandbox) installUnsafeLibraries() {
	lua.OpenIo(s.L)
	lua.OpenOs(s.L)
	lua.OpenDebug(s.L)
}
