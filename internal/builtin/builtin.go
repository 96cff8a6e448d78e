// Package builtin holds the chat handlers compiled into the host. Handlers
// self-register in init and are resolved by name when a manifest declares
// runtime "builtin".
package builtin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/modelhost/modelhost/internal/chat"
)

// ErrUnknownHandler is returned by New for names nothing registered.
var ErrUnknownHandler = errors.New("builtin: unknown handler")

// Factory constructs a handler from the manifest's config table.
type Factory func(config map[string]any) (chat.Handler, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a handler factory under a name. Names are unique.
func Register(name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("builtin: nil factory for %q", name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		return fmt.Errorf("builtin: %q already registered", name)
	}
	registry[name] = f
	return nil
}

// MustRegister is Register for init funcs.
func MustRegister(name string, f Factory) {
	if err := Register(name, f); err != nil {
		panic(err)
	}
}

// New constructs the named handler.
func New(name string, config map[string]any) (chat.Handler, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	return f(config)
}

// Names lists the registered handlers, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
