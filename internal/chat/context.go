package chat

import "sync"

// ContextCarrier exposes the out-of-band key/value state a plugin keeps
// across calls on one instance.
type ContextCarrier interface {
	SetContext(key string, value any)
	Context(key string) (any, bool)
	ClearContext()
}

// ContextStore is a ContextCarrier backed by a mutex-guarded map. Handlers
// that need per-instance state embed the zero value.
type ContextStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// SetContext stores a value under key.
func (s *ContextStore) SetContext(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// Context retrieves the value stored under key.
func (s *ContextStore) Context(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// ClearContext drops all stored values.
func (s *ContextStore) ClearContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = nil
}

// Len returns the number of stored values.
func (s *ContextStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
