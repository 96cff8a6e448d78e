package plugin

import "time"

// Status represents the lifecycle state of a registered model.
type Status int

// Model statuses.
const (
	// StatusUnloaded - the model is known but has never been loaded.
	StatusUnloaded Status = iota

	// StatusLoading - the model is loading or reloading. During a reload
	// the previous generation keeps serving until the swap.
	StatusLoading

	// StatusReady - the model is loaded and serving.
	StatusReady

	// StatusFailed - the model failed to load. The error is recorded on
	// the descriptor and the model refuses calls until a reload succeeds.
	StatusFailed
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Usable reports whether the model accepts chat calls.
func (s Status) Usable() bool {
	return s == StatusReady
}

// Descriptor is the registry's public view of one model.
type Descriptor struct {
	Name        string
	Version     string
	Description string

	// Dir is the plugin directory. Empty for builtins registered in code.
	Dir string

	Runtime     RuntimeKind
	Isolation   Isolation
	Concurrency Concurrency

	Status Status
	// Err holds the latest load failure. It is set on a Failed model, and
	// on a Ready model whose last reload failed while a previous
	// generation kept serving. A successful load clears it.
	Err error

	// Generation increments on every successful (re)load.
	Generation int
	LoadedAt   time.Time
}
