package plugin

import "errors"

// Model plugin errors.
var (
	// ErrNotFound is returned when no model is registered under a name.
	ErrNotFound = errors.New("model not found")

	// ErrUnavailable is returned when a model exists but is not Ready.
	// It wraps the load failure when there is one.
	ErrUnavailable = errors.New("model unavailable")

	// ErrResourceExceeded is returned when a call blows a manifest limit
	// (instruction budget, call timeout, output cap). The instance that
	// hit the limit is terminated and the call is not retried.
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrRuntime wraps failures raised by model code during a call. The
	// failing instance is discarded and a fresh one is created on the
	// next call.
	ErrRuntime = errors.New("model runtime error")

	// ErrInstanceClosed is returned when submitting work to an instance
	// that has been shut down.
	ErrInstanceClosed = errors.New("model instance closed")

	// ErrHostClosed is returned after the host has shut down.
	ErrHostClosed = errors.New("plugin host closed")

	// ErrNameTaken is returned when registering a builtin under a name
	// that is already bound.
	ErrNameTaken = errors.New("model name already registered")

	// ErrNoEntryPoint is returned when a plugin directory has neither a
	// manifest nor a default entry file.
	ErrNoEntryPoint = errors.New("plugin has no entry point (plugin.yaml or main.lua)")
)
