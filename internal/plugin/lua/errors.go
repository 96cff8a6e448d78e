package lua

import "errors"

// Errors returned by the Lua runtime.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state closed")

	// ErrNoChatHandler is returned when a plugin defines no
	// on_chat_messages entry point.
	ErrNoChatHandler = errors.New("plugin does not define on_chat_messages")

	// ErrInstructionLimit is returned when a call exceeds its instruction
	// budget.
	ErrInstructionLimit = errors.New("instruction limit exceeded")
)
