package chat

import (
	"context"
	"errors"
)

// ErrHookBlock marks a lifecycle hook error that must abort the call
// instead of being logged and ignored. Hooks opt in by wrapping it:
//
//	return fmt.Errorf("%w: quota exhausted", chat.ErrHookBlock)
var ErrHookBlock = errors.New("hook blocked call")

// EmitFunc delivers one text fragment to the caller. It blocks while the
// consumer is slow and returns the context error once the call is
// cancelled; handlers should stop work when it fails.
type EmitFunc func(ctx context.Context, text string) error

// Handler is the entry point every model plugin provides. Returning nil
// ends the stream with a done terminal; returning an error ends it with
// an error terminal. Handlers must not call emit after returning.
type Handler interface {
	HandleChat(ctx context.Context, conv *Conversation, emit EmitFunc) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, conv *Conversation, emit EmitFunc) error

// HandleChat implements Handler.
func (f HandlerFunc) HandleChat(ctx context.Context, conv *Conversation, emit EmitFunc) error {
	return f(ctx, conv, emit)
}

// StartHook runs before the first call of a fresh conversation.
type StartHook interface {
	OnChatStart(ctx context.Context, conv *Conversation) error
}

// ResumeHook runs before a call that continues an existing conversation.
type ResumeHook interface {
	OnChatResume(ctx context.Context, conversationID string) error
}

// EndHook runs after the call's stream has finished, failed, or been
// cancelled.
type EndHook interface {
	OnChatEnd(ctx context.Context, conv *Conversation) error
}

// StopHook runs when a call is cancelled mid-stream, before EndHook.
type StopHook interface {
	OnChatStop(ctx context.Context, conversationID string) error
}
