package plugin

import (
	"context"

	"github.com/modelhost/modelhost/internal/chat"
	plua "github.com/modelhost/modelhost/internal/plugin/lua"
)

// Hook names a lifecycle entry point on a model instance.
type Hook string

// Lifecycle hooks.
const (
	// HookStart fires before the first call of a fresh conversation.
	HookStart Hook = "start"

	// HookResume fires before a call that continues a conversation.
	HookResume Hook = "resume"

	// HookEnd fires after a call's stream has terminated.
	HookEnd Hook = "end"

	// HookStop fires when a call is cancelled mid-stream, before HookEnd.
	HookStop Hook = "stop"
)

// Runner is the execution side of one model instance. Implementations are
// not goroutine-safe; the Instance serializes all access.
type Runner interface {
	HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error

	// CallHook invokes a lifecycle hook if the model defines it. The
	// boolean reports whether the hook exists.
	CallHook(ctx context.Context, hook Hook, conv *chat.Conversation, thread string) (bool, error)

	Close() error
}

// RunnerFactory constructs a fresh Runner. The host calls it once per
// instance: at load for the first instance, on pool growth, and when
// replacing an instance discarded after an error.
type RunnerFactory func() (Runner, error)

// luaHookNames maps lifecycle hooks to the plugin-side function names.
var luaHookNames = map[Hook]string{
	HookStart:  plua.HookChatStart,
	HookResume: plua.HookChatResume,
	HookEnd:    plua.HookChatEnd,
	HookStop:   plua.HookChatStop,
}

// luaRunner executes a model inside a sandboxed Lua interpreter.
type luaRunner struct {
	rt *plua.Runtime
}

// NewLuaRunner creates a sandboxed runner with a fresh context store.
func NewLuaRunner(cfg plua.Config) (Runner, error) {
	rt, err := plua.NewRuntime(cfg, &chat.ContextStore{})
	if err != nil {
		return nil, err
	}
	return &luaRunner{rt: rt}, nil
}

func (r *luaRunner) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	return r.rt.HandleChat(ctx, conv, emit)
}

func (r *luaRunner) CallHook(ctx context.Context, hook Hook, conv *chat.Conversation, thread string) (bool, error) {
	name, ok := luaHookNames[hook]
	if !ok {
		return false, nil
	}
	return r.rt.CallHook(ctx, name, conv, thread)
}

func (r *luaRunner) Close() error {
	return r.rt.Close()
}

// builtinRunner executes a handler compiled into the host. Hooks are
// discovered by type assertion on the handler.
type builtinRunner struct {
	handler chat.Handler
}

// NewBuiltinRunner wraps a builtin handler as a Runner.
func NewBuiltinRunner(h chat.Handler) Runner {
	return &builtinRunner{handler: h}
}

func (r *builtinRunner) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	return r.handler.HandleChat(ctx, conv, emit)
}

func (r *builtinRunner) CallHook(ctx context.Context, hook Hook, conv *chat.Conversation, thread string) (bool, error) {
	switch hook {
	case HookStart:
		if h, ok := r.handler.(chat.StartHook); ok {
			return true, h.OnChatStart(ctx, conv)
		}
	case HookResume:
		if h, ok := r.handler.(chat.ResumeHook); ok {
			return true, h.OnChatResume(ctx, thread)
		}
	case HookEnd:
		if h, ok := r.handler.(chat.EndHook); ok {
			return true, h.OnChatEnd(ctx, conv)
		}
	case HookStop:
		if h, ok := r.handler.(chat.StopHook); ok {
			return true, h.OnChatStop(ctx, thread)
		}
	}
	return false, nil
}

// Close is a no-op: every instance of a builtin model delegates to the
// same shared handler, whose lifetime is managed by the binding, not by
// individual instances.
func (r *builtinRunner) Close() error {
	return nil
}
