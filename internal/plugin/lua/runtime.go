package lua

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/modelhost/modelhost/internal/chat"
)

// Lua-side lifecycle entry points.
const (
	HookChatStart  = "on_chat_start"
	HookChatResume = "on_chat_resume"
	HookChatEnd    = "on_chat_end"
	HookChatStop   = "on_chat_stop"

	chatEntryPoint = "on_chat_messages"
)

// Config describes one plugin's Lua environment.
type Config struct {
	// Dir is the plugin directory; Entry is the entry file relative to it.
	Dir   string
	Entry string

	Capabilities []Capability

	// MemoryBytes is advisory; Instructions bounds host API calls per
	// chat call. Zero values select the package defaults.
	MemoryBytes  int64
	Instructions int64

	// PluginConfig is the manifest's config table, exposed to the plugin
	// as the config global.
	PluginConfig map[string]any

	Logger zerolog.Logger
}

// Runtime hosts one model plugin's Lua environment. A Runtime is not safe
// for concurrent use; the instance layer serializes calls.
type Runtime struct {
	state  *State
	bridge *Bridge
	log    zerolog.Logger
	store  chat.ContextCarrier

	handler lua.LValue
	hooks   map[string]lua.LValue
}

// NewRuntime creates a sandboxed runtime, loads the plugin entry file, and
// resolves its chat handler and lifecycle hooks. The entry file may return
// a module table; otherwise entry points are looked up as globals.
func NewRuntime(cfg Config, store chat.ContextCarrier) (*Runtime, error) {
	opts := make([]StateOption, 0, 2)
	if cfg.MemoryBytes > 0 {
		opts = append(opts, WithMemoryLimit(cfg.MemoryBytes))
	}
	if cfg.Instructions > 0 {
		opts = append(opts, WithInstructionLimit(cfg.Instructions))
	}

	state, err := NewState(opts...)
	if err != nil {
		return nil, err
	}

	for _, c := range cfg.Capabilities {
		state.Sandbox().Grant(c)
	}

	r := &Runtime{
		state: state,
		log:   cfg.Logger,
		store: store,
		hooks: make(map[string]lua.LValue),
	}

	err = state.WithLua(func(L *lua.LState) error {
		r.bridge = NewBridge(L)
		r.installHostModules(L, cfg.PluginConfig)

		entry := filepath.Join(cfg.Dir, cfg.Entry)
		fn, err := L.LoadFile(entry)
		if err != nil {
			return fmt.Errorf("loading %s: %w", cfg.Entry, err)
		}
		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			return fmt.Errorf("running %s: %w", cfg.Entry, err)
		}

		var module *lua.LTable
		if L.GetTop() >= 1 {
			if t, ok := L.Get(1).(*lua.LTable); ok {
				module = t
			}
		}
		L.SetTop(0)

		lookup := func(name string) lua.LValue {
			if module != nil {
				if v := L.GetField(module, name); v != lua.LNil {
					return v
				}
			}
			return L.GetGlobal(name)
		}

		handler := lookup(chatEntryPoint)
		if handler.Type() != lua.LTFunction {
			return ErrNoChatHandler
		}
		r.handler = handler

		for _, name := range []string{HookChatStart, HookChatResume, HookChatEnd, HookChatStop} {
			if v := lookup(name); v.Type() == lua.LTFunction {
				r.hooks[name] = v
			}
		}
		return nil
	})
	if err != nil {
		_ = state.Close()
		return nil, err
	}
	return r, nil
}

// HandleChat runs the plugin's chat entry point. Cancellation and the
// host's call timeout arrive through ctx; a call that is aborted mid-flight
// leaves the VM in an undefined state, so the host discards the instance
// after any call error.
func (r *Runtime) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	return r.state.WithLua(func(L *lua.LState) error {
		L.SetContext(ctx)
		defer L.RemoveContext()
		r.state.Sandbox().ResetInstructionCount()

		convTbl := r.buildConvTable(L, conv)

		emitFn := L.NewFunction(func(L *lua.LState) int {
			r.charge(L, 1)
			text := L.CheckString(1)
			if err := emit(ctx, text); err != nil {
				L.RaiseError("emit: %s", err.Error())
			}
			return 0
		})

		L.Push(r.handler)
		L.Push(convTbl)
		L.Push(emitFn)
		if err := L.PCall(2, 0, nil); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%s aborted: %w", chatEntryPoint, ctxErr)
			}
			if r.state.Sandbox().LimitExceeded() {
				return fmt.Errorf("%s: %w", chatEntryPoint, ErrInstructionLimit)
			}
			return fmt.Errorf("%s: %w", chatEntryPoint, err)
		}

		r.readBackRouting(L, convTbl, conv)
		return nil
	})
}

// HasHook reports whether the plugin defines the named lifecycle hook.
func (r *Runtime) HasHook(name string) bool {
	_, ok := r.hooks[name]
	return ok
}

// CallHook invokes a lifecycle hook if the plugin defines it. The boolean
// reports whether the hook exists.
func (r *Runtime) CallHook(ctx context.Context, name string, conv *chat.Conversation, thread string) (bool, error) {
	fn, ok := r.hooks[name]
	if !ok {
		return false, nil
	}

	err := r.state.WithLua(func(L *lua.LState) error {
		L.SetContext(ctx)
		defer L.RemoveContext()

		L.Push(fn)
		nargs := 0
		switch name {
		case HookChatStart, HookChatEnd:
			L.Push(r.buildConvTable(L, conv))
			nargs = 1
		case HookChatResume:
			L.Push(lua.LString(thread))
			nargs = 1
		}
		if err := L.PCall(nargs, 0, nil); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	return true, err
}

// Close releases the Lua state.
func (r *Runtime) Close() error {
	return r.state.Close()
}

// charge counts one host API call against the instruction budget and
// raises into Lua when the budget is gone.
func (r *Runtime) charge(L *lua.LState, n int64) {
	if err := r.state.Sandbox().CountInstruction(n); err != nil {
		L.RaiseError("%s", err.Error())
	}
}

// buildConvTable materializes the conversation as a Lua table. next and
// thinking are writable; the host reads them back after the call.
func (r *Runtime) buildConvTable(L *lua.LState, conv *chat.Conversation) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "id", lua.LString(conv.ID))
	L.SetField(t, "thinking", lua.LBool(conv.Thinking))
	L.SetField(t, "next", lua.LString(conv.Next))

	msgs := L.NewTable()
	for i, m := range conv.Messages {
		mt := L.NewTable()
		L.SetField(mt, "role", lua.LString(m.Role))
		L.SetField(mt, "content", lua.LString(m.Content))
		if m.Name != "" {
			L.SetField(mt, "name", lua.LString(m.Name))
		}
		if len(m.Attachments) > 0 {
			L.SetField(mt, "attachments", r.bridge.ToLua(m.Attachments))
		}
		msgs.RawSetInt(i+1, mt)
	}
	L.SetField(t, "messages", msgs)

	opts := L.NewTable()
	if conv.Options.Temperature != nil {
		L.SetField(opts, "temperature", lua.LNumber(*conv.Options.Temperature))
	}
	if conv.Options.TopP != nil {
		L.SetField(opts, "top_p", lua.LNumber(*conv.Options.TopP))
	}
	if conv.Options.MaxTokens != nil {
		L.SetField(opts, "max_tokens", lua.LNumber(*conv.Options.MaxTokens))
	}
	if len(conv.Options.Stop) > 0 {
		L.SetField(opts, "stop", r.bridge.ToLua(conv.Options.Stop))
	}
	if conv.Options.User != "" {
		L.SetField(opts, "user", lua.LString(conv.Options.User))
	}
	L.SetField(t, "options", opts)

	return t
}

func (r *Runtime) readBackRouting(L *lua.LState, convTbl *lua.LTable, conv *chat.Conversation) {
	if v, ok := L.GetField(convTbl, "next").(lua.LString); ok {
		conv.Next = string(v)
	}
	if v, ok := L.GetField(convTbl, "thinking").(lua.LBool); ok {
		conv.Thinking = bool(v)
	}
}

// installHostModules injects config, context, log, and the preloaded json
// module into the plugin environment.
func (r *Runtime) installHostModules(L *lua.LState, pluginConfig map[string]any) {
	if pluginConfig != nil {
		L.SetGlobal("config", r.bridge.ToLua(pluginConfig))
	} else {
		L.SetGlobal("config", L.NewTable())
	}

	ctxMod := L.NewTable()
	L.SetField(ctxMod, "set", L.NewFunction(func(L *lua.LState) int {
		r.charge(L, 1)
		key := L.CheckString(1)
		r.store.SetContext(key, r.bridge.ToGo(L.Get(2)))
		return 0
	}))
	L.SetField(ctxMod, "get", L.NewFunction(func(L *lua.LState) int {
		r.charge(L, 1)
		key := L.CheckString(1)
		v, ok := r.store.Context(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(r.bridge.ToLua(v))
		return 1
	}))
	L.SetField(ctxMod, "clear", L.NewFunction(func(L *lua.LState) int {
		r.charge(L, 1)
		r.store.ClearContext()
		return 0
	}))
	L.SetGlobal("context", ctxMod)

	logMod := L.NewTable()
	for name, level := range map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	} {
		lvl := level
		L.SetField(logMod, name, L.NewFunction(func(L *lua.LState) int {
			r.charge(L, 1)
			r.log.WithLevel(lvl).Msg(L.CheckString(1))
			return 0
		}))
	}
	L.SetGlobal("log", logMod)

	L.PreloadModule("json", func(L *lua.LState) int {
		mod := L.NewTable()
		L.SetField(mod, "encode", L.NewFunction(func(L *lua.LState) int {
			r.charge(L, 1)
			data, err := json.Marshal(r.bridge.ToGo(L.Get(1)))
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LString(data))
			return 1
		}))
		L.SetField(mod, "decode", L.NewFunction(func(L *lua.LState) int {
			r.charge(L, 1)
			var v any
			if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(r.bridge.ToLua(v))
			return 1
		}))
		L.Push(mod)
		return 1
	})
}
