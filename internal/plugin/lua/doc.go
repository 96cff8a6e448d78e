// Package lua provides the sandboxed Lua runtime for model plugins.
//
// Each sandboxed plugin instance owns one Runtime, and each Runtime owns
// one Lua state. gopher-lua states are not goroutine-safe, so all
// execution on a Runtime must come from a single goroutine; the instance
// layer above this package serializes calls.
//
// # Plugin contract
//
// A plugin's entry file either returns a module table or defines globals:
//
//	local M = {}
//
//	function M.on_chat_messages(conv, emit)
//	    local last = conv.messages[#conv.messages]
//	    emit("you said: " .. last.content)
//	end
//
//	function M.on_chat_start(conv)
//	    context.set("turns", 0)
//	end
//
//	return M
//
// on_chat_messages is required; on_chat_start, on_chat_resume,
// on_chat_end, and on_chat_stop are optional. The conv table carries
// messages, options, and the writable next and thinking fields, which the
// host reads back after the call.
//
// # Host environment
//
// The host injects config (the manifest's config table), context
// (set/get/clear, backed by the instance's context store), log
// (debug/info/warn/error), and a preloaded json module (encode/decode).
// emit is passed as the second argument of on_chat_messages; it blocks
// under consumer backpressure and raises once the call is cancelled.
//
// # Sandbox
//
// States are created with SkipOpenLibs and only base, table, string, and
// math opened. dofile, loadfile, load, and loadstring are removed.
// require is replaced with a whitelist version; io and os are gated
// behind manifest capabilities. Instruction budgets are counted at host
// API boundaries; memory limits are advisory because gopher-lua cannot
// enforce them. Wall-clock call timeouts are enforced by the host through
// the context passed to HandleChat.
package lua
