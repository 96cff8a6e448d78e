// Package chat defines the conversation model shared by the host, the
// dispatcher, and model plugins.
//
// A Conversation is the unit of work a plugin receives: an ordered message
// transcript plus request options and routing state. A plugin produces
// output as a stream of Chunks: zero or more text chunks followed by
// exactly one terminal chunk (done or error), with sequence numbers that
// start at 1 and increase by one per chunk.
//
// Plugins implement Handler and may additionally implement any of the
// lifecycle hook interfaces (StartHook, ResumeHook, EndHook, StopHook).
// The dispatcher discovers hooks by type assertion; a handler implements
// only the stages it cares about.
package chat
