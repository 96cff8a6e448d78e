// Package dispatcher routes chat calls to model plugins and runs the
// conversation lifecycle hooks around each call.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelhost/modelhost/internal/chat"
	"github.com/modelhost/modelhost/internal/plugin"
)

// trailingHookGrace bounds the stop and end hooks of one call. They run
// after the caller is gone, so nothing else limits them.
const trailingHookGrace = 10 * time.Second

// Error taxonomy, re-exported from the layers below so transports only
// need this package.
var (
	// ErrModelNotFound marks a target no descriptor exists for.
	ErrModelNotFound = plugin.ErrNotFound

	// ErrModelUnavailable marks a known model that is not Ready. It
	// wraps the recorded load failure when there is one.
	ErrModelUnavailable = plugin.ErrUnavailable

	// ErrResourceExceeded marks a call that blew a manifest limit. It
	// arrives on the stream as an error terminal, never from Dispatch.
	ErrResourceExceeded = plugin.ErrResourceExceeded

	// ErrHookBlocked marks a call a lifecycle hook refused.
	ErrHookBlocked = chat.ErrHookBlock
)

// Stage tells the dispatcher which lifecycle hook precedes a call.
type Stage uint8

const (
	// StageStart marks the first call of a conversation.
	StageStart Stage = iota
	// StageResume marks a call that continues one.
	StageResume
)

// String returns the stage name.
func (s Stage) String() string {
	if s == StageResume {
		return "resume"
	}
	return "start"
}

// StageFor derives the stage from a transcript: assistant output means
// the conversation is being continued.
func StageFor(conv *chat.Conversation) Stage {
	if conv.HasAssistant() {
		return StageResume
	}
	return StageStart
}

// Dispatcher hands chat calls to the model registry and owns the call
// lifecycle around each one: acquire, pre hook, invoke, relay, post
// hooks. Concurrency policy lives below it, in the host's pools.
type Dispatcher struct {
	reg *plugin.Registry
	log zerolog.Logger
}

// New creates a dispatcher on top of a model registry.
func New(reg *plugin.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg: reg,
		log: log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs one chat call against the target model and returns the
// call's chunk stream. The stream follows the host contract: unbuffered,
// sequence numbers contiguous from 1, exactly one terminal chunk, then
// close. Callers that stop reading must cancel ctx so the relay can
// unwind.
//
// Unknown targets fail with ErrModelNotFound and known-but-unready ones
// with ErrModelUnavailable; neither touches an instance. A start or
// resume hook error wrapping ErrHookBlocked aborts before invoke.
func (d *Dispatcher) Dispatch(ctx context.Context, target string, conv *chat.Conversation, stage Stage) (<-chan chat.Chunk, error) {
	lease, err := d.reg.Acquire(ctx, target)
	if err != nil {
		return nil, err
	}

	log := d.log.With().
		Str("model", target).
		Str("instance", lease.InstanceID()).
		Str("conversation", conv.ID).
		Logger()
	log.Debug().Stringer("stage", stage).Msg("call dispatched")

	if err := d.preHook(ctx, lease, conv, stage, log); err != nil {
		lease.Release(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		lease.Release(err)
		return nil, err
	}

	out := make(chan chat.Chunk)
	go d.relay(ctx, target, lease, conv, out, log)
	return out, nil
}

// preHook runs the stage's lifecycle hook. Only errors wrapping
// ErrHookBlocked abort the call; anything else is logged and ignored.
func (d *Dispatcher) preHook(ctx context.Context, lease *plugin.Lease, conv *chat.Conversation, stage Stage, log zerolog.Logger) error {
	h := plugin.HookStart
	if stage == StageResume {
		h = plugin.HookResume
	}

	_, err := lease.RunHook(ctx, h, conv, conv.ID)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHookBlocked) {
		log.Info().Err(err).Str("hook", string(h)).Msg("hook blocked call")
		return err
	}
	log.Warn().Err(err).Str("hook", string(h)).Msg("lifecycle hook failed")
	return nil
}

// relay pipes the host stream to the caller, then runs the trailing
// lifecycle hooks once the stream has settled. The host requires its
// channel drained to completion, so relay keeps consuming after the
// caller is gone; its own sends are ctx guarded and never wedge.
func (d *Dispatcher) relay(ctx context.Context, target string, lease *plugin.Lease, conv *chat.Conversation, out chan<- chat.Chunk, log zerolog.Logger) {
	defer close(out)

	in := d.reg.Invoke(ctx, lease, conv)

	forwarding := true
	var callErr error
	for c := range in {
		if c.Kind == chat.ChunkError {
			callErr = c.Err
		}
		if !forwarding {
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			forwarding = false
		}
	}

	if callErr != nil {
		log.Debug().Err(callErr).Msg("call ended with error terminal")
	}

	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trailingHookGrace)
	defer cancel()
	if ctx.Err() != nil {
		d.postHook(hookCtx, target, lease, plugin.HookStop, conv, log)
	}
	d.postHook(hookCtx, target, lease, plugin.HookEnd, conv, log)
}

// postHook delivers a trailing lifecycle hook. The call's own instance is
// preferred, but a failed call discards its instance with it, so the hook
// falls back to a fresh lease; builtin models share one handler and see
// the notification either way. Errors are logged, never returned: nothing
// upstream can act on them once the stream is over.
func (d *Dispatcher) postHook(ctx context.Context, target string, lease *plugin.Lease, h plugin.Hook, conv *chat.Conversation, log zerolog.Logger) {
	_, err := lease.RunHook(ctx, h, conv, conv.ID)
	if err != nil && errors.Is(err, plugin.ErrInstanceClosed) {
		fresh, aerr := d.reg.Acquire(ctx, target)
		if aerr != nil {
			log.Debug().Err(aerr).Str("hook", string(h)).Msg("model gone before lifecycle hook")
			return
		}
		_, err = fresh.RunHook(ctx, h, conv, conv.ID)
		fresh.Release(err)
	}
	if err != nil {
		log.Warn().Err(err).Str("hook", string(h)).Msg("lifecycle hook failed")
	}
}
