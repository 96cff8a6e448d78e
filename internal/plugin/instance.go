package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelhost/modelhost/internal/chat"
)

// callQueueSize bounds how many calls may wait on one instance before
// submitters block in their own goroutines.
const callQueueSize = 16

// instanceCall is one queued operation on an instance.
type instanceCall struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// Instance is one running copy of a model. All execution funnels through a
// single goroutine in arrival order, which both satisfies the Lua state's
// single-thread requirement and provides FIFO semantics for exclusive
// models.
type Instance struct {
	id     string
	model  string
	runner Runner

	queue chan *instanceCall
	done  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// newInstance starts the instance's run loop.
func newInstance(id, model string, runner Runner) *Instance {
	inst := &Instance{
		id:     id,
		model:  model,
		runner: runner,
		queue:  make(chan *instanceCall, callQueueSize),
		done:   make(chan struct{}),
	}
	go inst.run()
	return inst
}

// ID identifies the instance in logs.
func (i *Instance) ID() string {
	return i.id
}

// Model returns the model name the instance serves.
func (i *Instance) Model() string {
	return i.model
}

// run processes queued calls until Close, then releases the runner. The
// runner is only ever touched from this goroutine. Close wins over queued
// work: once the instance is closed, waiting calls fail instead of
// reaching a runner that may have been discarded for a reason.
func (i *Instance) run() {
	defer func() { _ = i.runner.Close() }()
	for {
		select {
		case <-i.done:
			i.drain()
			return
		default:
		}
		select {
		case <-i.done:
			i.drain()
			return
		case c := <-i.queue:
			i.finish(c, i.execute(c))
		}
	}
}

// execute runs one call with panic recovery. Calls whose context died
// while queued are skipped.
func (i *Instance) execute(c *instanceCall) (err error) {
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = fmt.Errorf("model panic: %w", v)
			default:
				err = fmt.Errorf("model panic: %v", v)
			}
		}
	}()
	return c.fn(c.ctx)
}

func (i *Instance) finish(c *instanceCall, err error) {
	select {
	case c.result <- err:
	default:
	}
	close(c.result)
}

// drain fails every call still queued at shutdown.
func (i *Instance) drain() {
	for {
		select {
		case c := <-i.queue:
			i.finish(c, ErrInstanceClosed)
		default:
			return
		}
	}
}

// submit queues fn and waits for its result. Once enqueued the call is
// not abandoned on cancellation: the queued function observes the dead
// context and returns immediately when its turn comes, which keeps the
// conversation and emit callback single-owner.
func (i *Instance) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if i.closed.Load() {
		return ErrInstanceClosed
	}

	c := &instanceCall{
		ctx:    ctx,
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		return ErrInstanceClosed
	case i.queue <- c:
	}

	err, ok := <-c.result
	if !ok {
		return ErrInstanceClosed
	}
	return err
}

// Chat runs one chat call on the instance.
func (i *Instance) Chat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	return i.submit(ctx, func(ctx context.Context) error {
		return i.runner.HandleChat(ctx, conv, emit)
	})
}

// RunHook runs a lifecycle hook on the instance. The boolean reports
// whether the model defines the hook.
func (i *Instance) RunHook(ctx context.Context, hook Hook, conv *chat.Conversation, thread string) (bool, error) {
	var ran bool
	err := i.submit(ctx, func(ctx context.Context) error {
		r, hookErr := i.runner.CallHook(ctx, hook, conv, thread)
		ran = r
		return hookErr
	})
	if errors.Is(err, ErrInstanceClosed) {
		return false, err
	}
	return ran, err
}

// Close stops the instance. The running call finishes (or aborts through
// its context), queued calls fail with ErrInstanceClosed, and the runner
// is released.
func (i *Instance) Close() {
	i.closeOnce.Do(func() {
		i.closed.Store(true)
		close(i.done)
	})
}

// IsClosed reports whether Close has been called.
func (i *Instance) IsClosed() bool {
	return i.closed.Load()
}
