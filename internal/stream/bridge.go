// Package stream relays plugin output to a transport writer, enforcing
// the chunk ordering contract at the edge: sequence numbers contiguous
// from 1, exactly one terminal, nothing after it.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelhost/modelhost/internal/chat"
)

var (
	// ErrTransportCancelled is returned when the transport context ends
	// before the stream does. Client disconnects land here.
	ErrTransportCancelled = errors.New("stream: transport cancelled")

	// ErrChunkOrder is returned when the stream violates the ordering
	// contract. That is a host bug, never a client condition.
	ErrChunkOrder = errors.New("stream: chunk order violation")
)

// Writer receives a relayed stream. Implementations are transport
// specific: the API server writes SSE frames, tests capture in memory.
type Writer interface {
	// Text writes one text fragment.
	Text(text string) error
	// Done marks a successful end of stream.
	Done() error
	// Fail reports the model error that ended the stream.
	Fail(err error) error
}

// Bridge pulls chunks from ch and writes each one before pulling the
// next, so a slow transport slows the producer instead of buffering.
// A done terminal maps to w.Done, an error terminal to w.Fail; Bridge
// then waits for the channel to close to catch trailing chunks.
//
// Bridge does not drain ch on early return. Callers cancel ctx when
// they stop consuming so the upstream relay can unwind.
func Bridge(ctx context.Context, ch <-chan chat.Chunk, w Writer) error {
	next := 1
	terminal := false
	for {
		select {
		case <-ctx.Done():
			return ErrTransportCancelled
		case c, ok := <-ch:
			if !ok {
				if terminal {
					return nil
				}
				return fmt.Errorf("%w: stream closed without a terminal chunk", ErrChunkOrder)
			}
			if terminal {
				return fmt.Errorf("%w: chunk seq %d after terminal", ErrChunkOrder, c.Seq)
			}
			if c.Seq != next {
				return fmt.Errorf("%w: chunk seq %d, want %d", ErrChunkOrder, c.Seq, next)
			}
			next++

			switch c.Kind {
			case chat.ChunkText:
				if err := w.Text(c.Text); err != nil {
					return fmt.Errorf("write chunk: %w", err)
				}
			case chat.ChunkDone:
				if err := w.Done(); err != nil {
					return fmt.Errorf("write chunk: %w", err)
				}
				terminal = true
			case chat.ChunkError:
				if err := w.Fail(c.Err); err != nil {
					return fmt.Errorf("write chunk: %w", err)
				}
				terminal = true
			default:
				return fmt.Errorf("%w: unknown chunk kind %v", ErrChunkOrder, c.Kind)
			}
		}
	}
}
