package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/modelhost/modelhost/internal/chat"
	"github.com/modelhost/modelhost/internal/dispatcher"
	"github.com/modelhost/modelhost/internal/stream"
)

// handleChatCompletion serves POST /v1/chat/completions in both modes.
// The derived context is cancelled when the handler returns, which is
// what unwinds the dispatcher's relay if the client goes away.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	conv, err := req.conversation()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := completionID()
	conv.ID = id
	created := time.Now().Unix()

	ctx := r.Context()
	if t := s.cfg.RequestTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := s.disp.Dispatch(ctx, req.Model, conv, dispatcher.StageFor(conv))
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, dispatcher.ErrModelNotFound) {
			writeError(w, status, fmt.Sprintf("Model %s not found", req.Model))
			return
		}
		writeError(w, status, err.Error())
		return
	}

	if req.Stream {
		s.streamCompletion(ctx, w, r, ch, id, req.Model, created)
		return
	}

	var buf textCollector
	switch err := stream.Bridge(ctx, ch, &buf); {
	case errors.Is(err, stream.ErrTransportCancelled):
		if r.Context().Err() != nil {
			s.log.Debug().Str("completion", id).Msg("client gone before completion")
			return
		}
		writeError(w, http.StatusInternalServerError, "request timed out")
	case err != nil:
		s.log.Error().Err(err).Str("completion", id).Msg("completion stream broken")
		writeError(w, http.StatusInternalServerError, err.Error())
	case buf.failure != nil:
		writeError(w, statusFor(buf.failure), buf.failure.Error())
	default:
		writeJSON(w, http.StatusOK, completionResponse{
			ID:      id,
			Object:  "chat.completion",
			Created: created,
			Model:   req.Model,
			Choices: []completionChoice{{
				Message:      responseMessage{Role: "assistant", Content: buf.sb.String()},
				FinishReason: "stop",
			}},
		})
	}
}

// streamCompletion relays the chunk stream as SSE frames. Headers are
// already unsent here, so transport problems before the first frame
// still produce a JSON error response.
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, r *http.Request, ch <-chan chat.Chunk, id, model string, created int64) {
	sw, err := newSSEWriter(w, id, model, created)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch err := stream.Bridge(ctx, ch, sw); {
	case err == nil:
	case errors.Is(err, stream.ErrTransportCancelled):
		if r.Context().Err() != nil {
			s.log.Debug().Str("completion", id).Msg("client disconnected mid-stream")
			return
		}
		// The server-side timeout fired while the client is still
		// connected; tell it before closing the stream.
		_ = sw.Fail(errors.New("request timed out"))
	case errors.Is(err, stream.ErrChunkOrder):
		s.log.Error().Err(err).Str("completion", id).Msg("chunk ordering violated")
		_ = sw.Fail(errors.New("internal stream error"))
	default:
		s.log.Debug().Err(err).Str("completion", id).Msg("stream write failed")
	}
}

// statusFor maps the dispatch error taxonomy onto wire statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrModelNotFound):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrHookBlocked):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// textCollector buffers a stream for the non-streaming response path.
type textCollector struct {
	sb      strings.Builder
	failure error
}

func (c *textCollector) Text(text string) error {
	c.sb.WriteString(text)
	return nil
}

func (c *textCollector) Done() error { return nil }

func (c *textCollector) Fail(err error) error {
	c.failure = err
	return nil
}

// sseWriter renders a chunk stream as wire-format SSE frames. One frame
// template is built per stream and patched per fragment.
type sseWriter struct {
	w     http.ResponseWriter
	fl    http.Flusher
	frame []byte
}

// newSSEWriter sends the stream headers and the role preamble frame.
func newSSEWriter(w http.ResponseWriter, id, model string, created int64) (*sseWriter, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming is not supported by this connection")
	}

	frame, err := json.Marshal(streamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []streamChoice{{Delta: json.RawMessage(`{}`)}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode stream frame: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, fl: fl, frame: frame}
	preamble, err := sjson.SetBytes(frame, "choices.0.delta.role", "assistant")
	if err != nil {
		return nil, fmt.Errorf("encode stream frame: %w", err)
	}
	if err := sw.send(preamble); err != nil {
		return nil, err
	}
	return sw, nil
}

// Text implements stream.Writer.
func (sw *sseWriter) Text(text string) error {
	frame, err := sjson.SetBytes(sw.frame, "choices.0.delta.content", text)
	if err != nil {
		return fmt.Errorf("encode stream frame: %w", err)
	}
	return sw.send(frame)
}

// Done implements stream.Writer: a finish frame, then the end marker.
func (sw *sseWriter) Done() error {
	frame, err := sjson.SetBytes(sw.frame, "choices.0.finish_reason", "stop")
	if err != nil {
		return fmt.Errorf("encode stream frame: %w", err)
	}
	if err := sw.send(frame); err != nil {
		return err
	}
	return sw.end()
}

// Fail implements stream.Writer: one error frame, then the end marker.
func (sw *sseWriter) Fail(err error) error {
	frame, merr := json.Marshal(errorBody{Error: wireError{
		Message: err.Error(),
		Type:    errorType(statusFor(err)),
	}})
	if merr != nil {
		return fmt.Errorf("encode stream frame: %w", merr)
	}
	if serr := sw.send(frame); serr != nil {
		return serr
	}
	return sw.end()
}

func (sw *sseWriter) send(data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.fl.Flush()
	return nil
}

func (sw *sseWriter) end() error {
	if _, err := io.WriteString(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.fl.Flush()
	return nil
}
