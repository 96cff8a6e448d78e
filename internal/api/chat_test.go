package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/modelhost/modelhost/internal/chat"
)

func TestChatCompletion(t *testing.T) {
	ts := newTestServer(t)
	ts.registerParrot(t)

	status, body := ts.postJSON(t, "/v1/chat/completions",
		`{"model":"parrot","messages":[{"role":"user","content":"hello"}]}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", status, http.StatusOK, body)
	}

	if got := gjson.Get(body, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q, want %q", got, "chat.completion")
	}
	if got := gjson.Get(body, "id").String(); !strings.HasPrefix(got, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", got)
	}
	if got := gjson.Get(body, "model").String(); got != "parrot" {
		t.Errorf("model = %q, want %q", got, "parrot")
	}
	if got := gjson.Get(body, "choices.0.message.role").String(); got != "assistant" {
		t.Errorf("message role = %q, want %q", got, "assistant")
	}
	if got := gjson.Get(body, "choices.0.message.content").String(); got != "you said: hello" {
		t.Errorf("message content = %q, want %q", got, "you said: hello")
	}
	if got := gjson.Get(body, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q, want %q", got, "stop")
	}
}

func TestChatCompletionStream(t *testing.T) {
	ts := newTestServer(t)
	ts.registerParrot(t)

	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"parrot","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", got, "text/event-stream")
	}
	_, body := readBody(t, resp)

	frames := sseFrames(t, body)
	if len(frames) != 6 {
		t.Fatalf("got %d frames, want 6: %q", len(frames), frames)
	}

	if got := gjson.Get(frames[0], "choices.0.delta.role").String(); got != "assistant" {
		t.Errorf("preamble role = %q, want %q", got, "assistant")
	}
	if got := gjson.Get(frames[0], "object").String(); got != "chat.completion.chunk" {
		t.Errorf("object = %q, want %q", got, "chat.completion.chunk")
	}

	var text strings.Builder
	for _, f := range frames[1:4] {
		text.WriteString(gjson.Get(f, "choices.0.delta.content").String())
	}
	if text.String() != "you said: hi" {
		t.Errorf("streamed text = %q, want %q", text.String(), "you said: hi")
	}

	if got := gjson.Get(frames[4], "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q, want %q", got, "stop")
	}
	if gjson.Get(frames[4], "choices.0.delta").Raw != "{}" {
		t.Errorf("finish delta = %s, want empty object", gjson.Get(frames[4], "choices.0.delta").Raw)
	}
	if frames[5] != "[DONE]" {
		t.Errorf("last frame = %q, want [DONE]", frames[5])
	}

	// All frames carry the same completion ID.
	id := gjson.Get(frames[0], "id").String()
	if !strings.HasPrefix(id, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", id)
	}
	for i, f := range frames[1:5] {
		if got := gjson.Get(f, "id").String(); got != id {
			t.Errorf("frame %d id = %q, want %q", i+1, got, id)
		}
	}
}

func TestChatStreamError(t *testing.T) {
	ts := newTestServer(t)
	err := ts.reg.RegisterBuiltin("flaky", chat.HandlerFunc(
		func(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
			if err := emit(ctx, "partial"); err != nil {
				return err
			}
			return errors.New("upstream exploded")
		}))
	if err != nil {
		t.Fatalf("RegisterBuiltin(flaky) error = %v", err)
	}

	status, body := ts.postJSON(t, "/v1/chat/completions",
		`{"model":"flaky","messages":[{"role":"user","content":"x"}],"stream":true}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d (stream errors arrive in-band)", status, http.StatusOK)
	}

	frames := sseFrames(t, body)
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4: %q", len(frames), frames)
	}
	if got := gjson.Get(frames[1], "choices.0.delta.content").String(); got != "partial" {
		t.Errorf("content = %q, want %q", got, "partial")
	}
	msg := gjson.Get(frames[2], "error.message").String()
	if !strings.Contains(msg, "upstream exploded") {
		t.Errorf("error.message = %q, want the model failure mentioned", msg)
	}
	if got := gjson.Get(frames[2], "error.type").String(); got != "server_error" {
		t.Errorf("error.type = %q, want %q", got, "server_error")
	}
	if frames[3] != "[DONE]" {
		t.Errorf("last frame = %q, want [DONE]", frames[3])
	}
}

func TestChatNonStreamModelFailure(t *testing.T) {
	ts := newTestServer(t)
	err := ts.reg.RegisterBuiltin("doomed", chat.HandlerFunc(
		func(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
			return errors.New("no luck today")
		}))
	if err != nil {
		t.Fatalf("RegisterBuiltin(doomed) error = %v", err)
	}

	status, body := ts.postJSON(t, "/v1/chat/completions",
		`{"model":"doomed","messages":[{"role":"user","content":"x"}]}`)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d: %s", status, http.StatusInternalServerError, body)
	}
	if msg := gjson.Get(body, "error.message").String(); !strings.Contains(msg, "no luck today") {
		t.Errorf("error.message = %q, want the model failure mentioned", msg)
	}
}

func TestChatUnknownModel(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.postJSON(t, "/v1/chat/completions",
		`{"model":"ghost","messages":[{"role":"user","content":"x"}]}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", status, http.StatusBadRequest, body)
	}
	if got := gjson.Get(body, "error.message").String(); got != "Model ghost not found" {
		t.Errorf("error.message = %q, want %q", got, "Model ghost not found")
	}
	if got := gjson.Get(body, "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error.type = %q, want %q", got, "invalid_request_error")
	}
}

func TestChatUnavailableModel(t *testing.T) {
	ts := newTestServer(t)
	ts.writeBrokenPlugin(t, "wreck")

	status, body := ts.postJSON(t, "/v1/chat/completions",
		`{"model":"wreck","messages":[{"role":"user","content":"x"}]}`)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d: %s", status, http.StatusServiceUnavailable, body)
	}
	if got := gjson.Get(body, "error.type").String(); got != "service_unavailable" {
		t.Errorf("error.type = %q, want %q", got, "service_unavailable")
	}
}

func TestChatHookBlocked(t *testing.T) {
	ts := newTestServer(t)
	err := ts.reg.RegisterBuiltin("gated", &gatedModel{})
	if err != nil {
		t.Fatalf("RegisterBuiltin(gated) error = %v", err)
	}

	status, body := ts.postJSON(t, "/v1/chat/completions",
		`{"model":"gated","messages":[{"role":"user","content":"x"}]}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", status, http.StatusBadRequest, body)
	}
	if msg := gjson.Get(body, "error.message").String(); !strings.Contains(msg, "maintenance window") {
		t.Errorf("error.message = %q, want the hook reason mentioned", msg)
	}
}

// gatedModel refuses every fresh conversation.
type gatedModel struct{}

func (m *gatedModel) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	return emit(ctx, "unreachable")
}

func (m *gatedModel) OnChatStart(ctx context.Context, conv *chat.Conversation) error {
	return fmt.Errorf("%w: maintenance window", chat.ErrHookBlock)
}

func TestChatRequestValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.registerParrot(t)

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"empty messages", `{"model":"parrot","messages":[]}`, "messages must not be empty"},
		{"missing role", `{"model":"parrot","messages":[{"content":"x"}]}`, "messages[0]: role is required"},
		{"bad content", `{"model":"parrot","messages":[{"role":"user","content":7}]}`, "content must be a string or a list of content parts"},
		{"bad stop", `{"model":"parrot","messages":[{"role":"user","content":"x"}],"stop":7}`, "stop must be a string or a list of strings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.postJSON(t, "/v1/chat/completions", tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d: %s", status, http.StatusBadRequest, body)
			}
			if msg := gjson.Get(body, "error.message").String(); !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error.message = %q, want %q mentioned", msg, tt.wantMsg)
			}
		})
	}
}

func TestChatContentParts(t *testing.T) {
	ts := newTestServer(t)
	err := ts.reg.RegisterBuiltin("inspect", chat.HandlerFunc(
		func(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
			last, _ := conv.LastUser()
			return emit(ctx, fmt.Sprintf("%s|%d", last.Content, len(last.Attachments)))
		}))
	if err != nil {
		t.Fatalf("RegisterBuiltin(inspect) error = %v", err)
	}

	status, body := ts.postJSON(t, "/v1/chat/completions", `{
		"model": "inspect",
		"messages": [{
			"role": "user",
			"content": [
				{"type": "text", "text": "first"},
				{"type": "image", "image_url": {"url": "file-0123"}},
				{"type": "text", "text": "second"}
			]
		}]
	}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", status, http.StatusOK, body)
	}
	want := "first\nsecond|1"
	if got := gjson.Get(body, "choices.0.message.content").String(); got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestChatStopUnion(t *testing.T) {
	ts := newTestServer(t)
	err := ts.reg.RegisterBuiltin("stops", chat.HandlerFunc(
		func(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
			return emit(ctx, strings.Join(conv.Options.Stop, ","))
		}))
	if err != nil {
		t.Fatalf("RegisterBuiltin(stops) error = %v", err)
	}

	tests := []struct {
		name string
		stop string
		want string
	}{
		{"single string", `"END"`, "END"},
		{"list", `["END","HALT"]`, "END,HALT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.postJSON(t, "/v1/chat/completions",
				`{"model":"stops","messages":[{"role":"user","content":"x"}],"stop":`+tt.stop+`}`)
			if status != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", status, http.StatusOK, body)
			}
			if got := gjson.Get(body, "choices.0.message.content").String(); got != tt.want {
				t.Errorf("stop seen by model = %q, want %q", got, tt.want)
			}
		})
	}
}
