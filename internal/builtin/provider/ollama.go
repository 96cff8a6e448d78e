package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/modelhost/modelhost/internal/builtin"
	"github.com/modelhost/modelhost/internal/chat"
)

const defaultOllamaBase = "http://localhost:11434"

func init() {
	builtin.MustRegister("ollama", newOllama)
}

// ollamaModel proxies calls to a local Ollama server. Ollama streams
// newline-delimited JSON rather than SSE, so the client is hand rolled.
type ollamaModel struct {
	settings
	client *http.Client
}

func newOllama(config map[string]any) (chat.Handler, error) {
	s, err := parse("ollama", config, "")
	if err != nil {
		return nil, err
	}
	if s.base == "" {
		s.base = defaultOllamaBase
	}
	// No client timeout: streams run as long as the call context allows.
	return &ollamaModel{settings: s, client: &http.Client{}}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *ollamaModel) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	body, err := json.Marshal(p.request(conv))
	if err != nil {
		return fmt.Errorf("ollama: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if e := gjson.GetBytes(msg, "error"); e.Exists() {
			return fmt.Errorf("ollama: %s (status %d)", e.String(), resp.StatusCode)
		}
		return fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if e := gjson.GetBytes(line, "error"); e.Exists() {
			return fmt.Errorf("ollama: %s", e.String())
		}
		if text := gjson.GetBytes(line, "message.content").String(); text != "" {
			if err := emit(ctx, text); err != nil {
				return err
			}
		}
		if gjson.GetBytes(line, "done").Bool() {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ollama: read stream: %w", err)
	}
	return errors.New("ollama: stream ended without a done marker")
}

func (p *ollamaModel) request(conv *chat.Conversation) ollamaChatRequest {
	req := ollamaChatRequest{Model: p.model, Stream: true}
	if _, ok := conv.SystemPrompt(); !ok && p.system != "" {
		req.Messages = append(req.Messages, ollamaMessage{Role: "system", Content: p.system})
	}
	for _, m := range conv.Messages {
		req.Messages = append(req.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	opts := conv.Options
	set := func(key string, v any) {
		if req.Options == nil {
			req.Options = make(map[string]any)
		}
		req.Options[key] = v
	}
	if opts.Temperature != nil {
		set("temperature", *opts.Temperature)
	}
	if opts.TopP != nil {
		set("top_p", *opts.TopP)
	}
	if opts.MaxTokens != nil {
		set("num_predict", *opts.MaxTokens)
	}
	if len(opts.Stop) > 0 {
		set("stop", opts.Stop)
	}
	return req
}
