package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/modelhost/modelhost/internal/builtin"
	"github.com/modelhost/modelhost/internal/chat"
)

func init() {
	builtin.MustRegister("gemini", newGemini)
}

// geminiModel proxies calls to the Gemini API.
type geminiModel struct {
	settings
	client *genai.Client
}

func newGemini(config map[string]any) (chat.Handler, error) {
	s, err := parse("gemini", config, "GEMINI_API_KEY")
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithAPIKey(s.apiKey)}
	if s.base != "" {
		opts = append(opts, option.WithEndpoint(s.base))
	}
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &geminiModel{settings: s, client: client}, nil
}

// Close releases the API client when the model is retired.
func (p *geminiModel) Close() error {
	return p.client.Close()
}

func (p *geminiModel) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	model := p.client.GenerativeModel(p.model)
	if sys := p.systemFor(conv); sys != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}
	opts := conv.Options
	if opts.Temperature != nil {
		model.SetTemperature(float32(*opts.Temperature))
	}
	if opts.TopP != nil {
		model.SetTopP(float32(*opts.TopP))
	}
	if opts.MaxTokens != nil {
		model.SetMaxOutputTokens(int32(*opts.MaxTokens))
	}
	if len(opts.Stop) > 0 {
		model.StopSequences = opts.Stop
	}

	history, send, err := splitTurns(conv)
	if err != nil {
		return err
	}
	session := model.StartChat()
	session.History = history

	iter := session.SendMessageStream(ctx, genai.Text(send))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				text, ok := part.(genai.Text)
				if !ok || text == "" {
					continue
				}
				if err := emit(ctx, string(text)); err != nil {
					return err
				}
			}
		}
	}
}

// splitTurns separates the transcript into chat history and the user
// message to send. Gemini carries system text out of band, so system
// messages are dropped here.
func splitTurns(conv *chat.Conversation) ([]*genai.Content, string, error) {
	idx := -1
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == chat.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, "", errors.New("gemini: conversation has no user message")
	}

	var history []*genai.Content
	for i, m := range conv.Messages {
		if i == idx || m.Role == chat.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == chat.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return history, conv.Messages[idx].Content, nil
}
