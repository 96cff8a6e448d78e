package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/modelhost/modelhost/internal/builtin"
	"github.com/modelhost/modelhost/internal/chat"
)

func init() {
	builtin.MustRegister("openai", newOpenAI)
}

// openAIModel proxies calls to the OpenAI chat completions API. With a
// base_url override it serves any OpenAI-compatible endpoint.
type openAIModel struct {
	settings
	client openai.Client
}

func newOpenAI(config map[string]any) (chat.Handler, error) {
	s, err := parse("openai", config, "OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(s.apiKey)}
	if s.base != "" {
		opts = append(opts, option.WithBaseURL(s.base))
	}
	return &openAIModel{settings: s, client: openai.NewClient(opts...)}, nil
}

func (p *openAIModel) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: p.messages(conv),
	}
	opts := conv.Options
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = openai.Float(*opts.TopP)
	}
	if opts.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*opts.MaxTokens))
	}
	if opts.User != "" {
		params.User = openai.String(opts.User)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			if err := emit(ctx, text); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	return nil
}

func (p *openAIModel) messages(conv *chat.Conversation) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(conv.Messages)+1)
	if _, ok := conv.SystemPrompt(); !ok && p.system != "" {
		msgs = append(msgs, openai.SystemMessage(p.system))
	}
	for _, m := range conv.Messages {
		switch m.Role {
		case chat.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case chat.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}
