package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modelhost/modelhost/internal/builtin"
	"github.com/modelhost/modelhost/internal/chat"
)

// The messages API requires an explicit output cap on every call.
const anthropicMaxTokens = 4096

func init() {
	builtin.MustRegister("anthropic", newAnthropic)
}

// anthropicModel proxies calls to the Anthropic messages API.
type anthropicModel struct {
	settings
	client anthropic.Client
}

func newAnthropic(config map[string]any) (chat.Handler, error) {
	s, err := parse("anthropic", config, "ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(s.apiKey)}
	if s.base != "" {
		opts = append(opts, option.WithBaseURL(s.base))
	}
	return &anthropicModel{settings: s, client: anthropic.NewClient(opts...)}, nil
}

func (p *anthropicModel) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  p.messages(conv),
	}
	if sys := p.systemFor(conv); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	opts := conv.Options
	if opts.MaxTokens != nil {
		params.MaxTokens = int64(*opts.MaxTokens)
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = anthropic.Float(*opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if ev.Delta.Text != "" {
				if err := emit(ctx, ev.Delta.Text); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}

// messages maps the transcript to API turns. System messages are carried
// in the request's System field, not the turn list.
func (p *anthropicModel) messages(conv *chat.Conversation) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		switch m.Role {
		case chat.RoleSystem:
		case chat.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return msgs
}
