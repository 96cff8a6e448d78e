package builtin

import (
	"context"
	"fmt"

	"github.com/modelhost/modelhost/internal/chat"
)

func init() {
	MustRegister("echo", func(config map[string]any) (chat.Handler, error) {
		return &echoModel{}, nil
	})
}

// echoModel is the test model shipped with the host. It repeats the last
// user message and counts conversation turns in its context store, which
// makes it handy for exercising streaming, hooks, and per-instance state
// without an upstream LLM.
type echoModel struct {
	chat.ContextStore
}

func (m *echoModel) HandleChat(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
	last, ok := conv.LastUser()
	if !ok {
		return emit(ctx, "No user message found.")
	}

	turns := 1
	if v, found := m.Context("turns"); found {
		if n, isInt := v.(int); isInt {
			turns = n + 1
		}
	}
	m.SetContext("turns", turns)

	lines := []string{
		fmt.Sprintf("[Echo Model - Turn %d]\n", turns),
		fmt.Sprintf("I received your message: %s\n", last.Content),
		fmt.Sprintf("Current context contains %d key-value pairs.", m.Len()),
	}
	for _, line := range lines {
		if err := emit(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// OnChatStart resets the per-conversation state.
func (m *echoModel) OnChatStart(ctx context.Context, conv *chat.Conversation) error {
	m.ClearContext()
	m.SetContext("turns", 0)
	return nil
}

// OnChatEnd drops the conversation state.
func (m *echoModel) OnChatEnd(ctx context.Context, conv *chat.Conversation) error {
	m.ClearContext()
	return nil
}
