package chat

// Role identifies the author of a message.
type Role string

// Message roles understood by the host and the wire protocol.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
	// Attachments are file store IDs referenced by this message.
	Attachments []string `json:"attachments,omitempty"`
}

// Options carries per-request generation options. Pointer fields
// distinguish unset from zero so plugins can apply their own defaults.
type Options struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
	User        string
}

// Conversation is the call state handed to a plugin handler. The handler
// may append messages, flag Thinking while it reasons, and set Next to
// route a follow-up step to another model.
type Conversation struct {
	ID       string
	Messages []Message
	Thinking bool
	Next     string
	Options  Options
}

// LastUser returns the most recent user message in the transcript.
func (c *Conversation) LastUser() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// HasAssistant reports whether the transcript already contains assistant
// output, which marks the conversation as continued rather than fresh.
func (c *Conversation) HasAssistant() bool {
	for i := range c.Messages {
		if c.Messages[i].Role == RoleAssistant {
			return true
		}
	}
	return false
}

// SystemPrompt returns the content of the first system message, if any.
func (c *Conversation) SystemPrompt() (string, bool) {
	for i := range c.Messages {
		if c.Messages[i].Role == RoleSystem {
			return c.Messages[i].Content, true
		}
	}
	return "", false
}

// Append adds a message to the end of the transcript.
func (c *Conversation) Append(m Message) {
	c.Messages = append(c.Messages, m)
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	clone := &Conversation{
		ID:       c.ID,
		Thinking: c.Thinking,
		Next:     c.Next,
		Options:  c.Options,
	}
	if c.Options.Temperature != nil {
		v := *c.Options.Temperature
		clone.Options.Temperature = &v
	}
	if c.Options.TopP != nil {
		v := *c.Options.TopP
		clone.Options.TopP = &v
	}
	if c.Options.MaxTokens != nil {
		v := *c.Options.MaxTokens
		clone.Options.MaxTokens = &v
	}
	if c.Options.Stop != nil {
		clone.Options.Stop = append([]string(nil), c.Options.Stop...)
	}
	if c.Messages != nil {
		clone.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			cm := m
			if m.Attachments != nil {
				cm.Attachments = append([]string(nil), m.Attachments...)
			}
			clone.Messages[i] = cm
		}
	}
	return clone
}
