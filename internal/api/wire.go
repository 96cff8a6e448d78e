package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/modelhost/modelhost/internal/chat"
)

// chatRequest is the chat completion request body. Content and stop
// carry the wire format's union forms; see messageContent and stopList.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature"`
	TopP        *float64      `json:"top_p"`
	N           *int          `json:"n"`
	Stream      bool          `json:"stream"`
	Stop        stopList      `json:"stop"`
	MaxTokens   *int          `json:"max_tokens"`
	User        string        `json:"user"`
}

// conversation validates the request and converts it into the host's
// conversation model.
func (r *chatRequest) conversation() (*chat.Conversation, error) {
	if r.Model == "" {
		return nil, errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return nil, errors.New("messages must not be empty")
	}

	conv := &chat.Conversation{
		Messages: make([]chat.Message, 0, len(r.Messages)),
		Options: chat.Options{
			Temperature: r.Temperature,
			TopP:        r.TopP,
			MaxTokens:   r.MaxTokens,
			Stop:        r.Stop,
			User:        r.User,
		},
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return nil, fmt.Errorf("messages[%d]: role is required", i)
		}
		conv.Append(chat.Message{
			Role:        chat.Role(m.Role),
			Content:     m.Content.text,
			Name:        m.Name,
			Attachments: m.Content.attachments,
		})
	}
	return conv, nil
}

// wireMessage is one transcript entry as it appears on the wire.
type wireMessage struct {
	Role    string         `json:"role"`
	Content messageContent `json:"content"`
	Name    string         `json:"name"`
}

// messageContent accepts the content union: a plain string, or a list
// of typed parts. Text parts are joined with newlines; image parts keep
// their URLs as attachments so plugins can resolve uploaded files.
type messageContent struct {
	text        string
	attachments []string
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *messageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.text = s
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.New("content must be a string or a list of content parts")
	}
	var texts []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image", "image_url":
			if p.ImageURL.URL != "" {
				c.attachments = append(c.attachments, p.ImageURL.URL)
			}
		default:
			return fmt.Errorf("unknown content part type %q", p.Type)
		}
	}
	c.text = strings.Join(texts, "\n")
	return nil
}

// stopList accepts the stop union: a single string or a list of them.
type stopList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *stopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = stopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("stop must be a string or a list of strings")
	}
	*s = many
	return nil
}

// completionResponse is the non-streaming completion object.
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamChunk is the template for one SSE frame. Delta stays raw so a
// prebuilt frame can be patched per fragment instead of re-encoded.
type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int             `json:"index"`
	Delta        json.RawMessage `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

// wireError is the error object carried by error responses and
// mid-stream error frames.
type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorBody struct {
	Error wireError `json:"error"`
}

// errorType names the error class for a status code, mirroring the
// upstream wire format's taxonomy.
func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "server_error"
	}
}

// completionID mints a chat completion identifier.
func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: wireError{Message: msg, Type: errorType(status)}})
}
