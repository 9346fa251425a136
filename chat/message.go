// Package chat holds the role-tagged, multimodal message turns that vision-language
// checkpoints take as input.
package chat

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	TypeImage = "image"
	TypeText  = "text"
)

// Part is one content fragment of a message: an image reference or a text fragment.
type Part struct {
	Type   string `json:"type" toml:"type" yaml:"type"`
	Text   string `json:"text,omitempty" toml:"text,omitempty" yaml:"text,omitempty"`
	URL    string `json:"url,omitempty" toml:"url,omitempty" yaml:"url,omitempty"`
	Path   string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`
	Base64 string `json:"base64,omitempty" toml:"base64,omitempty" yaml:"base64,omitempty"`
}

// Message is a single turn.
type Message struct {
	Role    string `json:"role" toml:"role" yaml:"role"`
	Content []Part `json:"content" toml:"content" yaml:"content"`
}

// ValidationError describes a malformed message or part.
type ValidationError struct {
	Message int
	Part    int
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Message < 0 {
		return e.Reason
	}
	if e.Part < 0 {
		return fmt.Sprintf("message %d: %s", e.Message, e.Reason)
	}
	return fmt.Sprintf("message %d, content part %d: %s", e.Message, e.Part, e.Reason)
}

func Text(text string) Part {
	return Part{Type: TypeText, Text: text}
}

// Image references an image by URL, object store URL, local path or data URI.
func Image(url string) Part {
	return Part{Type: TypeImage, URL: url}
}

func UserMessage(parts ...Part) Message {
	return Message{Role: RoleUser, Content: parts}
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []Part{Text(text)}}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []Part{Text(text)}}
}

// Source returns the location of an image part.
func (p Part) Source() string {
	switch {
	case p.URL != "":
		return p.URL
	case p.Path != "":
		return p.Path
	}
	return ""
}

// TextContent concatenates the text parts of the message.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Type == TypeText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// UnmarshalJSON accepts content either as a list of parts or as a plain string.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string              `json:"role"`
		Content jsoniter.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil
	content := bytes.TrimSpace(raw.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	if content[0] == '"' {
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return err
		}
		m.Content = []Part{Text(text)}
		return nil
	}
	return json.Unmarshal(content, &m.Content)
}

// Validate checks a single part.
func (p Part) Validate() error {
	switch p.Type {
	case "":
		return errors.New(`missing "type" field`)
	case TypeText:
		return nil
	case TypeImage:
		if p.Source() == "" && p.Base64 == "" {
			return errors.New("image part has no url, path or base64 source")
		}
		return nil
	default:
		return fmt.Errorf("unsupported content type %q", p.Type)
	}
}

// Validate checks that messages form a well formed conversation.
func Validate(messages []Message) error {
	if len(messages) == 0 {
		return &ValidationError{Message: -1, Part: -1, Reason: "conversation has no messages"}
	}
	var errs []error
	for i, message := range messages {
		switch message.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		case "":
			errs = append(errs, &ValidationError{Message: i, Part: -1, Reason: `missing "role" field`})
		default:
			errs = append(errs, &ValidationError{Message: i, Part: -1, Reason: fmt.Sprintf("unsupported role %q", message.Role)})
		}
		if len(message.Content) == 0 {
			errs = append(errs, &ValidationError{Message: i, Part: -1, Reason: "message has no content"})
		}
		for j, part := range message.Content {
			if err := part.Validate(); err != nil {
				errs = append(errs, &ValidationError{Message: i, Part: j, Reason: err.Error()})
			}
		}
	}
	return errors.Join(errs...)
}

// Images returns the image parts of the conversation in order of appearance.
func Images(messages []Message) []Part {
	var images []Part
	for _, message := range messages {
		for _, part := range message.Content {
			if part.Type == TypeImage {
				images = append(images, part)
			}
		}
	}
	return images
}

// WithSystemPrompt prepends a system turn unless the conversation already starts with one.
func WithSystemPrompt(messages []Message, systemPrompt string) []Message {
	if systemPrompt == "" || (len(messages) > 0 && messages[0].Role == RoleSystem) {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, SystemMessage(systemPrompt))
	return append(out, messages...)
}
