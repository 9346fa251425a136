package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/vlm/util/fileutil"
)

// conversationFile is the document layout of TOML and YAML conversation files, which
// cannot hold a bare top level array.
type conversationFile struct {
	Messages []Message `toml:"messages" yaml:"messages"`
}

// LoadConversation reads a message list from a .json, .toml, .yaml or .yml file and validates it.
// JSON files hold either a bare list of messages or an object with a "messages" key.
func LoadConversation(ctx context.Context, path string) ([]Message, error) {
	b, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	messages, err := ParseConversation(b, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing conversation %s: %w", path, err)
	}
	return messages, nil
}

// ParseConversation decodes a conversation in the format named by ext (".json", ".toml", ".yaml", ".yml").
func ParseConversation(b []byte, ext string) ([]Message, error) {
	var messages []Message
	switch strings.ToLower(ext) {
	case ".json", "":
		trimmed := strings.TrimSpace(string(b))
		if strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(b, &messages); err != nil {
				return nil, err
			}
		} else {
			var doc struct {
				Messages []Message `json:"messages"`
			}
			if err := json.Unmarshal(b, &doc); err != nil {
				return nil, err
			}
			messages = doc.Messages
		}
	case ".toml":
		var doc conversationFile
		if _, err := toml.Decode(string(b), &doc); err != nil {
			return nil, err
		}
		messages = doc.Messages
	case ".yaml", ".yml":
		var doc conversationFile
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		messages = doc.Messages
	default:
		return nil, fmt.Errorf("unsupported conversation format %q", ext)
	}
	if err := Validate(messages); err != nil {
		return nil, err
	}
	return messages, nil
}
