package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/util/fileutil"
)

// Tokenizer wraps the tokenizer.json of a checkpoint. The Rust implementation is used with the ORT
// backend and the pure Go implementation with the GO backend.
type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *Timings
	destroy          func() error
	Runtime          string
}

func LoadTokenizer(ctx context.Context, path string, s *options.Options) (*Tokenizer, error) {
	tokenizerPath := fileutil.PathJoinSafe(path, "tokenizer.json")
	exists, err := fileutil.FileExists(ctx, tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tokenizer.json not found at %s", path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(ctx, tokenizerPath)
	if err != nil {
		return nil, err
	}
	switch s.Backend {
	case options.BackendORT:
		return loadRustTokenizer(tokenizerBytes)
	case options.BackendGO:
		return loadGoTokenizer(tokenizerBytes)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", s.Backend)
	}
}

// Encode tokenizes text that already carries its special tokens, as rendered by a chat template.
func (tk *Tokenizer) Encode(text string) ([]int64, error) {
	start := time.Now()
	defer tk.TokenizerTimings.Track(start)
	switch tk.Runtime {
	case "RUST":
		return encodeRust(tk, text)
	case "GO":
		return encodeGo(tk, text)
	}
	return nil, fmt.Errorf("runtime %s not recognized", tk.Runtime)
}

func (tk *Tokenizer) Decode(tokens []int64, skipSpecialTokens bool) (string, error) {
	switch tk.Runtime {
	case "RUST":
		return decodeRust(tokens, tk, skipSpecialTokens), nil
	case "GO":
		return decodeGo(tokens, tk, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", tk.Runtime)
}

// TokenID returns the id of a single vocabulary token such as "<|image_pad|>".
func (tk *Tokenizer) TokenID(token string) (int64, error) {
	switch tk.Runtime {
	case "RUST":
		return tokenIDRust(tk, token)
	case "GO":
		return tokenIDGo(tk, token)
	}
	return 0, fmt.Errorf("runtime %s not recognized", tk.Runtime)
}

func (tk *Tokenizer) Destroy() error {
	if tk.destroy == nil {
		return nil
	}
	return tk.destroy()
}
