//go:build ORT || ALL

package backends

import (
	"fmt"

	"github.com/daulet/tokenizers"

	"github.com/knights-analytics/vlm/util/safeconv"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "RUST", RustTokenizer: &RustTokenizer{Tokenizer: tk}, TokenizerTimings: &Timings{}, destroy: func() error {
		return tk.Close()
	}}, nil
}

func encodeRust(tk *Tokenizer, text string) ([]int64, error) {
	output := tk.RustTokenizer.Tokenizer.EncodeWithOptions(text, false, tokenizers.WithReturnTokens())
	return safeconv.IntSliceToInt64Slice(output.IDs), nil
}

func decodeRust(tokens []int64, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	return tokenizer.RustTokenizer.Tokenizer.Decode(safeconv.Int64SliceToUint32Slice(tokens), skipSpecialTokens)
}

// tokenIDRust encodes the token on its own, added tokens map to exactly one id.
func tokenIDRust(tk *Tokenizer, token string) (int64, error) {
	ids, _ := tk.RustTokenizer.Tokenizer.Encode(token, false)
	if len(ids) != 1 {
		return 0, fmt.Errorf("token %q not in vocabulary", token)
	}
	return int64(ids[0]), nil
}
