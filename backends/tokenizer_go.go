package backends

import (
	"bytes"
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/vlm/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "GO", GoTokenizer: &GoTokenizer{Tokenizer: tk}, TokenizerTimings: &Timings{}, destroy: func() error {
		return nil
	}}, nil
}

func encodeGo(tk *Tokenizer, text string) ([]int64, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToInt64Slice(output.Ids), nil
}

func decodeGo(tokens []int64, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	return tokenizer.GoTokenizer.Tokenizer.Decode(safeconv.Int64SliceToIntSlice(tokens), skipSpecialTokens)
}

func tokenIDGo(tk *Tokenizer, token string) (int64, error) {
	id, ok := tk.GoTokenizer.Tokenizer.TokenToId(token)
	if !ok {
		return 0, fmt.Errorf("token %q not in vocabulary", token)
	}
	return int64(id), nil
}
