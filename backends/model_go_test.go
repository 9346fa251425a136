package backends

import (
	"context"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/vlm/options"
)

const tinyTokenizer = `{
	"version": "1.0",
	"truncation": null,
	"padding": null,
	"added_tokens": [
		{"id": 4, "content": "<|im_end|>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
		{"id": 5, "content": "<|image_pad|>", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
	],
	"normalizer": null,
	"pre_tokenizer": {"type": "Whitespace"},
	"post_processor": null,
	"decoder": null,
	"model": {
		"type": "WordLevel",
		"vocab": {"<unk>": 0, "hello": 1, "world": 2, "cat": 3, "<|im_end|>": 4, "<|image_pad|>": 5},
		"unk_token": "<unk>"
	}
}`

const tinyVocab = 6

// chainGraph is a single Gather over a [vocab, vocab] table. Row i peaks at i+1, so greedy decoding
// walks hello, world, cat and stops on <|im_end|>.
func chainGraph(t *testing.T) []byte {
	t.Helper()
	table := make([]float32, tinyVocab*tinyVocab)
	for i := range tinyVocab {
		table[i*tinyVocab+(i+1)%tinyVocab] = 1
	}
	dynamic := func(names ...string) *onnx.TensorShapeProto {
		shape := &onnx.TensorShapeProto{}
		for _, name := range names {
			shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{
				Value: &onnx.TensorShapeProto_Dimension_DimParam{DimParam: name},
			})
		}
		return shape
	}
	tensorType := func(elemType onnx.TensorProto_DataType, shape *onnx.TensorShapeProto) *onnx.TypeProto {
		return &onnx.TypeProto{Value: &onnx.TypeProto_TensorType{
			TensorType: &onnx.TypeProto_Tensor{ElemType: int32(elemType), Shape: shape},
		}}
	}
	model := &onnx.ModelProto{
		IrVersion:   8,
		OpsetImport: []*onnx.OperatorSetIdProto{{Domain: "", Version: 13}},
		Graph: &onnx.GraphProto{
			Name: "chain",
			Node: []*onnx.NodeProto{{
				Name:   "lookup",
				OpType: "Gather",
				Input:  []string{"table", "input_ids"},
				Output: []string{"logits"},
			}},
			Initializer: []*onnx.TensorProto{{
				Name:      "table",
				DataType:  int32(onnx.TensorProto_FLOAT),
				Dims:      []int64{tinyVocab, tinyVocab},
				FloatData: table,
			}},
			Input: []*onnx.ValueInfoProto{{
				Name: "input_ids",
				Type: tensorType(onnx.TensorProto_INT64, dynamic("batch", "sequence")),
			}},
			Output: []*onnx.ValueInfoProto{{
				Name: "logits",
				Type: tensorType(onnx.TensorProto_FLOAT, dynamic("batch", "sequence", "vocab")),
			}},
		},
	}
	b, err := proto.Marshal(model)
	require.NoError(t, err)
	return b
}

func goOptions() *options.Options {
	opts := options.Defaults()
	opts.Backend = options.BackendGO
	return opts
}

func writeChainCheckpoint(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "model.onnx", string(chainGraph(t)))
	writeFile(t, dir, "config.json", `{"model_type": "chain", "eos_token_id": 4, "vocab_size": 6}`)
	writeFile(t, dir, "tokenizer.json", tinyTokenizer)
	return dir
}

func TestGoTokenizerSpecialTokens(t *testing.T) {
	dir := writeChainCheckpoint(t)
	tk, err := LoadTokenizer(context.Background(), dir, goOptions())
	require.NoError(t, err)
	defer func() { assert.NoError(t, tk.Destroy()) }()
	assert.Equal(t, "GO", tk.Runtime)

	padID, err := tk.TokenID("<|image_pad|>")
	require.NoError(t, err)
	assert.Equal(t, int64(5), padID)
	_, err = tk.TokenID("<|video_pad|>")
	assert.Error(t, err)

	ids, err := tk.Encode("<|image_pad|><|image_pad|> hello world<|im_end|>")
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 5, 1, 2, 4}, ids)

	text, err := tk.Decode(ids, true)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestGoSessionRun(t *testing.T) {
	dir := writeChainCheckpoint(t)
	model := &Model{Path: dir}
	require.NoError(t, GetOnnxModelPath(context.Background(), model))
	session, err := createGoSession(context.Background(), model)
	require.NoError(t, err)
	defer func() { assert.NoError(t, session.Destroy()) }()

	require.Len(t, session.Inputs(), 1)
	assert.Equal(t, "input_ids", session.Inputs()[0].Name)
	assert.Equal(t, NewShape(0, 0), session.Inputs()[0].Dimensions)
	require.Len(t, session.Outputs(), 1)
	assert.Equal(t, "logits", session.Outputs()[0].Name)

	outputs, err := session.Run(context.Background(), map[string]Tensor{
		"input_ids": {Data: []int64{1, 3}, Shape: NewShape(1, 2)},
	})
	require.NoError(t, err)
	logits := outputs["logits"]
	assert.Equal(t, NewShape(1, 2, tinyVocab), logits.Shape)
	assert.Equal(t, []float32{
		0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 1, 0,
	}, logits.Data)

	_, err = session.Run(context.Background(), map[string]Tensor{})
	assert.ErrorContains(t, err, `missing input "input_ids"`)
	_, err = session.Run(context.Background(), map[string]Tensor{
		"input_ids": {Data: []string{"hello"}, Shape: NewShape(1, 1)},
	})
	assert.ErrorContains(t, err, "unsupported type")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = session.Run(ctx, map[string]Tensor{"input_ids": {Data: []int64{1}, Shape: NewShape(1, 1)}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateWithGoBackend(t *testing.T) {
	dir := writeChainCheckpoint(t)
	model, err := LoadModel(context.Background(), dir, "", goOptions())
	require.NoError(t, err)
	defer func() { assert.NoError(t, model.Destroy()) }()
	assert.False(t, model.DecodesText())
	assert.Equal(t, tinyVocab, model.VocabSize)

	tk, err := LoadTokenizer(context.Background(), dir, goOptions())
	require.NoError(t, err)
	prompt, err := tk.Encode("hello")
	require.NoError(t, err)
	require.Equal(t, []int64{1}, prompt)

	generation, err := Generate(context.Background(), model, &Inputs{
		InputIDs:      prompt,
		AttentionMask: []int64{1},
	}, GenerationOptions{MaxNewTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, generation.Sequence)
	assert.Equal(t, []int64{2, 3, 4}, generation.NewTokens())

	answer, err := tk.Decode(generation.NewTokens(), true)
	require.NoError(t, err)
	assert.Equal(t, "world cat", answer)

	generation, err = Generate(context.Background(), model, &Inputs{
		InputIDs:      prompt,
		AttentionMask: []int64{1},
	}, GenerationOptions{MaxNewTokens: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, generation.NewTokens())
}
