package backends

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSession returns logits whose argmax follows script, one entry per call.
type scriptedSession struct {
	inputs   []InputOutputInfo
	script   []int64
	vocab    int
	calls    int
	fed      []map[string]Tensor
	failAt   int
	cancel   context.CancelFunc
	cancelAt int
}

func (s *scriptedSession) Inputs() []InputOutputInfo { return s.inputs }

func (s *scriptedSession) Outputs() []InputOutputInfo {
	return []InputOutputInfo{{Name: "logits", Dimensions: NewShape(-1, -1, int64(s.vocab))}}
}

func (s *scriptedSession) Run(_ context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	s.fed = append(s.fed, inputs)
	call := s.calls
	s.calls++
	if s.failAt > 0 && call+1 == s.failAt {
		return nil, errors.New("boom")
	}
	if s.cancel != nil && call+1 == s.cancelAt {
		s.cancel()
	}
	seqLen := inputs["input_ids"].Shape[1]
	logits := make([]float32, int(seqLen)*s.vocab)
	last := logits[len(logits)-s.vocab:]
	last[s.script[call%len(s.script)]] = 10
	return map[string]Tensor{"logits": {Data: logits, Shape: NewShape(1, seqLen, int64(s.vocab))}}, nil
}

func (s *scriptedSession) Destroy() error { return nil }

func textInputs() []InputOutputInfo {
	return []InputOutputInfo{
		{Name: "input_ids", Dimensions: NewShape(-1, -1)},
		{Name: "attention_mask", Dimensions: NewShape(-1, -1)},
	}
}

func newTestModel(session *scriptedSession, eos ...int64) *Model {
	model := &Model{
		Session:     session,
		InputsMeta:  session.Inputs(),
		OutputsMeta: session.Outputs(),
		EosTokenIDs: map[int64]bool{},
		Statistics:  &GenerationStatistics{},
	}
	for _, id := range eos {
		model.EosTokenIDs[id] = true
	}
	return model
}

func prompt(ids ...int64) *Inputs {
	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return &Inputs{InputIDs: ids, AttentionMask: mask}
}

func TestGenerateStopsAtEos(t *testing.T) {
	session := &scriptedSession{inputs: textInputs(), script: []int64{5, 6, 2, 7}, vocab: 10}
	model := newTestModel(session, 2)

	generation, err := Generate(context.Background(), model, prompt(1, 3), GenerationOptions{MaxNewTokens: 40})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5, 6, 2}, generation.Sequence)
	assert.Equal(t, []int64{5, 6, 2}, generation.NewTokens())
	assert.False(t, generation.Decoded)
	assert.Equal(t, 3, session.calls)
	assert.Equal(t, uint64(3), model.Statistics.GeneratedTokens)
	assert.Equal(t, uint64(3), model.Statistics.Forward.NumCalls)

	// every step re-runs the full sequence
	assert.Equal(t, NewShape(1, 4), session.fed[2]["input_ids"].Shape)
	assert.Equal(t, []int64{1, 1, 1, 1}, session.fed[2]["attention_mask"].Data)
}

func TestGenerateRespectsMaxNewTokens(t *testing.T) {
	session := &scriptedSession{inputs: textInputs(), script: []int64{4}, vocab: 10}
	model := newTestModel(session, 2)

	generation, err := Generate(context.Background(), model, prompt(1), GenerationOptions{MaxNewTokens: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 4, 4}, generation.Sequence)
}

func TestGenerateDefaultMaxNewTokens(t *testing.T) {
	session := &scriptedSession{inputs: textInputs(), script: []int64{4}, vocab: 10}
	model := newTestModel(session, 2)
	model.DefaultMaxNewTokens = 2

	generation, err := Generate(context.Background(), model, prompt(1), GenerationOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 4}, generation.NewTokens())

	// an explicit value wins over the checkpoint default
	generation, err = Generate(context.Background(), model, prompt(1), GenerationOptions{MaxNewTokens: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, generation.NewTokens())
}

func TestGenerateChecksVocabSize(t *testing.T) {
	session := &scriptedSession{inputs: textInputs(), script: []int64{4}, vocab: 10}
	model := newTestModel(session, 2)
	model.VocabSize = 10
	_, err := Generate(context.Background(), model, prompt(1), GenerationOptions{MaxNewTokens: 1})
	require.NoError(t, err)

	model.VocabSize = 12
	_, err = Generate(context.Background(), model, prompt(1), GenerationOptions{MaxNewTokens: 1})
	assert.ErrorContains(t, err, "vocabulary size 12")
}

func TestCollectTokensText(t *testing.T) {
	tokenStream := make(chan SequenceDelta, 3)
	errorStream := make(chan error)
	tokenStream <- SequenceDelta{TokenID: -1, Token: "A ", Step: 0}
	tokenStream <- SequenceDelta{TokenID: -1, Token: "bear", Step: 1}
	close(tokenStream)
	close(errorStream)
	ids, text, err := CollectTokens(tokenStream, errorStream)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, "A bear", text)
}

func TestGenerateErrors(t *testing.T) {
	session := &scriptedSession{inputs: textInputs(), script: []int64{4}, vocab: 10}
	model := newTestModel(session)

	_, err := Generate(context.Background(), model, prompt(1), GenerationOptions{MaxNewTokens: 0})
	assert.Error(t, err)

	_, err = Generate(context.Background(), model, &Inputs{}, GenerationOptions{MaxNewTokens: 2})
	assert.Error(t, err)

	_, err = Generate(context.Background(), model, &Inputs{InputIDs: []int64{1}}, GenerationOptions{MaxNewTokens: 2})
	assert.Error(t, err, "mask length mismatch")

	withImage := prompt(1)
	withImage.PixelValues = []float32{0.1}
	withImage.PixelShape = NewShape(1, 1)
	_, err = Generate(context.Background(), model, withImage, GenerationOptions{MaxNewTokens: 2})
	assert.Error(t, err, "graph has no pixel_values input")

	failing := &scriptedSession{inputs: textInputs(), script: []int64{4}, vocab: 10, failAt: 2}
	_, err = Generate(context.Background(), newTestModel(failing), prompt(1), GenerationOptions{MaxNewTokens: 5})
	assert.ErrorContains(t, err, "boom")
}

func TestGenerateRequiresImageForVisionGraph(t *testing.T) {
	inputs := append(textInputs(), InputOutputInfo{Name: "pixel_values", Dimensions: NewShape(-1, 1536)})
	session := &scriptedSession{inputs: inputs, script: []int64{4}, vocab: 10}
	_, err := Generate(context.Background(), newTestModel(session), prompt(1), GenerationOptions{MaxNewTokens: 2})
	assert.ErrorContains(t, err, "pixel_values")
}

func TestGenerateUnknownInput(t *testing.T) {
	inputs := append(textInputs(), InputOutputInfo{Name: "token_type_ids"})
	session := &scriptedSession{inputs: inputs, script: []int64{4}, vocab: 10}
	_, err := Generate(context.Background(), newTestModel(session), prompt(1), GenerationOptions{MaxNewTokens: 2})
	assert.ErrorContains(t, err, "token_type_ids")
}

func TestGenerateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &scriptedSession{inputs: textInputs(), script: []int64{4}, vocab: 10, cancel: cancel, cancelAt: 2}
	_, err := Generate(ctx, newTestModel(session), prompt(1), GenerationOptions{MaxNewTokens: 10})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, session.calls, 10)
}

func TestGenerateVisionFeed(t *testing.T) {
	inputs := []InputOutputInfo{
		{Name: "input_ids"},
		{Name: "attention_mask"},
		{Name: "position_ids", Dimensions: NewShape(3, -1, -1)},
		{Name: "pixel_values", Dimensions: NewShape(-1, 4)},
		{Name: "image_grid_thw", Dimensions: NewShape(-1, 3)},
	}
	session := &scriptedSession{inputs: inputs, script: []int64{2}, vocab: 10}
	model := newTestModel(session, 2)
	model.ImageTokenID = 9

	in := prompt(1, 9, 3)
	in.PixelValues = make([]float32, 16)
	in.PixelShape = NewShape(4, 4)
	in.ImageGridTHW = [][3]int64{{1, 2, 2}}
	in.SpatialMergeSize = 2

	_, err := Generate(context.Background(), model, in, GenerationOptions{MaxNewTokens: 4})
	require.NoError(t, err)
	fed := session.fed[0]
	assert.Equal(t, NewShape(3, 1, 3), fed["position_ids"].Shape)
	assert.Equal(t, []int64{1, 2, 2}, fed["image_grid_thw"].Data)
	assert.Equal(t, NewShape(1, 3), fed["image_grid_thw"].Shape)
	assert.Equal(t, NewShape(4, 4), fed["pixel_values"].Shape)
}

func TestGenerateSamplingIsSeeded(t *testing.T) {
	run := func() []int64 {
		session := &flatSession{vocab: 50}
		model := &Model{
			Session:     session,
			InputsMeta:  textInputs(),
			OutputsMeta: session.Outputs(),
			EosTokenIDs: map[int64]bool{},
			Statistics:  &GenerationStatistics{},
		}
		generation, err := Generate(context.Background(), model, prompt(1), GenerationOptions{
			MaxNewTokens: 8, DoSample: true, Temperature: 1, TopK: 10, Seed: 42,
		})
		require.NoError(t, err)
		return generation.Sequence
	}
	first := run()
	assert.Len(t, first, 9)
	assert.Equal(t, first, run())
	for _, id := range first[1:] {
		assert.Less(t, id, int64(10), "top k keeps the ten highest logits")
	}
}

// flatSession returns logits decreasing with the token id.
type flatSession struct {
	vocab int
}

func (s *flatSession) Inputs() []InputOutputInfo { return textInputs() }

func (s *flatSession) Outputs() []InputOutputInfo {
	return []InputOutputInfo{{Name: "logits"}}
}

func (s *flatSession) Run(_ context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	logits := make([]float32, s.vocab)
	for i := range logits {
		logits[i] = float32(s.vocab-i) / 10
	}
	return map[string]Tensor{"logits": {Data: logits, Shape: NewShape(1, int64(s.vocab))}}, nil
}

func (s *flatSession) Destroy() error { return nil }

func TestSamplingOptionsValidate(t *testing.T) {
	assert.NoError(t, GenerationOptions{MaxNewTokens: 1}.Validate())
	assert.Error(t, GenerationOptions{MaxNewTokens: 1, DoSample: true, TopP: 1.5}.Validate())
	assert.Error(t, GenerationOptions{MaxNewTokens: 1, DoSample: true, Temperature: -1}.Validate())
	assert.Error(t, GenerationOptions{MaxNewTokens: 1, DoSample: true, TopK: -1}.Validate())
}

func TestRopeIndex(t *testing.T) {
	// text, 4 image tokens on a 1x4x4 patch grid merged by 2, text
	sequence := []int64{7, 7, 9, 9, 9, 9, 7}
	positions := RopeIndex(sequence, 9, [][3]int64{{1, 4, 4}}, 2)
	n := len(sequence)
	temporal, height, width := positions[:n], positions[n:2*n], positions[2*n:]
	assert.Equal(t, []int64{0, 1, 2, 2, 2, 2, 4}, temporal)
	assert.Equal(t, []int64{0, 1, 2, 2, 3, 3, 4}, height)
	assert.Equal(t, []int64{0, 1, 2, 3, 2, 3, 4}, width)

	textOnly := RopeIndex([]int64{1, 2, 3}, 9, nil, 2)
	assert.Equal(t, []int64{0, 1, 2, 0, 1, 2, 0, 1, 2}, textOnly)
}
