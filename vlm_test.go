package vlm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/vlm/backends"
	"github.com/knights-analytics/vlm/chat"
	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/pipelines"
	"github.com/knights-analytics/vlm/processor"
)

const eosID = 9

// promptProcessor renders every conversation as the ids 1, 2, 3 and decodes id n as the letter 'a'+n.
type promptProcessor struct {
	generationPrompt bool
}

func (p *promptProcessor) ApplyChatTemplate(_ context.Context, messages []chat.Message, opts processor.ApplyOptions) (*backends.Inputs, error) {
	if err := chat.Validate(messages); err != nil {
		return nil, err
	}
	p.generationPrompt = opts.AddGenerationPrompt
	return &backends.Inputs{InputIDs: []int64{1, 2, 3}, AttentionMask: []int64{1, 1, 1}}, nil
}

func (p *promptProcessor) Decode(ids []int64, skipSpecialTokens bool) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id == eosID {
			if !skipSpecialTokens {
				sb.WriteString("<|im_end|>")
			}
			continue
		}
		sb.WriteRune(rune('a' + id))
	}
	return sb.String(), nil
}

func (p *promptProcessor) GetStatistics() backends.PipelineStatistics {
	return backends.PipelineStatistics{}
}

// scriptedSession emits script[i] as the argmax of forward pass i.
type scriptedSession struct {
	script    []int64
	calls     int
	destroyed bool
}

func (s *scriptedSession) Inputs() []backends.InputOutputInfo {
	return []backends.InputOutputInfo{{Name: "input_ids"}, {Name: "attention_mask"}}
}

func (s *scriptedSession) Outputs() []backends.InputOutputInfo {
	return []backends.InputOutputInfo{{Name: "logits"}}
}

func (s *scriptedSession) Run(_ context.Context, _ map[string]backends.Tensor) (map[string]backends.Tensor, error) {
	logits := make([]float32, 10)
	logits[s.script[s.calls%len(s.script)]] = 1
	s.calls++
	return map[string]backends.Tensor{"logits": {Data: logits, Shape: backends.NewShape(1, 1, 10)}}, nil
}

func (s *scriptedSession) Destroy() error {
	s.destroyed = true
	return nil
}

func testModel(path string, script ...int64) (*backends.Model, *scriptedSession) {
	session := &scriptedSession{script: script}
	model := &backends.Model{
		Path:         path,
		Session:      session,
		Pipelines:    map[string]any{},
		InputsMeta:   session.Inputs(),
		OutputsMeta:  session.Outputs(),
		EosTokenIDs:  map[int64]bool{eosID: true},
		IsGenerative: true,
		Statistics:   &backends.GenerationStatistics{},
	}
	model.Destroy = session.Destroy
	return model, session
}

var candy = []chat.Message{chat.UserMessage(
	chat.Image("https://huggingface.co/datasets/huggingface/documentation-images/resolve/main/p-blog/candy.JPG"),
	chat.Text("What animal is on the candy?"),
)}

func TestGenerateDecodesOnlyNewTokens(t *testing.T) {
	model, _ := testModel("checkpoint", 3, 0, 6, eosID)
	proc := &promptProcessor{}

	result, err := Generate(context.Background(), proc, model, candy, DefaultGenerateOptions())
	require.NoError(t, err)
	assert.True(t, proc.generationPrompt)
	assert.Equal(t, "dag", result.Text)
	assert.Equal(t, 3, result.PromptTokens)
	assert.Equal(t, []int64{3, 0, 6, eosID}, result.NewTokens)
	assert.NotContains(t, result.Text, "bcd")

	opts := DefaultGenerateOptions()
	opts.SkipSpecialTokens = false
	model, _ = testModel("checkpoint", 3, eosID)
	result, err = Generate(context.Background(), proc, model, candy, opts)
	require.NoError(t, err)
	assert.Equal(t, "d<|im_end|>", result.Text)
}

func TestGenerateIsDeterministic(t *testing.T) {
	var answers []string
	for range 2 {
		model, _ := testModel("checkpoint", 4, 1, 4, 1)
		result, err := Generate(context.Background(), &promptProcessor{}, model, candy, DefaultGenerateOptions())
		require.NoError(t, err)
		answers = append(answers, result.Text)
	}
	assert.Equal(t, answers[0], answers[1])
	assert.Len(t, answers[0], pipelines.DefaultMaxNewTokens)
}

func TestGenerateErrors(t *testing.T) {
	model, _ := testModel("checkpoint", eosID)
	_, err := Generate(context.Background(), nil, model, candy, DefaultGenerateOptions())
	assert.Error(t, err)

	_, err = Generate(context.Background(), &promptProcessor{}, model, candy, GenerateOptions{})
	assert.Error(t, err, "no max new tokens and none in the checkpoint")

	noType := []chat.Message{{Role: chat.RoleUser, Content: []chat.Part{{Text: "What animal is on the candy?"}}}}
	_, err = Generate(context.Background(), &promptProcessor{}, model, noType, DefaultGenerateOptions())
	var validationErr *chat.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func newTestSession(t *testing.T, opts ...options.WithOption) *Session {
	t.Helper()
	s, err := NewGoSession(append([]options.WithOption{options.WithModelsDir(t.TempDir())}, opts...)...)
	require.NoError(t, err)
	return s
}

// registerCheckpoint makes path resolvable without touching the disk contents of a real checkpoint.
func registerCheckpoint(s *Session, path string, model *backends.Model) *processor.Processor {
	s.models[path+":"] = model
	proc := &processor.Processor{}
	s.processors[path] = proc
	return proc
}

func TestPipelineRegistry(t *testing.T) {
	s := newTestSession(t)
	dir := t.TempDir()
	model, session := testModel(dir, 3, eosID)
	registerCheckpoint(s, dir, model)

	config := ImageTextToTextConfig{ModelPath: dir, Name: "candy"}
	pipeline, err := NewPipeline(s, config)
	require.NoError(t, err)
	assert.Equal(t, "candy", pipeline.PipelineName)

	_, err = NewPipeline(s, config)
	assert.Error(t, err)
	_, err = NewPipeline(s, ImageTextToTextConfig{ModelPath: dir})
	assert.Error(t, err)

	got, err := GetPipeline[*pipelines.ImageTextToTextPipeline](s, "candy")
	require.NoError(t, err)
	assert.Same(t, pipeline, got)

	_, err = GetPipeline[*pipelines.ImageTextToTextPipeline](s, "missing")
	var notFound *pipelineNotFoundError
	assert.ErrorAs(t, err, &notFound)

	assert.Contains(t, s.GetStats(), "Statistics for pipeline: candy")

	require.NoError(t, ClosePipeline[*pipelines.ImageTextToTextPipeline](s, "candy"))
	assert.True(t, session.destroyed)
	assert.Empty(t, s.models)
	assert.Empty(t, s.processors)

	require.NoError(t, s.Destroy())
}

func TestSessionPipeline(t *testing.T) {
	s := newTestSession(t)
	dir := t.TempDir()
	model, _ := testModel(dir, eosID)
	registerCheckpoint(s, dir, model)

	_, err := s.Pipeline(context.Background(), "text-generation", dir)
	assert.Error(t, err)

	first, err := s.Pipeline(context.Background(), TaskImageTextToText, dir, pipelines.WithMaxNewTokens(8))
	require.NoError(t, err)
	second, err := s.Pipeline(context.Background(), TaskImageTextToText, dir)
	require.NoError(t, err)
	assert.NotEqual(t, first.PipelineName, second.PipelineName)
	assert.Equal(t, 8, first.Generation.MaxNewTokens)
	assert.Len(t, model.Pipelines, 2)

	loaded, err := s.LoadModel(context.Background(), dir)
	require.NoError(t, err)
	assert.Same(t, model, loaded)

	require.NoError(t, s.Destroy())
}

func TestClosePipelineKeepsDirectLoads(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	dir := t.TempDir()
	model, session := testModel(dir, 3, eosID)
	proc := registerCheckpoint(s, dir, model)

	loaded, err := s.LoadModel(ctx, dir)
	require.NoError(t, err)
	loadedProc, err := s.LoadProcessor(ctx, dir)
	require.NoError(t, err)
	assert.Same(t, proc, loadedProc)

	pipeline, err := s.Pipeline(ctx, TaskImageTextToText, dir)
	require.NoError(t, err)
	require.NoError(t, ClosePipeline[*pipelines.ImageTextToTextPipeline](s, pipeline.PipelineName))

	assert.False(t, session.destroyed)
	again, err := s.LoadModel(ctx, dir)
	require.NoError(t, err)
	assert.Same(t, loaded, again)
	assert.Same(t, proc, s.processors[dir])

	result, err := Generate(ctx, &promptProcessor{}, loaded, candy, DefaultGenerateOptions())
	require.NoError(t, err)
	assert.Equal(t, "d", result.Text)

	require.NoError(t, s.Destroy())
	assert.True(t, session.destroyed)
}

func TestClosePipelineKeepsDirectProcessor(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	dir := t.TempDir()
	model, session := testModel(dir, eosID)
	proc := registerCheckpoint(s, dir, model)

	_, err := s.LoadProcessor(ctx, dir)
	require.NoError(t, err)
	pipeline, err := s.Pipeline(ctx, TaskImageTextToText, dir)
	require.NoError(t, err)
	require.NoError(t, ClosePipeline[*pipelines.ImageTextToTextPipeline](s, pipeline.PipelineName))

	// only the pipeline used the model
	assert.True(t, session.destroyed)
	assert.Empty(t, s.models)
	assert.Same(t, proc, s.processors[dir])
	require.NoError(t, s.Destroy())
}

func TestGenerateCheckpointDefaultMaxNewTokens(t *testing.T) {
	model, _ := testModel("checkpoint", 1)
	model.DefaultMaxNewTokens = 3
	result, err := Generate(context.Background(), &promptProcessor{}, model, candy, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "bbb", result.Text)
	assert.Len(t, result.NewTokens, 3)
}

func TestResolveCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, options.WithOffline())
	modelsDir := s.options.HubOptions.ModelsDir

	local := t.TempDir()
	path, err := s.ResolveCheckpoint(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, local, path)

	downloaded := filepath.Join(modelsDir, "Qwen_Qwen3-VL-8B-Instruct")
	require.NoError(t, os.MkdirAll(downloaded, os.ModePerm))
	path, err = s.ResolveCheckpoint(ctx, "Qwen/Qwen3-VL-8B-Instruct")
	require.NoError(t, err)
	assert.Equal(t, downloaded, path)

	_, err = s.ResolveCheckpoint(ctx, "Qwen/Qwen2.5-VL-3B-Instruct")
	assert.Error(t, err)
	_, err = s.ResolveCheckpoint(ctx, "")
	assert.Error(t, err)
}

func TestLocalModelPath(t *testing.T) {
	assert.Equal(t, filepath.Join("models", "Qwen_Qwen3-VL-8B-Instruct"), LocalModelPath("Qwen/Qwen3-VL-8B-Instruct", "models"))
	assert.Equal(t, filepath.Join("models", "org_model"), LocalModelPath("org/model:onnx/model.onnx", "models"))
	assert.Equal(t, "s3://bucket/models/org_model", LocalModelPath("org/model", "s3://bucket/models"))
}

func TestDownloadOptionsFromHub(t *testing.T) {
	d := downloadOptions(&options.HubOptions{AuthToken: "hf_x", Branch: "refs/pr/1"})
	assert.Equal(t, "hf_x", d.AuthToken)
	assert.Equal(t, "refs/pr/1", d.Branch)
	assert.Equal(t, 5, d.MaxRetries)

	d = downloadOptions(&options.HubOptions{})
	assert.Equal(t, "main", d.Branch)
}

func TestDestroyJoinsErrors(t *testing.T) {
	s := newTestSession(t)
	model, _ := testModel("a")
	model.Destroy = func() error { return errors.New("model") }
	s.models["a:"] = model
	s.environmentDestroy = func() error { return errors.New("environment") }
	err := s.Destroy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
	assert.Contains(t, err.Error(), "environment")
}
