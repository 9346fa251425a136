package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm/backends"
	"github.com/knights-analytics/vlm/chat"
	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/processor"
)

const DefaultMaxNewTokens = 40

// Processor is the part of processor.Processor the pipeline uses.
type Processor interface {
	ApplyChatTemplate(ctx context.Context, messages []chat.Message, opts processor.ApplyOptions) (*backends.Inputs, error)
	Decode(ids []int64, skipSpecialTokens bool) (string, error)
	GetStatistics() backends.PipelineStatistics
}

// ImageTextToTextPipeline answers conversations that mix images and text.
type ImageTextToTextPipeline struct {
	*backends.BasePipeline
	Processor         Processor
	SystemPrompt      string
	Generation        backends.GenerationOptions
	SkipSpecialTokens bool
	Streaming         bool
}

// ImageTextToTextResult is the answer to one conversation.
type ImageTextToTextResult struct {
	InputText     []chat.Message `json:"input_text"`
	GeneratedText string         `json:"generated_text"`
	// Conversation is the input followed by the assistant reply.
	Conversation []chat.Message `json:"conversation"`
}

type ImageTextToTextOutput struct {
	Results []ImageTextToTextResult
	// TextStream and ErrorStream are set instead of Results when streaming.
	TextStream  chan string
	ErrorStream chan error
}

func (t *ImageTextToTextOutput) GetOutput() []any {
	if t.TextStream == nil && t.ErrorStream == nil {
		out := make([]any, len(t.Results))
		for i, result := range t.Results {
			out[i] = any(result)
		}
		return out
	}
	return []any{t.TextStream, t.ErrorStream}
}

// WithMaxNewTokens bounds the number of generated tokens. Default is 40.
func WithMaxNewTokens(maxNewTokens int) backends.PipelineOption[*ImageTextToTextPipeline] {
	return func(pipeline *ImageTextToTextPipeline) error {
		pipeline.Generation.MaxNewTokens = maxNewTokens
		return nil
	}
}

// WithSystemPrompt allows the user to define a system prompt that will be prepended to every conversation
// that does not start with one.
func WithSystemPrompt(systemPrompt string) backends.PipelineOption[*ImageTextToTextPipeline] {
	return func(pipeline *ImageTextToTextPipeline) error {
		pipeline.SystemPrompt = systemPrompt
		return nil
	}
}

// WithSkipSpecialTokens controls whether special tokens are dropped from the decoded answer. Default is true.
func WithSkipSpecialTokens(skip bool) backends.PipelineOption[*ImageTextToTextPipeline] {
	return func(pipeline *ImageTextToTextPipeline) error {
		pipeline.SkipSpecialTokens = skip
		return nil
	}
}

func WithStreaming() backends.PipelineOption[*ImageTextToTextPipeline] {
	return func(pipeline *ImageTextToTextPipeline) error {
		pipeline.Streaming = true
		return nil
	}
}

// WithSampling replaces greedy decoding with temperature, top-k and top-p sampling.
// A zero seed picks a random one.
func WithSampling(temperature float32, topK int, topP float32, seed uint64) backends.PipelineOption[*ImageTextToTextPipeline] {
	return func(pipeline *ImageTextToTextPipeline) error {
		pipeline.Generation.DoSample = true
		pipeline.Generation.Temperature = temperature
		pipeline.Generation.TopK = topK
		pipeline.Generation.TopP = topP
		pipeline.Generation.Seed = seed
		return nil
	}
}

// NewImageTextToTextPipeline initializes a new image-text-to-text pipeline.
func NewImageTextToTextPipeline(config backends.PipelineConfig[*ImageTextToTextPipeline], s *options.Options, model *backends.Model, proc Processor) (*ImageTextToTextPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &ImageTextToTextPipeline{
		BasePipeline:      defaultPipeline,
		Processor:         proc,
		SkipSpecialTokens: true,
	}
	pipeline.Generation.MaxNewTokens = DefaultMaxNewTokens
	for _, o := range config.Options {
		err = o(pipeline)
		if err != nil {
			return nil, err
		}
	}
	err = pipeline.Validate()
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATION

func (p *ImageTextToTextPipeline) GetModel() *backends.Model {
	return p.Model
}

// GetStatistics returns the runtime statistics for the pipeline.
func (p *ImageTextToTextPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	if p.Processor != nil {
		statistics = p.Processor.GetStatistics()
	}
	statistics.ComputeOnnxStatistics(p.Model.Statistics)
	statistics.ComputeGenerativeStatistics(p.Model)
	statistics.TotalQueries = p.PipelineTimings.NumCalls
	statistics.TotalConversations = p.Model.Statistics.Prompts
	return statistics
}

func (p *ImageTextToTextPipeline) Validate() error {
	var validationErrors []error
	if p.Model == nil {
		return errors.New("pipeline has no model")
	}
	if !p.Model.IsGenerative {
		validationErrors = append(validationErrors, errors.New("model is not generative"))
	}
	if p.Processor == nil {
		validationErrors = append(validationErrors, errors.New("pipeline has no processor"))
	}
	if err := p.Generation.WithDefaults(p.Model).Validate(); err != nil {
		validationErrors = append(validationErrors, err)
	}
	return errors.Join(validationErrors...)
}

// Run treats each input as a text-only user turn.
func (p *ImageTextToTextPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	conversations := make([][]chat.Message, len(inputs))
	for i, input := range inputs {
		conversations[i] = []chat.Message{chat.UserMessage(chat.Text(input))}
	}
	output, err := p.RunMessages(context.Background(), conversations)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// RunMessages answers each conversation in turn.
func (p *ImageTextToTextPipeline) RunMessages(ctx context.Context, conversations [][]chat.Message) (*ImageTextToTextOutput, error) {
	start := time.Now()
	defer p.PipelineTimings.Track(start)

	if p.Streaming {
		if len(conversations) != 1 {
			return nil, fmt.Errorf("streaming supports exactly one conversation, got %d", len(conversations))
		}
		textStream, errorStream, err := p.stream(ctx, conversations[0])
		if err != nil {
			return nil, err
		}
		return &ImageTextToTextOutput{TextStream: textStream, ErrorStream: errorStream}, nil
	}

	output := &ImageTextToTextOutput{Results: make([]ImageTextToTextResult, len(conversations))}
	for i, messages := range conversations {
		result, err := p.answer(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i, err)
		}
		output.Results[i] = result
	}
	return output, nil
}

func (p *ImageTextToTextPipeline) prepare(ctx context.Context, messages []chat.Message) ([]chat.Message, *backends.Inputs, error) {
	messages = chat.WithSystemPrompt(messages, p.SystemPrompt)
	inputs, err := p.Processor.ApplyChatTemplate(ctx, messages, processor.ApplyOptions{
		AddGenerationPrompt: true,
		DeferImages:         p.Model.DecodesText(),
	})
	if err != nil {
		return nil, nil, err
	}
	return messages, inputs, nil
}

func (p *ImageTextToTextPipeline) answer(ctx context.Context, messages []chat.Message) (ImageTextToTextResult, error) {
	messages, inputs, err := p.prepare(ctx, messages)
	if err != nil {
		return ImageTextToTextResult{}, err
	}
	generation, err := backends.Generate(ctx, p.Model, inputs, p.Generation)
	if err != nil {
		return ImageTextToTextResult{}, err
	}
	text := generation.Text
	if !generation.Decoded {
		if text, err = p.Processor.Decode(generation.NewTokens(), p.SkipSpecialTokens); err != nil {
			return ImageTextToTextResult{}, err
		}
	}
	log.Debug().Str("pipeline", p.PipelineName).Int("prompt_tokens", generation.PromptLength).Int("new_tokens", len(generation.NewTokens())).Msg("generation finished")

	conversation := make([]chat.Message, 0, len(messages)+1)
	conversation = append(conversation, messages...)
	conversation = append(conversation, chat.AssistantMessage(text))
	return ImageTextToTextResult{
		InputText:     messages,
		GeneratedText: text,
		Conversation:  conversation,
	}, nil
}

// stream decodes the growing answer after every token and emits the new text.
func (p *ImageTextToTextPipeline) stream(ctx context.Context, messages []chat.Message) (chan string, chan error, error) {
	_, inputs, err := p.prepare(ctx, messages)
	if err != nil {
		return nil, nil, err
	}
	tokenStream, tokenErrors, err := backends.GenerateStream(ctx, p.Model, inputs, p.Generation)
	if err != nil {
		return nil, nil, err
	}
	textStream := make(chan string, 10)
	errorStream := make(chan error, 4)
	go func() {
		defer close(textStream)
		defer close(errorStream)
		var generated []int64
		emitted := ""
		failed := false
		for delta := range tokenStream {
			if failed {
				continue
			}
			if delta.TokenID < 0 {
				if delta.Token != "" {
					textStream <- delta.Token
				}
				continue
			}
			generated = append(generated, delta.TokenID)
			text, decodeErr := p.Processor.Decode(generated, p.SkipSpecialTokens)
			if decodeErr != nil {
				errorStream <- decodeErr
				failed = true
				continue
			}
			// partial multi-byte characters decode to a replacement rune until complete
			if strings.HasSuffix(text, "\uFFFD") || !strings.HasPrefix(text, emitted) {
				continue
			}
			if text != emitted {
				textStream <- text[len(emitted):]
				emitted = text
			}
		}
		if !failed && len(generated) > 0 {
			p.flush(textStream, errorStream, generated, emitted)
		}
		for err := range tokenErrors {
			errorStream <- err
		}
	}()
	return textStream, errorStream, nil
}

// flush emits whatever the final decoding adds beyond the streamed text. When decoding rewrote
// text that was already streamed, the longest common prefix is kept and the rest is emitted.
func (p *ImageTextToTextPipeline) flush(textStream chan string, errorStream chan error, generated []int64, emitted string) {
	final, err := p.Processor.Decode(generated, p.SkipSpecialTokens)
	if err != nil {
		errorStream <- err
		return
	}
	common := 0
	for common < len(final) && common < len(emitted) && final[common] == emitted[common] {
		common++
	}
	for common > 0 && common < len(final) && !utf8.RuneStart(final[common]) {
		common--
	}
	if tail := final[common:]; tail != "" {
		textStream <- tail
	}
}
