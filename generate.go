package vlm

import (
	"context"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm/backends"
	"github.com/knights-analytics/vlm/chat"
	"github.com/knights-analytics/vlm/pipelines"
	"github.com/knights-analytics/vlm/processor"
)

// GenerateOptions controls a direct generation call.
type GenerateOptions struct {
	backends.GenerationOptions
	// SkipSpecialTokens drops special tokens such as the end of turn marker from the decoded text.
	SkipSpecialTokens bool
}

// DefaultGenerateOptions is greedy decoding of at most 40 new tokens.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		GenerationOptions: backends.GenerationOptions{MaxNewTokens: pipelines.DefaultMaxNewTokens},
	}
}

// GenerateResult holds the answer of a direct generation call.
type GenerateResult struct {
	// Text is the decoded continuation, the prompt is never part of it.
	Text string `json:"text"`
	// PromptTokens is the length of the rendered prompt the output was sliced at.
	PromptTokens int     `json:"prompt_tokens"`
	NewTokens    []int64 `json:"new_tokens"`
}

// Generate renders messages with the chat template and the generation prompt, generates with the model
// and decodes only the tokens produced after the prompt. Models run by onnxruntime-genai return the
// answer text directly and leave PromptTokens and NewTokens empty. A zero MaxNewTokens falls back to
// max_new_tokens of generation_config.json.
func Generate(ctx context.Context, proc pipelines.Processor, model *backends.Model, messages []chat.Message, opts GenerateOptions) (*GenerateResult, error) {
	if proc == nil || model == nil {
		return nil, fmt.Errorf("a processor and a model are required")
	}
	opts.GenerationOptions = opts.WithDefaults(model)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	inputs, err := proc.ApplyChatTemplate(ctx, messages, processor.ApplyOptions{
		AddGenerationPrompt: true,
		DeferImages:         model.DecodesText(),
	})
	if err != nil {
		return nil, err
	}
	generation, err := backends.Generate(ctx, model, inputs, opts.GenerationOptions)
	if err != nil {
		return nil, err
	}
	if generation.Decoded {
		log.Debug().Int("answer_bytes", len(generation.Text)).Msg("generation finished")
		return &GenerateResult{Text: generation.Text}, nil
	}
	promptTokens := len(inputs.InputIDs)
	if len(generation.Sequence) < promptTokens {
		return nil, fmt.Errorf("generated sequence of %d tokens is shorter than the prompt of %d tokens", len(generation.Sequence), promptTokens)
	}
	newTokens := generation.Sequence[promptTokens:]
	text, err := proc.Decode(newTokens, opts.SkipSpecialTokens)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("prompt_tokens", promptTokens).Int("new_tokens", len(newTokens)).Msg("generation finished")
	return &GenerateResult{
		Text:         text,
		PromptTokens: promptTokens,
		NewTokens:    newTokens,
	}, nil
}
