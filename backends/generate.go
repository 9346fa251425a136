package backends

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm/util/vectorutil"
)

// SequenceDelta is one generated token. Backends that decode while generating set Token and
// leave TokenID at -1.
type SequenceDelta struct {
	TokenID int64
	Token   string
	Step    int
}

// Message is a flattened chat turn for backends that apply the chat template themselves.
type Message struct {
	Role    string
	Content string
}

// Inputs is the processor output for a single conversation.
type Inputs struct {
	InputIDs      []int64
	AttentionMask []int64
	// PixelValues holds every image of the conversation, laid out as PixelShape.
	PixelValues []float32
	PixelShape  Shape
	// ImageGridTHW is the patch grid per image for models that flatten patches.
	ImageGridTHW [][3]int64
	// SpatialMergeSize groups patches into image tokens, used for multimodal rotary positions.
	SpatialMergeSize int

	// Prompt, Messages and Images are set instead of ids and pixels for a backend that runs its
	// own multimodal processor. Prompt keeps one image placeholder per image.
	Prompt   string
	Messages []Message
	// Images holds the encoded image files in prompt order.
	Images [][]byte
}

// HasImages reports whether pixel values or encoded images are attached.
func (in *Inputs) HasImages() bool {
	return len(in.PixelValues) > 0 || len(in.Images) > 0
}

type GenerationOptions struct {
	MaxNewTokens int
	// DoSample switches from greedy decoding to temperature, top-k and top-p sampling.
	DoSample    bool
	Temperature float32
	TopK        int
	TopP        float32
	// Seed makes sampling reproducible. Zero picks a random seed.
	Seed uint64
}

// WithDefaults fills a zero MaxNewTokens from the checkpoint generation config.
func (o GenerationOptions) WithDefaults(model *Model) GenerationOptions {
	if o.MaxNewTokens == 0 && model != nil && model.DefaultMaxNewTokens > 0 {
		o.MaxNewTokens = model.DefaultMaxNewTokens
	}
	return o
}

func (o GenerationOptions) Validate() error {
	var errs []error
	if o.MaxNewTokens <= 0 {
		errs = append(errs, fmt.Errorf("max new tokens must be greater than zero, got %d", o.MaxNewTokens))
	}
	if o.DoSample {
		if o.Temperature < 0 {
			errs = append(errs, errors.New("temperature cannot be negative"))
		}
		if o.TopP < 0 || o.TopP > 1 {
			errs = append(errs, errors.New("top p must be in [0, 1]"))
		}
		if o.TopK < 0 {
			errs = append(errs, errors.New("top k cannot be negative"))
		}
	}
	return errors.Join(errs...)
}

type GenerationStatistics struct {
	Forward         Timings
	Prompts         uint64
	GeneratedTokens uint64
}

// GenerateStream starts generation in a goroutine. Models loaded from a genai_config.json folder
// run on the onnxruntime-genai session. Otherwise each step re-runs the graph on the full sequence
// and emits the chosen token. Both channels are closed when generation stops, which is after an
// end of sequence token, after MaxNewTokens tokens, on error, or on context cancellation.
func GenerateStream(ctx context.Context, model *Model, inputs *Inputs, opts GenerationOptions) (chan SequenceDelta, chan error, error) {
	if model == nil || (model.Session == nil && model.ORTModel == nil) {
		return nil, nil, errors.New("model is not loaded")
	}
	opts = opts.WithDefaults(model)
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	if model.ORTModel != nil {
		if inputs == nil || (inputs.Prompt == "" && len(inputs.Messages) == 0) {
			return nil, nil, errors.New("prompt cannot be empty")
		}
		atomic.AddUint64(&model.Statistics.Prompts, 1)
		return runGenerativeORTSession(ctx, model, inputs, opts)
	}
	if err := checkInputs(model, inputs); err != nil {
		return nil, nil, err
	}
	var rng *rand.Rand
	if opts.DoSample {
		seed := opts.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		rng = rand.New(rand.NewPCG(seed, seed))
	}

	tokenStream := make(chan SequenceDelta, 10)
	errorStream := make(chan error, 1)
	atomic.AddUint64(&model.Statistics.Prompts, 1)

	go func() {
		defer close(tokenStream)
		defer close(errorStream)

		sequence := append([]int64(nil), inputs.InputIDs...)
		mask := append([]int64(nil), inputs.AttentionMask...)
		for step := range opts.MaxNewTokens {
			if err := ctx.Err(); err != nil {
				errorStream <- err
				return
			}
			logits, err := forward(ctx, model, inputs, sequence, mask)
			if err != nil {
				errorStream <- fmt.Errorf("error during generation step %d: %w", step, err)
				return
			}
			next, err := selectToken(logits, opts, rng)
			if err != nil {
				errorStream <- err
				return
			}
			atomic.AddUint64(&model.Statistics.GeneratedTokens, 1)
			select {
			case tokenStream <- SequenceDelta{TokenID: next, Step: step}:
			case <-ctx.Done():
				errorStream <- ctx.Err()
				return
			}
			if model.EosTokenIDs[next] {
				log.Debug().Int("step", step).Int64("token", next).Msg("end of sequence")
				return
			}
			sequence = append(sequence, next)
			mask = append(mask, 1)
		}
	}()
	return tokenStream, errorStream, nil
}

// Generation is a finished generation.
type Generation struct {
	// Sequence is the prompt ids followed by the generated ids. The end of sequence token is
	// included when one was produced.
	Sequence     []int64
	PromptLength int
	// Text is the answer of a backend that decodes while generating. Sequence is empty then.
	Text    string
	Decoded bool
}

// NewTokens is the part of Sequence after the prompt.
func (g *Generation) NewTokens() []int64 {
	if g.PromptLength >= len(g.Sequence) {
		return nil
	}
	return g.Sequence[g.PromptLength:]
}

// Generate runs until completion.
func Generate(ctx context.Context, model *Model, inputs *Inputs, opts GenerationOptions) (*Generation, error) {
	tokenStream, errorStream, err := GenerateStream(ctx, model, inputs, opts)
	if err != nil {
		return nil, err
	}
	generated, text, err := CollectTokens(tokenStream, errorStream)
	if err != nil {
		return nil, err
	}
	if model.ORTModel != nil {
		return &Generation{Text: text, Decoded: true}, nil
	}
	sequence := make([]int64, 0, len(inputs.InputIDs)+len(generated))
	sequence = append(sequence, inputs.InputIDs...)
	return &Generation{
		Sequence:     append(sequence, generated...),
		PromptLength: len(inputs.InputIDs),
	}, nil
}

// CollectTokens drains both channels of a stream and returns the token ids together with the
// concatenated text pieces.
func CollectTokens(tokenStream chan SequenceDelta, errorStream chan error) ([]int64, string, error) {
	var tokens []int64
	var text strings.Builder
	var finalErrors []error
	for delta := range tokenStream {
		if delta.TokenID >= 0 {
			tokens = append(tokens, delta.TokenID)
		}
		text.WriteString(delta.Token)
	}
	for err := range errorStream {
		finalErrors = append(finalErrors, err)
	}
	return tokens, text.String(), errors.Join(finalErrors...)
}

func checkInputs(model *Model, inputs *Inputs) error {
	if inputs == nil || len(inputs.InputIDs) == 0 {
		return errors.New("input ids cannot be empty")
	}
	if len(inputs.AttentionMask) != len(inputs.InputIDs) {
		return fmt.Errorf("attention mask length %d does not match input ids length %d", len(inputs.AttentionMask), len(inputs.InputIDs))
	}
	needsPixels := false
	for _, meta := range model.InputsMeta {
		if meta.Name == "pixel_values" {
			needsPixels = true
		}
	}
	switch {
	case needsPixels && !inputs.HasImages():
		return errors.New("model requires pixel_values but the conversation has no image")
	case !needsPixels && inputs.HasImages():
		return errors.New("model does not accept pixel_values but the conversation has images")
	case inputs.HasImages() && inputs.PixelShape.NumElements() != int64(len(inputs.PixelValues)):
		return fmt.Errorf("pixel shape %s does not match %d pixel values", inputs.PixelShape, len(inputs.PixelValues))
	}
	return nil
}

// forward runs one step and returns the logits of the last position.
func forward(ctx context.Context, model *Model, inputs *Inputs, sequence []int64, mask []int64) ([]float32, error) {
	seqLen := int64(len(sequence))
	feed := make(map[string]Tensor, len(model.InputsMeta))
	for _, meta := range model.InputsMeta {
		switch meta.Name {
		case "input_ids":
			feed[meta.Name] = Tensor{Data: sequence, Shape: NewShape(1, seqLen)}
		case "attention_mask":
			feed[meta.Name] = Tensor{Data: mask, Shape: NewShape(1, seqLen)}
		case "position_ids":
			if len(meta.Dimensions) == 3 {
				positions := RopeIndex(sequence, model.ImageTokenID, inputs.ImageGridTHW, inputs.SpatialMergeSize)
				feed[meta.Name] = Tensor{Data: positions, Shape: NewShape(3, 1, seqLen)}
			} else {
				positions := make([]int64, seqLen)
				for i := range positions {
					positions[i] = int64(i)
				}
				feed[meta.Name] = Tensor{Data: positions, Shape: NewShape(1, seqLen)}
			}
		case "pixel_values":
			feed[meta.Name] = Tensor{Data: inputs.PixelValues, Shape: inputs.PixelShape}
		case "image_grid_thw":
			grid := make([]int64, 0, 3*len(inputs.ImageGridTHW))
			for _, thw := range inputs.ImageGridTHW {
				grid = append(grid, thw[:]...)
			}
			feed[meta.Name] = Tensor{Data: grid, Shape: NewShape(int64(len(inputs.ImageGridTHW)), 3)}
		default:
			return nil, fmt.Errorf("input %q not recognized", meta.Name)
		}
	}

	start := time.Now()
	outputs, err := model.Session.Run(ctx, feed)
	model.Statistics.Forward.Track(start)
	if err != nil {
		return nil, err
	}
	return lastLogits(outputs, model.OutputsMeta, model.VocabSize)
}

// lastLogits returns the final row of the logits output. A positive vocabSize must match its width.
func lastLogits(outputs map[string]Tensor, meta []InputOutputInfo, vocabSize int) ([]float32, error) {
	output, ok := outputs["logits"]
	if !ok {
		if len(meta) == 0 {
			return nil, errors.New("graph returned no logits")
		}
		if output, ok = outputs[meta[0].Name]; !ok {
			return nil, fmt.Errorf("graph returned no %q output", meta[0].Name)
		}
	}
	data, ok := output.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("logits have type %T, expected []float32", output.Data)
	}
	if len(output.Shape) == 0 {
		return nil, errors.New("logits have no shape")
	}
	vocab := int(output.Shape[len(output.Shape)-1])
	if vocab <= 0 || len(data) < vocab {
		return nil, fmt.Errorf("logits shape %s does not match %d values", output.Shape, len(data))
	}
	if vocabSize > 0 && vocab != vocabSize {
		return nil, fmt.Errorf("logits width %d does not match the vocabulary size %d", vocab, vocabSize)
	}
	return data[len(data)-vocab:], nil
}

func selectToken(logits []float32, opts GenerationOptions, rng *rand.Rand) (int64, error) {
	if !opts.DoSample || opts.Temperature == 0 {
		index, _, err := vectorutil.ArgMax(logits)
		return int64(index), err
	}
	scores := vectorutil.SoftMax(logits, opts.Temperature)
	candidates := vectorutil.TopIndices(scores, opts.TopK, opts.TopP)
	var total float32
	for _, idx := range candidates {
		total += scores[idx]
	}
	threshold := rng.Float32() * total
	var cumulative float32
	for _, idx := range candidates {
		cumulative += scores[idx]
		if cumulative >= threshold {
			return int64(idx), nil
		}
	}
	return int64(candidates[len(candidates)-1]), nil
}

// RopeIndex computes the three axis (temporal, height, width) rotary positions of a sequence.
// Text tokens advance all three axes together. The run of image tokens for each image is laid out
// on its merged patch grid, and the following text resumes after the largest position used.
// The result is flattened as [3, seqLen].
func RopeIndex(sequence []int64, imageTokenID int64, grids [][3]int64, mergeSize int) []int64 {
	seqLen := len(sequence)
	positions := make([]int64, 3*seqLen)
	if mergeSize <= 0 {
		mergeSize = 1
	}
	m := int64(mergeSize)
	next := int64(0)
	imageIndex := 0
	for i := 0; i < seqLen; {
		if sequence[i] != imageTokenID || imageIndex >= len(grids) {
			for axis := range 3 {
				positions[axis*seqLen+i] = next
			}
			next++
			i++
			continue
		}
		grid := grids[imageIndex]
		gridT, gridH, gridW := grid[0], grid[1]/m, grid[2]/m
		largest := next
		for t := range gridT {
			for h := range gridH {
				for w := range gridW {
					if i >= seqLen {
						break
					}
					positions[i] = next + t
					positions[seqLen+i] = next + h
					positions[2*seqLen+i] = next + w
					largest = max(largest, next+t, next+h, next+w)
					i++
				}
			}
		}
		next = largest + 1
		imageIndex++
	}
	return positions
}
