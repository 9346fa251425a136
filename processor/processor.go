package processor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"
	"text/template"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm/backends"
	"github.com/knights-analytics/vlm/chat"
	"github.com/knights-analytics/vlm/chatTemplates"
	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/util/fileutil"
	"github.com/knights-analytics/vlm/util/imageutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
	Decode(tokens []int64, skipSpecialTokens bool) (string, error)
	TokenID(token string) (int64, error)
	Destroy() error
}

// ImageLoader fetches and decodes the image a message part points at.
type ImageLoader interface {
	Load(ctx context.Context, location string) (image.Image, error)
	LoadBase64(payload string) (image.Image, error)
	ReadBytes(ctx context.Context, location string) ([]byte, error)
}

// Processor turns conversations into model inputs and generated ids back into text.
type Processor struct {
	Tokenizer      Tokenizer
	ImageProcessor ImageProcessor
	Images         ImageLoader
	Family         chatTemplates.Family
	Template       *template.Template
	ModelType      string
	BosToken       string
	EosToken       string
	TokenizerTime  *backends.Timings
	ImageTime      *backends.Timings
}

type ApplyOptions struct {
	AddGenerationPrompt bool
	// DeferImages leaves image preprocessing and tokenization to the backend. The result carries the
	// rendered prompt, the flattened messages and the encoded images instead of ids and pixels.
	DeferImages bool
}

type tokenizerConfig struct {
	BosToken jsoniter.Any `json:"bos_token"`
	EosToken jsoniter.Any `json:"eos_token"`
}

type modelConfig struct {
	ModelType        string `json:"model_type"`
	MMTokensPerImage int    `json:"mm_tokens_per_image"`
}

// Load reads the tokenizer, image processor and chat template settings of a checkpoint directory.
func Load(ctx context.Context, path string, opts *options.Options) (*Processor, error) {
	var config modelConfig
	if err := readJSON(ctx, fileutil.PathJoinSafe(path, "config.json"), &config, true); err != nil {
		return nil, err
	}
	family, err := chatTemplates.ForModelType(config.ModelType)
	if err != nil {
		return nil, err
	}
	tmpl, err := chatTemplates.Parse(family.Name, family.Template)
	if err != nil {
		return nil, fmt.Errorf("parsing chat template %s: %w", family.Name, err)
	}

	// genai folders preprocess images inside onnxruntime-genai
	genAI, err := fileutil.FileExists(ctx, fileutil.PathJoinSafe(path, "genai_config.json"))
	if err != nil {
		return nil, err
	}
	var imageConfig ImageProcessorConfig
	imageConfigPath := fileutil.PathJoinSafe(path, "preprocessor_config.json")
	if err = readJSON(ctx, imageConfigPath, &imageConfig, !genAI); err != nil {
		return nil, err
	}
	var imageProcessor ImageProcessor
	if hasConfig, _ := fileutil.FileExists(ctx, imageConfigPath); hasConfig {
		if imageProcessor, err = newImageProcessor(config, imageConfig); err != nil {
			return nil, err
		}
	}

	var tkConfig tokenizerConfig
	if err = readJSON(ctx, fileutil.PathJoinSafe(path, "tokenizer_config.json"), &tkConfig, false); err != nil {
		return nil, err
	}

	tk, err := backends.LoadTokenizer(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	loader := imageutil.NewLoader()
	loader.AuthToken = opts.HubOptions.AuthToken

	p := &Processor{
		Tokenizer:      tk,
		ImageProcessor: imageProcessor,
		Images:         loader,
		Family:         family,
		Template:       tmpl,
		ModelType:      config.ModelType,
		BosToken:       specialToken(tkConfig.BosToken),
		EosToken:       specialToken(tkConfig.EosToken),
		TokenizerTime:  tk.TokenizerTimings,
		ImageTime:      &backends.Timings{},
	}
	log.Debug().Str("path", path).Str("family", family.Name).Str("tokenizer", tk.Runtime).Msg("processor loaded")
	return p, nil
}

func newImageProcessor(config modelConfig, imageConfig ImageProcessorConfig) (ImageProcessor, error) {
	switch {
	case strings.HasPrefix(config.ModelType, "qwen"):
		return NewQwenImageProcessor(imageConfig)
	case config.ModelType == "gemma3":
		tokens := config.MMTokensPerImage
		if tokens == 0 {
			tokens = 256
		}
		return NewFixedImageProcessor(imageConfig, tokens)
	}
	return nil, fmt.Errorf("model type %q has no image processor", config.ModelType)
}

func readJSON(ctx context.Context, path string, target any, required bool) error {
	exists, err := fileutil.FileExists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		if required {
			return fmt.Errorf("%s not found", path)
		}
		return nil
	}
	b, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// specialToken reads a token that is either a string or an added token object with a content field.
func specialToken(raw jsoniter.Any) string {
	if raw == nil {
		return ""
	}
	switch raw.ValueType() {
	case jsoniter.StringValue:
		return raw.ToString()
	case jsoniter.ObjectValue:
		return raw.Get("content").ToString()
	}
	return ""
}

// ApplyChatTemplate renders the conversation, preprocesses its images and tokenizes the result.
func (p *Processor) ApplyChatTemplate(ctx context.Context, messages []chat.Message, opts ApplyOptions) (*backends.Inputs, error) {
	if err := chat.Validate(messages); err != nil {
		return nil, err
	}
	text, err := chatTemplates.Render(p.Template, chatTemplates.RenderInput{
		Messages:            messages,
		AddGenerationPrompt: opts.AddGenerationPrompt,
		BosToken:            p.BosToken,
		EosToken:            p.EosToken,
	})
	if err != nil {
		return nil, err
	}
	if opts.DeferImages {
		return p.deferredInputs(ctx, messages, text)
	}

	processed, err := p.processImages(ctx, chat.Images(messages))
	if err != nil {
		return nil, err
	}
	text, err = p.expandImagePlaceholders(text, processed)
	if err != nil {
		return nil, err
	}

	ids, err := p.Tokenizer.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("tokenizing prompt: %w", err)
	}
	if err = p.checkImageTokens(ids, processed); err != nil {
		return nil, err
	}
	mask := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}

	inputs := &backends.Inputs{
		InputIDs:      ids,
		AttentionMask: mask,
	}
	if p.ImageProcessor != nil {
		inputs.SpatialMergeSize = p.ImageProcessor.MergeSize()
	}
	if len(processed) > 0 {
		inputs.PixelValues, inputs.PixelShape, err = stackImages(processed)
		if err != nil {
			return nil, err
		}
		for _, img := range processed {
			if img.GridTHW != [3]int64{} {
				inputs.ImageGridTHW = append(inputs.ImageGridTHW, img.GridTHW)
			}
		}
	}
	return inputs, nil
}

// deferredInputs keeps the rendered prompt with one placeholder per image and the encoded images.
func (p *Processor) deferredInputs(ctx context.Context, messages []chat.Message, prompt string) (*backends.Inputs, error) {
	parts := chat.Images(messages)
	if placeholders := strings.Count(prompt, p.Family.ImagePlaceholder); placeholders != len(parts) {
		return nil, fmt.Errorf("prompt has %d image placeholders for %d images", placeholders, len(parts))
	}
	inputs := &backends.Inputs{Prompt: prompt, Messages: make([]backends.Message, len(messages))}
	for i, message := range messages {
		inputs.Messages[i] = backends.Message{Role: message.Role, Content: message.TextContent()}
	}
	if len(parts) == 0 {
		return inputs, nil
	}
	start := time.Now()
	defer p.ImageTime.Track(start)
	inputs.Images = make([][]byte, len(parts))
	for i, part := range parts {
		var err error
		if part.Base64 != "" {
			inputs.Images[i], err = base64.StdEncoding.DecodeString(part.Base64)
		} else {
			inputs.Images[i], err = p.Images.ReadBytes(ctx, part.Source())
		}
		if err != nil {
			return nil, fmt.Errorf("loading image %d: %w", i, err)
		}
	}
	return inputs, nil
}

func (p *Processor) processImages(ctx context.Context, parts []chat.Part) ([]ProcessedImage, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	if p.ImageProcessor == nil {
		return nil, errors.New("processor has no image processor, the checkpoint has no preprocessor_config.json")
	}
	start := time.Now()
	defer p.ImageTime.Track(start)

	processed := make([]ProcessedImage, len(parts))
	for i, part := range parts {
		var img image.Image
		var err error
		if part.Base64 != "" {
			img, err = p.Images.LoadBase64(part.Base64)
		} else {
			img, err = p.Images.Load(ctx, part.Source())
		}
		if err != nil {
			return nil, fmt.Errorf("loading image %d: %w", i, err)
		}
		if processed[i], err = p.ImageProcessor.Preprocess(img); err != nil {
			return nil, fmt.Errorf("preprocessing image %d: %w", i, err)
		}
	}
	return processed, nil
}

// expandImagePlaceholders replaces the placeholder the template emits for each image with the
// tokens the vision encoder fills in.
func (p *Processor) expandImagePlaceholders(text string, images []ProcessedImage) (string, error) {
	pieces := strings.Split(text, p.Family.ImagePlaceholder)
	if len(pieces)-1 != len(images) {
		return "", fmt.Errorf("prompt has %d image placeholders for %d images", len(pieces)-1, len(images))
	}
	if len(images) == 0 {
		return text, nil
	}
	var sb strings.Builder
	for i, piece := range pieces {
		sb.WriteString(piece)
		if i < len(images) {
			sb.WriteString(p.Family.ImagePrefix)
			sb.WriteString(strings.Repeat(p.Family.ImageToken, images[i].NumTokens))
			sb.WriteString(p.Family.ImageSuffix)
		}
	}
	return sb.String(), nil
}

func (p *Processor) checkImageTokens(ids []int64, images []ProcessedImage) error {
	if len(images) == 0 {
		return nil
	}
	imageTokenID, err := p.Tokenizer.TokenID(p.Family.ImageToken)
	if err != nil {
		return err
	}
	expected := 0
	for _, img := range images {
		expected += img.NumTokens
	}
	found := 0
	for _, id := range ids {
		if id == imageTokenID {
			found++
		}
	}
	if found != expected {
		return fmt.Errorf("prompt has %d image tokens, the images need %d", found, expected)
	}
	return nil
}

// Decode converts ids back to text.
func (p *Processor) Decode(ids []int64, skipSpecialTokens bool) (string, error) {
	return p.Tokenizer.Decode(ids, skipSpecialTokens)
}

func (p *Processor) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	combined := backends.Timings{
		NumCalls: p.TokenizerTime.NumCalls + p.ImageTime.NumCalls,
		TotalNS:  p.TokenizerTime.TotalNS + p.ImageTime.TotalNS,
	}
	statistics.ComputeProcessorStatistics(&combined)
	return statistics
}

func (p *Processor) Destroy() error {
	if p.Tokenizer == nil {
		return nil
	}
	return p.Tokenizer.Destroy()
}
