package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NumElements is the product of the dimensions.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Tensor is a backend independent dense tensor. Data is []int64 or []float32.
type Tensor struct {
	Data  any
	Shape Shape
}

// InferenceSession runs a loaded graph. ORT and GO backends implement it.
type InferenceSession interface {
	Inputs() []InputOutputInfo
	Outputs() []InputOutputInfo
	Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error)
	Destroy() error
}

type Model struct {
	ID      string
	Session InferenceSession
	// ORTModel holds the onnxruntime-genai session of a genai_config.json folder. Session is nil then.
	ORTModel     *ORTModel
	Pipelines    map[string]any
	EosTokenIDs  map[int64]bool
	Path         string
	OnnxFilename string
	OnnxPath     string
	ModelType    string
	// DefaultMaxNewTokens comes from generation_config.json, zero if absent.
	DefaultMaxNewTokens int
	// VocabSize is checked against the logits width when positive.
	VocabSize    int
	ImageTokenID int64
	// MaxLength bounds prompt plus answer for the genai session, from genai_config.json.
	MaxLength    int
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo
	IsGenerative bool
	Statistics   *GenerationStatistics
	Destroy      func() error
}

// DecodesText reports whether the backend returns text pieces instead of token ids.
func (m *Model) DecodesText() bool {
	return m.ORTModel != nil
}

// LoadModel reads the checkpoint configuration at path and creates the inference session for the
// session backend. With the ORT backend a folder holding genai_config.json is run by onnxruntime-genai,
// which owns the decoder graphs, the kv cache and the vision encoder. Any other folder must hold a
// single graph, onnxFilename selects it when there are several .onnx files.
func LoadModel(ctx context.Context, path string, onnxFilename string, opts *options.Options) (*Model, error) {
	model := &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
		Pipelines:    map[string]any{},
		EosTokenIDs:  map[int64]bool{},
		IsGenerative: true,
		Statistics:   &GenerationStatistics{},
	}
	genAI := false
	if opts.Backend == options.BackendORT {
		var err error
		if genAI, err = loadGenAIConfig(ctx, model); err != nil {
			return nil, err
		}
	}
	if err := loadModelConfig(ctx, model, !genAI); err != nil {
		return nil, err
	}
	if err := loadGenerationConfig(ctx, model); err != nil {
		return nil, err
	}
	if genAI {
		if onnxFilename != "" {
			return nil, errors.New("onnx filename should not be provided for genai_config.json folders, the config names the graphs")
		}
		if err := createORTGenerativeSession(model, opts); err != nil {
			return nil, err
		}
		model.Destroy = func() error {
			if model.ORTModel == nil {
				return nil
			}
			err := model.ORTModel.Destroy()
			model.ORTModel = nil
			return err
		}
		log.Debug().Str("model", model.ID).Str("type", model.ModelType).Msg("genai model loaded")
		return model, nil
	}
	if err := GetOnnxModelPath(ctx, model); err != nil {
		return nil, err
	}
	if err := CreateModelBackend(ctx, model, opts); err != nil {
		return nil, err
	}
	model.InputsMeta = model.Session.Inputs()
	model.OutputsMeta = model.Session.Outputs()
	if err := ValidateGraph(model.InputsMeta, model.OutputsMeta); err != nil {
		return nil, errors.Join(err, model.Session.Destroy())
	}
	model.Destroy = func() error {
		if model.Session == nil {
			return nil
		}
		err := model.Session.Destroy()
		model.Session = nil
		return err
	}
	log.Debug().Str("model", model.ID).Str("type", model.ModelType).Str("backend", opts.Backend).Msg("model loaded")
	return model, nil
}

func CreateModelBackend(ctx context.Context, model *Model, opts *options.Options) error {
	var err error
	switch opts.Backend {
	case options.BackendORT:
		model.Session, err = createORTSession(model, opts)
	case options.BackendGO:
		model.Session, err = createGoSession(ctx, model)
	default:
		err = fmt.Errorf("backend %q not recognized", opts.Backend)
	}
	return err
}

func GetOnnxModelPath(ctx context.Context, model *Model) error {
	onnxFiles, err := fileutil.FilesWithSuffix(ctx, model.Path, ".onnx")
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly one .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	return nil
}

// ValidateGraph checks the graph follows the generation contract: known input names and a logits output.
func ValidateGraph(inputs []InputOutputInfo, outputs []InputOutputInfo) error {
	var errs []error
	hasInputIDs := false
	cached := false
	for _, input := range inputs {
		switch {
		case input.Name == "input_ids":
			hasInputIDs = true
		case input.Name == "attention_mask", input.Name == "position_ids", input.Name == "pixel_values", input.Name == "image_grid_thw":
		case strings.HasPrefix(input.Name, "past_key_values") || input.Name == "inputs_embeds":
			cached = true
		default:
			errs = append(errs, fmt.Errorf("input %q not recognized", input.Name))
		}
	}
	if cached {
		errs = append(errs, errors.New("graph is a split decoder with a kv cache, export the folder with genai_config.json and load it with the ORT backend"))
	}
	if !hasInputIDs {
		errs = append(errs, errors.New("graph has no input_ids input"))
	}
	if len(outputs) == 0 {
		errs = append(errs, errors.New("graph has no outputs"))
	}
	return errors.Join(errs...)
}

// modelConfig is the subset of config.json used for generation. Multimodal checkpoints nest the
// language model settings under text_config.
type modelConfig struct {
	ModelType       string       `json:"model_type"`
	EosTokenID      jsoniter.Any `json:"eos_token_id"`
	VocabSize       int          `json:"vocab_size"`
	ImageTokenID    *int64       `json:"image_token_id"`
	ImageTokenIndex *int64       `json:"image_token_index"`
	TextConfig      *modelConfig `json:"text_config"`
}

func readJSON(ctx context.Context, path string, target any) (bool, error) {
	exists, err := fileutil.FileExists(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	b, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return true, err
	}
	if err = json.Unmarshal(b, target); err != nil {
		return true, fmt.Errorf("parsing %s: %w", path, err)
	}
	return true, nil
}

func loadModelConfig(ctx context.Context, model *Model, required bool) error {
	var config modelConfig
	exists, err := readJSON(ctx, fileutil.PathJoinSafe(model.Path, "config.json"), &config)
	if err != nil {
		return err
	}
	if !exists {
		if required {
			return fmt.Errorf("config.json not found at %s", model.Path)
		}
		return nil
	}
	if config.ModelType != "" {
		model.ModelType = config.ModelType
	}
	if config.VocabSize > 0 {
		model.VocabSize = config.VocabSize
	}
	switch {
	case config.ImageTokenID != nil:
		model.ImageTokenID = *config.ImageTokenID
	case config.ImageTokenIndex != nil:
		model.ImageTokenID = *config.ImageTokenIndex
	}
	if err = addEosTokenIDs(model, config.EosTokenID); err != nil {
		return err
	}
	if text := config.TextConfig; text != nil {
		if model.VocabSize == 0 {
			model.VocabSize = text.VocabSize
		}
		if err = addEosTokenIDs(model, text.EosTokenID); err != nil {
			return err
		}
	}
	return nil
}

// genAIConfig is the subset of genai_config.json used outside onnxruntime-genai.
type genAIConfig struct {
	Model struct {
		Type          string       `json:"type"`
		EosTokenID    jsoniter.Any `json:"eos_token_id"`
		VocabSize     int          `json:"vocab_size"`
		ContextLength int          `json:"context_length"`
	} `json:"model"`
	Search struct {
		MaxLength int `json:"max_length"`
	} `json:"search"`
}

// defaultGenAIMaxLength is used when genai_config.json sets neither max_length nor context_length.
const defaultGenAIMaxLength = 4096

func loadGenAIConfig(ctx context.Context, model *Model) (bool, error) {
	var config genAIConfig
	exists, err := readJSON(ctx, fileutil.PathJoinSafe(model.Path, "genai_config.json"), &config)
	if err != nil || !exists {
		return false, err
	}
	model.ModelType = config.Model.Type
	model.VocabSize = config.Model.VocabSize
	switch {
	case config.Search.MaxLength > 0:
		model.MaxLength = config.Search.MaxLength
	case config.Model.ContextLength > 0:
		model.MaxLength = config.Model.ContextLength
	default:
		model.MaxLength = defaultGenAIMaxLength
	}
	return true, addEosTokenIDs(model, config.Model.EosTokenID)
}

type generationConfig struct {
	EosTokenID   jsoniter.Any `json:"eos_token_id"`
	MaxNewTokens int          `json:"max_new_tokens"`
}

func loadGenerationConfig(ctx context.Context, model *Model) error {
	var config generationConfig
	exists, err := readJSON(ctx, fileutil.PathJoinSafe(model.Path, "generation_config.json"), &config)
	if err != nil || !exists {
		return err
	}
	model.DefaultMaxNewTokens = config.MaxNewTokens
	return addEosTokenIDs(model, config.EosTokenID)
}

// addEosTokenIDs accepts eos_token_id as a number or a list of numbers.
func addEosTokenIDs(model *Model, raw jsoniter.Any) error {
	if raw == nil {
		return nil
	}
	switch raw.ValueType() {
	case jsoniter.InvalidValue, jsoniter.NilValue:
		return nil
	case jsoniter.NumberValue:
		model.EosTokenIDs[raw.ToInt64()] = true
	case jsoniter.ArrayValue:
		for i := range raw.Size() {
			item := raw.Get(i)
			if item.ValueType() != jsoniter.NumberValue {
				return fmt.Errorf("eos_token_id contains non-numeric value at index %d", i)
			}
			model.EosTokenIDs[item.ToInt64()] = true
		}
	default:
		return errors.New("eos_token_id must be either a number or an array of numbers")
	}
	return nil
}
