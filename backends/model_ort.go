//go:build cgo && (ORT || ALL)

package backends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/knights-analytics/ortgenai"
	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/util/fileutil"
)

// ORTModel is a checkpoint run end to end by onnxruntime-genai.
type ORTModel struct {
	GenerativeSession *ortgenai.Session
	Options           *options.OrtOptions
	Destroy           func() error
}

func mapORTOptions(opts *options.Options) ([]string, map[string]map[string]string) {
	providers := []string{}
	providerOptions := map[string]map[string]string{}
	if opts == nil || opts.ORTOptions == nil {
		return providers, providerOptions
	}
	if opts.ORTOptions.CudaOptions != nil {
		providers = append(providers, "cuda")
		providerOptions["cuda"] = opts.ORTOptions.CudaOptions
	}
	return providers, providerOptions
}

func initializeGenAI(opts *options.Options) error {
	if ortgenai.IsInitialized() {
		return nil
	}
	if opts == nil || opts.ORTOptions == nil {
		return errors.New("ORT options must be provided to initialize ortgenai")
	}
	libraryPath := opts.ORTOptions.GenAILibrary()
	exists, err := fileutil.FileExists(context.Background(), libraryPath)
	if err != nil {
		return fmt.Errorf("error checking ortgenai library path: %w", err)
	}
	if !exists {
		return fmt.Errorf("cannot find the ortgenai library at: %s", libraryPath)
	}
	ortgenai.SetSharedLibraryPath(libraryPath)
	if err = ortgenai.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing the ort genai environment: %w", err)
	}
	return nil
}

func createORTGenerativeSession(model *Model, opts *options.Options) error {
	if fileutil.IsRemote(model.Path) {
		return fmt.Errorf("ortgenai loads models from the local filesystem only, got %s", model.Path)
	}
	if err := initializeGenAI(opts); err != nil {
		return err
	}
	providers, providerOptions := mapORTOptions(opts)
	genAISession, err := ortgenai.CreateGenerativeSessionAdvanced(model.Path, providers, providerOptions)
	if err != nil {
		return fmt.Errorf("error creating ortgenai session: %w", err)
	}
	model.ORTModel = &ORTModel{
		GenerativeSession: genAISession,
		Options:           opts.ORTOptions,
		Destroy: func() error {
			genAISession.Destroy()
			return nil
		},
	}
	return nil
}

// runGenerativeORTSession streams the answer of the genai session. Conversations with images go
// through the genai multimodal processor, text only ones through the session chat template.
// Generation stops after MaxNewTokens pieces by cancelling the session context.
func runGenerativeORTSession(ctx context.Context, model *Model, inputs *Inputs, opts GenerationOptions) (chan SequenceDelta, chan error, error) {
	session := model.ORTModel.GenerativeSession
	if session == nil {
		return nil, nil, errors.New("ORT generative session is not initialized")
	}
	generationOptions := &ortgenai.GenerationOptions{MaxLength: model.MaxLength, BatchSize: 1}
	runCtx, cancel := context.WithCancel(ctx)
	release := func() error { return nil }

	var ortTokenStream <-chan ortgenai.SequenceDelta
	var ortErrorStream <-chan error
	var err error
	if inputs.HasImages() {
		var tensors *ortgenai.NamedTensors
		tensors, release, err = processImagesGenAI(model, inputs)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		ortTokenStream, ortErrorStream, err = session.GenerateWithTensors(runCtx, tensors, generationOptions)
		if err != nil {
			cancel()
			return nil, nil, errors.Join(fmt.Errorf("error during multimodal generation start: %w", err), release())
		}
	} else {
		messages := make([]ortgenai.Message, len(inputs.Messages))
		for i, message := range inputs.Messages {
			messages[i] = ortgenai.Message{Role: message.Role, Content: message.Content}
		}
		ortTokenStream, ortErrorStream, err = session.Generate(runCtx, [][]ortgenai.Message{messages}, generationOptions)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("error during generation start: %w", err)
		}
	}

	tokenStream := make(chan SequenceDelta, 10)
	errorStream := make(chan error, 2)

	go func() {
		defer close(tokenStream)
		defer close(errorStream)
		sendError := func(err error) {
			select {
			case errorStream <- err:
			default:
			}
		}
		defer func() {
			if releaseErr := release(); releaseErr != nil {
				sendError(releaseErr)
			}
		}()
		defer cancel()

		step := 0
		for {
			// both upstream channels closed
			if ortTokenStream == nil && ortErrorStream == nil {
				return
			}
			select {
			case <-ctx.Done():
				sendError(ctx.Err())
				return
			case err, ok := <-ortErrorStream:
				if !ok {
					ortErrorStream = nil
					continue
				}
				if runCtx.Err() != nil {
					// cancelled after MaxNewTokens pieces
					continue
				}
				sendError(fmt.Errorf("error during generation: %w", err))
			case delta, ok := <-ortTokenStream:
				if !ok {
					ortTokenStream = nil
					continue
				}
				if step >= opts.MaxNewTokens {
					continue
				}
				tokenStream <- SequenceDelta{TokenID: -1, Token: delta.Tokens, Step: step}
				atomic.AddUint64(&model.Statistics.GeneratedTokens, 1)
				step++
				if step == opts.MaxNewTokens {
					log.Debug().Int("step", step).Msg("max new tokens reached")
					cancel()
				}
			}
		}
	}()
	return tokenStream, errorStream, nil
}

// processImagesGenAI writes the encoded images to a scratch directory, the genai image loader reads
// from files, and runs them through the genai multimodal processor with the rendered prompt.
func processImagesGenAI(model *Model, inputs *Inputs) (*ortgenai.NamedTensors, func() error, error) {
	dir, err := os.MkdirTemp("", "vlm-images-")
	if err != nil {
		return nil, nil, err
	}
	removeDir := func() error { return os.RemoveAll(dir) }
	paths := make([]string, len(inputs.Images))
	for i, data := range inputs.Images {
		paths[i] = filepath.Join(dir, "image-"+strconv.Itoa(i))
		if err = os.WriteFile(paths[i], data, 0o600); err != nil {
			return nil, nil, errors.Join(err, removeDir())
		}
	}

	images, err := ortgenai.LoadImages(paths)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to load images: %w", err), removeDir())
	}
	processor, err := ortgenai.CreateMultiModalProcessor(model.ORTModel.GenerativeSession.GetModel())
	if err != nil {
		images.Destroy()
		return nil, nil, errors.Join(fmt.Errorf("failed to create multimodal processor: %w", err), removeDir())
	}
	tensors, err := processor.ProcessImages(inputs.Prompt, images)
	if err != nil {
		images.Destroy()
		processor.Destroy()
		return nil, nil, errors.Join(fmt.Errorf("failed to process images: %w", err), removeDir())
	}
	return tensors, func() error {
		tensors.Destroy()
		processor.Destroy()
		images.Destroy()
		return removeDir()
	}, nil
}

type ORTSession struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	inputs         []InputOutputInfo
	outputs        []InputOutputInfo
}

func createORTSession(model *Model, opts *options.Options) (InferenceSession, error) {
	sessionOptions, ok := opts.RuntimeOptions.(*ort.SessionOptions)
	if !ok {
		return nil, errors.New("ORT session options are not initialized, create the session with NewORTSession")
	}

	if fileutil.IsRemote(model.OnnxPath) {
		return nil, fmt.Errorf("ORT loads graphs from the local filesystem only, got %s", model.OnnxPath)
	}
	inputs, outputs, err := loadInputOutputMetaORTFile(model.OnnxPath)
	if err != nil {
		return nil, err
	}
	ortSession, err := ort.NewDynamicAdvancedSession(
		model.OnnxPath,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session for %s: %w", model.OnnxPath, err)
	}
	return &ORTSession{
		Session:        ortSession,
		SessionOptions: sessionOptions,
		inputs:         inputs,
		outputs:        outputs,
	}, nil
}

func loadInputOutputMetaORTFile(onnxPath string) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func (s *ORTSession) Inputs() []InputOutputInfo {
	return s.inputs
}

func (s *ORTSession) Outputs() []InputOutputInfo {
	return s.outputs
}

func (s *ORTSession) Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputValues := make([]ort.Value, len(s.inputs))
	outputValues := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range inputValues {
			if v != nil {
				_ = v.Destroy()
			}
		}
		for _, v := range outputValues {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	for i, meta := range s.inputs {
		input, ok := inputs[meta.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", meta.Name)
		}
		var err error
		switch data := input.Data.(type) {
		case []int64:
			inputValues[i], err = ort.NewTensor(ort.NewShape(input.Shape...), data)
		case []float32:
			inputValues[i], err = ort.NewTensor(ort.NewShape(input.Shape...), data)
		default:
			err = fmt.Errorf("input %q has unsupported type %T", meta.Name, input.Data)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.Session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}

	results := make(map[string]Tensor, len(s.outputs))
	for i, meta := range s.outputs {
		switch v := outputValues[i].(type) {
		case *ort.Tensor[float32]:
			results[meta.Name] = Tensor{Data: append([]float32(nil), v.GetData()...), Shape: Shape(v.GetShape())}
		case *ort.Tensor[int64]:
			results[meta.Name] = Tensor{Data: append([]int64(nil), v.GetData()...), Shape: Shape(v.GetShape())}
		default:
			return nil, fmt.Errorf("output %q has unsupported type %T", meta.Name, outputValues[i])
		}
	}
	return results, nil
}

func (s *ORTSession) Destroy() error {
	return s.Session.Destroy()
}
