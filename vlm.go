package vlm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/knights-analytics/vlm/backends"
	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/pipelines"
	"github.com/knights-analytics/vlm/processor"
)

// TaskImageTextToText is the only task Session.Pipeline builds.
const TaskImageTextToText = "image-text-to-text"

// Session allows for the creation of new pipelines and holds the pipelines, models and processors
// already created.
type Session struct {
	imageTextToTextPipelines pipelineMap[*pipelines.ImageTextToTextPipeline]
	models                   map[string]*backends.Model
	processors               map[string]*processor.Processor
	// heldModels and heldProcessors were returned by LoadModel and LoadProcessor. Closing the last
	// pipeline on them keeps them alive until Destroy.
	heldModels         map[*backends.Model]bool
	heldProcessors     map[string]bool
	options            *options.Options
	environmentDestroy func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		imageTextToTextPipelines: map[string]*pipelines.ImageTextToTextPipeline{},
		models:                   map[string]*backends.Model{},
		processors:               map[string]*processor.Processor{},
		heldModels:               map[*backends.Model]bool{},
		heldProcessors:           map[string]bool{},
		options:                  parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}

	return session, nil
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, name := range slices.Sorted(maps.Keys(m)) {
		statistics := m[name].GetStatistics()
		stats = append(stats, statistics.Lines(name)...)
	}
	return stats
}

// ImageTextToTextConfig is the configuration for an image-text-to-text pipeline.
type ImageTextToTextConfig = backends.PipelineConfig[*pipelines.ImageTextToTextPipeline]

// ImageTextToTextOption is an option for an image-text-to-text pipeline.
type ImageTextToTextOption = backends.PipelineOption[*pipelines.ImageTextToTextPipeline]

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once. ModelPath must be a local or object store checkpoint folder, see ResolveCheckpoint.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	return newPipeline(context.Background(), s, pipelineConfig)
}

func newPipeline[T backends.Pipeline](ctx context.Context, s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	model, err := s.loadModel(ctx, pipelineConfig.ModelPath, pipelineConfig.OnnxFilename)
	if err != nil {
		return pipeline, err
	}
	proc, err := s.loadProcessor(ctx, pipelineConfig.ModelPath)
	if err != nil {
		return pipeline, err
	}

	var name string
	pipeline, name, err = InitializePipeline(pipeline, pipelineConfig, s.options, model, proc)
	if err != nil {
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.ImageTextToTextPipeline:
		s.imageTextToTextPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model, proc *processor.Processor) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.ImageTextToTextPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.ImageTextToTextPipeline])
		pipelineInitialised, err := pipelines.NewImageTextToTextPipeline(config, options, model, proc)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = pipeline
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageTextToTextPipeline:
		p, ok := s.imageTextToTextPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the pipeline from the session. The model and processor are destroyed once no
// pipeline uses them, unless they were handed out by Session.LoadModel or Session.LoadProcessor.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageTextToTextPipeline:
		p, ok := s.imageTextToTextPipelines[name]
		if ok {
			model := p.Model
			delete(s.imageTextToTextPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				return s.releaseModel(model)
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

func (s *Session) releaseModel(model *backends.Model) error {
	var err error
	if proc, ok := s.processors[model.Path]; ok && !s.heldProcessors[model.Path] && !s.pathInUse(model) {
		delete(s.processors, model.Path)
		err = proc.Destroy()
	}
	if s.heldModels[model] {
		return err
	}
	for key, m := range s.models {
		if m == model {
			delete(s.models, key)
		}
	}
	return errors.Join(err, model.Destroy())
}

// pathInUse reports whether another model on the same checkpoint still needs its processor.
func (s *Session) pathInUse(model *backends.Model) bool {
	for _, m := range s.models {
		if m != model && m.Path == model.Path && (len(m.Pipelines) > 0 || s.heldModels[m]) {
			return true
		}
	}
	return false
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// Pipeline builds the callable for task on a checkpoint, resolving and downloading the checkpoint as
// needed. The pipeline gets a generated name and is destroyed with the session.
func (s *Session) Pipeline(ctx context.Context, task string, checkpoint string, opts ...ImageTextToTextOption) (*pipelines.ImageTextToTextPipeline, error) {
	if task != TaskImageTextToText {
		return nil, fmt.Errorf("task %q not supported, only %q is available", task, TaskImageTextToText)
	}
	path, err := s.ResolveCheckpoint(ctx, checkpoint)
	if err != nil {
		return nil, err
	}
	config := ImageTextToTextConfig{
		ModelPath: path,
		Name:      task + "-" + uuid.NewString(),
		Options:   opts,
	}
	return newPipeline(ctx, s, config)
}

// LoadProcessor returns the processor of a checkpoint, loading it on first use. The processor lives
// until the session is destroyed.
func (s *Session) LoadProcessor(ctx context.Context, checkpoint string) (*processor.Processor, error) {
	path, err := s.ResolveCheckpoint(ctx, checkpoint)
	if err != nil {
		return nil, err
	}
	proc, err := s.loadProcessor(ctx, path)
	if err != nil {
		return nil, err
	}
	s.heldProcessors[path] = true
	return proc, nil
}

// LoadModel returns the model of a checkpoint, loading it on first use. The model lives until the
// session is destroyed.
func (s *Session) LoadModel(ctx context.Context, checkpoint string) (*backends.Model, error) {
	path, err := s.ResolveCheckpoint(ctx, checkpoint)
	if err != nil {
		return nil, err
	}
	model, err := s.loadModel(ctx, path, "")
	if err != nil {
		return nil, err
	}
	s.heldModels[model] = true
	return model, nil
}

func (s *Session) loadModel(ctx context.Context, path string, onnxFilename string) (*backends.Model, error) {
	key := path + ":" + onnxFilename
	if model, ok := s.models[key]; ok {
		return model, nil
	}
	model, err := backends.LoadModel(ctx, path, onnxFilename, s.options)
	if err != nil {
		return nil, err
	}
	s.models[key] = model
	return model, nil
}

func (s *Session) loadProcessor(ctx context.Context, path string) (*processor.Processor, error) {
	if proc, ok := s.processors[path]; ok {
		return proc, nil
	}
	proc, err := processor.Load(ctx, path, s.options)
	if err != nil {
		return nil, err
	}
	s.processors[path] = proc
	return proc, nil
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. We currently record for each pipeline:
// the total runtime of the processor step (tokenization and image preprocessing)
// the number of calls to the processor
// the total runtime of the inference step
// the number of forward passes
// the number of generated tokens and the generation throughput.
func (s *Session) GetStats() []string {
	return s.imageTextToTextPipelines.GetStats()
}

// Destroy deletes the session and the onnxruntime environment and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	for _, proc := range s.processors {
		err = errors.Join(err, proc.Destroy())
	}
	s.models = nil
	s.processors = nil
	s.heldModels = nil
	s.heldProcessors = nil
	s.imageTextToTextPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	log.Debug().Err(err).Msg("session destroyed")
	return err
}
