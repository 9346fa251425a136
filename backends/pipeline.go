package backends

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model           *Model
	PipelineTimings *Timings
	PipelineName    string
	Runtime         string
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics         // Get the pipeline running statistics
	Validate() error                           // Validate the pipeline for correctness
	GetModel() *Model                          // Return the model used by the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on an input
}

type PipelineStatistics struct {
	ProcessorTotalTime      time.Duration
	ProcessorExecutionCount uint64
	ProcessorAvgQueryTime   time.Duration
	OnnxTotalTime           time.Duration
	OnnxExecutionCount      uint64
	OnnxAvgQueryTime        time.Duration
	TotalQueries            uint64
	TotalConversations      uint64
	GeneratedTokens         uint64
	TokensPerSecond         float64
	// Prefill counters are kept by the onnxruntime-genai session.
	AvgPrefillSeconds              float64
	CumulativePrefillSum           float64
	CumulativePrefillCount         int
	CumulativeTokens               int
	CumulativeTokenDurationSeconds float64
}

func (p *PipelineStatistics) ComputeProcessorStatistics(timings *Timings) {
	p.ProcessorTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.ProcessorExecutionCount = timings.NumCalls
	p.ProcessorAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

func (p *PipelineStatistics) ComputeOnnxStatistics(stats *GenerationStatistics) {
	p.OnnxTotalTime = safeconv.U64ToDuration(stats.Forward.TotalNS)
	p.OnnxExecutionCount = stats.Forward.NumCalls
	p.OnnxAvgQueryTime = time.Duration(float64(stats.Forward.TotalNS) /
		math.Max(1, float64(stats.Forward.NumCalls)))
	p.GeneratedTokens = stats.GeneratedTokens
	if stats.Forward.TotalNS > 0 {
		p.TokensPerSecond = float64(stats.GeneratedTokens) / p.OnnxTotalTime.Seconds()
	}
}

// ComputeGenerativeStatistics copies the counters of a genai session. Other models are left as is.
func (p *PipelineStatistics) ComputeGenerativeStatistics(model *Model) {
	if model == nil || model.ORTModel == nil {
		return
	}
	generativeStatistics := model.ORTModel.GenerativeSession.GetStatistics()
	p.AvgPrefillSeconds = generativeStatistics.AvgPrefillSeconds
	p.TokensPerSecond = generativeStatistics.TokensPerSecond
	p.CumulativePrefillSum = generativeStatistics.CumulativePrefillSum
	p.CumulativePrefillCount = generativeStatistics.CumulativePrefillCount
	p.CumulativeTokens = generativeStatistics.CumulativeTokens
	p.CumulativeTokenDurationSeconds = generativeStatistics.CumulativeTokenDurationSeconds
}

// Lines formats the statistics for logging, one line per stage.
func (p *PipelineStatistics) Lines(pipelineName string) []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", pipelineName),
		fmt.Sprintf("Processor: Total time=%s, Execution count=%d, Average query time=%s",
			p.ProcessorTotalTime, p.ProcessorExecutionCount, p.ProcessorAvgQueryTime),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			p.OnnxTotalTime, p.OnnxExecutionCount, p.OnnxAvgQueryTime),
		fmt.Sprintf("Generation: Conversations=%d, Generated tokens=%d, Tokens per second=%.2f, Average prefill=%.3fs",
			p.TotalConversations, p.GeneratedTokens, p.TokensPerSecond, p.AvgPrefillSeconds),
	}
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	Options      []PipelineOption[T]
}

// Timings counts calls and their cumulative duration.
type Timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// Track adds one call of the given duration.
func (t *Timings) Track(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options, model *Model) (*BasePipeline, error) {
	pipeline := &BasePipeline{}
	pipeline.Runtime = s.Backend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &Timings{}
	return pipeline, nil
}
