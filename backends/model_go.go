package backends

import (
	"context"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/vlm/util/fileutil"
)

// GoSession runs the graph with the pure Go gonnx interpreter.
type GoSession struct {
	Model   *gonnx.Model
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func createGoSession(ctx context.Context, model *Model) (InferenceSession, error) {
	onnxBytes, err := fileutil.ReadFileBytes(ctx, model.OnnxPath)
	if err != nil {
		return nil, err
	}
	goModel, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("error creating GO session for %s: %w", model.OnnxPath, err)
	}
	inputs, outputs := loadInputOutputMetaGo(goModel)
	return &GoSession{Model: goModel, inputs: inputs, outputs: outputs}, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func (s *GoSession) Inputs() []InputOutputInfo {
	return s.inputs
}

func (s *GoSession) Outputs() []InputOutputInfo {
	return s.outputs
}

func (s *GoSession) Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputMap := make(map[string]tensor.Tensor, len(s.inputs))
	for _, meta := range s.inputs {
		input, ok := inputs[meta.Name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", meta.Name)
		}
		switch input.Data.(type) {
		case []int64, []float32:
		default:
			return nil, fmt.Errorf("input %q has unsupported type %T", meta.Name, input.Data)
		}
		inputMap[meta.Name] = tensor.New(
			tensor.WithShape(input.Shape.ValuesInt()...),
			tensor.WithBacking(input.Data),
		)
	}

	tensors, err := s.Model.Run(inputMap)
	if err != nil {
		return nil, err
	}

	results := make(map[string]Tensor, len(tensors))
	for name, t := range tensors {
		shape := make(Shape, len(t.Shape()))
		for i, d := range t.Shape() {
			shape[i] = int64(d)
		}
		switch data := t.Data().(type) {
		case []float32:
			results[name] = Tensor{Data: data, Shape: shape}
		case []int64:
			results[name] = Tensor{Data: data, Shape: shape}
		case float32:
			results[name] = Tensor{Data: []float32{data}, Shape: shape}
		default:
			return nil, fmt.Errorf("output %q has unsupported type %T", name, data)
		}
	}
	return results, nil
}

func (s *GoSession) Destroy() error {
	return nil
}
