//go:build cgo && (ORT || ALL)

package vlm

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/vlm/options"
	"github.com/knights-analytics/vlm/util/fileutil"
)

// NewORTSession creates a session backed by ONNX Runtime. Checkpoint folders holding a
// genai_config.json are run by onnxruntime-genai, whose library is looked up next to the ORT
// library unless WithGenAILibraryPath is given. Only one ORT session can be active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("an ORT session is already active, destroy it before creating another")
	}
	session, err := newSession(options.BackendORT, opts...)
	if err != nil {
		return nil, err
	}
	o := session.options.ORTOptions
	if err = startORTEnvironment(o); err != nil {
		return nil, err
	}
	sessionOptions, err := newORTSessionOptions(o)
	if err != nil {
		return nil, errors.Join(err, session.Destroy(), ort.DestroyEnvironment())
	}
	session.options.RuntimeOptions = sessionOptions
	session.options.Destroy = sessionOptions.Destroy
	session.environmentDestroy = ort.DestroyEnvironment

	if path, found := genAIRuntime(o); found {
		log.Debug().Str("library", path).Msg("onnxruntime-genai available for genai_config.json checkpoints")
	} else {
		log.Debug().Str("library", path).Msg("onnxruntime-genai not found, only single graph checkpoints can be loaded")
	}
	return session, nil
}

// startORTEnvironment loads the shared library and sets the process wide telemetry switch.
func startORTEnvironment(o *options.OrtOptions) error {
	if o.LibraryPath != nil {
		exists, err := fileutil.FileExists(context.Background(), *o.LibraryPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	var err error
	if o.Telemetry != nil && *o.Telemetry {
		err = ort.EnableTelemetry()
	} else {
		err = ort.DisableTelemetry()
	}
	if err != nil {
		return errors.Join(err, ort.DestroyEnvironment())
	}
	return nil
}

// newORTSessionOptions builds the session options shared by every single graph checkpoint.
func newORTSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err = configureORTSessionOptions(sessionOptions, o); err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy())
	}
	return sessionOptions, nil
}

func configureORTSessionOptions(sessionOptions *ort.SessionOptions, o *options.OrtOptions) error {
	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return fmt.Errorf("setting intra op threads: %w", err)
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return fmt.Errorf("setting inter op threads: %w", err)
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return fmt.Errorf("setting cpu memory arena: %w", err)
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return fmt.Errorf("setting memory pattern: %w", err)
		}
	}
	if o.CudaOptions == nil {
		return nil
	}
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer func() {
		_ = cudaOptions.Destroy()
	}()
	if len(o.CudaOptions) > 0 {
		if err = cudaOptions.Update(o.CudaOptions); err != nil {
			return fmt.Errorf("updating cuda options: %w", err)
		}
	}
	return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
}

// genAIRuntime reports where the onnxruntime-genai library is expected and whether it is there.
// The genai environment itself starts with the first genai checkpoint.
func genAIRuntime(o *options.OrtOptions) (string, bool) {
	path := o.GenAILibrary()
	exists, err := fileutil.FileExists(context.Background(), path)
	return path, err == nil && exists
}
