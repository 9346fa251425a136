package options

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/knights-analytics/vlm/util/fileutil"
)

const (
	BackendORT = "ORT"
	BackendGO  = "GO"
)

type Options struct {
	// RuntimeOptions holds the backend specific session options shared by every model, e.g. *ort.SessionOptions.
	RuntimeOptions any
	ORTOptions     *OrtOptions
	HubOptions     *HubOptions
	Destroy        func() error
	Backend        string
}

// HubOptions control where checkpoints are cached and how they are fetched.
type HubOptions struct {
	ModelsDir string
	AuthToken string
	Branch    string
	// Offline disables downloads; checkpoints must already be present locally.
	Offline bool
}

func Defaults() *Options {
	libraryPathDefault := getDefaultLibraryPath()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		HubOptions: &HubOptions{
			ModelsDir: defaultModelsDir(),
			AuthToken: os.Getenv("HF_TOKEN"),
			Branch:    "main",
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return `.\onnxruntime.dll`
	case "darwin":
		return "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "/usr/lib/libonnxruntime.so"
	}
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vlm", "models")
	}
	return filepath.Join(home, "vlm", "models")
}

type OrtOptions struct {
	LibraryPath *string
	// GenAILibraryPath points at the onnxruntime-genai library. Unset means the file next to LibraryPath.
	GenAILibraryPath  *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) sets the path to the "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		o.ORTOptions.LibraryPath = &ortLibraryPath
		return nil
	}
}

// WithGenAILibraryPath (ORT only) sets the path to the onnxruntime-genai library used for genai_config.json folders.
func WithGenAILibraryPath(path string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithGenAILibraryPath is only supported for ORT backend")
		}
		o.ORTOptions.GenAILibraryPath = &path
		return nil
	}
}

// GenAILibrary resolves the onnxruntime-genai library path.
func (o *OrtOptions) GenAILibrary() string {
	if o.GenAILibraryPath != nil && *o.GenAILibraryPath != "" {
		return *o.GenAILibraryPath
	}
	dir := "."
	if o.LibraryPath != nil && *o.LibraryPath != "" {
		dir = filepath.Dir(*o.LibraryPath)
	}
	return filepath.Join(dir, genAILibraryName())
}

func genAILibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime-genai.dll"
	case "darwin":
		return "libonnxruntime-genai.dylib"
	default:
		return "libonnxruntime-genai.so"
	}
}

// WithTelemetry (ORT only) enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) sets the number of threads used to parallelize execution across
// graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) enables or disables the CPU memory arena. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) enables or disables the memory pattern optimization. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda (ORT only) enables the CUDA execution provider with the given provider options,
// e.g. map[string]string{"device_id": "0"}.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != BackendORT {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		o.ORTOptions.CudaOptions = options
		return nil
	}
}

// WithModelsDir sets the folder checkpoints are downloaded to and looked up in.
func WithModelsDir(dir string) WithOption {
	return func(o *Options) error {
		if dir == "" {
			return fmt.Errorf("models folder cannot be empty")
		}
		if !fileutil.IsRemote(dir) {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			dir = abs
		}
		o.HubOptions.ModelsDir = dir
		return nil
	}
}

// WithAuthToken sets the Hugging Face token used for gated checkpoints and image URLs on the hub.
func WithAuthToken(token string) WithOption {
	return func(o *Options) error {
		o.HubOptions.AuthToken = token
		return nil
	}
}

// WithBranch selects the hub revision to download. Default is "main".
func WithBranch(branch string) WithOption {
	return func(o *Options) error {
		o.HubOptions.Branch = branch
		return nil
	}
}

// WithOffline disables hub downloads.
func WithOffline() WithOption {
	return func(o *Options) error {
		o.HubOptions.Offline = true
		return nil
	}
}
