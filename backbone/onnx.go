package backbone

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolov3/models/yolov3"
)

// Execution providers understood by ONNXConfig.Provider.
const (
	ProviderCPU    = "cpu"
	ProviderCoreML = "coreml"
	ProviderCUDA   = "cuda"
)

// ONNXConfig describes a MobileNetV2 feature extractor exported to ONNX.
type ONNXConfig struct {
	// ModelPath is the path to the .onnx file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath overrides the platform default onnxruntime shared library.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// InputName is the image input node.
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputNames are the small, medium and large feature outputs.
	OutputNames [yolov3.NumScales]string `json:"output_names" yaml:"output_names"`
	// Provider selects the execution provider. Empty means CPU.
	Provider string `json:"provider" yaml:"provider"`
	// IntraOpThreads bounds node-internal parallelism. Zero lets the runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
}

// DefaultONNXConfig returns the node names used by the feature extractor export.
func DefaultONNXConfig(modelPath string) ONNXConfig {
	return ONNXConfig{
		ModelPath:   modelPath,
		InputName:   "images",
		OutputNames: [yolov3.NumScales]string{"feature_small", "feature_medium", "feature_large"},
		Provider:    ProviderCPU,
	}
}

// DefaultLibraryPath returns the onnxruntime shared library location for the current
// platform.
//
// Returns:
//   - string: The path to the shared library.
//   - error: If the platform has no known library.
func DefaultLibraryPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "../third_party/onnxruntime.dll", nil
		}
	case "darwin":
		return "./third_party/libonnxruntime.1.23.0.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "../third_party/onnxruntime_arm64.so", nil
		}
		return "../third_party/onnxruntime.so", nil
	}
	return "", fmt.Errorf("no onnxruntime library known for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// ONNX runs the backbone in ONNX Runtime with preallocated native tensors.
// Extract calls are serialised.
type ONNX struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs [yolov3.NumScales]*ort.Tensor[float32]

	inputShape tensor.Shape
	shapes     [yolov3.NumScales]tensor.Shape
}

func ortShape(s tensor.Shape) ort.Shape {
	dims := make([]int64, len(s))
	for i, d := range s {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}

// NewONNX creates the session for a feature extractor whose outputs match cfg.
//
// Order of operations:
//  1. Library check and environment initialisation (once per process).
//  2. Tensor allocation for the fixed input and the three feature outputs.
//  3. Session options and execution provider.
//  4. Session creation, binding the preallocated tensors.
//
// Arguments:
//   - cfg: The head configuration, which fixes input size, batch and channels.
//   - oc: The model and runtime settings.
//
// Returns:
//   - *ONNX: The extractor. Close releases its native resources.
//   - error: If the library, model or provider cannot be set up.
func NewONNX(cfg yolov3.Config, oc ONNXConfig) (*ONNX, error) {
	if oc.ModelPath == "" {
		return nil, fmt.Errorf("onnx backbone: model path is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("onnx backbone: %w", err)
	}

	libPath := oc.LibraryPath
	if libPath == "" {
		p, err := DefaultLibraryPath()
		if err != nil {
			return nil, err
		}
		libPath = p
	}
	if _, err := os.Stat(libPath); err != nil {
		return nil, fmt.Errorf("onnxruntime library not found at %s: %w", libPath, err)
	}
	if _, err := os.Stat(oc.ModelPath); err != nil {
		return nil, fmt.Errorf("onnx backbone model: %w", err)
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("error initializing ORT environment: %w", err)
		}
	}

	b := &ONNX{inputShape: InputShape(cfg), shapes: Shapes(cfg)}

	var err error
	b.input, err = ort.NewEmptyTensor[float32](ortShape(b.inputShape))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	outputs := make([]ort.ArbitraryTensor, 0, yolov3.NumScales)
	for scale, shape := range b.shapes {
		out, err := ort.NewEmptyTensor[float32](ortShape(shape))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("error creating output tensor %d: %w", scale, err)
		}
		b.outputs[scale] = out
		outputs = append(outputs, out)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(oc.IntraOpThreads); err != nil {
		b.Close()
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		b.Close()
		return nil, fmt.Errorf("error setting graph optimization level: %w", err)
	}
	if err := appendProvider(options, oc.Provider); err != nil {
		b.Close()
		return nil, err
	}

	b.session, err = ort.NewAdvancedSession(
		oc.ModelPath,
		[]string{oc.InputName},
		oc.OutputNames[:],
		[]ort.ArbitraryTensor{b.input},
		outputs,
		options,
	)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}
	return b, nil
}

func appendProvider(options *ort.SessionOptions, provider string) error {
	switch provider {
	case "", ProviderCPU:
		return nil
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fmt.Errorf("error enabling CoreML: %w", err)
		}
		return nil
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("error enabling CUDA: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown execution provider %q", provider)
	}
}

// Extract copies input into the native input tensor, runs the session and copies
// the three outputs back into NCHW tensors.
func (b *ONNX) Extract(input *tensor.Dense) (yolov3.FeatureMaps, error) {
	var maps yolov3.FeatureMaps
	if err := checkInput(input, b.inputShape); err != nil {
		return maps, fmt.Errorf("onnx backbone: %w", err)
	}
	if input.IsView() {
		input = input.Materialize().(*tensor.Dense)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return maps, fmt.Errorf("onnx backbone is closed")
	}

	copy(b.input.GetData(), input.Float32s())
	if err := b.session.Run(); err != nil {
		return maps, fmt.Errorf("error running ORT session: %w", err)
	}
	for scale, out := range b.outputs {
		data := append([]float32(nil), out.GetData()...)
		maps[scale] = tensor.New(tensor.WithShape(b.shapes[scale]...), tensor.WithBacking(data))
	}
	return maps, nil
}

// Close releases the native session and tensors.
func (b *ONNX) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	for scale, out := range b.outputs {
		if out != nil {
			out.Destroy()
			b.outputs[scale] = nil
		}
	}
	if b.session != nil {
		if err := b.session.Destroy(); err != nil {
			return fmt.Errorf("error destroying ORT session: %w", err)
		}
		b.session = nil
	}
	return nil
}
