package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/spoof-detector/internal/imageprocessor"
	"github.com/example/spoof-detector/internal/logging"
)

var (
	ErrModelFile = errors.New("model file unusable")
	ErrClosed    = errors.New("model is closed")
)

// ModelConfig locates the ONNX artifact and the runtime shared library.
type ModelConfig struct {
	Path        string
	LibraryPath string
	InputName   string
	OutputName  string
}

// ORTModel is an ONNX Runtime session with pre-bound input and output tensors.
type ORTModel struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	logger       *zap.Logger
}

// Load reads the ONNX model at cfg.Path and prepares a session for
// [1, 224, 224, 3] float32 inputs.
func Load(cfg ModelConfig, logger *zap.Logger) (*ORTModel, error) {
	path, err := checkModelFile(cfg.Path)
	if err != nil {
		return nil, logging.NewOperationError("inference.load", "", err)
	}
	logger = logger.Named("inference").With(zap.String("model_path", path))

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, logging.NewOperationError("inference.init_environment", "", err)
		}
	}

	inputName, outputName, outputShape, err := describeModel(path, cfg)
	if err != nil {
		return nil, logging.NewOperationError("inference.describe_model", "", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, imageprocessor.InputSize, imageprocessor.InputSize, imageprocessor.Channels))
	if err != nil {
		return nil, logging.NewOperationError("inference.input_tensor", "", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, logging.NewOperationError("inference.output_tensor", "", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, logging.NewOperationError("inference.create_session", "", err)
	}

	logger.Info("model loaded",
		zap.String("input", inputName),
		zap.String("output", outputName),
		zap.Int64s("output_shape", outputShape),
	)

	return &ORTModel{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		logger:       logger,
	}, nil
}

// Predict copies input into the session, runs it and returns a copy of the
// output. Calls are serialized because the bound tensors are shared.
func (m *ORTModel) Predict(ctx context.Context, input *imageprocessor.Tensor) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, ErrClosed
	}

	dst := m.inputTensor.GetData()
	if len(input.Data) != len(dst) {
		return nil, fmt.Errorf("input has %d values, session expects %d", len(input.Data), len(dst))
	}
	copy(dst, input.Data)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := m.outputTensor.GetData()
	shape := m.outputTensor.GetShape()
	result := &Output{
		Shape: append([]int64(nil), shape...),
		Data:  make([]float32, len(out)),
	}
	copy(result.Data, out)
	return result, nil
}

// Close releases the session, its tensors and the runtime environment.
func (m *ORTModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
		m.session = nil
	}
	if m.inputTensor != nil {
		errs = append(errs, m.inputTensor.Destroy())
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		errs = append(errs, m.outputTensor.Destroy())
		m.outputTensor = nil
	}
	errs = append(errs, ort.DestroyEnvironment())
	return errors.Join(errs...)
}

func checkModelFile(path string) (string, error) {
	clean := filepath.Clean(path)
	if path == "" || clean == "." {
		return "", fmt.Errorf("%w: path is empty", ErrModelFile)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %w", ErrModelFile, clean, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrModelFile, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %q is a directory", ErrModelFile, abs)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("%w: %q is empty", ErrModelFile, abs)
	}
	return abs, nil
}

// describeModel resolves tensor names and the concrete output shape. Dynamic
// dimensions are pinned to 1 since the service always runs a batch of one.
func describeModel(path string, cfg ModelConfig) (string, string, ort.Shape, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return "", "", nil, err
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return "", "", nil, fmt.Errorf("model declares %d inputs and %d outputs", len(inputs), len(outputs))
	}

	inputName := cfg.InputName
	if inputName == "" {
		inputName = inputs[0].Name
	}

	output := outputs[0]
	if cfg.OutputName != "" {
		found := false
		for _, o := range outputs {
			if o.Name == cfg.OutputName {
				output, found = o, true
				break
			}
		}
		if !found {
			return "", "", nil, fmt.Errorf("model has no output named %q", cfg.OutputName)
		}
	}

	return inputName, output.Name, pinDynamicDims(output.Dimensions), nil
}

func pinDynamicDims(dims ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}
