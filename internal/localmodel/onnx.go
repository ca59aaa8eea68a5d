package localmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXMetadata describes an exported classifier. It lives next to the model
// file with a .json extension.
type ONNXMetadata struct {
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Classes     []string  `json:"classes"`
	ImageSize   int       `json:"image_size"`
	InputName   string    `json:"input_name"`
	OutputName  string    `json:"output_name"`
	Mean        []float32 `json:"mean"`
	Std         []float32 `json:"std"`
	Softmax     bool      `json:"softmax"`
}

func (m *ONNXMetadata) validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata lists no classes")
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata image_size must be positive")
	}
	if len(m.InputShape) == 0 || len(m.OutputShape) == 0 {
		return fmt.Errorf("metadata must declare input and output shapes")
	}
	want := int64(3 * m.ImageSize * m.ImageSize)
	if got := shapeSize(m.InputShape); got != want {
		return fmt.Errorf("input shape holds %d values, image_size %d needs %d", got, m.ImageSize, want)
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	return nil
}

func shapeSize(shape []int64) int64 {
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	return size
}

var (
	ortMu          sync.Mutex
	ortInitialized bool
)

func initONNXEnvironment(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortInitialized {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	ortInitialized = true
	return nil
}

func destroyONNXEnvironment() {
	ortMu.Lock()
	defer ortMu.Unlock()
	if !ortInitialized {
		return
	}
	_ = ort.DestroyEnvironment()
	ortInitialized = false
}

// ONNXMember runs an EfficientNet-style classifier in process.
type ONNXMember struct {
	name     string
	metadata ONNXMetadata

	// mu guards the session and its bound tensors, which are reused across calls.
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXMember loads modelPath and its metadata file.
func NewONNXMember(name, modelPath, libPath string) (*ONNXMember, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("%w: no model path for %s", ErrModelUnavailable, name)
	}
	metadataPath := strings.TrimSuffix(modelPath, ".onnx") + ".json"
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var metadata ONNXMetadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.validate(); err != nil {
		return nil, err
	}

	if err := initONNXEnvironment(libPath); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXMember{
		name:         name,
		metadata:     metadata,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Name implements Member.
func (m *ONNXMember) Name() string { return m.name }

// Infer implements Member.
func (m *ONNXMember) Infer(ctx context.Context, in Input) (Prediction, error) {
	if in.Image == nil {
		return Prediction{}, fmt.Errorf("%s: no decoded image", m.name)
	}
	data := Preprocess(in.Image, m.metadata.ImageSize, m.metadata.Mean, m.metadata.Std)

	outputs, err := m.run(data)
	if err != nil {
		return Prediction{}, err
	}
	return Postprocess(outputs, m.metadata.Classes, m.metadata.Softmax)
}

func (m *ONNXMember) run(input []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, fmt.Errorf("%w: %s is closed", ErrModelUnavailable, m.name)
	}
	copy(m.inputTensor.GetData(), input)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return append([]float32(nil), m.outputTensor.GetData()...), nil
}

// Close implements io.Closer.
func (m *ONNXMember) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
		m.outputTensor = nil
	}
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	return nil
}

// Postprocess picks the best class out of raw model outputs.
func Postprocess(outputs []float32, classes []string, softmax bool) (Prediction, error) {
	n := len(outputs)
	if len(classes) < n {
		n = len(classes)
	}
	if n == 0 {
		return Prediction{}, fmt.Errorf("model produced no class scores")
	}

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[i] = float64(outputs[i])
	}
	if softmax {
		scores = softmaxOf(scores)
	}

	best := 0
	perClass := make(map[string]float64, n)
	for i, score := range scores {
		perClass[classes[i]] = score
		if score > scores[best] {
			best = i
		}
	}

	raw, err := json.Marshal(map[string]any{"predictions": perClass})
	if err != nil {
		raw = nil
	}
	return Prediction{
		Label:      classes[best],
		Confidence: confidence(scores[best]),
		Raw:        raw,
	}, nil
}

func softmaxOf(values []float64) []float64 {
	peak := values[0]
	for _, v := range values[1:] {
		if v > peak {
			peak = v
		}
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		out[i] = math.Exp(v - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
