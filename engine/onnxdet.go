package engine

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	iface "DetStreamServer/interface"
)

var (
	envOnce sync.Once
	envErr  error
)

// InitEnvironment loads the onnxruntime shared library once per process.
// An empty libPath keeps the library's platform default.
func InitEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// DestroyEnvironment releases the onnxruntime environment.
func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// OnnxOptions describes a YOLO style model with a [1,3,S,S] input and a
// [1,N,5+C] output.
type OnnxOptions struct {
	ModelPath      string
	InputName      string
	OutputName     string
	InputSize      int
	NumCandidates  int
	NumClasses     int
	IntraOpThreads int
}

// OnnxBackend is one onnxruntime session with preallocated tensors. It is
// not safe for concurrent use; Pool gives each backend its own goroutine.
type OnnxBackend struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	opts    OnnxOptions
}

func NewOnnxBackend(opts OnnxOptions) (*OnnxBackend, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, errors.Wrap(err, "set intra op threads")
		}
	}

	size := int64(opts.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	stride := int64(iface.RecordFields + opts.NumClasses)
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.NumCandidates), stride))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "create output tensor")
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "create session for %s", opts.ModelPath)
	}
	return &OnnxBackend{session: session, input: input, output: output, opts: opts}, nil
}

// NewOnnxBackends opens n independent sessions of the same model.
func NewOnnxBackends(opts OnnxOptions, n int) ([]iface.Backend, error) {
	backends := make([]iface.Backend, 0, n)
	for i := 0; i < n; i++ {
		b, err := NewOnnxBackend(opts)
		if err != nil {
			for _, done := range backends {
				done.Destroy()
			}
			return nil, errors.Wrapf(err, "backend %d", i)
		}
		backends = append(backends, b)
	}
	return backends, nil
}

func (b *OnnxBackend) Run(in *iface.Tensor) (*iface.RawPrediction, error) {
	dst := b.input.GetData()
	if len(in.Data) != len(dst) {
		return nil, errors.Wrapf(ErrInputLength, "got %d values, want %d", len(in.Data), len(dst))
	}
	copy(dst, in.Data)
	if err := b.session.Run(); err != nil {
		return nil, errors.Wrap(err, "model inference")
	}
	// the output buffer is reused by the next Run
	data := append([]float32(nil), b.output.GetData()...)
	return &iface.RawPrediction{
		NumCandidates: b.opts.NumCandidates,
		Stride:        iface.RecordFields + b.opts.NumClasses,
		Data:          data,
	}, nil
}

func (b *OnnxBackend) Destroy() {
	if b.session != nil {
		b.session.Destroy()
	}
	if b.input != nil {
		b.input.Destroy()
	}
	if b.output != nil {
		b.output.Destroy()
	}
	b.session, b.input, b.output = nil, nil, nil
}

func (b *OnnxBackend) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		ModelPath:  b.opts.ModelPath,
		InputSize:  b.opts.InputSize,
		NumClasses: b.opts.NumClasses,
		InputName:  b.opts.InputName,
		OutputName: b.opts.OutputName,
	}
}
