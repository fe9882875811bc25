// Package ortsession runs ONNX models through onnxruntime.
package ortsession

import (
	"TableDetServer/engine"
	iface "TableDetServer/interface"
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const Name = "onnxruntime"

func init() {
	engine.RegisterBackend(Name, Open)
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the shared library once per process.
func initEnvironment(sharedLibrary string) error {
	envOnce.Do(func() {
		if sharedLibrary != "" {
			ort.SetSharedLibraryPath(sharedLibrary)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

type Session struct {
	session *ort.DynamicAdvancedSession
}

func Open(cfg iface.EngineConfig) (iface.Backend, error) {
	if cfg.InputName == "" || cfg.OutputName == "" {
		return nil, fmt.Errorf("%w: onnxruntime needs InputName and OutputName", iface.ErrInvalidInput)
	}
	if err := initEnvironment(cfg.SharedLibrary); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()
	if cfg.UseGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, err
		}
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, err
	}
	return &Session{session: session}, nil
}

func (s *Session) Run(ctx context.Context, in iface.Tensor) (iface.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return iface.Tensor{}, err
	}
	dims := make([]int64, len(in.Shape))
	for i, d := range in.Shape {
		dims[i] = int64(d)
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), in.Data)
	if err != nil {
		return iface.Tensor{}, err
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return iface.Tensor{}, err
	}
	defer outputs[0].Destroy()
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return iface.Tensor{}, fmt.Errorf("output is %T, want float32 tensor", outputs[0])
	}
	outShape := out.GetShape()
	shape := make([]int, len(outShape))
	for i, d := range outShape {
		shape[i] = int(d)
	}
	return engine.OutputTensor(append([]float32(nil), out.GetData()...), shape)
}

func (s *Session) Destroy() {
	_ = s.session.Destroy()
}
