package engine

import (
	"TableDetServer/geometry"
	iface "TableDetServer/interface"
	"TableDetServer/logger"
	"TableDetServer/monitor"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Detector struct {
	// runMu 串行化推理；mu 只保护下面的字段，推理期间 Status 仍可读
	runMu        sync.Mutex
	mu           sync.Mutex
	cfg          iface.EngineConfig
	backend      iface.Backend
	ModelPath    string
	Conf         float32
	Iou          float32
	UseGPU       bool
	State        int
	ErrorMessage string
}

// New validates cfg and registers it; the model is not loaded yet.
func (d *Detector) New(cfg iface.EngineConfig) error {
	if err := CheckEngineConfig(cfg); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.cfg.InputShape = append([]int(nil), cfg.InputShape...)
	d.ModelPath = cfg.ModelPath
	d.Conf = cfg.Conf
	d.Iou = cfg.Iou
	d.UseGPU = cfg.UseGPU
	d.State = REGISTERED
	d.ErrorMessage = ""
	return nil
}

// CheckEngineConfig rejects settings that would fail before any inference call.
func CheckEngineConfig(cfg iface.EngineConfig) error {
	if err := checkInputShape(cfg.InputShape); err != nil {
		return err
	}
	if cfg.Conf < 0 || cfg.Conf > 1 {
		return fmt.Errorf("%w: confidence must be between 0.0 and 1.0, got %f", iface.ErrInvalidInput, cfg.Conf)
	}
	if cfg.Iou < 0 || cfg.Iou > 1 {
		return fmt.Errorf("%w: IoU must be between 0.0 and 1.0, got %f", iface.ErrInvalidInput, cfg.Iou)
	}
	if cfg.MaxDetections <= 0 {
		return fmt.Errorf("%w: max detections must be positive, got %d", iface.ErrInvalidInput, cfg.MaxDetections)
	}
	if cfg.WorkingScale <= 0 {
		return fmt.Errorf("%w: working resolution scale must be positive, got %v", iface.ErrInvalidInput, cfg.WorkingScale)
	}
	if _, ok := lookupBackend(cfg.Backend); !ok {
		return fmt.Errorf("%w: unsupported backend %q (have %v)", iface.ErrInvalidInput, cfg.Backend, Backends())
	}
	return nil
}

// LoadModel opens the backend and warms it up with a zero tensor.
func (d *Detector) LoadModel(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State {
	case 0, UNREGISTERED:
		return fmt.Errorf("%w: detector not registered", iface.ErrInvalidInput)
	case IDLE:
		return nil
	}
	factory, _ := lookupBackend(d.cfg.Backend)
	backend, err := factory(d.cfg)
	if err != nil {
		return d.fail(fmt.Errorf("%w: load %s: %w", iface.ErrInference, d.cfg.ModelPath, err))
	}
	start := time.Now()
	if err := warmUp(ctx, backend, d.cfg.InputShape); err != nil {
		backend.Destroy()
		return d.fail(fmt.Errorf("%w: warmup: %w", iface.ErrInference, err))
	}
	d.backend = backend
	d.State = IDLE
	d.ErrorMessage = ""
	logger.Log().Info("Model loaded",
		zap.String("backend", d.cfg.Backend),
		zap.String("ModelPath", d.cfg.ModelPath),
		zap.Ints("InputShape", d.cfg.InputShape),
		zap.Duration("warmup", time.Since(start)))
	return nil
}

func warmUp(ctx context.Context, backend iface.Backend, shape []int) error {
	n := 1
	for _, s := range shape {
		n *= s
	}
	zeros, err := iface.NewTensor(make([]float32, n), shape)
	if err != nil {
		return err
	}
	_, err = backend.Run(ctx, zeros)
	return err
}

func (d *Detector) fail(err error) error {
	d.State = ERROR
	d.ErrorMessage = err.Error()
	logger.Log().Error("Detector failed", zap.Error(err))
	return err
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg := d.cfg
	cfg.InputShape = append([]int(nil), d.cfg.InputShape...)
	return cfg
}

// Status returns the state and the last error message.
func (d *Detector) Status() (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State, d.ErrorMessage
}

// InputSize is the detection-space size, W and H of the model input.
func (d *Detector) InputSize() iface.Size {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cfg.InputShape) != 4 {
		return iface.Size{}
	}
	return iface.Size{Width: d.cfg.InputShape[3], Height: d.cfg.InputShape[2]}
}

// Detect runs preprocess, inference and NMS on a working-resolution image.
// Calls are serialized; the returned boxes are in detection space. The state reads
// BUSY while the backend runs.
func (d *Detector) Detect(ctx context.Context, working image.Image) ([]iface.Box, error) {
	start := time.Now()
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	switch d.State {
	case 0, UNREGISTERED:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: detector not registered", iface.ErrInference)
	case REGISTERED:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: model not loaded", iface.ErrInference)
	case ERROR:
		msg := d.ErrorMessage
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: detector in error state: %s", iface.ErrInference, msg)
	}
	cfg, backend := d.cfg, d.backend
	d.mu.Unlock()

	input, err := ToTensor(working, cfg.InputShape)
	if err != nil {
		return nil, err
	}

	d.setState(BUSY)
	output, err := backend.Run(ctx, input)
	d.setState(IDLE)
	if err != nil {
		if !errors.Is(err, iface.ErrInference) {
			err = fmt.Errorf("%w: %w", iface.ErrInference, err)
		}
		return nil, err
	}
	boxes, err := geometry.Decode(output, cfg.Conf, cfg.Iou, cfg.MaxDetections)
	if err != nil {
		return nil, err
	}
	monitor.DetectSeconds.Observe(time.Since(start).Seconds())
	return boxes, nil
}

func (d *Detector) setState(state int) {
	d.mu.Lock()
	d.State = state
	d.mu.Unlock()
}

// Destroy waits for a running Detect before releasing the backend.
func (d *Detector) Destroy() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend != nil {
		d.backend.Destroy()
	}
	d.backend = nil
	d.cfg = iface.EngineConfig{}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}
