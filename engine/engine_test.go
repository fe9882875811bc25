package engine

import (
	iface "TableDetServer/interface"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	inputs    []iface.Tensor
	output    iface.Tensor
	err       error
	destroyed bool
	// started/gate 非空时 Run 会停住，直到 gate 关闭
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeBackend) Run(_ context.Context, in iface.Tensor) (iface.Tensor, error) {
	f.inputs = append(f.inputs, in)
	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}
	return f.output, f.err
}

func (f *fakeBackend) Destroy() {
	f.destroyed = true
}

var current *fakeBackend

func init() {
	RegisterBackend("fake", func(iface.EngineConfig) (iface.Backend, error) {
		if current == nil {
			return nil, errors.New("no backend staged")
		}
		return current, nil
	})
}

func testConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:       "fake",
		ModelPath:     "model/table.onnx",
		InputShape:    []int{1, 3, 8, 8},
		Conf:          0.25,
		Iou:           0.45,
		MaxDetections: 10,
		WorkingScale:  1,
	}
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func TestDetector_All(t *testing.T) {
	current = &fakeBackend{output: iface.Tensor{
		Data: []float32{
			4, 4, 2, 2, 0.9, 0,
			4, 4, 2, 2, 0.6, 0,
			1, 1, 1, 1, 0.1, 0,
		},
		Shape: []int{1, 3, 6},
	}}
	d := &Detector{}

	t.Run("Test Detect before New", func(t *testing.T) {
		_, err := d.Detect(context.Background(), solid(8, 8, color.White))
		assert.True(t, errors.Is(err, iface.ErrInference))
	})

	t.Run("Test New", func(t *testing.T) {
		require.NoError(t, d.New(testConfig()))
		assert.Equal(t, REGISTERED, d.State)
		_, err := d.Detect(context.Background(), solid(8, 8, color.White))
		assert.True(t, errors.Is(err, iface.ErrInference))
	})

	t.Run("Test LoadModel", func(t *testing.T) {
		require.NoError(t, d.LoadModel(context.Background()))
		assert.Equal(t, IDLE, d.State)
		require.Len(t, current.inputs, 1)
		assert.Equal(t, []int{1, 3, 8, 8}, current.inputs[0].Shape)
		for _, v := range current.inputs[0].Data {
			assert.Zero(t, v)
		}
	})

	t.Run("Test CheckConfig", func(t *testing.T) {
		config := d.CheckConfig()
		assert.Equal(t, "model/table.onnx", config.ModelPath)
		assert.Equal(t, float32(0.25), config.Conf)
		assert.Equal(t, float32(0.45), config.Iou)
		assert.Equal(t, false, config.UseGPU)
		assert.Equal(t, iface.Size{Width: 8, Height: 8}, d.InputSize())
	})

	t.Run("Test Detect", func(t *testing.T) {
		boxes, err := d.Detect(context.Background(), solid(16, 16, color.White))
		require.NoError(t, err)
		require.Len(t, boxes, 1)
		assert.Equal(t, float32(0.9), boxes[0].Conf)
		assert.Equal(t, float32(3), boxes[0].X1)
		assert.Equal(t, IDLE, d.State)
	})

	t.Run("Test Detect backend failure", func(t *testing.T) {
		current.err = errors.New("session closed")
		_, err := d.Detect(context.Background(), solid(16, 16, color.White))
		assert.True(t, errors.Is(err, iface.ErrInference))
		assert.Equal(t, IDLE, d.State)
		current.err = nil
	})

	t.Run("Test Destroy", func(t *testing.T) {
		d.Destroy()
		assert.True(t, current.destroyed)
		assert.Equal(t, "", d.ModelPath)
		assert.Equal(t, float32(0), d.Conf)
		assert.Equal(t, UNREGISTERED, d.State)
	})
}

func TestStatusWhileDetecting(t *testing.T) {
	current = &fakeBackend{output: iface.Tensor{Data: []float32{4, 4, 2, 2, 0.9, 0}, Shape: []int{1, 1, 6}}}
	d := &Detector{}
	require.NoError(t, d.New(testConfig()))
	require.NoError(t, d.LoadModel(context.Background()))

	current.started = make(chan struct{})
	current.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := d.Detect(context.Background(), solid(8, 8, color.White))
		done <- err
	}()
	<-current.started

	state, _ := d.Status()
	assert.Equal(t, BUSY, state)
	assert.Equal(t, "model/table.onnx", d.CheckConfig().ModelPath)

	close(current.gate)
	require.NoError(t, <-done)
	state, _ = d.Status()
	assert.Equal(t, IDLE, state)
}

func TestDetectEmptyOutput(t *testing.T) {
	empty, err := OutputTensor(nil, []int{1, 0, 6})
	require.NoError(t, err)
	current = &fakeBackend{output: empty}
	d := &Detector{}
	require.NoError(t, d.New(testConfig()))
	require.NoError(t, d.LoadModel(context.Background()))

	boxes, err := d.Detect(context.Background(), solid(8, 8, color.White))
	require.NoError(t, err)
	assert.Empty(t, boxes)
}

func TestOutputTensor(t *testing.T) {
	_, err := OutputTensor(make([]float32, 5), []int{1, 1, 6})
	assert.True(t, errors.Is(err, iface.ErrInference))
	assert.False(t, errors.Is(err, iface.ErrInvalidInput))

	_, err = OutputTensor(nil, []int{1, -1, 6})
	assert.True(t, errors.Is(err, iface.ErrInference))
	assert.False(t, errors.Is(err, iface.ErrInvalidInput))
}

func TestLoadModelWarmupFailure(t *testing.T) {
	current = &fakeBackend{err: errors.New("bad graph")}
	d := &Detector{}
	require.NoError(t, d.New(testConfig()))
	err := d.LoadModel(context.Background())
	assert.True(t, errors.Is(err, iface.ErrInference))
	assert.True(t, current.destroyed)
	state, msg := d.Status()
	assert.Equal(t, ERROR, state)
	assert.Contains(t, msg, "bad graph")
}

func TestCheckEngineConfig(t *testing.T) {
	mutate := map[string]func(*iface.EngineConfig){
		"shape":          func(c *iface.EngineConfig) { c.InputShape = []int{1, 8, 8} },
		"channels":       func(c *iface.EngineConfig) { c.InputShape = []int{1, 1, 8, 8} },
		"confidence":     func(c *iface.EngineConfig) { c.Conf = 1.5 },
		"iou":            func(c *iface.EngineConfig) { c.Iou = -0.1 },
		"max detections": func(c *iface.EngineConfig) { c.MaxDetections = 0 },
		"scale":          func(c *iface.EngineConfig) { c.WorkingScale = 0 },
		"backend":        func(c *iface.EngineConfig) { c.Backend = "ncnn" },
	}
	for name, m := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			m(&cfg)
			assert.True(t, errors.Is(CheckEngineConfig(cfg), iface.ErrInvalidInput))
		})
	}
	assert.NoError(t, CheckEngineConfig(testConfig()))
}

func TestToTensor(t *testing.T) {
	tensor, err := ToTensor(solid(4, 2, color.RGBA{R: 255, B: 51, A: 255}), []int{1, 3, 2, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 4}, tensor.Shape)
	for i := 0; i < 8; i++ {
		assert.InDelta(t, 1.0, tensor.Data[i], 1e-6)
		assert.InDelta(t, 0.0, tensor.Data[8+i], 1e-6)
		assert.InDelta(t, 0.2, tensor.Data[16+i], 1e-6)
	}

	_, err = ToTensor(solid(4, 2, color.White), []int{3, 2, 4})
	assert.True(t, errors.Is(err, iface.ErrInvalidInput))
}

func TestPrepare(t *testing.T) {
	img, err := Prepare(solid(100, 60, color.White), 0.5)
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())

	img, err = Prepare(solid(100, 60, color.White), 1)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())

	_, err = Prepare(solid(100, 60, color.White), 0)
	assert.True(t, errors.Is(err, iface.ErrInvalidInput))
	_, err = Prepare(image.NewRGBA(image.Rect(0, 0, 0, 0)), 1)
	assert.True(t, errors.Is(err, iface.ErrInvalidInput))
}
