package pipeline

import (
	"TableDetServer/engine"
	iface "TableDetServer/interface"
	"TableDetServer/label"
	"TableDetServer/monitor"
	"TableDetServer/ocr"
	"TableDetServer/render"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stagedBackend struct {
	mu  sync.Mutex
	out iface.Tensor
	err error
}

func (b *stagedBackend) stage(out iface.Tensor, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out, b.err = out, err
}

func (b *stagedBackend) Run(context.Context, iface.Tensor) (iface.Tensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out, b.err
}

func (b *stagedBackend) Destroy() {}

var staged = &stagedBackend{out: rows()}

func init() {
	engine.RegisterBackend("pipeline-test", func(iface.EngineConfig) (iface.Backend, error) {
		return staged, nil
	})
}

// rows builds a [1, n, 6] output; each box is {cx, cy, w, h, conf}.
func rows(boxes ...[5]float32) iface.Tensor {
	if len(boxes) == 0 {
		return iface.Tensor{Data: make([]float32, 6), Shape: []int{1, 1, 6}}
	}
	data := make([]float32, 0, len(boxes)*6)
	for _, b := range boxes {
		data = append(data, b[0], b[1], b[2], b[3], b[4], 0)
	}
	return iface.Tensor{Data: data, Shape: []int{1, len(boxes), 6}}
}

func newPipeline(t *testing.T, provider iface.TextExtractor) *Pipeline {
	t.Helper()
	staged.stage(rows(), nil)
	d := &engine.Detector{}
	require.NoError(t, d.New(iface.EngineConfig{
		Backend:       "pipeline-test",
		InputShape:    []int{1, 3, 200, 200},
		Conf:          0.25,
		Iou:           0.45,
		MaxDetections: 10,
		WorkingScale:  1,
	}))
	require.NoError(t, d.LoadModel(context.Background()))
	t.Cleanup(d.Destroy)
	return New(d, ocr.NewCoordinator(provider, 0, 0), Options{
		WorkingScale: 1,
		Vocabulary:   label.NewVocabulary([]string{"table"}),
		Palette:      render.DefaultPalette(),
	})
}

func page(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return img
}

func rgb(c interface{ RGB255() (uint8, uint8, uint8) }) color.RGBA {
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func regionWidth(img []byte) int {
	cfg, err := png.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return -1
	}
	return cfg.Width
}

func TestAnnotateIsolatesFailingRegion(t *testing.T) {
	failuresBefore := testutil.ToFloat64(monitor.OCRFailures)
	p := newPipeline(t, ocr.ExtractorFunc(func(_ context.Context, img []byte) ([]string, error) {
		if regionWidth(img) < 60 {
			return nil, errors.New("region B unreadable")
		}
		return []string{"INVOICE TABLE"}, nil
	}))
	staged.stage(rows(
		[5]float32{60, 60, 100, 60, 0.9},
		[5]float32{160, 160, 40, 30, 0.8},
	), nil)

	res, err := p.Annotate(context.Background(), page(200, 200))
	require.NoError(t, err)
	require.Len(t, res.Boxes, 2)
	assert.Equal(t, iface.AnnotatedBox{
		Display:  iface.DisplayBox{TopLeftX: 10, TopLeftY: 30, RectWidth: 100, RectHeight: 60},
		Category: iface.Match,
	}, res.Boxes[0])
	assert.Equal(t, iface.NoMatch, res.Boxes[1].Category)
	assert.Equal(t, []string{"INVOICE TABLE"}, res.Lines[0])
	assert.Empty(t, res.Lines[1])
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(monitor.OCRFailures))

	palette := render.DefaultPalette()
	assert.Equal(t, rgb(palette.Match), res.Canvas.RGBAAt(10, 30))
	assert.Equal(t, rgb(palette.NoMatch), res.Canvas.RGBAAt(140, 145))
}

func TestSubmitInferenceFailureLeavesNoRender(t *testing.T) {
	p := newPipeline(t, ocr.ExtractorFunc(func(context.Context, []byte) ([]string, error) {
		t.Error("ocr must not run when detection fails")
		return nil, nil
	}))
	var events atomic.Int32
	s := p.NewSession(context.Background(), func(Event) { events.Add(1) })
	defer s.Close()

	staged.stage(iface.Tensor{}, errors.New("model unavailable"))
	_, err := s.Submit(context.Background(), page(200, 200))
	assert.True(t, errors.Is(err, iface.ErrInference))

	staged.stage(iface.Tensor{Data: make([]float32, 5), Shape: []int{1, 1, 5}}, nil)
	_, err = s.Submit(context.Background(), page(200, 200))
	assert.True(t, errors.Is(err, iface.ErrInference))

	canvas, err := s.Canvas(context.Background())
	require.NoError(t, err)
	assert.Nil(t, canvas)
	assert.Equal(t, int32(0), events.Load())
}

func TestSubmitInvalidImage(t *testing.T) {
	p := newPipeline(t, ocr.ExtractorFunc(func(context.Context, []byte) ([]string, error) { return nil, nil }))
	s := p.NewSession(context.Background(), nil)
	defer s.Close()
	_, err := s.Submit(context.Background(), image.NewRGBA(image.Rect(0, 0, 0, 10)))
	assert.True(t, errors.Is(err, iface.ErrInvalidInput))
}

func TestSubmitWithoutBoxesCompletes(t *testing.T) {
	p := newPipeline(t, ocr.ExtractorFunc(func(context.Context, []byte) ([]string, error) { return nil, nil }))
	events := make(chan Event, 4)
	s := p.NewSession(context.Background(), func(ev Event) { events <- ev })
	defer s.Close()

	pass, err := s.Submit(context.Background(), page(200, 200))
	require.NoError(t, err)
	first, last := <-events, <-events
	assert.Equal(t, EventProvisional, first.Kind)
	assert.Equal(t, EventComplete, last.Kind)
	assert.Equal(t, pass, last.Pass)
	assert.Empty(t, last.Annotated)
}

func TestZeroRowOutputIsEmptyPass(t *testing.T) {
	p := newPipeline(t, ocr.ExtractorFunc(func(context.Context, []byte) ([]string, error) {
		t.Error("no region to read")
		return nil, nil
	}))
	staged.stage(iface.Tensor{Data: []float32{}, Shape: []int{1, 0, 6}}, nil)

	res, err := p.Annotate(context.Background(), page(200, 200))
	require.NoError(t, err)
	assert.Empty(t, res.Boxes)
	assert.Equal(t, image.Rect(0, 0, 200, 200), res.Canvas.Bounds())
}

func TestProvisionalPrecedesFinal(t *testing.T) {
	p := newPipeline(t, ocr.ExtractorFunc(func(context.Context, []byte) ([]string, error) {
		return []string{"table of contents"}, nil
	}))
	staged.stage(rows(
		[5]float32{30, 30, 40, 40, 0.9},
		[5]float32{100, 100, 40, 40, 0.8},
		[5]float32{170, 170, 40, 40, 0.7},
	), nil)
	var (
		mu     sync.Mutex
		kinds  []EventKind
		finals = make(map[int]bool)
	)
	done := make(chan struct{})
	s := p.NewSession(context.Background(), func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventBox {
			finals[ev.Index] = true
		}
		if ev.Kind == EventComplete {
			close(done)
		}
	})
	defer s.Close()

	_, err := s.Submit(context.Background(), page(200, 200))
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pass did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, kinds, 5)
	assert.Equal(t, EventProvisional, kinds[0])
	assert.Equal(t, EventComplete, kinds[4])
	assert.Len(t, finals, 3)
}

func TestReplacedImageIgnoresLateResults(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	p := newPipeline(t, ocr.ExtractorFunc(func(ctx context.Context, _ []byte) ([]string, error) {
		if calls.Add(1) <= 3 {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []string{"TABLE"}, nil
		}
		return []string{"nothing here"}, nil
	}))

	events := make(chan Event, 32)
	s := p.NewSession(context.Background(), func(ev Event) { events <- ev })
	defer s.Close()

	staged.stage(rows(
		[5]float32{30, 30, 40, 40, 0.9},
		[5]float32{100, 100, 40, 40, 0.8},
		[5]float32{170, 170, 40, 40, 0.7},
	), nil)
	passA, err := s.Submit(context.Background(), page(200, 200))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	staged.stage(rows([5]float32{100, 100, 60, 60, 0.9}), nil)
	passB, err := s.Submit(context.Background(), page(200, 200))
	require.NoError(t, err)
	require.NotEqual(t, passA, passB)

	waitComplete := func() Event {
		for {
			select {
			case ev := <-events:
				if ev.Kind == EventComplete && ev.Pass == passB {
					return ev
				}
			case <-time.After(2 * time.Second):
				t.Fatal("pass B did not complete")
				return Event{}
			}
		}
	}
	completeB := waitComplete()
	require.Len(t, completeB.Annotated, 1)
	assert.Equal(t, iface.NoMatch, completeB.Annotated[0].Category)

	before, err := s.Canvas(context.Background())
	require.NoError(t, err)
	staleBefore := testutil.ToFloat64(monitor.StaleResults)

	close(gate)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(monitor.StaleResults) == staleBefore+3
	}, 2*time.Second, 5*time.Millisecond)

	after, err := s.Canvas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Pix, after.Pix)
	select {
	case ev := <-events:
		t.Fatalf("unexpected %s event for pass %s after replacement", ev.Kind, ev.Pass)
	default:
	}
}

func TestDetectMapsToWorkingImage(t *testing.T) {
	p := newPipeline(t, ocr.ExtractorFunc(func(context.Context, []byte) ([]string, error) { return nil, nil }))
	p.opts.WorkingScale = 0.5
	p.opts.Frame = iface.FrameFractions{Left: 0.1, Top: 0.1, Right: 0.1, Bottom: 0.1}
	staged.stage(rows([5]float32{100, 100, 50, 50, 0.9}), nil)

	det, err := p.Detect(context.Background(), page(800, 400))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 400, 200), det.Working.Bounds())
	require.Len(t, det.Boxes, 1)
	assert.Equal(t, iface.DisplayBox{TopLeftX: 150, TopLeftY: 75, RectWidth: 100, RectHeight: 50}, det.Boxes[0].Display)
	assert.Equal(t, iface.FrameBox{X0: 110, Y0: 55, X1: 290, Y1: 145}, det.Boxes[0].Frame)
}

func TestSessionClose(t *testing.T) {
	p := newPipeline(t, ocr.ExtractorFunc(func(context.Context, []byte) ([]string, error) { return nil, nil }))
	s := p.NewSession(context.Background(), nil)
	s.Close()
	s.Close()
	_, err := s.Canvas(context.Background())
	assert.Error(t, err)
	assert.NotEqual(t, uuid.Nil, s.ID)
}
