package pipeline

import (
	"TableDetServer/engine"
	"TableDetServer/geometry"
	iface "TableDetServer/interface"
	"TableDetServer/label"
	"TableDetServer/monitor"
	"TableDetServer/ocr"
	"TableDetServer/render"
	"context"
	"fmt"
	"image"
)

type Options struct {
	Frame        iface.FrameFractions
	WorkingScale float64
	Vocabulary   label.Vocabulary
	Palette      render.Palette
}

// Pipeline holds what every session shares: the detector, the OCR coordinator and
// the labeling and drawing settings.
type Pipeline struct {
	detector *engine.Detector
	coord    *ocr.Coordinator
	opts     Options
}

func New(detector *engine.Detector, coord *ocr.Coordinator, opts Options) *Pipeline {
	return &Pipeline{detector: detector, coord: coord, opts: opts}
}

func (p *Pipeline) Detector() *engine.Detector {
	return p.detector
}

// Detection is the synchronous half of a pass.
type Detection struct {
	Working *image.NRGBA
	Boxes   []iface.RetainedBox
}

// Detect scales src to working resolution, runs the model and maps every surviving
// box back onto the working image.
func (p *Pipeline) Detect(ctx context.Context, src image.Image) (*Detection, error) {
	working, err := engine.Prepare(src, p.opts.WorkingScale)
	if err != nil {
		return nil, err
	}
	boxes, err := p.detector.Detect(ctx, working)
	if err != nil {
		monitor.PassTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	detSize := p.detector.InputSize()
	srcSize := iface.Size{Width: working.Bounds().Dx(), Height: working.Bounds().Dy()}
	retained := make([]iface.RetainedBox, 0, len(boxes))
	for _, b := range boxes {
		display, err := geometry.Rescale(b, detSize, srcSize)
		if err != nil {
			return nil, err
		}
		retained = append(retained, iface.RetainedBox{
			Box:     b,
			Display: display,
			Frame:   geometry.Frame(display, p.opts.Frame, srcSize),
		})
	}
	monitor.Detections.Add(float64(len(retained)))
	return &Detection{Working: working, Boxes: retained}, nil
}

// Result is a finished pass.
type Result struct {
	Boxes  []iface.AnnotatedBox
	Lines  [][]string
	Canvas *image.RGBA
}

// Annotate runs one pass to completion, waiting for every OCR request.
func (p *Pipeline) Annotate(ctx context.Context, src image.Image) (*Result, error) {
	complete := make(chan Event, 1)
	s := p.NewSession(ctx, func(ev Event) {
		if ev.Kind == EventComplete {
			complete <- ev
		}
	})
	defer s.Close()

	if _, err := s.Submit(ctx, src); err != nil {
		return nil, err
	}
	select {
	case ev := <-complete:
		return &Result{Boxes: ev.Annotated, Lines: ev.Lines, Canvas: ev.Canvas}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func errClosed(id fmt.Stringer) error {
	return fmt.Errorf("session %s closed", id)
}
