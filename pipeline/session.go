package pipeline

import (
	iface "TableDetServer/interface"
	"TableDetServer/label"
	"TableDetServer/logger"
	"TableDetServer/monitor"
	"TableDetServer/render"
	"context"
	"image"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventKind int

const (
	// EventProvisional: every box of a new pass drawn in the pending style.
	EventProvisional EventKind = iota
	// EventBox: one box classified and recolored.
	EventBox
	// EventComplete: the last OCR result of the pass has been applied.
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventProvisional:
		return "provisional"
	case EventBox:
		return "box"
	case EventComplete:
		return "complete"
	}
	return "unknown"
}

type Event struct {
	Kind  EventKind
	Pass  uuid.UUID
	Boxes []iface.DisplayBox
	Index int
	Box   iface.AnnotatedBox
	// Lines holds the OCR text of Box for EventBox, of every box for EventComplete.
	Lines     [][]string
	Annotated []iface.AnnotatedBox
	Canvas    *image.RGBA
}

// Sink receives events on the session loop goroutine. It must not block for long
// and must not call back into the session.
type Sink func(Event)

type task interface{}

type beginPass struct {
	pass uuid.UUID
	det  *Detection
}

type ocrResult struct {
	pass  uuid.UUID
	index int
	lines []string
}

type snapshotReq struct {
	reply chan *image.RGBA
}

// Session shows one image at a time. Submitting a new image replaces the previous
// one; OCR results still in flight for the old image are dropped when they arrive.
type Session struct {
	ID     uuid.UUID
	p      *Pipeline
	sink   Sink
	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// owned by loop
	pass      uuid.UUID
	comp      *render.Compositor
	boxes     []iface.RetainedBox
	annotated []iface.AnnotatedBox
	lines     [][]string
	remaining int
}

// NewSession starts the session loop. OCR calls run under ctx and are cancelled
// only when the session closes.
func (p *Pipeline) NewSession(ctx context.Context, sink Sink) *Session {
	if sink == nil {
		sink = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:     uuid.New(),
		p:      p,
		sink:   sink,
		tasks:  make(chan task, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Submit runs detection synchronously, then hands the pass to the loop and fires one
// OCR request per retained box. It returns once the provisional render is queued.
// A failed detection leaves the previous pass on the canvas.
func (s *Session) Submit(ctx context.Context, src image.Image) (uuid.UUID, error) {
	det, err := s.p.Detect(ctx, src)
	if err != nil {
		logger.Log().Error("detection pass failed", zap.String("session", s.ID.String()), zap.Error(err))
		return uuid.Nil, err
	}
	pass := uuid.New()
	begin := beginPass{pass: pass, det: det}
	if !s.post(ctx, begin) {
		if ctx.Err() != nil {
			return uuid.Nil, ctx.Err()
		}
		return uuid.Nil, errClosed(s.ID)
	}
	result := "ok"
	if len(det.Boxes) == 0 {
		result = "empty"
	}
	monitor.PassTotal.WithLabelValues(result).Inc()

	for i, rb := range det.Boxes {
		pending := s.p.coord.RequestText(s.ctx, det.Working, rb.Frame)
		go func(i int) {
			select {
			case <-pending.Done():
				s.post(s.ctx, ocrResult{pass: pass, index: i, lines: pending.Lines()})
			case <-s.done:
			}
		}(i)
	}
	logger.Log().Info("pass started",
		zap.String("session", s.ID.String()),
		zap.String("pass", pass.String()),
		zap.Int("boxes", len(det.Boxes)))
	return pass, nil
}

// Canvas returns a copy of the current canvas, nil before the first pass.
func (s *Session) Canvas(ctx context.Context) (*image.RGBA, error) {
	req := snapshotReq{reply: make(chan *image.RGBA, 1)}
	if !s.post(ctx, req) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errClosed(s.ID)
	}
	select {
	case img := <-req.reply:
		return img, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errClosed(s.ID)
	}
}

// Close stops the loop and cancels outstanding OCR calls.
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

func (s *Session) post(ctx context.Context, t task) bool {
	select {
	case s.tasks <- t:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			return
		case t := <-s.tasks:
			switch t := t.(type) {
			case beginPass:
				s.begin(t)
			case ocrResult:
				s.apply(t)
			case snapshotReq:
				if s.comp == nil {
					t.reply <- nil
				} else {
					t.reply <- s.comp.Snapshot()
				}
			}
		}
	}
}

func (s *Session) begin(t beginPass) {
	s.pass = t.pass
	s.boxes = t.det.Boxes
	s.comp = render.NewCompositor(t.det.Working, s.p.opts.Palette)
	s.annotated = make([]iface.AnnotatedBox, len(s.boxes))
	s.lines = make([][]string, len(s.boxes))
	displays := make([]iface.DisplayBox, len(s.boxes))
	for i, rb := range s.boxes {
		displays[i] = rb.Display
		s.annotated[i] = iface.AnnotatedBox{Display: rb.Display, Category: iface.NoMatch}
	}
	s.remaining = len(s.boxes)
	s.comp.RenderProvisional(displays)
	s.sink(Event{Kind: EventProvisional, Pass: s.pass, Boxes: displays})
	if s.remaining == 0 {
		s.complete()
	}
}

func (s *Session) apply(r ocrResult) {
	if r.pass != s.pass {
		monitor.StaleResults.Inc()
		logger.Log().Debug("dropping ocr result",
			zap.String("session", s.ID.String()),
			zap.String("pass", r.pass.String()),
			zap.Error(iface.ErrStaleResult))
		return
	}
	category := label.Classify(r.lines, s.p.opts.Vocabulary)
	box := iface.AnnotatedBox{Display: s.boxes[r.index].Display, Category: category}
	s.annotated[r.index] = box
	s.lines[r.index] = r.lines
	if err := s.comp.RenderFinal(r.index, box); err != nil {
		logger.Log().Error("render failed", zap.Int("index", r.index), zap.Error(err))
		return
	}
	monitor.Categories.WithLabelValues(category.String()).Inc()
	s.remaining--
	s.sink(Event{Kind: EventBox, Pass: s.pass, Index: r.index, Box: box, Lines: [][]string{r.lines}})
	if s.remaining == 0 {
		s.complete()
	}
}

func (s *Session) complete() {
	s.sink(Event{
		Kind:      EventComplete,
		Pass:      s.pass,
		Annotated: append([]iface.AnnotatedBox(nil), s.annotated...),
		Lines:     append([][]string(nil), s.lines...),
		Canvas:    s.comp.Snapshot(),
	})
}
