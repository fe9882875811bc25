package ocr

import (
	iface "TableDetServer/interface"
	"TableDetServer/logger"
	"TableDetServer/monitor"
	"bytes"
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Config selects and tunes the OCR provider.
type Config struct {
	Provider       string `yaml:"Provider" validate:"required"`
	Region         string `yaml:"Region"`
	Language       string `yaml:"Language"`
	Endpoint       string `yaml:"Endpoint" validate:"omitempty,url"`
	TessdataPrefix string `yaml:"TessdataPrefix"`
	Concurrency    int    `yaml:"Concurrency" validate:"gte=0"`
	TimeoutSeconds int    `yaml:"TimeoutSeconds" validate:"gte=0"`
}

// Factory builds a provider from its config section.
type Factory func(cfg Config) (iface.TextExtractor, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a provider available under name. Providers call it from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("ocr: provider registered twice: " + name)
	}
	factories[name] = f
}

// Providers lists registered provider names.
func Providers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds the provider named by cfg.Provider.
func Open(cfg Config) (iface.TextExtractor, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown ocr provider %q (have %v)", iface.ErrInvalidInput, cfg.Provider, Providers())
	}
	return f(cfg)
}

// ExtractorFunc adapts a function to iface.TextExtractor.
type ExtractorFunc func(ctx context.Context, img []byte) ([]string, error)

func (f ExtractorFunc) ExtractText(ctx context.Context, img []byte) ([]string, error) {
	return f(ctx, img)
}

func init() {
	// "none" 不做识别，所有框都归为 NO_MATCH
	Register("none", func(Config) (iface.TextExtractor, error) {
		return ExtractorFunc(func(context.Context, []byte) ([]string, error) { return nil, nil }), nil
	})
}

// Pending is an OCR result that resolves exactly once.
type Pending struct {
	done  chan struct{}
	lines []string
	err   error
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Lines is valid after Done is closed. A failed request resolves to no lines.
func (p *Pending) Lines() []string {
	<-p.done
	return p.lines
}

// Err is the recovered provider error, if any. It is informational only.
func (p *Pending) Err() error {
	<-p.done
	return p.err
}

func (p *Pending) resolve(lines []string, err error) {
	p.lines, p.err = lines, err
	close(p.done)
}

// Coordinator issues one provider call per requested region.
type Coordinator struct {
	provider iface.TextExtractor
	sem      chan struct{}
	timeout  time.Duration
}

// NewCoordinator limits in-flight provider calls to concurrency; 0 means unlimited.
func NewCoordinator(provider iface.TextExtractor, concurrency int, timeout time.Duration) *Coordinator {
	c := &Coordinator{provider: provider, timeout: timeout}
	if concurrency > 0 {
		c.sem = make(chan struct{}, concurrency)
	}
	return c
}

// RequestText crops src to frame and sends it to the provider in the background.
// It never blocks; the returned Pending resolves when the provider answers or fails.
func (c *Coordinator) RequestText(ctx context.Context, src image.Image, frame iface.FrameBox) *Pending {
	p := &Pending{done: make(chan struct{})}
	monitor.OCRRequests.Inc()
	go c.run(ctx, p, src, frame)
	return p
}

func (c *Coordinator) run(ctx context.Context, p *Pending, src image.Image, frame iface.FrameBox) {
	var (
		lines []string
		err   error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: provider panic: %v", iface.ErrOCRProvider, r)
			lines = nil
		}
		if err != nil {
			monitor.OCRFailures.Inc()
			logger.Log().Warn("ocr request failed, region left unlabeled",
				zap.Error(err),
				zap.Int("x0", frame.X0), zap.Int("y0", frame.Y0),
				zap.Int("x1", frame.X1), zap.Int("y1", frame.Y1))
		}
		p.resolve(lines, err)
	}()

	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			err = fmt.Errorf("%w: %w", iface.ErrOCRProvider, ctx.Err())
			return
		}
	}

	png, err := EncodeRegion(src, frame)
	if err != nil {
		return
	}
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	lines, err = c.provider.ExtractText(callCtx, png)
	if err != nil {
		lines = nil
		err = fmt.Errorf("%w: %w", iface.ErrOCRProvider, err)
	}
}

// EncodeRegion crops src to frame and encodes the crop as PNG.
func EncodeRegion(src image.Image, frame iface.FrameBox) ([]byte, error) {
	b := src.Bounds()
	rect := image.Rect(b.Min.X+frame.X0, b.Min.Y+frame.Y0, b.Min.X+frame.X1, b.Min.Y+frame.Y1).Intersect(b)
	if rect.Empty() {
		return nil, fmt.Errorf("%w: empty region %+v", iface.ErrOCRProvider, frame)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Crop(src, rect), imaging.PNG); err != nil {
		return nil, fmt.Errorf("%w: encode region: %w", iface.ErrOCRProvider, err)
	}
	return buf.Bytes(), nil
}
