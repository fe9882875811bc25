package iface

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInference aborts a detection pass: the model is unavailable or its output is malformed.
	ErrInference = errors.New("inference failed")
	// ErrInvalidInput is returned before any inference call for bad configuration or dimensions.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOCRProvider is recovered locally as an empty OcrResult.
	ErrOCRProvider = errors.New("ocr provider failed")
	// ErrStaleResult marks an OCR result whose pass was replaced. It is never surfaced.
	ErrStaleResult = errors.New("stale ocr result")
)

// Tensor is a flat float buffer with its shape.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor checks that shape and data agree. A zero dimension is allowed: a model
// with a dynamic box axis reports no detections as [1, 0, attributes].
func NewTensor(data []float32, shape []int) (Tensor, error) {
	if len(shape) == 0 {
		return Tensor{}, fmt.Errorf("%w: empty tensor shape", ErrInvalidInput)
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("%w: negative tensor dimension in %v", ErrInvalidInput, shape)
		}
		n *= d
	}
	if n != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v wants %d values, got %d", ErrInvalidInput, shape, n, len(data))
	}
	return Tensor{Data: data, Shape: append([]int(nil), shape...)}, nil
}

// Size is the number of elements the shape describes.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Box is a detection in corner form, detection-space pixels.
type Box struct {
	X1, Y1, X2, Y2 float32
	Width, Height  float32
	Conf           float32
	ClassID        int
	Row            int
}

// DisplayBox is a Box mapped to source-image pixels.
type DisplayBox struct {
	TopLeftX   int `json:"x"`
	TopLeftY   int `json:"y"`
	RectWidth  int `json:"width"`
	RectHeight int `json:"height"`
}

// FrameBox is the padded region sent to OCR.
type FrameBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// RetainedBox survived thresholding and NMS.
type RetainedBox struct {
	Box     Box
	Display DisplayBox
	Frame   FrameBox
}

type Category int

const (
	NoMatch Category = iota
	Match
)

func (c Category) String() string {
	if c == Match {
		return "MATCH"
	}
	return "NO_MATCH"
}

type AnnotatedBox struct {
	Display  DisplayBox
	Category Category
}

type Size struct {
	Width, Height int
}

// FrameFractions pads a DisplayBox on each side by a fraction of the source size.
type FrameFractions struct {
	Left   float64 `yaml:"left" validate:"gte=0,lte=1"`
	Top    float64 `yaml:"top" validate:"gte=0,lte=1"`
	Right  float64 `yaml:"right" validate:"gte=0,lte=1"`
	Bottom float64 `yaml:"bottom" validate:"gte=0,lte=1"`
}

type EngineConfig struct {
	Backend       string
	ModelPath     string
	SharedLibrary string
	InputName     string
	OutputName    string
	InputShape    []int
	Conf          float32
	Iou           float32
	MaxDetections int
	UseGPU        bool
	WorkingScale  float64
}

// Backend runs a loaded model.
type Backend interface {
	Run(ctx context.Context, input Tensor) (Tensor, error)
	Destroy()
}

// TextExtractor is an OCR provider. img is an encoded image of one region.
type TextExtractor interface {
	ExtractText(ctx context.Context, img []byte) ([]string, error)
}
