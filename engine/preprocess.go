package engine

import (
	iface "TableDetServer/interface"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Prepare scales src by the working-resolution factor. The result is the image every
// later stage works on: rescale target, OCR crop source and render canvas.
func Prepare(src image.Image, scale float64) (*image.NRGBA, error) {
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", iface.ErrInvalidInput, b.Dx(), b.Dy())
	}
	if scale <= 0 {
		return nil, fmt.Errorf("%w: working resolution scale must be positive, got %v", iface.ErrInvalidInput, scale)
	}
	w := max(int(float64(b.Dx())*scale), 1)
	h := max(int(float64(b.Dy())*scale), 1)
	if w == b.Dx() && h == b.Dy() {
		return imaging.Clone(src), nil
	}
	return imaging.Resize(src, w, h, imaging.Linear), nil
}

// ToTensor resizes img to the NCHW input shape and normalizes RGB to [0,1].
func ToTensor(img image.Image, shape []int) (iface.Tensor, error) {
	if err := checkInputShape(shape); err != nil {
		return iface.Tensor{}, err
	}
	h, w := shape[2], shape[3]
	resized := imaging.Resize(img, w, h, imaging.Linear)
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(row[x*4]) / 255
			data[plane+i] = float32(row[x*4+1]) / 255
			data[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return iface.NewTensor(data, shape)
}

func checkInputShape(shape []int) error {
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 || shape[2] <= 0 || shape[3] <= 0 {
		return fmt.Errorf("%w: model input shape %v is not [1, 3, H, W]", iface.ErrInvalidInput, shape)
	}
	return nil
}

// OutputTensor wraps a backend result. A bad output shape is the model's fault, so it
// is reported as ErrInference only.
func OutputTensor(data []float32, shape []int) (iface.Tensor, error) {
	t, err := iface.NewTensor(data, shape)
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("%w: output: %v", iface.ErrInference, err)
	}
	return t, nil
}
