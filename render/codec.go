package render

import (
	iface "TableDetServer/interface"
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Decode reads any format imaging understands and applies the EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decoded image is empty or unsupported format: %w", iface.ErrInvalidInput, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: decoded image is empty", iface.ErrInvalidInput)
	}
	return img, nil
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
