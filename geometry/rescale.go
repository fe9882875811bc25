package geometry

import (
	iface "TableDetServer/interface"
	"fmt"
)

// Rescale maps a detection-space box onto the source image. Every coordinate is
// truncated toward zero before clamping, so OCR crops line up with drawn boxes.
func Rescale(b iface.Box, det, src iface.Size) (iface.DisplayBox, error) {
	if det.Width <= 0 || det.Height <= 0 || src.Width <= 0 || src.Height <= 0 {
		return iface.DisplayBox{}, fmt.Errorf("%w: rescale %dx%d -> %dx%d", iface.ErrInvalidInput, det.Width, det.Height, src.Width, src.Height)
	}
	sx := float64(src.Width) / float64(det.Width)
	sy := float64(src.Height) / float64(det.Height)

	x1 := int(float64(b.X1) * sx)
	y1 := int(float64(b.Y1) * sy)
	x2 := x1 + int(float64(b.Width)*sx)
	y2 := y1 + int(float64(b.Height)*sy)

	x1, x2 = clamp(x1, 0, src.Width), clamp(x2, 0, src.Width)
	y1, y2 = clamp(y1, 0, src.Height), clamp(y2, 0, src.Height)
	return iface.DisplayBox{
		TopLeftX:   x1,
		TopLeftY:   y1,
		RectWidth:  max(x2-x1, 0),
		RectHeight: max(y2-y1, 0),
	}, nil
}

// Frame pads a DisplayBox outward by per-side fractions of the source size.
func Frame(d iface.DisplayBox, f iface.FrameFractions, src iface.Size) iface.FrameBox {
	w, h := float64(src.Width), float64(src.Height)
	return iface.FrameBox{
		X0: clamp(int(float64(d.TopLeftX)-f.Left*w), 0, src.Width),
		Y0: clamp(int(float64(d.TopLeftY)-f.Top*h), 0, src.Height),
		X1: clamp(int(float64(d.TopLeftX+d.RectWidth)+f.Right*w), 0, src.Width),
		Y1: clamp(int(float64(d.TopLeftY+d.RectHeight)+f.Bottom*h), 0, src.Height),
	}
}

// Contains reports whether the frame fully covers the display box.
func Contains(fb iface.FrameBox, d iface.DisplayBox) bool {
	return fb.X0 <= d.TopLeftX && fb.Y0 <= d.TopLeftY &&
		fb.X1 >= d.TopLeftX+d.RectWidth && fb.Y1 >= d.TopLeftY+d.RectHeight
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
