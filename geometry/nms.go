package geometry

import (
	iface "TableDetServer/interface"
	"fmt"
	"math"
	"sort"
)

const minAttributes = 6

// Decode turns a [batch, numBoxes, attributes] tensor into the boxes that survive
// confidence filtering and greedy NMS, in selection order. Rows are laid out as
// [cx, cy, w, h, conf, classID]; attributes past the sixth are ignored.
func Decode(t iface.Tensor, conf, iou float32, maxBoxes int) ([]iface.Box, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("%w: output shape %v is not [batch, boxes, attributes]", iface.ErrInference, t.Shape)
	}
	stride := t.Shape[2]
	if stride < minAttributes {
		return nil, fmt.Errorf("%w: %d attributes per box, need at least %d", iface.ErrInference, stride, minAttributes)
	}
	if t.Size() != len(t.Data) {
		return nil, fmt.Errorf("%w: output shape %v does not match %d values", iface.ErrInference, t.Shape, len(t.Data))
	}
	if maxBoxes <= 0 {
		return nil, fmt.Errorf("%w: max boxes must be positive, got %d", iface.ErrInvalidInput, maxBoxes)
	}

	candidates := make([]iface.Box, 0)
	for r, row := 0, 0; r+stride <= len(t.Data); r, row = r+stride, row+1 {
		x, y, w, h := t.Data[r], t.Data[r+1], t.Data[r+2], t.Data[r+3]
		score := t.Data[r+4]
		// NaN never passes this comparison
		if !(score >= conf) || !wellFormed(x, y, w, h, score) {
			continue
		}
		candidates = append(candidates, iface.Box{
			X1:      x - w/2,
			Y1:      y - h/2,
			X2:      x + w/2,
			Y2:      y + h/2,
			Width:   w,
			Height:  h,
			Conf:    score,
			ClassID: int(t.Data[r+5]),
			Row:     row,
		})
	}
	return Suppress(candidates, iou, maxBoxes), nil
}

// wellFormed drops rows no real detection can produce: non-finite values, negative
// extents or a confidence outside [0, 1].
func wellFormed(x, y, w, h, score float32) bool {
	for _, v := range [...]float32{x, y, w, h} {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return w >= 0 && h >= 0 && score >= 0 && score <= 1
}

// Suppress runs greedy NMS. Candidates are ranked by confidence, ties keep input order.
// A candidate whose IOU with an already selected box reaches iou is dropped.
func Suppress(candidates []iface.Box, iou float32, maxBoxes int) []iface.Box {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Conf > candidates[order[b]].Conf
	})

	suppressed := make([]bool, len(candidates))
	kept := make([]iface.Box, 0, min(maxBoxes, len(candidates)))
	for i, idx := range order {
		if len(kept) >= maxBoxes {
			break
		}
		if suppressed[i] {
			continue
		}
		selected := candidates[idx]
		kept = append(kept, selected)
		for j := i + 1; j < len(order); j++ {
			if suppressed[j] {
				continue
			}
			if IOU(selected, candidates[order[j]]) >= iou {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// IOU of two corner-form boxes. Disjoint or degenerate pairs give 0.
func IOU(a, b iface.Box) float32 {
	ix := math.Min(float64(a.X2), float64(b.X2)) - math.Max(float64(a.X1), float64(b.X1))
	iy := math.Min(float64(a.Y2), float64(b.Y2)) - math.Max(float64(a.Y1), float64(b.Y1))
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return float32(inter / union)
}

func area(b iface.Box) float64 {
	w := float64(b.X2 - b.X1)
	h := float64(b.Y2 - b.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}
