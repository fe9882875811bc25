package render

import (
	iface "TableDetServer/interface"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	DefaultPending   = "#95A5A6"
	DefaultMatch     = "#2ECC71"
	DefaultNoMatch   = "#E74C3C"
	DefaultFillAlpha = 0.1
)

type state int

const (
	pending state = iota
	matched
	unmatched
)

// Palette holds the three box styles.
type Palette struct {
	Pending   colorful.Color
	Match     colorful.Color
	NoMatch   colorful.Color
	FillAlpha float64
}

// NewPalette parses "#RRGGBB" colors.
func NewPalette(pendingHex, matchHex, noMatchHex string, fillAlpha float64) (Palette, error) {
	var p Palette
	var err error
	if p.Pending, err = colorful.Hex(pendingHex); err != nil {
		return Palette{}, fmt.Errorf("%w: pending color %q", iface.ErrInvalidInput, pendingHex)
	}
	if p.Match, err = colorful.Hex(matchHex); err != nil {
		return Palette{}, fmt.Errorf("%w: match color %q", iface.ErrInvalidInput, matchHex)
	}
	if p.NoMatch, err = colorful.Hex(noMatchHex); err != nil {
		return Palette{}, fmt.Errorf("%w: no-match color %q", iface.ErrInvalidInput, noMatchHex)
	}
	if fillAlpha < 0 || fillAlpha > 1 {
		return Palette{}, fmt.Errorf("%w: fill alpha %v outside [0,1]", iface.ErrInvalidInput, fillAlpha)
	}
	p.FillAlpha = fillAlpha
	return p, nil
}

// DefaultPalette is gray while pending, green on match and red otherwise.
func DefaultPalette() Palette {
	p, _ := NewPalette(DefaultPending, DefaultMatch, DefaultNoMatch, DefaultFillAlpha)
	return p
}

// BorderThickness scales with the canvas, never thinner than 2.5px.
func BorderThickness(width, height int) float64 {
	return math.Max(float64(min(width, height))/400, 2.5)
}

// Compositor draws boxes over a private copy of the source image. It is not safe
// for concurrent use; one goroutine owns it for the life of a pass.
type Compositor struct {
	base      *image.RGBA
	canvas    *image.RGBA
	palette   Palette
	thickness float64
	boxes     []iface.DisplayBox
	states    []state
}

func NewCompositor(src image.Image, palette Palette) *Compositor {
	b := src.Bounds()
	base := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(base, base.Bounds(), src, b.Min, draw.Src)
	canvas := image.NewRGBA(base.Bounds())
	draw.Draw(canvas, canvas.Bounds(), base, image.Point{}, draw.Src)
	return &Compositor{
		base:      base,
		canvas:    canvas,
		palette:   palette,
		thickness: BorderThickness(b.Dx(), b.Dy()),
	}
}

// Canvas is the live drawing surface.
func (c *Compositor) Canvas() *image.RGBA {
	return c.canvas
}

// Snapshot copies the current canvas.
func (c *Compositor) Snapshot() *image.RGBA {
	out := image.NewRGBA(c.canvas.Bounds())
	copy(out.Pix, c.canvas.Pix)
	return out
}

func (c *Compositor) Thickness() float64 {
	return c.thickness
}

// RenderProvisional draws every box in the pending style, in the given order.
func (c *Compositor) RenderProvisional(boxes []iface.DisplayBox) {
	c.boxes = append(c.boxes[:0], boxes...)
	c.states = make([]state, len(boxes))
	c.recompose(c.canvas.Bounds())
}

// RenderFinal recolors box i once its text is classified. Repeating the call with
// the same arguments leaves the canvas unchanged.
func (c *Compositor) RenderFinal(i int, box iface.AnnotatedBox) error {
	if i < 0 || i >= len(c.boxes) {
		return fmt.Errorf("%w: box %d of %d", iface.ErrInvalidInput, i, len(c.boxes))
	}
	c.boxes[i] = box.Display
	if box.Category == iface.Match {
		c.states[i] = matched
	} else {
		c.states[i] = unmatched
	}
	c.recompose(c.extent(box.Display))
	return nil
}

// recompose restores damage from the base image and repaints every box touching it.
func (c *Compositor) recompose(damage image.Rectangle) {
	damage = damage.Intersect(c.canvas.Bounds())
	if damage.Empty() {
		return
	}
	draw.Draw(c.canvas, damage, c.base, damage.Min, draw.Src)
	for i, d := range c.boxes {
		if c.extent(d).Overlaps(damage) {
			c.paint(d, c.colorOf(c.states[i]), damage)
		}
	}
}

// extent is the box rectangle grown by the stroke.
func (c *Compositor) extent(d iface.DisplayBox) image.Rectangle {
	pad := int(math.Ceil(c.thickness/2)) + 1
	return image.Rect(d.TopLeftX, d.TopLeftY, d.TopLeftX+d.RectWidth, d.TopLeftY+d.RectHeight).Inset(-pad)
}

func (c *Compositor) colorOf(s state) colorful.Color {
	switch s {
	case matched:
		return c.palette.Match
	case unmatched:
		return c.palette.NoMatch
	default:
		return c.palette.Pending
	}
}

func (c *Compositor) paint(d iface.DisplayBox, col colorful.Color, clip image.Rectangle) {
	rect := image.Rect(d.TopLeftX, d.TopLeftY, d.TopLeftX+d.RectWidth, d.TopLeftY+d.RectHeight)

	if c.palette.FillAlpha > 0 {
		fill := rect.Intersect(clip)
		for y := fill.Min.Y; y < fill.Max.Y; y++ {
			for x := fill.Min.X; x < fill.Max.X; x++ {
				px := c.canvas.RGBAAt(x, y)
				under := colorful.Color{R: float64(px.R) / 255, G: float64(px.G) / 255, B: float64(px.B) / 255}
				r, g, b := under.BlendRgb(col, c.palette.FillAlpha).Clamped().RGB255()
				c.canvas.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: px.A})
			}
		}
	}

	r, g, b := col.RGB255()
	stroke := &image.Uniform{C: color.RGBA{R: r, G: g, B: b, A: 255}}
	half := c.thickness / 2
	band := func(edge int) (int, int) {
		return int(math.Round(float64(edge) - half)), int(math.Round(float64(edge) + half))
	}
	top0, top1 := band(rect.Min.Y)
	bot0, bot1 := band(rect.Max.Y)
	left0, left1 := band(rect.Min.X)
	right0, right1 := band(rect.Max.X)
	edges := []image.Rectangle{
		image.Rect(left0, top0, right1, top1),
		image.Rect(left0, bot0, right1, bot1),
		image.Rect(left0, top0, left1, bot1),
		image.Rect(right0, top0, right1, bot1),
	}
	for _, e := range edges {
		draw.Draw(c.canvas, e.Intersect(clip), stroke, image.Point{}, draw.Src)
	}
}
