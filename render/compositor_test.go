package render

import (
	iface "TableDetServer/interface"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whiteImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	return img
}

func rgb(hex string) color.RGBA {
	p, err := NewPalette(hex, hex, hex, 0)
	if err != nil {
		panic(err)
	}
	r, g, b := p.Pending.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

var (
	boxA = iface.DisplayBox{TopLeftX: 20, TopLeftY: 20, RectWidth: 40, RectHeight: 40}
	boxB = iface.DisplayBox{TopLeftX: 40, TopLeftY: 40, RectWidth: 40, RectHeight: 40}
	boxC = iface.DisplayBox{TopLeftX: 150, TopLeftY: 150, RectWidth: 20, RectHeight: 20}
)

func TestBorderThickness(t *testing.T) {
	assert.Equal(t, 2.5, BorderThickness(800, 600))
	assert.Equal(t, 5.0, BorderThickness(4000, 2000))
	assert.Equal(t, 2.5, BorderThickness(1, 1))
}

func TestNewPalette(t *testing.T) {
	_, err := NewPalette("not-a-color", DefaultMatch, DefaultNoMatch, 0.1)
	assert.True(t, errors.Is(err, iface.ErrInvalidInput))

	_, err = NewPalette(DefaultPending, DefaultMatch, DefaultNoMatch, 1.5)
	assert.True(t, errors.Is(err, iface.ErrInvalidInput))

	p, err := NewPalette(DefaultPending, DefaultMatch, DefaultNoMatch, 0.25)
	require.NoError(t, err)
	assert.Equal(t, 0.25, p.FillAlpha)
}

func TestRenderProvisional(t *testing.T) {
	src := whiteImage(200, 200)
	c := NewCompositor(src, DefaultPalette())
	c.RenderProvisional([]iface.DisplayBox{boxA, boxC})

	assert.Equal(t, rgb(DefaultPending), c.Canvas().RGBAAt(20, 20))
	assert.Equal(t, rgb(DefaultPending), c.Canvas().RGBAAt(40, 59))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, c.Canvas().RGBAAt(5, 5))

	inside := c.Canvas().RGBAAt(35, 35)
	assert.NotEqual(t, color.RGBA{255, 255, 255, 255}, inside)
	assert.NotEqual(t, rgb(DefaultPending), inside)

	// source untouched
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, src.RGBAAt(20, 20))
}

func TestRenderFinal(t *testing.T) {
	t.Run("recolors only the finished box", func(t *testing.T) {
		c := NewCompositor(whiteImage(200, 200), DefaultPalette())
		c.RenderProvisional([]iface.DisplayBox{boxA, boxC})

		require.NoError(t, c.RenderFinal(0, iface.AnnotatedBox{Display: boxA, Category: iface.Match}))
		assert.Equal(t, rgb(DefaultMatch), c.Canvas().RGBAAt(20, 20))
		assert.Equal(t, rgb(DefaultPending), c.Canvas().RGBAAt(150, 150))

		require.NoError(t, c.RenderFinal(1, iface.AnnotatedBox{Display: boxC, Category: iface.NoMatch}))
		assert.Equal(t, rgb(DefaultNoMatch), c.Canvas().RGBAAt(150, 150))
		assert.Equal(t, rgb(DefaultMatch), c.Canvas().RGBAAt(20, 20))
	})

	t.Run("is idempotent", func(t *testing.T) {
		c := NewCompositor(whiteImage(200, 200), DefaultPalette())
		c.RenderProvisional([]iface.DisplayBox{boxA, boxB})
		final := iface.AnnotatedBox{Display: boxA, Category: iface.Match}

		require.NoError(t, c.RenderFinal(0, final))
		once := c.Snapshot()
		require.NoError(t, c.RenderFinal(0, final))
		assert.Equal(t, once.Pix, c.Canvas().Pix)
	})

	t.Run("overlapping boxes finish in any order", func(t *testing.T) {
		finals := []iface.AnnotatedBox{
			{Display: boxA, Category: iface.Match},
			{Display: boxB, Category: iface.NoMatch},
		}

		forward := NewCompositor(whiteImage(200, 200), DefaultPalette())
		forward.RenderProvisional([]iface.DisplayBox{boxA, boxB})
		require.NoError(t, forward.RenderFinal(0, finals[0]))
		require.NoError(t, forward.RenderFinal(1, finals[1]))

		backward := NewCompositor(whiteImage(200, 200), DefaultPalette())
		backward.RenderProvisional([]iface.DisplayBox{boxA, boxB})
		require.NoError(t, backward.RenderFinal(1, finals[1]))
		require.NoError(t, backward.RenderFinal(0, finals[0]))

		assert.Equal(t, forward.Canvas().Pix, backward.Canvas().Pix)
	})

	t.Run("neighbor keeps its pending border", func(t *testing.T) {
		c := NewCompositor(whiteImage(200, 200), DefaultPalette())
		c.RenderProvisional([]iface.DisplayBox{boxA, boxB})
		require.NoError(t, c.RenderFinal(0, iface.AnnotatedBox{Display: boxA, Category: iface.NoMatch}))
		// B's right edge is outside A's damage, its top-left corner is inside
		assert.Equal(t, rgb(DefaultPending), c.Canvas().RGBAAt(79, 60))
		assert.Equal(t, rgb(DefaultPending), c.Canvas().RGBAAt(40, 40))
	})

	t.Run("unknown index", func(t *testing.T) {
		c := NewCompositor(whiteImage(50, 50), DefaultPalette())
		c.RenderProvisional(nil)
		err := c.RenderFinal(0, iface.AnnotatedBox{})
		assert.True(t, errors.Is(err, iface.ErrInvalidInput))
	})
}
