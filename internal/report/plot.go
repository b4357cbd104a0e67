package report

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"

	"ARGOS/internal/lightcurve"
)

// PlotOptions sets the output size of the phase plot in pixels.
type PlotOptions struct {
	Width  int
	Height int
}

const (
	supersample = 2
	margin      = 40
)

var (
	rawColor    = color.NRGBA{R: 0x86, G: 0x24, B: 0x1a, A: 0xff}
	rawAlpha    = 0.3
	binnedColor = color.NRGBA{A: 0xff}
	gridColor   = color.NRGBA{R: 0xb0, G: 0xb0, B: 0xb0, A: 0xff}
	axisColor   = color.NRGBA{R: 0x30, G: 0x30, B: 0x30, A: 0xff}
)

// BinWidth returns the bin size used for the binned transit curve.
func BinWidth(period float64, single bool) float64 {
	if single {
		return 0.01
	}
	return period / 100
}

// PhasePlot folds the curve on period/t0 and draws the raw points with the
// binned transit on top.
func PhasePlot(curve *lightcurve.LightCurve, period, t0 float64, single bool, opts PlotOptions) (image.Image, error) {
	if curve == nil || curve.Len() == 0 {
		return nil, errors.New("report: empty light curve")
	}
	if !(period > 0) {
		return nil, fmt.Errorf("report: invalid period %g", period)
	}
	w, h := opts.Width, opts.Height
	if w <= 0 {
		w = 1000
	}
	if h <= 0 {
		h = 420
	}

	folded := curve.Fold(period, t0)
	binned := folded.Bin(BinWidth(period, single))

	c := newCanvas(w*supersample, h*supersample, folded)
	c.grid(5)
	for i := range folded.Phase {
		c.dot(folded.Phase[i], folded.Flux[i], supersample, rawColor, rawAlpha)
	}
	for i := 1; i < len(binned.Phase); i++ {
		c.line(binned.Phase[i-1], binned.Flux[i-1], binned.Phase[i], binned.Flux[i], 2*supersample, binnedColor)
	}
	c.frame()

	return imaging.Resize(c.img, w, h, imaging.Lanczos), nil
}

// EncodePNG writes the image as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

type canvas struct {
	img                    *image.NRGBA
	x0, x1, y0, y1         float64
	left, right, top, base int
}

func newCanvas(w, h int, folded *lightcurve.Folded) *canvas {
	x0, x1 := folded.Phase[0], folded.Phase[len(folded.Phase)-1]
	if x1 <= x0 {
		x0, x1 = x0-0.5, x0+0.5
	}
	y0, y1 := math.Inf(1), math.Inf(-1)
	for _, f := range folded.Flux {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		y0 = math.Min(y0, f)
		y1 = math.Max(y1, f)
	}
	if math.IsInf(y0, 0) || y1 <= y0 {
		y0, y1 = 0.99, 1.01
	}
	pad := 0.05 * (y1 - y0)
	m := margin * supersample
	return &canvas{
		img:   imaging.New(w, h, color.White),
		x0:    x0,
		x1:    x1,
		y0:    y0 - pad,
		y1:    y1 + pad,
		left:  m,
		right: w - m,
		top:   m,
		base:  h - m,
	}
}

func (c *canvas) px(phase, flux float64) (int, int) {
	x := float64(c.left) + (phase-c.x0)/(c.x1-c.x0)*float64(c.right-c.left)
	y := float64(c.base) - (flux-c.y0)/(c.y1-c.y0)*float64(c.base-c.top)
	return int(math.Round(x)), int(math.Round(y))
}

func (c *canvas) blend(x, y int, col color.NRGBA, alpha float64) {
	if x < c.left || x > c.right || y < c.top || y > c.base {
		return
	}
	i := c.img.PixOffset(x, y)
	p := c.img.Pix[i : i+4 : i+4]
	p[0] = uint8(float64(p[0])*(1-alpha) + float64(col.R)*alpha)
	p[1] = uint8(float64(p[1])*(1-alpha) + float64(col.G)*alpha)
	p[2] = uint8(float64(p[2])*(1-alpha) + float64(col.B)*alpha)
	p[3] = 0xff
}

func (c *canvas) dot(phase, flux float64, size int, col color.NRGBA, alpha float64) {
	if math.IsNaN(flux) {
		return
	}
	cx, cy := c.px(phase, flux)
	for dx := 0; dx < size; dx++ {
		for dy := 0; dy < size; dy++ {
			c.blend(cx+dx, cy+dy, col, alpha)
		}
	}
}

func (c *canvas) line(p0, f0, p1, f1 float64, width int, col color.NRGBA) {
	if math.IsNaN(f0) || math.IsNaN(f1) {
		return
	}
	x0, y0 := c.px(p0, f0)
	x1, y1 := c.px(p1, f1)
	steps := max(abs(x1-x0), abs(y1-y0), 1)
	for s := 0; s <= steps; s++ {
		x := x0 + (x1-x0)*s/steps
		y := y0 + (y1-y0)*s/steps
		for dx := -width / 2; dx <= width/2; dx++ {
			for dy := -width / 2; dy <= width/2; dy++ {
				c.blend(x+dx, y+dy, col, 1)
			}
		}
	}
}

// grid draws dotted guide lines, n divisions per axis.
func (c *canvas) grid(n int) {
	for k := 1; k < n; k++ {
		x := c.left + (c.right-c.left)*k/n
		for y := c.top; y <= c.base; y += 6 {
			c.blend(x, y, gridColor, 0.5)
		}
		y := c.top + (c.base-c.top)*k/n
		for x := c.left; x <= c.right; x += 6 {
			c.blend(x, y, gridColor, 0.5)
		}
	}
}

func (c *canvas) frame() {
	for x := c.left; x <= c.right; x++ {
		c.blend(x, c.top, axisColor, 1)
		c.blend(x, c.base, axisColor, 1)
	}
	for y := c.top; y <= c.base; y++ {
		c.blend(c.left, y, axisColor, 1)
		c.blend(c.right, y, axisColor, 1)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
