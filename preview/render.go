package preview

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

var (
	targetColor  = color.RGBA{R: 0xff, G: 0xd4, B: 0x00, A: 0xff}
	pulseColor   = color.RGBA{R: 0xff, G: 0x2d, B: 0xa0, A: 0xff}
	regularColor = color.RGBA{R: 0x00, G: 0xc8, B: 0xff, A: 0xff}
)

// Hex2Color converts an html color (`#ffffff` or `ffffff`) to a color.Color.
func Hex2Color(hex string) (color.Color, error) {
	hex = strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, errors.New("cannot parse RGB values " + hex)
	}
	values, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, errors.New("cannot parse RGB values " + hex)
	}
	return color.RGBA{
		R: uint8(values >> 16),
		G: uint8((values >> 8) & 0xFF),
		B: uint8(values & 0xFF),
		A: 0xff,
	}, nil
}

// ColorFunc resolves the display color of a custom type.
type ColorFunc func(typeID string) string

func markerColor(m Marker, colors ColorFunc) color.RGBA {
	if m.CustomTypeID == "" || colors == nil {
		return regularColor
	}
	c, err := Hex2Color(colors(m.CustomTypeID))
	if err != nil {
		return regularColor
	}
	return c.(color.RGBA)
}

func setColor(dc *gg.Context, c color.RGBA, alpha float64) {
	dc.SetRGBA(float64(c.R)/255, float64(c.G)/255, float64(c.B)/255, alpha)
}

// Render crops the plan's window from src, scales it into the square viewport and
// draws the markers: neighbours dimmed, the target highlighted (pulsing style when
// previewing a specific order) and the zoom level in the bottom right corner.
func Render(src Source, plan Plan, colors ColorFunc) (*image.RGBA, error) {
	if plan.ViewportSize <= 0 {
		return nil, errors.New("viewport size must be positive")
	}
	rect := image.Rect(
		int(math.Floor(plan.Crop.X)),
		int(math.Floor(plan.Crop.Y)),
		int(math.Ceil(plan.Crop.X+plan.Crop.Size)),
		int(math.Ceil(plan.Crop.Y+plan.Crop.Size)),
	)
	region, err := src.Crop(rect)
	if err != nil {
		return nil, errors.Wrap(err, "crop reference image")
	}

	viewport := image.NewRGBA(image.Rect(0, 0, plan.ViewportSize, plan.ViewportSize))
	draw.BiLinear.Transform(viewport, cropTransform(plan, rect, region.Bounds()), region, region.Bounds(), draw.Over, nil)

	dc := gg.NewContextForRGBA(viewport)
	dc.SetLineWidth(1.5)
	for _, m := range plan.Neighbors {
		drawMarker(dc, m, markerColor(m, colors), 0.45, 4)
	}

	dc.SetLineWidth(2.5)
	if plan.Pulsing {
		dc.SetDash(4, 3)
		setColor(dc, pulseColor, 0.9)
		dc.DrawCircle(plan.Target.X, plan.Target.Y, 14)
		dc.Stroke()
		dc.SetDash()
		drawMarker(dc, plan.Target, pulseColor, 1, 7)
	} else {
		setColor(dc, targetColor, 0.6)
		dc.DrawCircle(plan.Target.X, plan.Target.Y, 12)
		dc.Stroke()
		drawMarker(dc, plan.Target, targetColor, 1, 7)
	}

	label := fmt.Sprintf("%.1fx", plan.ZoomLevel)
	w, h := dc.MeasureString(label)
	vp := float64(plan.ViewportSize)
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(vp-w-8, vp-h-8, w+6, h+6)
	dc.Fill()
	dc.SetRGBA(1, 1, 1, 1)
	dc.DrawStringAnchored(label, vp-5, vp-5, 1, 0)
	return viewport, nil
}

// cropTransform maps region pixels to viewport pixels so that the exact crop
// window, not the whole-pixel rect read around it, fills the viewport. Markers are
// placed with the same scale and origin.
func cropTransform(plan Plan, rect, bounds image.Rectangle) f64.Aff3 {
	scale := plan.Scale
	if scale <= 0 {
		scale = float64(plan.ViewportSize) / plan.Crop.Size
	}
	// Region pixel px lies at image x = rect.Min.X + px - bounds.Min.X.
	ox := plan.Crop.X - float64(rect.Min.X) + float64(bounds.Min.X)
	oy := plan.Crop.Y - float64(rect.Min.Y) + float64(bounds.Min.Y)
	return f64.Aff3{
		scale, 0, -scale * ox,
		0, scale, -scale * oy,
	}
}

func drawMarker(dc *gg.Context, m Marker, c color.RGBA, alpha, radius float64) {
	setColor(dc, c, alpha)
	if m.Region {
		dc.DrawRectangle(m.X, m.Y, m.Width, m.Height)
		dc.Stroke()
	} else {
		dc.DrawCircle(m.X, m.Y, radius)
		dc.Fill()
	}
	dc.DrawString(strconv.Itoa(m.Order), m.X+radius+2, m.Y-radius)
}
