package preview

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchscope/annotation"
)

func TestHex2Color(t *testing.T) {
	c, err := Hex2Color("#ff8000")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0xff, G: 0x80, B: 0x00, A: 0xff}, c)

	c, err = Hex2Color("0f0")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{G: 0xff, A: 0xff}, c)

	_, err = Hex2Color("#12345")
	assert.Error(t, err)
	_, err = Hex2Color("zzzzzz")
	assert.Error(t, err)
}

func TestRenderViewport(t *testing.T) {
	src := RasterSource{Image: image.NewRGBA(image.Rect(0, 0, 400, 300))}
	target := annotation.Annotation{ID: "t", X: 120, Y: 80, Order: 3, Marker: annotation.Regular{}}
	all := []annotation.Annotation{
		target,
		{ID: "r", X: 110, Y: 70, Order: 1, Marker: annotation.CustomRegion{TypeID: "box", Width: 20, Height: 10}},
	}
	colors := func(string) string { return "#00ff00" }

	for _, pulsing := range []bool{false, true} {
		plan := BuildPlan("img", 400, 300, target, all, 200, 2, 160, pulsing)
		img, err := Render(src, plan, colors)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 160, 160), img.Bounds())
	}
}

func TestRenderRejectsEmptyViewport(t *testing.T) {
	src := RasterSource{Image: image.NewRGBA(image.Rect(0, 0, 10, 10))}
	_, err := Render(src, Plan{Crop: CropWindow{Size: 5}}, nil)
	assert.Error(t, err)
}

func TestRasterCropOutside(t *testing.T) {
	src := RasterSource{Image: image.NewRGBA(image.Rect(0, 0, 10, 10))}
	_, err := src.Crop(image.Rect(20, 20, 30, 30))
	assert.Error(t, err)

	out, err := src.Crop(image.Rect(5, 5, 30, 30))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 5, 5), out.Bounds())
}

func TestRenderAlignsFractionalCrop(t *testing.T) {
	// Black left of x=495, white from there on.
	src := image.NewGray(image.Rect(0, 0, 1000, 1000))
	for y := 0; y < 1000; y++ {
		for x := 495; x < 1000; x++ {
			src.Pix[y*src.Stride+x] = 0xff
		}
	}
	target := annotation.Annotation{ID: "t", X: 500, Y: 500, Order: 1, Marker: annotation.Regular{}}
	plan := BuildPlan("img", 1000, 1000, target, []annotation.Annotation{target}, 200, 8, 200, false)
	require.Equal(t, CropWindow{X: 487.5, Y: 487.5, Size: 25}, plan.Crop)
	require.Equal(t, 100.0, plan.Target.X)

	img, err := Render(RasterSource{Image: src}, plan, nil)
	require.NoError(t, err)

	// The edge sits at (495-487.5)*8 = 60 in the viewport, the scale markers use.
	red := func(x int) int { return int(img.RGBAAt(x, 10).R) }
	assert.Less(t, red(56), 40)
	assert.Greater(t, red(64), 215)
	assert.Less(t, red(59), red(60))
	assert.InDelta(t, 255, red(59)+red(60), 40)
}

func TestCropTransformMatchesMarkers(t *testing.T) {
	plan := Plan{Crop: CropWindow{X: 487.5, Y: 30.25, Size: 25}, Scale: 8, ViewportSize: 200}
	rect := image.Rect(487, 30, 513, 56)
	m := cropTransform(plan, rect, image.Rect(0, 0, 26, 26))

	// image (500, 40) is region pixel (13, 10)
	x := m[0]*13 + m[1]*10 + m[2]
	y := m[3]*13 + m[4]*10 + m[5]
	assert.InDelta(t, (500-487.5)*8, x, 1e-9)
	assert.InDelta(t, (40-30.25)*8, y, 1e-9)
}
