package models

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapFromImageCopiesRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 20), B: 7, A: 0xff})
		}
	}

	bmp := BitmapFromImage(img)
	require.Equal(t, 4, bmp.Width)
	require.Equal(t, 3, bmp.Height)
	assert.Equal(t, 3, bmp.Channels)
	assert.Equal(t, OrderRGB, bmp.Order)
	assert.Len(t, bmp.Pix, 4*3*3)

	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, img.RGBAAt(x, y), bmp.At(x, y), "pixel %d,%d", x, y)
		}
	}

	img.SetRGBA(0, 0, color.RGBA{R: 99, A: 0xff})
	assert.Equal(t, uint8(0), bmp.Pix[0], "bitmap must not alias the source")
}

func TestBitmapFromSubImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.SetRGBA(5, 6, color.RGBA{R: 1, G: 2, B: 3, A: 0xff})

	sub := img.SubImage(image.Rect(4, 4, 8, 8))
	bmp := BitmapFromImage(sub)

	require.Equal(t, 4, bmp.Width)
	assert.Equal(t, color.RGBA{R: 1, G: 2, B: 3, A: 0xff}, bmp.At(1, 2))
}

func TestBitmapSetAndBounds(t *testing.T) {
	bmp := NewBitmap(2, 2)
	bmp.Set(1, 1, color.RGBA{R: 200, G: 100, B: 50, A: 0xff})
	bmp.Set(5, 5, color.White)

	assert.Equal(t, []byte{200, 100, 50}, bmp.Pix[9:12])
	assert.Equal(t, color.RGBA{}, bmp.At(-1, 0))

	bgr := &Bitmap{Width: 1, Height: 1, Channels: 3, Order: OrderBGR, Pix: []byte{1, 2, 3}}
	assert.Equal(t, color.RGBA{R: 3, G: 2, B: 1, A: 0xff}, bgr.At(0, 0))

	rgba := bmp.RGBA()
	assert.Equal(t, color.RGBA{R: 200, G: 100, B: 50, A: 0xff}, rgba.RGBAAt(1, 1))
}

func TestDetectionResultToDetection(t *testing.T) {
	r := DetectionResult{Label: "dog", Confidence: 0.8, Box: []float32{0.1, 0.2, 0.5, 0.6}}

	d, ok := r.ToDetection(100, 200)
	require.True(t, ok)
	assert.Equal(t, image.Rect(20, 20, 60, 100), d.Box)
	assert.Equal(t, ClassID("dog"), d.ClassID)

	_, ok = DetectionResult{Box: []float32{0.1}}.ToDetection(10, 10)
	assert.False(t, ok)

	_, ok = DetectionResult{Box: []float32{2, 2, 3, 3}}.ToDetection(10, 10)
	assert.False(t, ok, "box fully outside the frame")
}

func TestClassLookup(t *testing.T) {
	assert.Equal(t, "person", ClassName(0))
	assert.Equal(t, "class_500", ClassName(500))
	assert.Equal(t, 2, ClassID("car"))
	assert.Equal(t, -1, ClassID("unicorn"))
}
