package models

import (
	"image"
	"image/color"
	"image/draw"
	"time"
)

// Frame is one decoded image of a source sequence. Frames are shared by
// pointer and must not be modified once returned by a source.
type Frame struct {
	Image *image.RGBA

	// Ordinal is the 0-based position of the frame in its source.
	Ordinal int

	// Timestamp is the offset of the frame from the start of the source.
	Timestamp time.Duration

	// Duration is the display time of one frame (1/fps), zero when unknown.
	Duration time.Duration
}

func (f *Frame) Width() int  { return f.Image.Bounds().Dx() }
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// ChannelOrder is the byte order of a pixel inside a Bitmap.
type ChannelOrder string

const (
	OrderRGB ChannelOrder = "RGB"
	OrderBGR ChannelOrder = "BGR"
)

// Bitmap is the pixel format handed to UI surfaces: 8-bit interleaved
// channels in a contiguous buffer with a stride of Width*Channels.
//
// Bitmap implements draw.Image, so it can be annotated in place and passed
// to any toolkit that accepts an image.Image.
type Bitmap struct {
	Width    int
	Height   int
	Channels int
	Order    ChannelOrder
	Pix      []byte
}

// NewBitmap allocates a black RGB bitmap.
func NewBitmap(width, height int) *Bitmap {
	return &Bitmap{
		Width:    width,
		Height:   height,
		Channels: 3,
		Order:    OrderRGB,
		Pix:      make([]byte, width*height*3),
	}
}

// BitmapFromImage copies img into a new RGB bitmap. Alpha is dropped.
func BitmapFromImage(img image.Image) *Bitmap {
	b := img.Bounds()
	bmp := NewBitmap(b.Dx(), b.Dy())

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < bmp.Height; y++ {
			src := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := bmp.Pix[y*bmp.Width*3:]
			for x := 0; x < bmp.Width; x++ {
				dst[x*3] = src[x*4]
				dst[x*3+1] = src[x*4+1]
				dst[x*3+2] = src[x*4+2]
			}
		}
		return bmp
	}

	for y := 0; y < bmp.Height; y++ {
		for x := 0; x < bmp.Width; x++ {
			bmp.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return bmp
}

func (b *Bitmap) ColorModel() color.Model { return color.RGBAModel }

func (b *Bitmap) Bounds() image.Rectangle { return image.Rect(0, 0, b.Width, b.Height) }

func (b *Bitmap) offset(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= b.Width || y >= b.Height {
		return 0, false
	}
	return (y*b.Width + x) * b.Channels, true
}

func (b *Bitmap) At(x, y int) color.Color {
	i, ok := b.offset(x, y)
	if !ok {
		return color.RGBA{}
	}
	p := b.Pix[i : i+3 : i+3]
	if b.Order == OrderBGR {
		return color.RGBA{R: p[2], G: p[1], B: p[0], A: 0xff}
	}
	return color.RGBA{R: p[0], G: p[1], B: p[2], A: 0xff}
}

func (b *Bitmap) Set(x, y int, c color.Color) {
	i, ok := b.offset(x, y)
	if !ok {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	p := b.Pix[i : i+3 : i+3]
	if b.Order == OrderBGR {
		p[0], p[1], p[2] = rgba.B, rgba.G, rgba.R
		return
	}
	p[0], p[1], p[2] = rgba.R, rgba.G, rgba.B
}

// RGBA returns a copy of the bitmap as an opaque *image.RGBA.
func (b *Bitmap) RGBA() *image.RGBA {
	out := image.NewRGBA(b.Bounds())
	draw.Draw(out, out.Rect, b, image.Point{}, draw.Src)
	return out
}

var _ draw.Image = (*Bitmap)(nil)
