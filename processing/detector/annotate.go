package processing

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"detectview/internal/models"
)

const (
	boxThickness = 3
	labelPadding = 2
	paletteSize  = 20
)

var palette = func() []color.RGBA {
	p := make([]color.RGBA, paletteSize)
	for i := range p {
		// golden-angle hue steps keep neighbouring class ids apart
		h := float64(i) * 137.508
		for h >= 360 {
			h -= 360
		}
		r, g, b := colorful.Hsv(h, 0.85, 0.95).RGB255()
		p[i] = color.RGBA{R: r, G: g, B: b, A: 0xff}
	}
	return p
}()

// ClassColor is the box colour used for a class id.
func ClassColor(classID int) color.RGBA {
	if classID < 0 {
		return color.RGBA{0, 255, 0, 255}
	}
	return palette[classID%len(palette)]
}

// Annotate draws a labelled rectangle for every detection onto img.
func Annotate(img draw.Image, dets []models.Detection) {
	for _, d := range dets {
		col := ClassColor(d.ClassID)
		drawRect(img, d.Box, col)
		drawLabel(img, d, col)
	}
}

func drawRect(img draw.Image, r image.Rectangle, col color.Color) {
	bounds := img.Bounds()
	r = r.Canon()

	setPixel := func(x, y int) {
		if image.Pt(x, y).In(bounds) {
			img.Set(x, y, col)
		}
	}

	for t := 0; t < boxThickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			setPixel(x, r.Min.Y+t)
			setPixel(x, r.Max.Y-1-t)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			setPixel(r.Min.X+t, y)
			setPixel(r.Max.X-1-t, y)
		}
	}
}

func drawLabel(img draw.Image, d models.Detection, col color.RGBA) {
	face := basicfont.Face7x13
	text := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)

	width := font.MeasureString(face, text).Ceil() + 2*labelPadding
	height := face.Metrics().Height.Ceil() + 2*labelPadding

	// above the box, or inside it when the box touches the top edge
	tag := image.Rect(d.Box.Min.X, d.Box.Min.Y-height, d.Box.Min.X+width, d.Box.Min.Y)
	if tag.Min.Y < img.Bounds().Min.Y {
		tag = tag.Add(image.Pt(0, height))
	}
	tag = tag.Intersect(img.Bounds())
	if tag.Empty() {
		return
	}

	draw.Draw(img, tag, image.NewUniform(col), image.Point{}, draw.Src)

	drawer := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor(col)),
		Face: face,
		Dot:  fixed.P(tag.Min.X+labelPadding, tag.Min.Y+labelPadding+face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(text)
}

func textColor(bg color.RGBA) color.Color {
	c, _ := colorful.MakeColor(bg)
	if _, _, l := c.Hsl(); l > 0.6 {
		return color.Black
	}
	return color.White
}
