package capture

import (
	"image"
	"image/color"
	"time"

	"detectview/internal/models"
)

// TestPattern is a synthetic seekable source. Every frame is filled with a
// colour that encodes its ordinal (see PatternOrdinal) and carries a white
// bar that sweeps across the lower half of the picture.
type TestPattern struct {
	width  int
	height int
	total  int
	fps    float64

	next   int
	closed bool
}

func NewTestPattern(frames, width, height int, fps float64) *TestPattern {
	if fps <= 0 {
		fps = standartFps
	}
	return &TestPattern{
		width:  width,
		height: height,
		total:  frames,
		fps:    fps,
	}
}

func (p *TestPattern) Info() Info {
	return Info{
		Width:       p.width,
		Height:      p.height,
		FPS:         p.fps,
		TotalFrames: p.total,
		Seekable:    true,
	}
}

func (p *TestPattern) Read() (*models.Frame, error) {
	if p.closed || p.next >= p.total {
		return nil, ErrEndOfStream
	}

	n := p.next
	p.next++

	frameDuration := time.Duration(float64(time.Second) / p.fps)
	return &models.Frame{
		Image:     PatternImage(n, p.width, p.height, p.total),
		Ordinal:   n,
		Timestamp: time.Duration(n) * frameDuration,
		Duration:  frameDuration,
	}, nil
}

func (p *TestPattern) Seek(fraction float64) error {
	n, err := TargetOrdinal(fraction, p.total)
	if err != nil {
		return err
	}
	p.next = n
	return nil
}

func (p *TestPattern) Close() error {
	p.closed = true
	return nil
}

// PatternImage renders frame n of a total-frame test pattern.
func PatternImage(n, width, height, total int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bg := color.RGBA{R: uint8(n), G: uint8(n >> 8), B: 0x80, A: 0xff}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = bg.R
		img.Pix[i+1] = bg.G
		img.Pix[i+2] = bg.B
		img.Pix[i+3] = bg.A
	}

	if total <= 0 || width < 4 || height < 4 {
		return img
	}

	barWidth := max(1, width/16)
	x0 := width/4 + (width/2)*n/total
	for y := height / 2; y < height*3/4; y++ {
		for x := x0; x < x0+barWidth && x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
		}
	}
	return img
}

// PatternOrdinal recovers the ordinal encoded into a test pattern picture.
func PatternOrdinal(img image.Image) int {
	r, g, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	return int(r>>8) | int(g>>8)<<8
}
