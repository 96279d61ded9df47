package capture

import (
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"detectview/internal/models"
)

// ImageSource exposes a still picture as a one-frame seekable source.
type ImageSource struct {
	img  *image.RGBA
	read bool
}

func OpenImage(path string) (*ImageSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "open image %s: %v", path, err)
	}
	defer f.Close()

	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "decode image %s: %v", path, err)
	}

	return NewImageSource(decoded), nil
}

func NewImageSource(img image.Image) *ImageSource {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	return &ImageSource{img: rgba}
}

func (s *ImageSource) Info() Info {
	return Info{
		Width:       s.img.Rect.Dx(),
		Height:      s.img.Rect.Dy(),
		TotalFrames: 1,
		Seekable:    true,
	}
}

func (s *ImageSource) Read() (*models.Frame, error) {
	if s.read || s.img == nil {
		return nil, ErrEndOfStream
	}
	s.read = true
	return &models.Frame{Image: s.img}, nil
}

func (s *ImageSource) Seek(fraction float64) error {
	if _, err := TargetOrdinal(fraction, 1); err != nil {
		return err
	}
	s.read = false
	return nil
}

func (s *ImageSource) Close() error {
	s.img = nil
	return nil
}
