// Package cvcapture decodes files and cameras with OpenCV. Importing it
// registers the "gocv" capture backend.
package cvcapture

import (
	"image"
	"image/draw"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"detectview/internal/models"
	"detectview/processing/capture"
)

const Backend = "gocv"

func init() {
	capture.RegisterBackend(Backend, func(t capture.Target, o capture.Options) (capture.FrameSource, error) {
		return Open(t, o)
	})
}

// Source wraps a gocv.VideoCapture. The capture handle and the scratch
// matrices are owned by the source and released by Close.
type Source struct {
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	scaled gocv.Mat

	info   capture.Info
	camera bool
	size   image.Point

	started time.Time
	next    int
	eos     bool
	closed  bool
}

func Open(t capture.Target, o capture.Options) (*Source, error) {
	var device interface{}
	switch t.Kind {
	case capture.KindCamera:
		device = t.Device
		if t.DeviceName != "" {
			device = t.DeviceName
		}
	case capture.KindFile:
		device = t.Path
	default:
		return nil, errors.Wrapf(capture.ErrSourceUnavailable, "gocv cannot open %s", t)
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, errors.Wrapf(capture.ErrSourceUnavailable, "open %s: %v", t, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Wrapf(capture.ErrSourceUnavailable, "open %s", t)
	}

	camera := t.Kind == capture.KindCamera
	if camera && o.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, o.FPS)
	}

	width := int(vc.Get(gocv.VideoCaptureFrameWidth))
	height := int(vc.Get(gocv.VideoCaptureFrameHeight))
	fps := vc.Get(gocv.VideoCaptureFPS)
	total := 0
	if !camera {
		total = int(vc.Get(gocv.VideoCaptureFrameCount))
	}

	s := &Source{
		cap:     vc,
		mat:     gocv.NewMat(),
		scaled:  gocv.NewMat(),
		camera:  camera,
		started: time.Now(),
	}
	if o.Width > 0 && o.Height > 0 {
		s.size = image.Pt(o.Width, o.Height)
		width, height = o.Width, o.Height
	}
	s.info = capture.Info{
		Width:       width,
		Height:      height,
		FPS:         fps,
		TotalFrames: max(total, 0),
		Seekable:    total > 0,
	}
	return s, nil
}

func (s *Source) Info() capture.Info { return s.info }

func (s *Source) Read() (*models.Frame, error) {
	if s.eos || s.closed {
		return nil, capture.ErrEndOfStream
	}

	if ok := s.cap.Read(&s.mat); !ok {
		s.eos = true
		return nil, capture.ErrEndOfStream
	}

	n := s.next
	s.next++

	if s.mat.Empty() {
		return nil, errors.Wrapf(capture.ErrDecodeFailure, "frame %d is empty", n)
	}

	src := s.mat
	if s.size != (image.Point{}) {
		gocv.Resize(s.mat, &s.scaled, s.size, 0, 0, gocv.InterpolationLinear)
		src = s.scaled
	}

	img, err := src.ToImage()
	if err != nil {
		return nil, errors.Wrapf(capture.ErrDecodeFailure, "frame %d: %v", n, err)
	}

	frame := &models.Frame{
		Ordinal:  n,
		Image:    toRGBA(img),
		Duration: frameDuration(s.info.FPS),
	}
	if s.camera {
		frame.Timestamp = time.Since(s.started)
	} else {
		frame.Timestamp = time.Duration(s.cap.Get(gocv.VideoCapturePosMsec) * float64(time.Millisecond))
	}
	return frame, nil
}

func (s *Source) Seek(fraction float64) error {
	if s.camera {
		return capture.ErrNotSeekable
	}
	n, err := capture.TargetOrdinal(fraction, s.info.TotalFrames)
	if err != nil {
		return err
	}

	s.cap.Set(gocv.VideoCapturePosFrames, float64(n))
	s.next = n
	s.eos = false
	return nil
}

func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	s.scaled.Close()
	return s.cap.Close()
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

func frameDuration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}
