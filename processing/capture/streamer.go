package capture

import (
	"math"

	"github.com/pkg/errors"

	"detectview/internal/models"
)

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrEndOfStream       = errors.New("end of stream")
	ErrDecodeFailure     = errors.New("frame decode failure")
	ErrNotSeekable       = errors.New("source is not seekable")
	ErrInvalidPosition   = errors.New("seek position must be within [0, 1]")
)

// Info describes an open source.
type Info struct {
	Width       int
	Height      int
	FPS         float64
	TotalFrames int // 0 when the length is unknown (cameras)
	Seekable    bool
}

// FrameSource produces frames on demand. Read returns frames with increasing
// ordinals followed by ErrEndOfStream on every later call. A frame that could
// not be decoded is reported as ErrDecodeFailure and skipped.
//
// A FrameSource is owned by one goroutine; Read must not be called
// concurrently.
type FrameSource interface {
	Info() Info
	Read() (*models.Frame, error)
	Seek(fraction float64) error
	Close() error
}

// TargetOrdinal maps a fractional position onto a frame index of a source
// with total frames: round(fraction*total), clamped to the last frame.
func TargetOrdinal(fraction float64, total int) (int, error) {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return 0, errors.Wrapf(ErrInvalidPosition, "got %v", fraction)
	}
	if total <= 0 {
		return 0, ErrNotSeekable
	}

	n := int(math.Round(fraction * float64(total)))
	if n >= total {
		n = total - 1
	}
	return n, nil
}
