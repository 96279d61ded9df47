package processing

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"detectview/internal/models"
)

var (
	ErrInferenceFailure    = errors.New("inference failure")
	ErrDetectorUnavailable = errors.New("detector unavailable")
)

// Detector runs an object-detection model on one frame. Boxes are returned
// in the frame's native pixel coordinates. Latency is unbounded.
type Detector interface {
	Infer(ctx context.Context, frame *models.Frame) ([]models.Detection, error)
}

// DetectorFunc adapts a plain function to Detector.
type DetectorFunc func(ctx context.Context, frame *models.Frame) ([]models.Detection, error)

func (f DetectorFunc) Infer(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	return f(ctx, frame)
}

// infer calls det and turns both returned errors and panics into
// ErrInferenceFailure.
func infer(ctx context.Context, det Detector, frame *models.Frame) (dets []models.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = errors.Wrap(ErrInferenceFailure, fmt.Sprintf("frame %d: panic: %v", frame.Ordinal, r))
		}
	}()

	dets, err = det.Infer(ctx, frame)
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceFailure, "frame %d: %v", frame.Ordinal, err)
	}
	return dets, nil
}
