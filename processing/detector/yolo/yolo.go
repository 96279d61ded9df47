// Package yolo runs YOLO ONNX models locally through the OpenCV DNN module.
package yolo

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"detectview/internal/models"
	processing "detectview/processing/detector"
)

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultNMSThreshold  = 0.45
)

type Config struct {
	ModelPath     string
	InputSize     int
	ConfThreshold float32
	NMSThreshold  float32
	// Classes overrides the COCO class names.
	Classes []string
}

// Detector is a processing.Detector backed by a cv::dnn::Net. Calls are
// serialized because a Net is not safe for concurrent use.
type Detector struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

var _ processing.Detector = (*Detector)(nil)

func New(cfg Config, log *zap.Logger) (*Detector, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = DefaultConfThreshold
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = DefaultNMSThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errors.Wrapf(processing.ErrDetectorUnavailable, "model %s: %v", cfg.ModelPath, err)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, errors.Wrapf(processing.ErrDetectorUnavailable, "failed to load model %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendOpenCV); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "set backend")
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, errors.Wrap(err, "set target")
	}

	log.Info("yolo model loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("input", cfg.InputSize),
		zap.Float32("conf", cfg.ConfThreshold),
		zap.Float32("nms", cfg.NMSThreshold),
	)

	return &Detector{cfg: cfg, log: log, net: net}, nil
}

func (d *Detector) Infer(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// gocv keeps OpenCV's BGR order; the blob swaps it back to RGB
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return nil, errors.Wrap(err, "convert frame")
	}
	defer mat.Close()

	size := image.Pt(d.cfg.InputSize, d.cfg.InputSize)
	blob := gocv.BlobFromImage(mat, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.Wrap(processing.ErrDetectorUnavailable, "detector closed")
	}
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "read output")
	}

	return processing.DecodeYOLO(data, out.Size(), processing.YOLOParams{
		InputSize:     size,
		FrameSize:     image.Pt(frame.Width(), frame.Height()),
		ConfThreshold: d.cfg.ConfThreshold,
		NMSThreshold:  d.cfg.NMSThreshold,
		Classes:       d.cfg.Classes,
	})
}

// Close frees the network. Infer calls that arrive afterwards fail with
// processing.ErrDetectorUnavailable.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}
