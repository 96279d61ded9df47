package ui

import (
	"io"

	"go.uber.org/zap"

	"detectview/internal/config"
	"detectview/processing/capture"
	processing "detectview/processing/detector"
)

// DetectorFactory builds the detector described by the config. It returns a
// nil detector for config.DetectorNone.
type DetectorFactory func(cfg config.DetectorConfig) (processing.Detector, error)

// ProcessorOptions derives pump options from cfg. Sources are opened with
// the capture settings current at open time.
func ProcessorOptions(cfg *config.Config, log *zap.Logger) processing.Options {
	pump := cfg.GetPump()

	return processing.Options{
		Mode:               processing.Mode(pump.Mode),
		OnInferenceFailure: processing.FailurePolicy(pump.OnInferenceFailure),
		MaxDecodeFailures:  pump.MaxDecodeFailures,
		Logger:             log.Named("pump"),
		Open: func(t capture.Target) (capture.FrameSource, error) {
			return capture.Open(t, cfg.CaptureOptions())
		},
	}
}

func closeDetector(det processing.Detector, log *zap.Logger) {
	c, ok := det.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("close detector", zap.Error(err))
	}
}
