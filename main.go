package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"detectview/internal/config"
	"detectview/internal/logger"
	ui "detectview/internal/ui"
	"detectview/processing/capture"
	_ "detectview/processing/capture/cvcapture"
	processing "detectview/processing/detector"
	"detectview/processing/detector/yolo"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"
	flagSource   = "source"
	flagPath     = "path"
	flagDetector = "detector"
	flagHeadless = "headless"
)

var sourceNames = map[string]config.SourceType{
	"local":   config.SourceLocal,
	"webcam":  config.SourceWebcam,
	"image":   config.SourceImage,
	"pattern": config.SourcePattern,
}

func main() {
	app := &cli.App{
		Name:  "detectview",
		Usage: "play video, camera or image sources with live object detection",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   config.DefaultConfigPath,
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "debug, info, warn or error (overrides the config)",
			},
			&cli.StringFlag{
				Name:  flagSource,
				Usage: "local, webcam, image or pattern",
			},
			&cli.StringFlag{
				Name:  flagPath,
				Usage: "video or image `PATH` for the local and image sources",
			},
			&cli.StringFlag{
				Name:  flagDetector,
				Usage: "none, remote or yolo",
			},
			&cli.BoolFlag{
				Name:  flagHeadless,
				Usage: "play the source without a window and log frames until it ends",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	cfg, err := config.LoadConfigFile(c.String(flagConfig))
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if err := applyFlags(c, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	log, err := logger.New(cfg.GetLogLevel())
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting",
		zap.String("source", string(cfg.GetSource())),
		zap.String("detector", string(cfg.GetDetector().Kind)),
		zap.Strings("backends", capture.Backends()),
	)

	newDetector := func(dc config.DetectorConfig) (processing.Detector, error) {
		return buildDetector(dc, log)
	}

	if c.Bool(flagHeadless) {
		return runHeadless(c.Context, cfg, newDetector, log)
	}

	ui.CreateApp(cfg, newDetector, log).Run()
	return nil
}

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet(flagLogLevel) {
		cfg.SetLogLevel(c.String(flagLogLevel))
	}
	if c.IsSet(flagSource) {
		src, err := sourceType(c.String(flagSource))
		if err != nil {
			return err
		}
		cfg.SetSource(src)
	}
	if c.IsSet(flagPath) {
		if cfg.GetSource() == config.SourceImage {
			cfg.SetImagePath(c.String(flagPath))
		} else {
			cfg.SetLocalPath(c.String(flagPath))
		}
	}
	if c.IsSet(flagDetector) {
		d := cfg.GetDetector()
		d.Kind = config.DetectorKind(strings.ToLower(c.String(flagDetector)))
		cfg.SetDetector(d)
	}
	return nil
}

func sourceType(name string) (config.SourceType, error) {
	if src, ok := sourceNames[strings.ToLower(name)]; ok {
		return src, nil
	}
	return "", errors.Errorf("unknown source %q (want local, webcam, image or pattern)", name)
}

func buildDetector(dc config.DetectorConfig, log *zap.Logger) (processing.Detector, error) {
	switch dc.Kind {
	case config.DetectorNone, "":
		return nil, nil
	case config.DetectorRemote:
		return processing.NewRemoteDetector(dc.Host,
			processing.WithRetryDelay(time.Duration(dc.RetryDelaySec)*time.Second),
			processing.WithRemoteLogger(log.Named("remote")),
		), nil
	case config.DetectorYOLO:
		det, err := yolo.New(yolo.Config{
			ModelPath:     dc.ModelPath,
			InputSize:     dc.InputSize,
			ConfThreshold: dc.ConfThreshold,
			NMSThreshold:  dc.NMSThreshold,
		}, log.Named("yolo"))
		if err != nil {
			return nil, err
		}
		return det, nil
	default:
		return nil, errors.Errorf("unknown detector %q", dc.Kind)
	}
}

// runHeadless plays the configured source against a logging surface until it
// ends or the process is interrupted.
func runHeadless(ctx context.Context, cfg *config.Config, newDetector ui.DetectorFactory, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	det, err := newDetector(cfg.GetDetector())
	if err != nil {
		return err
	}
	if c, ok := det.(io.Closer); ok {
		defer c.Close()
	}

	target, err := cfg.Target()
	if err != nil {
		return err
	}

	surface := ui.NewLogSurface(log.Named("surface"), int(cfg.GetFPS()))
	p := processing.NewProcessor(surface, det, ui.ProcessorOptions(cfg, log))
	if err := p.Open(ctx, target); err != nil {
		return err
	}

	<-p.Done()

	st := p.Stats()
	log.Info("finished",
		zap.Uint64("frames", st.Frames),
		zap.Uint64("dropped", st.Dropped),
		zap.Uint64("decode_failures", st.DecodeFailures),
		zap.Uint64("inference_failures", st.InferenceFailures),
	)
	return errors.Wrap(p.Err(), "stream stopped")
}
