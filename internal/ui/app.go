package ui

import (
	"context"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"

	"detectview/internal/config"
	"detectview/internal/ui/cwidget"
	"detectview/processing/capture"
	processing "detectview/processing/detector"
)

const statInterval = 200 * time.Millisecond

type DetectApp struct {
	fyneApp fyne.App
	mainWin fyne.Window
	log     *zap.Logger

	config      *config.Config
	processor   *processing.Processor
	surface     *canvasSurface
	newDetector DetectorFactory

	detMu    sync.Mutex
	detector processing.Detector

	dynamicSettings  *fyne.Container
	staticSettings   *fyne.Container
	detectorSettings *fyne.Container

	videoCanvas  *canvas.Image
	seekSlider   *widget.Slider
	playBtn      *widget.Button
	pauseBtn     *widget.Button
	stopBtn      *widget.Button
	detectCheck  *widget.Check
	stateLabel   *widget.Label
	latencyLabel *widget.Label
	fpsLabel     *widget.Label
	statsLabel   *widget.Label
	infoLabel    *widget.Label
}

func CreateApp(cfg *config.Config, newDetector DetectorFactory, log *zap.Logger) *DetectApp {
	a := &DetectApp{
		fyneApp:     app.New(),
		log:         log.Named("ui"),
		config:      cfg,
		newDetector: newDetector,
	}
	a.mainWin = a.fyneApp.NewWindow("Video Stream")
	a.mainWin.Resize(fyne.NewSize(1200, 600))

	a.videoCanvas = canvas.NewImageFromImage(nil)
	a.videoCanvas.FillMode = canvas.ImageFillContain
	a.videoCanvas.SetMinSize(fyne.NewSize(640, 480))

	a.seekSlider = widget.NewSlider(0, 1)
	a.seekSlider.Step = 0.001
	a.surface = &canvasSurface{image: a.videoCanvas, slider: a.seekSlider}

	opts := ProcessorOptions(cfg, log)
	opts.OnStateChange = func(s processing.State) {
		fyne.Do(func() { a.applyState(s) })
	}
	a.processor = processing.NewProcessor(a.surface, nil, opts)

	return a
}

func (a *DetectApp) Run() {
	a.dynamicSettings = container.NewVBox()

	sourceTypeSelect := widget.NewSelect(config.SourcesList[:], func(s string) {
		a.config.SetSource(config.SourceType(s))
		a.refreshSettingsUI(s)
	})
	sourceTypeSelect.SetSelected(string(a.config.GetSource()))

	settingsLabel := widget.NewLabelWithStyle("Configuration", fyne.TextAlignLeading, fyne.TextStyle{Bold: true})

	a.stateLabel = widget.NewLabel(processing.StateIdle.String())
	a.latencyLabel = widget.NewLabel(formatLatency(0))
	a.fpsLabel = widget.NewLabel(formatFPS(0))
	a.statsLabel = widget.NewLabel(formatStats(processing.Stats{}))
	a.infoLabel = widget.NewLabel(formatInfo(processing.Stats{}))

	a.setupTransport()
	a.setupConfigSettings()
	a.setupDetectorSettings()

	videoContainer := container.NewBorder(
		container.NewHBox(a.stateLabel, widget.NewSeparator(), a.fpsLabel, widget.NewSeparator(), a.latencyLabel, widget.NewSeparator(), a.statsLabel),
		container.NewVBox(
			a.seekSlider,
			container.NewHBox(a.playBtn, a.pauseBtn, a.stopBtn, widget.NewSeparator(), a.detectCheck),
		),
		nil,
		container.NewVBox(widget.NewLabelWithStyle("Video", fyne.TextAlignLeading, fyne.TextStyle{Bold: true}), a.infoLabel),
		a.videoCanvas,
	)

	sidebar := container.NewVBox(
		settingsLabel,
		widget.NewSeparator(),
		widget.NewLabel("Source Type:"),
		sourceTypeSelect,
		widget.NewSeparator(),
		a.dynamicSettings,
		a.staticSettings,
		widget.NewSeparator(),
		a.detectorSettings,
	)

	split := container.NewHSplit(
		container.NewVScroll(container.NewPadded(sidebar)),
		container.NewPadded(videoContainer),
	)
	split.SetOffset(0.3)

	a.mainWin.SetContent(split)

	a.refreshSettingsUI(string(a.config.GetSource()))
	a.applyState(processing.StateIdle)

	a.mainWin.SetCloseIntercept(func() {
		a.StopProcessing()
		a.setDetector(nil)
		if err := a.config.SaveByDefault(); err != nil {
			a.log.Error("save config", zap.Error(err))
		}
		a.mainWin.Close()
	})

	a.mainWin.CenterOnScreen()
	a.mainWin.ShowAndRun()
}

func (a *DetectApp) setupTransport() {
	a.playBtn = widget.NewButtonWithIcon("", theme.MediaPlayIcon(), func() {
		if a.processor.State() == processing.StatePaused {
			a.showError(a.processor.Resume())
			return
		}
		a.StartProcessing(false)
	})
	a.pauseBtn = widget.NewButtonWithIcon("", theme.MediaPauseIcon(), func() {
		a.showError(a.processor.Pause())
	})
	a.stopBtn = widget.NewButtonWithIcon("", theme.MediaStopIcon(), func() {
		a.StopProcessing()
	})

	a.seekSlider.OnChanged = func(float64) {
		if !a.surface.updating && a.processor.State() != processing.StateIdle {
			a.surface.seeking.Store(true)
		}
	}
	a.seekSlider.OnChangeEnded = func(v float64) {
		defer a.surface.seeking.Store(false)
		if a.processor.State() == processing.StateIdle {
			return
		}
		// seeking waits for the pump goroutine, keep it off the UI thread
		go func() {
			if err := a.processor.Seek(v); err != nil {
				a.log.Warn("seek", zap.Float64("position", v), zap.Error(err))
			}
		}()
	}

	a.detectCheck = widget.NewCheck("Detect objects", func(on bool) {
		if !on {
			a.setDetector(nil)
			return
		}
		cfg := a.config.GetDetector()
		go func() {
			det, err := a.newDetector(cfg)
			if err != nil {
				fyne.Do(func() {
					a.detectCheck.SetChecked(false)
					dialog.ShowError(err, a.mainWin)
				})
				return
			}
			a.setDetector(det)
		}()
	})
}

func (a *DetectApp) setDetector(det processing.Detector) {
	a.detMu.Lock()
	old := a.detector
	a.detector = det
	a.detMu.Unlock()

	a.processor.SetDetector(det)
	if old != nil {
		closeDetector(old, a.log)
	}
}

func (a *DetectApp) applyState(s processing.State) {
	if a.stateLabel == nil {
		return
	}
	a.stateLabel.SetText(s.String())

	switch s {
	case processing.StateRunning:
		a.playBtn.Disable()
		a.pauseBtn.Enable()
		a.stopBtn.Enable()
	case processing.StatePaused:
		a.playBtn.Enable()
		a.pauseBtn.Disable()
		a.stopBtn.Enable()
	default:
		a.playBtn.Enable()
		a.pauseBtn.Disable()
		a.stopBtn.Disable()
	}

	seekable := s != processing.StateIdle && a.processor.Stats().Source.Seekable
	if seekable {
		a.seekSlider.Enable()
	} else {
		a.seekSlider.Disable()
	}
}

func (a *DetectApp) showError(err error) {
	if err != nil {
		dialog.ShowError(err, a.mainWin)
	}
}

func (a *DetectApp) StopProcessing() {
	if err := a.processor.Stop(); err != nil {
		a.log.Warn("stop", zap.Error(err))
	}
}

// StartProcessing opens the configured source. With forceRestart a running
// stream is replaced, otherwise it is left alone.
func (a *DetectApp) StartProcessing(forceRestart bool) {
	if a.processor.State() != processing.StateIdle && !forceRestart {
		return
	}

	target, err := a.config.Target()
	if err != nil {
		a.showError(err)
		return
	}

	a.playBtn.Disable()
	go func() {
		a.StopProcessing()

		// probing a file can take a while, so open off the UI thread
		if err := a.processor.Open(context.Background(), target); err != nil {
			fyne.Do(func() {
				a.applyState(processing.StateIdle)
				dialog.ShowError(err, a.mainWin)
			})
			return
		}

		st := a.processor.Stats()
		fyne.Do(func() {
			a.infoLabel.SetText(formatInfo(st))
			a.surface.setPosition(0)
			a.applyState(a.processor.State())
		})
		a.runStatLoop(a.processor.Done())
	}()
}

func (a *DetectApp) runStatLoop(done <-chan struct{}) {
	uiTicker := time.NewTicker(statInterval)
	defer uiTicker.Stop()

	for {
		select {
		case <-uiTicker.C:
			st := a.processor.Stats()
			fyne.Do(func() {
				a.latencyLabel.SetText(formatLatency(st.Latency))
				a.fpsLabel.SetText(formatFPS(st.FPS))
				a.statsLabel.SetText(formatStats(st))
			})
		case <-done:
			st := a.processor.Stats()
			fyne.Do(func() {
				a.statsLabel.SetText(formatStats(st))
			})
			return
		}
	}
}

func (a *DetectApp) setupConfigSettings() {
	a.staticSettings = container.NewVBox()

	fpsInput := cwidget.NewIntInput(
		"FPS",
		"Enter integer",
		int(a.config.GetFPS()),
		func(i int) {
			a.config.SetFPS(uint(i))
		},
	)

	widthInput := cwidget.NewIntInput(
		"Width",
		"Enter integer",
		a.config.GetWidth(),
		func(i int) {
			a.config.SetWidth(i)
		},
	)

	heightInput := cwidget.NewIntInput(
		"Height",
		"Enter integer",
		a.config.GetHeight(),
		func(i int) {
			a.config.SetHeight(i)
		},
	)

	applyCfg := widget.NewButton("Save config", func() {
		if err := a.config.Validate(); err != nil {
			a.showError(err)
			return
		}
		if err := a.config.SaveByDefault(); err != nil {
			a.showError(err)
			return
		}
		a.StartProcessing(true)
	})

	a.staticSettings.Add(fpsInput)
	a.staticSettings.Add(widthInput)
	a.staticSettings.Add(heightInput)

	a.staticSettings.Add(applyCfg)
}

func (a *DetectApp) setupDetectorSettings() {
	det := a.config.GetDetector()

	hostEntry := widget.NewEntry()
	hostEntry.SetPlaceHolder(config.DefaultDetectorProcessorUrl)
	hostEntry.SetText(det.Host)
	hostEntry.OnChanged = func(s string) {
		d := a.config.GetDetector()
		d.Host = s
		a.config.SetDetector(d)
	}

	modelEntry := widget.NewEntry()
	modelEntry.SetPlaceHolder("/path/to/yolov8n.onnx")
	modelEntry.SetText(det.ModelPath)
	modelEntry.OnChanged = func(s string) {
		d := a.config.GetDetector()
		d.ModelPath = s
		a.config.SetDetector(d)
	}
	modelBtn := widget.NewButtonWithIcon("", theme.FolderOpenIcon(), func() {
		dialog.ShowFileOpen(func(reader fyne.URIReadCloser, err error) {
			if err == nil && reader != nil {
				modelEntry.SetText(reader.URI().Path())
				reader.Close()
			}
		}, a.mainWin)
	})

	confInput := cwidget.NewFloatInput(
		"Confidence",
		"0..1",
		float64(det.ConfThreshold),
		1,
		func(v float64) {
			d := a.config.GetDetector()
			d.ConfThreshold = float32(v)
			a.config.SetDetector(d)
		},
	)

	kinds := []string{string(config.DetectorNone), string(config.DetectorRemote), string(config.DetectorYOLO)}
	kindSelect := widget.NewSelect(kinds, func(s string) {
		d := a.config.GetDetector()
		d.Kind = config.DetectorKind(s)
		a.config.SetDetector(d)

		hostEntry.Hidden = d.Kind != config.DetectorRemote
		modelEntry.Hidden = d.Kind != config.DetectorYOLO
		modelBtn.Hidden = d.Kind != config.DetectorYOLO
		if a.detectorSettings != nil {
			a.detectorSettings.Refresh()
		}
	})
	kindSelect.SetSelected(string(det.Kind))

	a.detectorSettings = container.NewVBox(
		widget.NewLabelWithStyle("Detector", fyne.TextAlignLeading, fyne.TextStyle{Bold: true}),
		kindSelect,
		hostEntry,
		container.NewBorder(nil, nil, nil, modelBtn, modelEntry),
		confInput,
	)
}

func (a *DetectApp) refreshSettingsUI(sourceType string) {
	a.dynamicSettings.Objects = nil
	a.StopProcessing()

	switch config.SourceType(sourceType) {
	case config.SourceLocal:
		a.addPathSetting("Video Path:", "/path/to/video.mp4", a.config.GetLocalPath(), a.config.SetLocalPath)

	case config.SourceImage:
		a.addPathSetting("Image Path:", "/path/to/image.png", a.config.GetImagePath(), a.config.SetImagePath)

	case config.SourcePattern:
		a.dynamicSettings.Add(cwidget.NewIntInput(
			"Frames",
			"Enter integer",
			a.config.GetPatternFrames(),
			a.config.SetPatternFrames,
		))

	case config.SourceWebcam:
		deviceSelect := widget.NewSelect([]string{"Loading cameras..."}, func(s string) {
			if s != "Loading cameras..." && s != "No cameras found" {
				a.config.SetWebcam(webcamFromDevice(s))
			}
		})
		deviceSelect.SetSelected("Loading cameras...")
		deviceSelect.Disable()

		a.dynamicSettings.Add(widget.NewLabel("Select Camera:"))
		a.dynamicSettings.Add(deviceSelect)
		a.dynamicSettings.Refresh()

		go func() {
			devices, err := capture.ListCameras()

			fyne.Do(func() {
				if err != nil {
					dialog.ShowError(err, a.mainWin)
					deviceSelect.Options = []string{"Error listing cameras"}
				} else if len(devices) == 0 {
					deviceSelect.Options = []string{"No cameras found"}
				} else {
					deviceSelect.Options = devices
					deviceSelect.Enable()

					current := deviceFromWebcam(a.config.GetWebcam())
					selected := devices[0]
					for _, d := range devices {
						if d == current {
							selected = d
						}
					}
					deviceSelect.SetSelected(selected)
				}
				deviceSelect.Refresh()
			})
		}()
	}

	a.dynamicSettings.Refresh()
}

func (a *DetectApp) addPathSetting(label, placeholder, value string, set func(string)) {
	pathEntry := widget.NewEntry()
	pathEntry.SetPlaceHolder(placeholder)
	pathEntry.SetText(value)
	pathEntry.OnChanged = set

	fileBtn := widget.NewButtonWithIcon("Open File", theme.FolderOpenIcon(), func() {
		dialog.ShowFileOpen(func(reader fyne.URIReadCloser, err error) {
			if err == nil && reader != nil {
				pathEntry.SetText(reader.URI().Path())
				reader.Close()
			}
		}, a.mainWin)
	})

	a.dynamicSettings.Add(widget.NewLabel(label))
	a.dynamicSettings.Add(container.NewBorder(nil, nil, nil, fileBtn, pathEntry))
}
