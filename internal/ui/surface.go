package ui

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"

	"detectview/internal/config"
	"detectview/internal/models"
	processing "detectview/processing/detector"
)

// canvasSurface shows pump output in the video canvas and the seek slider.
type canvasSurface struct {
	image  *canvas.Image
	slider *widget.Slider

	// seeking is set while the user drags the slider so the pump does not
	// move it under the pointer.
	seeking atomic.Bool
	// updating is set while the slider is moved by code. Main thread only.
	updating bool
}

var _ processing.Surface = (*canvasSurface)(nil)

func (s *canvasSurface) Display(bmp *models.Bitmap) {
	img := bmp.RGBA()
	fyne.Do(func() {
		s.image.Image = img
		s.image.Refresh()
	})
}

func (s *canvasSurface) Progress(fraction float64) {
	if s.seeking.Load() {
		return
	}
	fyne.Do(func() {
		s.setPosition(fraction)
	})
}

// setPosition moves the slider without it being taken for a user seek.
func (s *canvasSurface) setPosition(fraction float64) {
	s.updating = true
	s.slider.SetValue(fraction)
	s.updating = false
}

// LogSurface is used without a display. It logs every Nth frame and keeps
// the last bitmap and position.
type LogSurface struct {
	log   *zap.Logger
	every int

	mu       sync.Mutex
	frames   int
	last     *models.Bitmap
	position float64
}

func NewLogSurface(log *zap.Logger, every int) *LogSurface {
	if every <= 0 {
		every = 1
	}
	return &LogSurface{log: log, every: every, position: -1}
}

func (s *LogSurface) Display(bmp *models.Bitmap) {
	s.mu.Lock()
	s.frames++
	s.last = bmp
	n, pos := s.frames, s.position
	s.mu.Unlock()

	if n%s.every == 0 {
		s.log.Info("frame",
			zap.Int("n", n),
			zap.Int("width", bmp.Width),
			zap.Int("height", bmp.Height),
			zap.Float64("position", pos),
		)
	}
}

func (s *LogSurface) Progress(fraction float64) {
	s.mu.Lock()
	s.position = fraction
	s.mu.Unlock()
}

// Frames is the number of bitmaps displayed so far.
func (s *LogSurface) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *LogSurface) Last() *models.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Position is the last reported progress, or -1 before any.
func (s *LogSurface) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func formatFPS(v float64) string {
	return fmt.Sprintf("FPS: %.1f", v)
}

func formatLatency(v time.Duration) string {
	return fmt.Sprintf("Latency: %d ms", v.Milliseconds())
}

func formatStats(st processing.Stats) string {
	return fmt.Sprintf("Frames: %d  Dropped: %d  Errors: %d/%d",
		st.Frames, st.Dropped, st.DecodeFailures, st.InferenceFailures)
}

// formatInfo describes the open source for the info panel.
func formatInfo(st processing.Stats) string {
	info := st.Source
	if info.Width == 0 && info.Height == 0 {
		return "No source"
	}

	lines := []string{fmt.Sprintf("Size: %dx%d", info.Width, info.Height)}
	if info.FPS > 0 {
		lines = append(lines, fmt.Sprintf("Frame rate: %.2f fps", info.FPS))
	}
	if info.TotalFrames > 0 {
		lines = append(lines, fmt.Sprintf("Frames: %d", info.TotalFrames))
		if info.FPS > 0 {
			d := time.Duration(float64(info.TotalFrames) / info.FPS * float64(time.Second))
			lines = append(lines, "Duration: "+formatClock(d))
		}
	} else {
		lines = append(lines, "Live")
	}
	return strings.Join(lines, "\n")
}

func formatClock(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// webcamFromDevice maps an entry of capture.ListCameras to camera settings.
// Linux entries are device nodes, Windows entries are DirectShow names.
func webcamFromDevice(device string) config.WebcamConfig {
	if id, ok := strings.CutPrefix(device, "/dev/video"); ok {
		return config.WebcamConfig{DeviceID: id}
	}
	return config.WebcamConfig{DeviceID: "0", DeviceName: device}
}

// deviceFromWebcam is the inverse of webcamFromDevice.
func deviceFromWebcam(w config.WebcamConfig) string {
	if w.DeviceName != "" {
		return w.DeviceName
	}
	return "/dev/video" + w.DeviceID
}
