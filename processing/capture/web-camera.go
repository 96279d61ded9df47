package capture

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"detectview/internal/models"
)

const (
	defaultCameraWidth  = 640
	defaultCameraHeight = 480
)

// FFmpegWebcamStreamer reads a camera through ffmpeg (v4l2, dshow or
// avfoundation depending on the platform). Cameras have no length and cannot
// seek.
type FFmpegWebcamStreamer struct {
	stopOnce sync.Once

	input  []string
	width  int
	height int
	fps    float64

	cmd    *exec.Cmd
	stderr bytes.Buffer
	stdout io.ReadCloser
	buffer []byte

	started time.Time
	next    int
	eos     bool
}

func NewFFmpegWebcam(t Target, targetFps float64, scaledWidth, scaledHeight int) (*FFmpegWebcamStreamer, error) {
	if scaledWidth <= 0 || scaledHeight <= 0 {
		scaledWidth, scaledHeight = defaultCameraWidth, defaultCameraHeight
	}
	if targetFps <= 0 {
		targetFps = standartFps
	}

	input, err := cameraInput(runtime.GOOS, t)
	if err != nil {
		return nil, err
	}

	ws := &FFmpegWebcamStreamer{
		input:  input,
		width:  scaledWidth,
		height: scaledHeight,
		fps:    targetFps,
		buffer: make([]byte, scaledWidth*scaledHeight*bytePerPixel),
	}
	if err := ws.start(); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "camera %s: %v", t, err)
	}
	return ws, nil
}

func cameraInput(goos string, t Target) ([]string, error) {
	switch goos {
	case "windows":
		if t.DeviceName == "" {
			return nil, errors.Wrap(ErrSourceUnavailable, "dshow needs a device name")
		}
		return []string{"-f", "dshow", "-i", fmt.Sprintf("video=%s", t.DeviceName)}, nil
	case "darwin":
		name := t.DeviceName
		if name == "" {
			name = fmt.Sprint(t.Device)
		}
		return []string{"-f", "avfoundation", "-i", name}, nil
	default:
		name := t.DeviceName
		if name == "" {
			name = fmt.Sprintf("/dev/video%d", t.Device)
		}
		return []string{"-f", "v4l2", "-i", name}, nil
	}
}

func (ws *FFmpegWebcamStreamer) start() error {
	args := append([]string{}, ws.input...)
	args = append(args,
		"-vf", fmt.Sprintf("fps=%g,scale=%d:%d", ws.fps, ws.width, ws.height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)

	ws.cmd = exec.Command("ffmpeg", args...)
	ws.cmd.Stderr = &ws.stderr

	stdout, err := ws.cmd.StdoutPipe()
	if err != nil {
		return err
	}

	if err := ws.cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start error: %w. Details: %s", err, ws.stderr.String())
	}

	ws.stdout = stdout
	ws.started = time.Now()
	return nil
}

func (ws *FFmpegWebcamStreamer) Info() Info {
	return Info{Width: ws.width, Height: ws.height, FPS: ws.fps}
}

func (ws *FFmpegWebcamStreamer) Read() (*models.Frame, error) {
	if ws.eos {
		return nil, ErrEndOfStream
	}

	if _, err := io.ReadFull(ws.stdout, ws.buffer); err != nil {
		ws.eos = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, errors.Wrapf(err, "read camera frame: %s", ws.stderr.String())
	}

	pixelData := make([]byte, len(ws.buffer))
	copy(pixelData, ws.buffer)

	n := ws.next
	ws.next++

	return &models.Frame{
		Image: &image.RGBA{
			Pix:    pixelData,
			Stride: ws.width * bytePerPixel,
			Rect:   image.Rect(0, 0, ws.width, ws.height),
		},
		Ordinal:   n,
		Timestamp: time.Since(ws.started),
		Duration:  ordinalTime(1, ws.fps),
	}, nil
}

func (ws *FFmpegWebcamStreamer) Seek(float64) error { return ErrNotSeekable }

func (ws *FFmpegWebcamStreamer) Close() error {
	ws.stopOnce.Do(func() {
		ws.eos = true
		if ws.stdout != nil {
			ws.stdout.Close()
		}
		if ws.cmd != nil && ws.cmd.Process != nil {
			ws.cmd.Process.Kill()
			ws.cmd.Wait()
		}
	})
	return nil
}

var dshowDevice = regexp.MustCompile(`"([^"]+)"\s+\(video\)`)

// ListCameras returns the camera names the settings UI can offer.
func ListCameras() ([]string, error) {
	var cameras []string

	switch runtime.GOOS {
	case "windows":
		cmd := exec.Command("ffmpeg", "-list_devices", "true", "-f", "dshow", "-i", "dummy")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		cmd.Run()

		cameras = parseDshowDevices(stderr.String())
	default:
		matches, err := filepath.Glob("/dev/video*")
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		cameras = matches
	}

	return cameras, nil
}

func parseDshowDevices(output string) []string {
	var cameras []string
	seen := make(map[string]bool)
	for _, m := range dshowDevice.FindAllStringSubmatch(output, -1) {
		name := m[1]
		if name != "dummy" && !seen[name] {
			cameras = append(cameras, name)
			seen[name] = true
		}
	}
	return cameras
}
