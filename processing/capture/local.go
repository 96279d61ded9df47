package capture

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"detectview/internal/models"
)

const (
	bytePerPixel        = 4
	standartFps float64 = 30
)

// LocalFileStreamer decodes a video file through an ffmpeg child process
// writing raw RGBA frames to a pipe. Seeking restarts ffmpeg at the target
// timestamp.
type LocalFileStreamer struct {
	path string
	info Info

	cmd    *exec.Cmd
	stdout io.ReadCloser
	buffer []byte

	next int
	eos  bool
}

// NewLocalStreamer probes path and starts decoding from the first frame.
// Zero scaledWidth/scaledHeight keep the native size.
func NewLocalStreamer(path string, scaledWidth, scaledHeight int) (*LocalFileStreamer, error) {
	probe, err := probeVideo(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "probe %s: %v", path, err)
	}

	width, height := probe.Width, probe.Height
	if scaledWidth > 0 && scaledHeight > 0 {
		width, height = scaledWidth, scaledHeight
	}

	ls := &LocalFileStreamer{
		path: path,
		info: Info{
			Width:       width,
			Height:      height,
			FPS:         probe.FPS,
			TotalFrames: probe.Frames,
			Seekable:    probe.Frames > 0,
		},
		buffer: make([]byte, width*height*bytePerPixel),
	}

	if err := ls.start(0); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "start ffmpeg for %s: %v", path, err)
	}
	return ls, nil
}

func (ls *LocalFileStreamer) Info() Info { return ls.info }

func (ls *LocalFileStreamer) start(ordinal int) error {
	ls.stopCmdOut()

	args := []string{"-v", "error"}
	if ordinal > 0 {
		offset := float64(ordinal) / ls.info.FPS
		args = append(args, "-ss", strconv.FormatFloat(offset, 'f', 6, 64))
	}
	args = append(args,
		"-i", ls.path,
		"-vf", fmt.Sprintf("scale=%d:%d:flags=neighbor", ls.info.Width, ls.info.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)

	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	ls.cmd = cmd
	ls.stdout = stdout
	ls.next = ordinal
	ls.eos = false
	return nil
}

func (ls *LocalFileStreamer) Read() (*models.Frame, error) {
	if ls.eos || ls.stdout == nil {
		return nil, ErrEndOfStream
	}

	if _, err := io.ReadFull(ls.stdout, ls.buffer); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			ls.eos = true
			return nil, ErrEndOfStream
		}
		return nil, errors.Wrap(err, "read frame")
	}

	pixelData := make([]byte, len(ls.buffer))
	copy(pixelData, ls.buffer)

	n := ls.next
	ls.next++

	return &models.Frame{
		Image: &image.RGBA{
			Pix:    pixelData,
			Stride: ls.info.Width * bytePerPixel,
			Rect:   image.Rect(0, 0, ls.info.Width, ls.info.Height),
		},
		Ordinal:   n,
		Timestamp: ordinalTime(n, ls.info.FPS),
		Duration:  ordinalTime(1, ls.info.FPS),
	}, nil
}

func (ls *LocalFileStreamer) Seek(fraction float64) error {
	n, err := TargetOrdinal(fraction, ls.info.TotalFrames)
	if err != nil {
		return err
	}
	return errors.Wrap(ls.start(n), "restart ffmpeg")
}

func (ls *LocalFileStreamer) stopCmdOut() error {
	var err error
	if ls.stdout != nil {
		err = ls.stdout.Close()
		ls.stdout = nil
	}
	if ls.cmd != nil && ls.cmd.Process != nil {
		ls.cmd.Process.Kill()
		ls.cmd.Wait()
	}
	ls.cmd = nil
	return err
}

func (ls *LocalFileStreamer) Close() error {
	ls.eos = true
	return ls.stopCmdOut()
}

func ordinalTime(n int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(n) / fps * float64(time.Second))
}

type probeData struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// VideoProbe is what ffprobe reports about the first video stream.
type VideoProbe struct {
	Width    int
	Height   int
	FPS      float64
	Frames   int
	Duration time.Duration
}

func probeVideo(path string) (VideoProbe, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return VideoProbe{}, err
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (VideoProbe, error) {
	var data probeData
	if err := json.Unmarshal(output, &data); err != nil {
		return VideoProbe{}, err
	}

	if len(data.Streams) == 0 {
		return VideoProbe{}, errors.New("no video streams found")
	}
	s := data.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return VideoProbe{}, errors.Errorf("invalid video size %dx%d", s.Width, s.Height)
	}

	p := VideoProbe{Width: s.Width, Height: s.Height}

	p.FPS = parseFrameRate(s.AvgFrameRate)
	if p.FPS <= 0 {
		p.FPS = parseFrameRate(s.RFrameRate)
	}
	if p.FPS <= 0 {
		p.FPS = standartFps
	}

	seconds, _ := strconv.ParseFloat(s.Duration, 64)
	if seconds <= 0 {
		seconds, _ = strconv.ParseFloat(data.Format.Duration, 64)
	}
	p.Duration = time.Duration(seconds * float64(time.Second))

	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		p.Frames = n
	} else if seconds > 0 {
		p.Frames = int(seconds*p.FPS + 0.5)
	}

	return p, nil
}

// parseFrameRate understands ffprobe rates such as "30000/1001" or "25".
func parseFrameRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ProbeFile reports size, rate and length of a video file.
func ProbeFile(path string) (VideoProbe, error) {
	return probeVideo(path)
}
