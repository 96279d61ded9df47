package capture

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindFile        Kind = "file"
	KindCamera      Kind = "camera"
	KindImage       Kind = "image"
	KindTestPattern Kind = "pattern"
)

// Target names what to open: a file path, a camera index (optionally with a
// platform device name), a still image or a synthetic pattern.
type Target struct {
	Kind       Kind
	Path       string
	Device     int
	DeviceName string
	Frames     int
}

func (t Target) String() string {
	switch t.Kind {
	case KindCamera:
		if t.DeviceName != "" {
			return fmt.Sprintf("camera %q", t.DeviceName)
		}
		return fmt.Sprintf("camera #%d", t.Device)
	case KindTestPattern:
		return fmt.Sprintf("test pattern (%d frames)", t.Frames)
	default:
		return fmt.Sprintf("%s %s", t.Kind, t.Path)
	}
}

// Options tune how video files and cameras are decoded.
type Options struct {
	// Backend selects a registered decoder; empty picks DefaultBackend.
	Backend string
	// Width and Height scale decoded frames; zero keeps the native size.
	Width  int
	Height int
	// FPS is the capture rate requested from cameras.
	FPS float64
}

// Opener opens files and cameras for one backend.
type Opener func(t Target, o Options) (FrameSource, error)

const DefaultBackend = "ffmpeg"

var (
	backendsMu sync.RWMutex
	backends   = map[string]Opener{
		DefaultBackend: openFFmpeg,
	}
)

// RegisterBackend makes a decoder available under name. Backends that need
// cgo live in their own packages and register themselves from init.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if open == nil {
		panic("capture: RegisterBackend with nil opener")
	}
	backends[name] = open
}

// Backends lists the registered decoder names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens t. Failures match ErrSourceUnavailable.
func Open(t Target, o Options) (FrameSource, error) {
	switch t.Kind {
	case KindImage:
		return OpenImage(t.Path)
	case KindTestPattern:
		if t.Frames <= 0 {
			return nil, errors.Wrap(ErrSourceUnavailable, "test pattern needs a positive frame count")
		}
		w, h := o.Width, o.Height
		if w <= 0 || h <= 0 {
			w, h = defaultCameraWidth, defaultCameraHeight
		}
		return NewTestPattern(t.Frames, w, h, o.FPS), nil
	case KindFile, KindCamera:
	default:
		return nil, errors.Wrapf(ErrSourceUnavailable, "невідоме джерело: %s", t.Kind)
	}

	name := o.Backend
	if name == "" {
		name = DefaultBackend
	}

	backendsMu.RLock()
	open, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrSourceUnavailable, "unknown capture backend %q", name)
	}

	src, err := open(t, o)
	if err != nil {
		if !errors.Is(err, ErrSourceUnavailable) {
			err = errors.Wrapf(ErrSourceUnavailable, "%s: %v", t, err)
		}
		return nil, err
	}
	return src, nil
}

func openFFmpeg(t Target, o Options) (FrameSource, error) {
	if t.Kind == KindCamera {
		return NewFFmpegWebcam(t, o.FPS, o.Width, o.Height)
	}
	return NewLocalStreamer(t.Path, o.Width, o.Height)
}
