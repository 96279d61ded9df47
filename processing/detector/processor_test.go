package processing

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"detectview/internal/models"
	"detectview/processing/capture"
)

const waitTimeout = 2 * time.Second

type fakeSurface struct {
	mu       sync.Mutex
	frames   []*models.Bitmap
	progress []float64
	delay    time.Duration

	shown chan *models.Bitmap
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{shown: make(chan *models.Bitmap, 1024)}
}

func (s *fakeSurface) Display(bmp *models.Bitmap) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.frames = append(s.frames, bmp)
	s.mu.Unlock()

	select {
	case s.shown <- bmp:
	default:
	}
}

func (s *fakeSurface) Progress(fraction float64) {
	s.mu.Lock()
	s.progress = append(s.progress, fraction)
	s.mu.Unlock()
}

func (s *fakeSurface) ordinals() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, capture.PatternOrdinal(f))
	}
	return out
}

func (s *fakeSurface) lastProgress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.progress) == 0 {
		return -1
	}
	return s.progress[len(s.progress)-1]
}

func (s *fakeSurface) wait(t *testing.T) *models.Bitmap {
	t.Helper()
	select {
	case bmp := <-s.shown:
		return bmp
	case <-time.After(waitTimeout):
		t.Fatal("no frame displayed")
		return nil
	}
}

// manualTicker fires only when the test sends on it. The channel is
// unbuffered so a send returns once the loop has taken the tick.
type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time)}
}

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

func (m *manualTicker) tick(t *testing.T) {
	t.Helper()
	select {
	case m.c <- time.Time{}:
	case <-time.After(waitTimeout):
		t.Fatal("loop is not waiting for a tick")
	}
}

type trackedSource struct {
	capture.FrameSource
	closed atomic.Bool
}

func (s *trackedSource) Close() error {
	s.closed.Store(true)
	return s.FrameSource.Close()
}

// liveSource is an endless, non-seekable source like a camera.
type liveSource struct {
	n int
}

func (s *liveSource) Info() capture.Info {
	return capture.Info{Width: 16, Height: 16, FPS: 30}
}

func (s *liveSource) Read() (*models.Frame, error) {
	f := &models.Frame{Image: capture.PatternImage(s.n, 16, 16, 0), Ordinal: s.n}
	s.n++
	return f, nil
}

func (s *liveSource) Seek(float64) error { return capture.ErrNotSeekable }
func (s *liveSource) Close() error       { return nil }

// flakySource fails to decode the listed ordinals.
type flakySource struct {
	*capture.TestPattern
	bad map[int]bool
}

func (s *flakySource) Read() (*models.Frame, error) {
	f, err := s.TestPattern.Read()
	if err != nil {
		return nil, err
	}
	if s.bad[f.Ordinal] {
		return nil, errors.Wrapf(capture.ErrDecodeFailure, "frame %d", f.Ordinal)
	}
	return f, nil
}

type harness struct {
	p       *Processor
	surface *fakeSurface
	ticker  *manualTicker
	src     *trackedSource
}

func newHarness(t *testing.T, src capture.FrameSource, det Detector, opts Options) *harness {
	t.Helper()

	h := &harness{
		surface: newFakeSurface(),
		ticker:  newManualTicker(),
		src:     &trackedSource{FrameSource: src},
	}
	opts.Open = func(capture.Target) (capture.FrameSource, error) { return h.src, nil }
	if opts.NewTicker == nil {
		opts.NewTicker = func(time.Duration) Ticker { return h.ticker }
	}
	opts.Logger = zaptest.NewLogger(t)

	h.p = NewProcessor(h.surface, det, opts)
	t.Cleanup(func() { _ = h.p.Stop() })
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	require.NoError(t, h.p.Open(context.Background(), capture.Target{Kind: capture.KindTestPattern, Frames: 10}))
}

// rawPattern is the bitmap of an unannotated test pattern frame.
func rawPattern(n, width, height, total int) *models.Bitmap {
	return models.BitmapFromImage(capture.PatternImage(n, width, height, total))
}

func waitDone(t *testing.T, p *Processor) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(waitTimeout):
		t.Fatal("stream did not stop")
	}
}

func TestProcessorPlaysFileToEnd(t *testing.T) {
	h := newHarness(t, capture.NewTestPattern(10, 16, 16, 30), nil, Options{})
	h.open(t)
	assert.Equal(t, StateRunning, h.p.State())

	for i := 0; i < 10; i++ {
		h.ticker.tick(t)
		bmp := h.surface.wait(t)
		assert.Equal(t, i, capture.PatternOrdinal(bmp))
		assert.Equal(t, rawPattern(i, 16, 16, 10).Pix, bmp.Pix)
		assert.Equal(t, 3, bmp.Channels)
		assert.Equal(t, models.OrderRGB, bmp.Order)

		if i == 4 {
			assert.InDelta(t, 0.5, h.surface.lastProgress(), 1e-9)
			assert.InDelta(t, 0.5, h.p.Stats().Position, 1e-9)
		}
	}

	h.ticker.tick(t)
	waitDone(t, h.p)

	assert.Equal(t, StateIdle, h.p.State())
	assert.NoError(t, h.p.Err())
	assert.InDelta(t, 1.0, h.surface.lastProgress(), 1e-9)
	assert.True(t, h.src.closed.Load())
	assert.True(t, h.ticker.stopped.Load())
	assert.Equal(t, uint64(10), h.p.Stats().Frames)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, h.surface.ordinals())
}

func TestProcessorPauseSkipsTicks(t *testing.T) {
	h := newHarness(t, capture.NewTestPattern(10, 16, 16, 30), nil, Options{})
	h.open(t)

	h.ticker.tick(t)
	h.surface.wait(t)

	require.NoError(t, h.p.Pause())
	assert.Equal(t, StatePaused, h.p.State())
	require.NoError(t, h.p.Pause(), "pausing twice is a no-op")

	h.ticker.tick(t)
	h.ticker.tick(t)
	h.ticker.tick(t)

	require.NoError(t, h.p.Resume())
	assert.Equal(t, StateRunning, h.p.State())

	h.ticker.tick(t)
	assert.Equal(t, 1, capture.PatternOrdinal(h.surface.wait(t)))

	require.NoError(t, h.p.Stop())
	assert.Equal(t, []int{0, 1}, h.surface.ordinals())
}

func TestProcessorSeek(t *testing.T) {
	h := newHarness(t, capture.NewTestPattern(10, 16, 16, 30), nil, Options{})
	h.open(t)

	h.ticker.tick(t)
	assert.Equal(t, 0, capture.PatternOrdinal(h.surface.wait(t)))

	require.NoError(t, h.p.Seek(0.5))
	h.ticker.tick(t)
	assert.Equal(t, 5, capture.PatternOrdinal(h.surface.wait(t)))

	require.NoError(t, h.p.Pause())
	require.NoError(t, h.p.Seek(0.2))
	require.NoError(t, h.p.Resume())
	h.ticker.tick(t)
	assert.Equal(t, 2, capture.PatternOrdinal(h.surface.wait(t)))

	require.NoError(t, h.p.Seek(1.0))
	h.ticker.tick(t)
	assert.Equal(t, 9, capture.PatternOrdinal(h.surface.wait(t)), "seeking to the end shows the last frame")
}

func TestProcessorSeekErrors(t *testing.T) {
	h := newHarness(t, &liveSource{}, nil, Options{})

	assert.ErrorIs(t, h.p.Seek(0.5), ErrNotOpen)

	h.open(t)
	assert.ErrorIs(t, h.p.Seek(-0.1), capture.ErrInvalidPosition)
	assert.ErrorIs(t, h.p.Seek(1.5), capture.ErrInvalidPosition)
	assert.ErrorIs(t, h.p.Seek(0.5), capture.ErrNotSeekable)

	h.ticker.tick(t)
	h.surface.wait(t)
	assert.Equal(t, StateRunning, h.p.State(), "a rejected seek keeps the stream running")
}

func TestProcessorLiveSourceReportsNoProgress(t *testing.T) {
	h := newHarness(t, &liveSource{}, nil, Options{})
	h.open(t)

	for i := 0; i < 3; i++ {
		h.ticker.tick(t)
		h.surface.wait(t)
	}
	require.NoError(t, h.p.Stop())

	assert.Equal(t, -1.0, h.surface.lastProgress())
	assert.Equal(t, StateIdle, h.p.State())
}

func boxDetector(box image.Rectangle) DetectorFunc {
	return func(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
		return []models.Detection{{Label: "person", ClassID: 0, Confidence: 0.9, Box: box}}, nil
	}
}

func TestProcessorAnnotatesDetections(t *testing.T) {
	box := image.Rect(10, 30, 40, 60)
	h := newHarness(t, capture.NewTestPattern(10, 64, 64, 30), boxDetector(box), Options{})
	h.open(t)

	h.ticker.tick(t)
	bmp := h.surface.wait(t)

	assert.Equal(t, ClassColor(0), bmp.At(10, 45))
	assert.Equal(t, ClassColor(0), bmp.At(39, 45))
	assert.Equal(t, color.RGBA{R: 0, G: 0, B: 0x80, A: 0xff}, bmp.At(25, 45))
	assert.Equal(t, 0, capture.PatternOrdinal(bmp))
}

func TestProcessorSetDetector(t *testing.T) {
	box := image.Rect(10, 30, 40, 60)
	h := newHarness(t, capture.NewTestPattern(10, 64, 64, 30), nil, Options{})
	h.open(t)

	h.ticker.tick(t)
	raw := h.surface.wait(t)
	assert.NotEqual(t, ClassColor(0), raw.At(10, 45))

	h.p.SetDetector(boxDetector(box))
	h.ticker.tick(t)
	assert.Equal(t, ClassColor(0), h.surface.wait(t).At(10, 45))

	h.p.SetDetector(nil)
	h.ticker.tick(t)
	assert.NotEqual(t, ClassColor(0), h.surface.wait(t).At(10, 45))
}

func TestProcessorInferenceFailureShowsRawFrame(t *testing.T) {
	tests := []struct {
		name string
		det  DetectorFunc
	}{
		{
			name: "error",
			det: func(context.Context, *models.Frame) ([]models.Detection, error) {
				return nil, errors.New("model exploded")
			},
		},
		{
			name: "panic",
			det: func(context.Context, *models.Frame) ([]models.Detection, error) {
				panic("index out of range")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var states []State
			var mu sync.Mutex
			h := newHarness(t, capture.NewTestPattern(10, 64, 64, 30), tt.det, Options{
				OnStateChange: func(s State) {
					mu.Lock()
					states = append(states, s)
					mu.Unlock()
				},
			})
			h.open(t)

			for i := 0; i < 10; i++ {
				h.ticker.tick(t)
				bmp := h.surface.wait(t)
				assert.Equal(t, rawPattern(i, 64, 64, 10).Pix, bmp.Pix, "frame %d", i)
				assert.Equal(t, StateRunning, h.p.State())
			}

			h.ticker.tick(t)
			waitDone(t, h.p)

			assert.Equal(t, StateIdle, h.p.State())
			assert.NoError(t, h.p.Err())
			assert.Equal(t, uint64(10), h.p.Stats().InferenceFailures)
			assert.Len(t, h.surface.ordinals(), 10)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []State{StateRunning, StateIdle}, states)
		})
	}
}

func TestProcessorInferenceFailureAbort(t *testing.T) {
	det := DetectorFunc(func(context.Context, *models.Frame) ([]models.Detection, error) {
		return nil, errors.New("model exploded")
	})
	h := newHarness(t, capture.NewTestPattern(10, 16, 16, 30), det, Options{OnInferenceFailure: PolicyAbort})
	h.open(t)

	h.ticker.tick(t)
	waitDone(t, h.p)

	assert.Equal(t, StateIdle, h.p.State())
	assert.Empty(t, h.surface.ordinals())
	assert.True(t, h.src.closed.Load())

	require.Error(t, h.p.Err())
	assert.Contains(t, h.p.Err().Error(), "model exploded")
	assert.NoError(t, h.p.Stop(), "the stream has already ended")
	assert.Error(t, h.p.Err(), "Stop keeps the reason the stream ended")

	h.src = &trackedSource{FrameSource: capture.NewTestPattern(10, 16, 16, 30)}
	h.open(t)
	assert.NoError(t, h.p.Err(), "a new stream clears the previous error")
}

func TestProcessorSkipsUndecodableFrames(t *testing.T) {
	src := &flakySource{TestPattern: capture.NewTestPattern(10, 16, 16, 30), bad: map[int]bool{2: true}}
	h := newHarness(t, src, nil, Options{})
	h.open(t)

	h.ticker.tick(t)
	h.surface.wait(t)
	h.ticker.tick(t)
	h.surface.wait(t)
	h.ticker.tick(t)
	h.ticker.tick(t)
	assert.Equal(t, 3, capture.PatternOrdinal(h.surface.wait(t)))

	require.NoError(t, h.p.Stop())
	assert.Equal(t, []int{0, 1, 3}, h.surface.ordinals())
	assert.Equal(t, uint64(1), h.p.Stats().DecodeFailures)
}

func TestProcessorStopsAfterConsecutiveDecodeFailures(t *testing.T) {
	src := &flakySource{TestPattern: capture.NewTestPattern(10, 16, 16, 30), bad: map[int]bool{1: true, 2: true}}
	h := newHarness(t, src, nil, Options{MaxDecodeFailures: 2})
	h.open(t)

	h.ticker.tick(t)
	h.surface.wait(t)
	h.ticker.tick(t)
	h.ticker.tick(t)
	waitDone(t, h.p)

	assert.Equal(t, StateIdle, h.p.State())
	assert.Equal(t, []int{0}, h.surface.ordinals())
	assert.ErrorIs(t, h.p.Err(), capture.ErrDecodeFailure)
}

func TestProcessorOpenErrors(t *testing.T) {
	p := NewProcessor(newFakeSurface(), nil, Options{
		Logger: zaptest.NewLogger(t),
		Open: func(capture.Target) (capture.FrameSource, error) {
			return nil, errors.Wrap(capture.ErrSourceUnavailable, "no such file")
		},
	})

	err := p.Open(context.Background(), capture.Target{Kind: capture.KindFile, Path: "missing.mp4"})
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable)
	assert.Equal(t, StateIdle, p.State())

	h := newHarness(t, &liveSource{}, nil, Options{})
	h.open(t)
	assert.ErrorIs(t, h.p.Open(context.Background(), capture.Target{Kind: capture.KindTestPattern, Frames: 1}), ErrAlreadyOpen)
}

func TestProcessorOpenDoesNotBlockState(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	src := &trackedSource{FrameSource: capture.NewTestPattern(10, 16, 16, 30)}
	p := NewProcessor(newFakeSurface(), nil, Options{
		Logger:    zaptest.NewLogger(t),
		NewTicker: func(time.Duration) Ticker { return newManualTicker() },
		Open: func(capture.Target) (capture.FrameSource, error) {
			close(entered)
			<-release
			return src, nil
		},
	})
	t.Cleanup(func() { _ = p.Stop() })

	opened := make(chan error, 1)
	go func() {
		opened <- p.Open(context.Background(), capture.Target{Kind: capture.KindFile, Path: "slow.mp4"})
	}()
	<-entered

	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, StateIdle, p.Stats().State)
	assert.ErrorIs(t, p.Open(context.Background(), capture.Target{Kind: capture.KindTestPattern, Frames: 1}), ErrAlreadyOpen)

	close(release)
	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Open did not return")
	}
	assert.Equal(t, StateRunning, p.State())
}

func TestProcessorOpenCancelledWhileOpening(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &trackedSource{FrameSource: capture.NewTestPattern(10, 16, 16, 30)}
	p := NewProcessor(newFakeSurface(), nil, Options{
		Logger: zaptest.NewLogger(t),
		Open: func(capture.Target) (capture.FrameSource, error) {
			cancel()
			return src, nil
		},
	})

	err := p.Open(ctx, capture.Target{Kind: capture.KindFile, Path: "slow.mp4"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, p.State())
	assert.True(t, src.closed.Load())
}

func TestProcessorIdleTransitions(t *testing.T) {
	h := newHarness(t, &liveSource{}, nil, Options{})

	assert.ErrorIs(t, h.p.Pause(), ErrNotOpen)
	assert.ErrorIs(t, h.p.Resume(), ErrNotOpen)
	assert.NoError(t, h.p.Stop())

	h.open(t)
	require.NoError(t, h.p.Resume(), "resuming a running stream is a no-op")
	require.NoError(t, h.p.Stop())
	require.NoError(t, h.p.Stop())

	assert.True(t, h.src.closed.Load())
	assert.ErrorIs(t, h.p.Pause(), ErrNotOpen)
}

func TestProcessorReopenAfterStop(t *testing.T) {
	h := newHarness(t, capture.NewTestPattern(10, 16, 16, 30), nil, Options{})
	h.open(t)
	require.NoError(t, h.p.Stop())

	h.src = &trackedSource{FrameSource: capture.NewTestPattern(10, 16, 16, 30)}
	h.open(t)
	h.ticker.tick(t)
	assert.Equal(t, 0, capture.PatternOrdinal(h.surface.wait(t)))
}

func TestProcessorStopDuringInference(t *testing.T) {
	started := make(chan struct{})
	det := DetectorFunc(func(ctx context.Context, _ *models.Frame) ([]models.Detection, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, capture.NewTestPattern(10, 16, 16, 30), det, Options{})
	h.open(t)

	h.ticker.tick(t)
	<-started
	require.NoError(t, h.p.Stop())

	assert.Equal(t, StateIdle, h.p.State())
	assert.Empty(t, h.surface.ordinals())
	assert.Equal(t, uint64(0), h.p.Stats().InferenceFailures)
}

func TestProcessorStopsWhenContextEnds(t *testing.T) {
	h := newHarness(t, &liveSource{}, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.p.Open(ctx, capture.Target{Kind: capture.KindCamera}))
	done := h.p.Done()
	cancel()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("stream did not stop")
	}
	assert.True(t, h.src.closed.Load())
}

func TestProcessorStateChanges(t *testing.T) {
	var (
		mu     sync.Mutex
		states []State
	)
	h := newHarness(t, &liveSource{}, nil, Options{
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	h.open(t)
	require.NoError(t, h.p.Pause())
	require.NoError(t, h.p.Resume())
	require.NoError(t, h.p.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateRunning, StatePaused, StateRunning, StateIdle}, states)
}

func TestProcessorWorkerModeDeliversLatestFrame(t *testing.T) {
	const total = 50
	h := newHarness(t, capture.NewTestPattern(total, 16, 16, 30), nil, Options{Mode: ModeWorker})
	h.surface.delay = time.Millisecond
	h.open(t)

	waitDone(t, h.p)

	ordinals := h.surface.ordinals()
	require.NotEmpty(t, ordinals)
	assert.Equal(t, total-1, ordinals[len(ordinals)-1], "the final frame is never dropped")
	assert.IsIncreasing(t, ordinals)

	st := h.p.Stats()
	assert.Equal(t, uint64(total), st.Frames+st.Dropped)
	assert.Equal(t, uint64(len(ordinals)), st.Frames)
}

func TestProcessorWorkerModeStatsWhileRunning(t *testing.T) {
	h := newHarness(t, &liveSource{}, nil, Options{Mode: ModeWorker})
	h.surface.delay = time.Millisecond
	h.open(t)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		st := h.p.Stats()
		assert.Equal(t, StateRunning, st.State)
	}
	require.NoError(t, h.p.Stop())

	st := h.p.Stats()
	assert.Positive(t, st.Frames+st.Dropped)
}

func TestProcessorWorkerModeStop(t *testing.T) {
	h := newHarness(t, &liveSource{}, nil, Options{Mode: ModeWorker})
	h.open(t)

	h.surface.wait(t)
	require.NoError(t, h.p.Pause())
	require.NoError(t, h.p.Resume())
	require.NoError(t, h.p.Stop())

	assert.Equal(t, StateIdle, h.p.State())
	assert.True(t, h.src.closed.Load())
}

func TestProcessorClockTicker(t *testing.T) {
	mock := clock.NewMock()
	surface := newFakeSurface()
	p := NewProcessor(surface, nil, Options{
		Clock:  mock,
		Logger: zaptest.NewLogger(t),
		Open: func(capture.Target) (capture.FrameSource, error) {
			return capture.NewTestPattern(10, 16, 16, 25), nil
		},
	})
	t.Cleanup(func() { _ = p.Stop() })

	require.NoError(t, p.Open(context.Background(), capture.Target{Kind: capture.KindTestPattern, Frames: 10}))

	// the ticker is created by the loop goroutine, so keep advancing until it exists
	require.Eventually(t, func() bool {
		mock.Add(40 * time.Millisecond)
		return len(surface.ordinals()) > 0
	}, waitTimeout, time.Millisecond)

	assert.Equal(t, 0, surface.ordinals()[0])
}

func TestProcessorModeFor(t *testing.T) {
	p := NewProcessor(newFakeSurface(), nil, Options{Mode: ModeAuto})
	assert.Equal(t, ModeWorker, p.modeFor(capture.Target{Kind: capture.KindCamera}))
	assert.Equal(t, ModeTimer, p.modeFor(capture.Target{Kind: capture.KindFile, Path: "a.mp4"}))

	p = NewProcessor(newFakeSurface(), nil, Options{})
	assert.Equal(t, ModeTimer, p.modeFor(capture.Target{Kind: capture.KindCamera}))
}

func TestProcessorInterval(t *testing.T) {
	p := NewProcessor(newFakeSurface(), nil, Options{})
	assert.Equal(t, 40*time.Millisecond, p.interval(capture.Info{FPS: 25}))
	assert.Equal(t, defaultInterval, p.interval(capture.Info{}))

	p = NewProcessor(newFakeSurface(), nil, Options{Interval: 100 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, p.interval(capture.Info{FPS: 25}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "paused", StatePaused.String())
}
