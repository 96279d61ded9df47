package processing

import (
	"context"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"detectview/internal/models"
	"detectview/processing/capture"
)

// ErrInvalidState matches every error returned for an operation that is not
// allowed in the current state.
var ErrInvalidState = errors.New("invalid state")

var (
	ErrNotOpen     = errors.Wrap(ErrInvalidState, "no source is open")
	ErrAlreadyOpen = errors.Wrap(ErrInvalidState, "a source is already open")
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Mode selects how ticks are scheduled.
type Mode string

const (
	// ModeTimer runs one tick per ticker interval on the loop goroutine and
	// displays every frame it reads.
	ModeTimer Mode = "timer"
	// ModeWorker reads and infers as fast as the source delivers and hands
	// results to the display goroutine through a latest-frame-wins mailbox.
	ModeWorker Mode = "worker"
	// ModeAuto uses ModeWorker for cameras and ModeTimer for everything else.
	ModeAuto Mode = "auto"
)

// FailurePolicy decides what a failed inference does to the stream.
type FailurePolicy string

const (
	PolicyFallback FailurePolicy = "fallback"
	PolicyAbort    FailurePolicy = "abort"
)

// Surface receives rendered frames and the playback position.
type Surface interface {
	Display(bmp *models.Bitmap)
	Progress(fraction float64)
}

// SourceOpener opens the frame source for a target.
type SourceOpener func(t capture.Target) (capture.FrameSource, error)

type Options struct {
	Mode Mode
	// Interval between timer ticks. Zero uses the source frame rate.
	Interval time.Duration

	OnInferenceFailure FailurePolicy
	// MaxDecodeFailures stops the stream after that many consecutive
	// undecodable frames. Zero never stops.
	MaxDecodeFailures int
	// DisplaySize scales bitmaps before they reach the surface. Zero keeps
	// the frame size.
	DisplaySize image.Point

	Open      SourceOpener
	Clock     clock.Clock
	NewTicker TickerFunc
	Logger    *zap.Logger

	// OnStateChange is called without locks held, from whichever goroutine
	// caused the transition, with the state current at call time. It must
	// not call Stop.
	OnStateChange func(State)
}

const defaultInterval = 33 * time.Millisecond

// Stats is a snapshot of pump activity.
type Stats struct {
	State             State
	Source            capture.Info
	Frames            uint64
	Dropped           uint64
	DecodeFailures    uint64
	InferenceFailures uint64
	FPS               float64
	Latency           time.Duration
	Position          float64
}

// Processor is the display pump: it pulls frames from a source, runs the
// attached detector, draws the detections and pushes bitmaps to a Surface.
//
// The source is owned by the loop goroutine started by Open. Every other
// method only signals that goroutine.
type Processor struct {
	surface Surface
	opts    Options
	log     *zap.Logger
	clock   clock.Clock

	mu      sync.Mutex
	state   State
	sess    *session
	opening bool
	lastErr error
	dropped uint64

	detMu sync.RWMutex
	det   Detector

	notifyMu sync.Mutex

	frames            atomic.Uint64
	decodeFailures    atomic.Uint64
	inferenceFailures atomic.Uint64

	statMu   sync.Mutex
	latency  time.Duration
	fps      float64
	position float64
	fpsCount int
	fpsSince time.Time
}

type session struct {
	target capture.Target
	mode   Mode
	src    capture.FrameSource
	info   capture.Info

	ctx    context.Context
	cancel context.CancelFunc
	seeks  chan seekRequest
	wake   chan struct{}
	done   chan struct{}
	err    error

	mailbox        *Mailbox[*update]
	decodeFailures int
}

type seekRequest struct {
	fraction float64
	reply    chan error
}

type update struct {
	bmp         *models.Bitmap
	ordinal     int
	progress    float64
	hasProgress bool
	latency     time.Duration
}

func NewProcessor(surface Surface, det Detector, opts Options) *Processor {
	if opts.Mode == "" {
		opts.Mode = ModeTimer
	}
	if opts.OnInferenceFailure == "" {
		opts.OnInferenceFailure = PolicyFallback
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewTicker == nil {
		opts.NewTicker = ClockTickers(opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Open == nil {
		opts.Open = func(t capture.Target) (capture.FrameSource, error) {
			return capture.Open(t, capture.Options{})
		}
	}

	return &Processor{
		surface: surface,
		det:     det,
		opts:    opts,
		log:     opts.Logger,
		clock:   opts.Clock,
	}
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) Detector() Detector {
	p.detMu.RLock()
	defer p.detMu.RUnlock()
	return p.det
}

// SetDetector attaches det, or detaches the current detector when det is
// nil. It takes effect on the next tick.
func (p *Processor) SetDetector(det Detector) {
	p.detMu.Lock()
	p.det = det
	p.detMu.Unlock()
}

// Open opens t and starts playing it. The stream stops when ctx is done,
// on Stop, at the end of the source or on an unrecoverable error.
func (p *Processor) Open(ctx context.Context, t capture.Target) error {
	p.mu.Lock()
	if p.state != StateIdle || p.opening {
		p.mu.Unlock()
		return ErrAlreadyOpen
	}
	p.opening = true
	p.mu.Unlock()

	// p.mu is not held here; opening flags the pump as taken
	src, err := p.opts.Open(t)
	if err == nil && ctx.Err() != nil {
		err = multierr.Append(ctx.Err(), src.Close())
	}
	if err != nil {
		p.mu.Lock()
		p.opening = false
		p.mu.Unlock()
		p.log.Error("open source", zap.Stringer("target", t), zap.Error(err))
		return err
	}

	p.mu.Lock()
	p.opening = false

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		target: t,
		mode:   p.modeFor(t),
		src:    src,
		info:   src.Info(),
		ctx:    sctx,
		cancel: cancel,
		seeks:  make(chan seekRequest),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if s.mode == ModeWorker {
		s.mailbox = NewMailbox[*update]()
	}
	p.sess = s
	p.state = StateRunning
	p.lastErr = nil
	p.mu.Unlock()

	p.statMu.Lock()
	p.position = 0
	p.fps = 0
	p.fpsCount = 0
	p.fpsSince = p.clock.Now()
	p.statMu.Unlock()

	p.log.Info("source opened",
		zap.Stringer("target", t),
		zap.String("mode", string(s.mode)),
		zap.Int("width", s.info.Width),
		zap.Int("height", s.info.Height),
		zap.Float64("fps", s.info.FPS),
		zap.Int("frames", s.info.TotalFrames),
	)
	p.notify()

	go p.run(s)
	return nil
}

func (p *Processor) Pause() error {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.mu.Unlock()
		return ErrNotOpen
	case StatePaused:
		p.mu.Unlock()
		return nil
	}
	p.state = StatePaused
	p.mu.Unlock()

	p.notify()
	return nil
}

func (p *Processor) Resume() error {
	p.mu.Lock()
	switch p.state {
	case StateIdle:
		p.mu.Unlock()
		return ErrNotOpen
	case StateRunning:
		p.mu.Unlock()
		return nil
	}
	p.state = StateRunning
	s := p.sess
	p.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	p.notify()
	return nil
}

// Seek repositions the open source. It returns once the loop goroutine has
// applied the request.
func (p *Processor) Seek(fraction float64) error {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return errors.Wrapf(capture.ErrInvalidPosition, "got %v", fraction)
	}

	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return ErrNotOpen
	}

	req := seekRequest{fraction: fraction, reply: make(chan error, 1)}
	select {
	case s.seeks <- req:
	case <-s.done:
		return ErrNotOpen
	}

	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrNotOpen
		}
	}
}

// Stop ends the stream, waits for the loop to exit and closes the source.
// It returns the error that ended the stream. Stopping an idle pump is a
// no-op; use Err to learn why an earlier stream ended.
func (p *Processor) Stop() error {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	s.cancel()
	<-s.done
	return s.err
}

// Err returns the error that ended the last stream, or nil when it ended
// cleanly or a stream is still open.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Done is closed when the current stream has ended.
func (p *Processor) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.sess.done
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	st := Stats{State: p.state, Dropped: p.dropped}
	if p.sess != nil {
		st.Source = p.sess.info
		if p.sess.mailbox != nil {
			st.Dropped += p.sess.mailbox.Drops()
		}
	}
	p.mu.Unlock()

	st.Frames = p.frames.Load()
	st.DecodeFailures = p.decodeFailures.Load()
	st.InferenceFailures = p.inferenceFailures.Load()

	p.statMu.Lock()
	st.FPS = p.fps
	st.Latency = p.latency
	st.Position = p.position
	p.statMu.Unlock()

	return st
}

func (p *Processor) notify() {
	if p.opts.OnStateChange == nil {
		return
	}
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.opts.OnStateChange(p.State())
}

func (p *Processor) run(s *session) {
	var err error
	if s.mode == ModeWorker {
		err = p.runWorker(s)
	} else {
		err = p.runTimer(s)
	}
	p.finish(s, err)
}

func (p *Processor) modeFor(t capture.Target) Mode {
	if p.opts.Mode != ModeAuto {
		return p.opts.Mode
	}
	if t.Kind == capture.KindCamera {
		return ModeWorker
	}
	return ModeTimer
}

func (p *Processor) interval(info capture.Info) time.Duration {
	if p.opts.Interval > 0 {
		return p.opts.Interval
	}
	if info.FPS > 0 {
		return time.Duration(float64(time.Second) / info.FPS)
	}
	return defaultInterval
}

func (p *Processor) runTimer(s *session) error {
	ticker := p.opts.NewTicker(p.interval(s.info))
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case req := <-s.seeks:
			p.seek(s, req)
		case <-ticker.C():
			if p.State() == StatePaused {
				continue
			}
			u, more, err := p.tick(s)
			if u != nil {
				p.publish(u)
			}
			if !more {
				return err
			}
		}
	}
}

func (p *Processor) runWorker(s *session) error {
	var g errgroup.Group
	g.Go(func() error {
		defer s.mailbox.Close()
		return p.produce(s)
	})
	g.Go(func() error {
		for {
			u, ok := s.mailbox.Take(s.ctx)
			if !ok {
				return nil
			}
			p.publish(u)
		}
	})
	return g.Wait()
}

func (p *Processor) produce(s *session) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case req := <-s.seeks:
			p.seek(s, req)
			continue
		default:
		}

		if p.State() == StatePaused {
			select {
			case <-s.ctx.Done():
				return nil
			case req := <-s.seeks:
				p.seek(s, req)
			case <-s.wake:
			}
			continue
		}

		u, more, err := p.tick(s)
		if u != nil {
			if s.mailbox.Put(u) {
				p.log.Debug("display busy, frame replaced", zap.Int("ordinal", u.ordinal))
			}
		}
		if !more {
			return err
		}
	}
}

func (p *Processor) seek(s *session, req seekRequest) {
	err := s.src.Seek(req.fraction)
	if err != nil {
		p.log.Warn("seek failed", zap.Float64("position", req.fraction), zap.Error(err))
	} else {
		s.decodeFailures = 0
		p.log.Debug("seek", zap.Float64("position", req.fraction))
	}
	req.reply <- err
}

// tick pulls and renders one frame. It returns the update to display (nil
// when the frame was skipped) and whether the stream continues.
func (p *Processor) tick(s *session) (*update, bool, error) {
	start := p.clock.Now()

	frame, err := s.src.Read()
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrEndOfStream):
		p.log.Info("end of stream", zap.Stringer("target", s.target))
		return nil, false, nil
	case errors.Is(err, capture.ErrDecodeFailure):
		p.decodeFailures.Add(1)
		s.decodeFailures++
		if limit := p.opts.MaxDecodeFailures; limit > 0 && s.decodeFailures >= limit {
			return nil, false, errors.Wrapf(err, "%d consecutive decode failures", s.decodeFailures)
		}
		p.log.Warn("skipping undecodable frame", zap.Error(err))
		return nil, true, nil
	default:
		return nil, false, errors.Wrap(err, "read frame")
	}
	s.decodeFailures = 0

	var dets []models.Detection
	if det := p.Detector(); det != nil {
		dets, err = infer(s.ctx, det, frame)
		if s.ctx.Err() != nil {
			return nil, false, nil
		}
		if err != nil {
			p.inferenceFailures.Add(1)
			if p.opts.OnInferenceFailure == PolicyAbort {
				return nil, false, err
			}
			p.log.Warn("inference failed, showing raw frame", zap.Int("ordinal", frame.Ordinal), zap.Error(err))
		}
	}

	u := &update{
		bmp:     render(frame, dets, p.opts.DisplaySize),
		ordinal: frame.Ordinal,
	}
	if total := s.info.TotalFrames; total > 0 {
		u.progress = math.Min(1, float64(frame.Ordinal+1)/float64(total))
		u.hasProgress = true
	}
	u.latency = p.clock.Since(start)
	return u, true, nil
}

func (p *Processor) publish(u *update) {
	p.frames.Add(1)

	p.statMu.Lock()
	p.latency = u.latency
	if u.hasProgress {
		p.position = u.progress
	}
	p.fpsCount++
	if elapsed := p.clock.Since(p.fpsSince); elapsed >= time.Second {
		p.fps = float64(p.fpsCount) / elapsed.Seconds()
		p.fpsCount = 0
		p.fpsSince = p.clock.Now()
	}
	p.statMu.Unlock()

	if u.hasProgress {
		p.surface.Progress(u.progress)
	}
	p.surface.Display(u.bmp)
}

func (p *Processor) finish(s *session, err error) {
	s.cancel()
	if closeErr := s.src.Close(); closeErr != nil {
		err = multierr.Append(err, errors.Wrap(closeErr, "close source"))
	}

	if err != nil {
		p.log.Error("stream stopped", zap.Stringer("target", s.target), zap.Error(err))
	} else {
		p.log.Info("stream closed", zap.Stringer("target", s.target))
	}

	p.mu.Lock()
	s.err = err
	p.lastErr = err
	if s.mailbox != nil {
		p.dropped += s.mailbox.Drops()
	}
	p.sess = nil
	p.state = StateIdle
	p.mu.Unlock()

	p.notify()
	close(s.done)
}
