package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"detectview/internal/models"
)

const (
	defaultRetryDelay  = 5 * time.Second
	defaultJPEGQuality = 85
)

// RemoteDetector runs inference on a detection server reached over a
// websocket. Each frame is sent as a JPEG binary message and answered by a
// JSON array of models.DetectionResult with normalized boxes.
type RemoteDetector struct {
	serverURL  string
	retryDelay time.Duration
	quality    int
	dialer     *websocket.Dialer
	clock      clock.Clock
	log        *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	retryAfter time.Time
	closed     bool
}

type RemoteOption func(*RemoteDetector)

// WithRetryDelay sets how long Infer fails fast after a lost connection.
func WithRetryDelay(d time.Duration) RemoteOption {
	return func(r *RemoteDetector) { r.retryDelay = d }
}

func WithJPEGQuality(q int) RemoteOption {
	return func(r *RemoteDetector) { r.quality = q }
}

func WithRemoteClock(c clock.Clock) RemoteOption {
	return func(r *RemoteDetector) { r.clock = c }
}

func WithRemoteLogger(l *zap.Logger) RemoteOption {
	return func(r *RemoteDetector) { r.log = l }
}

// NewRemoteDetector creates a detector for the server at host ("host:port").
// It does not connect until the first Infer.
func NewRemoteDetector(host string, opts ...RemoteOption) *RemoteDetector {
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}

	d := &RemoteDetector{
		serverURL:  u.String(),
		retryDelay: defaultRetryDelay,
		quality:    defaultJPEGQuality,
		dialer:     websocket.DefaultDialer,
		clock:      clock.New(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *RemoteDetector) URL() string {
	return d.serverURL
}

// Infer sends frame to the server and waits for its answer. Calls are
// serialized over one connection.
func (d *RemoteDetector) Infer(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	// unblock the read below when ctx ends first
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		d.drop(err)
		return nil, errors.Wrap(err, "send frame")
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			// the answer is still in flight, so the connection can't be reused
			conn.Close()
			d.conn = nil
			return nil, ctx.Err()
		}
		d.drop(err)
		return nil, errors.Wrap(err, "read result")
	}

	var results []models.DetectionResult
	if err := json.Unmarshal(message, &results); err != nil {
		return nil, errors.Wrap(err, "decode result")
	}

	dets := make([]models.Detection, 0, len(results))
	for _, r := range results {
		if det, ok := r.ToDetection(frame.Width(), frame.Height()); ok {
			dets = append(dets, det)
		}
	}
	return dets, nil
}

// Close drops the current connection. Later calls to Infer fail with
// ErrDetectorUnavailable and never redial.
func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.conn == nil {
		return nil
	}
	d.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *RemoteDetector) connect(ctx context.Context) (*websocket.Conn, error) {
	if d.closed {
		return nil, errors.Wrap(ErrDetectorUnavailable, "detector closed")
	}
	if d.conn != nil {
		return d.conn, nil
	}
	if now := d.clock.Now(); now.Before(d.retryAfter) {
		return nil, errors.Wrapf(ErrDetectorUnavailable, "retrying in %s", d.retryAfter.Sub(now).Round(time.Millisecond))
	}

	d.log.Info("connecting to detector server", zap.String("url", d.serverURL))
	conn, _, err := d.dialer.DialContext(ctx, d.serverURL, nil)
	if err != nil {
		d.retryAfter = d.clock.Now().Add(d.retryDelay)
		d.log.Warn("connection failed", zap.String("url", d.serverURL), zap.Duration("retry", d.retryDelay), zap.Error(err))
		return nil, errors.Wrapf(ErrDetectorUnavailable, "dial %s: %v", d.serverURL, err)
	}

	d.log.Info("connected to detector server", zap.String("url", d.serverURL))
	d.conn = conn
	return conn, nil
}

func (d *RemoteDetector) drop(err error) {
	d.log.Warn("connection lost", zap.String("url", d.serverURL), zap.Error(err))
	d.conn.Close()
	d.conn = nil
	d.retryAfter = d.clock.Now().Add(d.retryDelay)
}
