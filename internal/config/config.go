package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"detectview/processing/capture"
)

type SourceType string

const (
	SourceLocal   SourceType = "Local"
	SourceWebcam  SourceType = "Web-Camera"
	SourceImage   SourceType = "Image"
	SourcePattern SourceType = "Pattern"

	DefaultConfigPath           string = "config.json"
	DefaultDetectorProcessorUrl string = "localhost:8080"

	EnvPrefix = "DETECTVIEW_"
)

var SourcesList = [...]string{
	string(SourceLocal),
	string(SourceWebcam),
	string(SourceImage),
	string(SourcePattern),
}

type DetectorKind string

const (
	DetectorNone   DetectorKind = "none"
	DetectorRemote DetectorKind = "remote"
	DetectorYOLO   DetectorKind = "yolo"
)

type LocalConfig struct {
	Path string `json:"path"`
}

type WebcamConfig struct {
	DeviceID string `json:"device_id"`
	// DeviceName is the DirectShow name on Windows.
	DeviceName string `json:"device_name,omitempty"`
}

type ImageConfig struct {
	Path string `json:"path"`
}

type PatternConfig struct {
	Frames int `json:"frames"`
}

type DetectorConfig struct {
	Kind DetectorKind `json:"kind"`

	Host          string `json:"host"`
	RetryDelaySec int    `json:"retry_delay_sec"`

	ModelPath     string  `json:"model_path"`
	InputSize     int     `json:"input_size"`
	ConfThreshold float32 `json:"conf_threshold"`
	NMSThreshold  float32 `json:"nms_threshold"`
}

type PumpConfig struct {
	// Mode is "auto", "timer" or "worker".
	Mode string `json:"mode"`
	// OnInferenceFailure is "fallback" or "abort".
	OnInferenceFailure string `json:"on_inference_failure"`
	MaxDecodeFailures  int    `json:"max_decode_failures"`
}

type Config struct {
	mu sync.RWMutex

	ActiveSource SourceType `json:"active_source"`
	Backend      string     `json:"backend"`
	TargetFPS    uint       `json:"target_fps"`
	ScaledWidth  int        `json:"scaled_width"`
	ScaledHeight int        `json:"scaled_height"`
	LogLevel     string     `json:"log_level"`

	Local   LocalConfig   `json:"local"`
	Webcam  WebcamConfig  `json:"webcam"`
	Image   ImageConfig   `json:"image"`
	Pattern PatternConfig `json:"pattern"`

	Detector DetectorConfig `json:"detector"`
	Pump     PumpConfig     `json:"pump"`
}

func (c *Config) GetFPS() uint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TargetFPS
}

func (c *Config) SetFPS(fps uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TargetFPS = fps
}

func (c *Config) GetWidth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ScaledWidth
}

func (c *Config) SetWidth(width int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ScaledWidth = width
}

func (c *Config) GetHeight() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ScaledHeight
}

func (c *Config) SetHeight(height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ScaledHeight = height
}

func (c *Config) GetSource() SourceType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ActiveSource
}

func (c *Config) SetSource(s SourceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ActiveSource = s
}

func (c *Config) GetLocalPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Local.Path
}

func (c *Config) SetLocalPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Local.Path = path
}

func (c *Config) GetImagePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Image.Path
}

func (c *Config) SetImagePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Image.Path = path
}

func (c *Config) GetPatternFrames() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Pattern.Frames
}

func (c *Config) SetPatternFrames(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pattern.Frames = n
}

func (c *Config) GetWebcam() WebcamConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Webcam
}

func (c *Config) SetWebcam(w WebcamConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Webcam = w
}

func (c *Config) GetDetector() DetectorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Detector
}

func (c *Config) SetDetector(d DetectorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Detector = d
}

func (c *Config) GetPump() PumpConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Pump
}

func (c *Config) GetLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevel
}

func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LogLevel = level
}

// Target describes the active source.
func (c *Config) Target() (capture.Target, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.ActiveSource {
	case SourceLocal:
		return capture.Target{Kind: capture.KindFile, Path: c.Local.Path}, nil
	case SourceImage:
		return capture.Target{Kind: capture.KindImage, Path: c.Image.Path}, nil
	case SourcePattern:
		return capture.Target{Kind: capture.KindTestPattern, Frames: c.Pattern.Frames}, nil
	case SourceWebcam:
		id, err := strconv.Atoi(strings.TrimSpace(c.Webcam.DeviceID))
		if err != nil && c.Webcam.DeviceName == "" {
			return capture.Target{}, errors.Wrapf(err, "webcam device id %q", c.Webcam.DeviceID)
		}
		return capture.Target{Kind: capture.KindCamera, Device: id, DeviceName: c.Webcam.DeviceName}, nil
	default:
		return capture.Target{}, errors.Errorf("unknown source %q", c.ActiveSource)
	}
}

// CaptureOptions returns the decoding settings for capture.Open.
func (c *Config) CaptureOptions() capture.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return capture.Options{
		Backend: c.Backend,
		Width:   c.ScaledWidth,
		Height:  c.ScaledHeight,
		FPS:     float64(c.TargetFPS),
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var err error

	switch c.ActiveSource {
	case SourceLocal, SourceWebcam, SourceImage:
	case SourcePattern:
		if c.Pattern.Frames <= 0 {
			err = multierr.Append(err, errors.Errorf("pattern.frames must be positive, got %d", c.Pattern.Frames))
		}
	default:
		err = multierr.Append(err, errors.Errorf("unknown active_source %q", c.ActiveSource))
	}

	if c.TargetFPS == 0 {
		err = multierr.Append(err, errors.New("target_fps must be positive"))
	}
	if c.ScaledWidth <= 0 || c.ScaledHeight <= 0 {
		err = multierr.Append(err, errors.Errorf("scaled size must be positive, got %dx%d", c.ScaledWidth, c.ScaledHeight))
	}

	switch c.Detector.Kind {
	case DetectorNone:
	case DetectorRemote:
		if c.Detector.Host == "" {
			err = multierr.Append(err, errors.New("detector.host is required for the remote detector"))
		}
	case DetectorYOLO:
		if c.Detector.ModelPath == "" {
			err = multierr.Append(err, errors.New("detector.model_path is required for the yolo detector"))
		}
		if c.Detector.InputSize <= 0 {
			err = multierr.Append(err, errors.Errorf("detector.input_size must be positive, got %d", c.Detector.InputSize))
		}
	default:
		err = multierr.Append(err, errors.Errorf("unknown detector.kind %q", c.Detector.Kind))
	}
	if !validThreshold(c.Detector.ConfThreshold) || !validThreshold(c.Detector.NMSThreshold) {
		err = multierr.Append(err, errors.New("detector thresholds must be in (0, 1]"))
	}

	switch c.Pump.Mode {
	case "auto", "timer", "worker":
	default:
		err = multierr.Append(err, errors.Errorf("unknown pump.mode %q", c.Pump.Mode))
	}
	switch c.Pump.OnInferenceFailure {
	case "fallback", "abort":
	default:
		err = multierr.Append(err, errors.Errorf("unknown pump.on_inference_failure %q", c.Pump.OnInferenceFailure))
	}
	if c.Pump.MaxDecodeFailures < 0 {
		err = multierr.Append(err, errors.New("pump.max_decode_failures must not be negative"))
	}

	return err
}

func validThreshold(v float32) bool {
	return v > 0 && v <= 1
}

// ApplyEnv overrides settings from DETECTVIEW_* variables looked up with
// lookup, normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	var err error
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = multierr.Append(err, errors.Wrapf(convErr, "%s%s", EnvPrefix, name))
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float32) {
		if v, ok := get(name); ok {
			f, convErr := strconv.ParseFloat(v, 32)
			if convErr != nil {
				err = multierr.Append(err, errors.Wrapf(convErr, "%s%s", EnvPrefix, name))
				return
			}
			*dst = float32(f)
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	if v, ok := get("SOURCE"); ok {
		c.ActiveSource = SourceType(v)
	}
	setString("PATH", &c.Local.Path)
	setString("IMAGE", &c.Image.Path)
	setString("CAMERA", &c.Webcam.DeviceID)
	setString("BACKEND", &c.Backend)
	setString("LOG_LEVEL", &c.LogLevel)
	if v, ok := get("FPS"); ok {
		n, convErr := strconv.ParseUint(v, 10, 32)
		if convErr != nil {
			err = multierr.Append(err, errors.Wrapf(convErr, "%sFPS", EnvPrefix))
		} else {
			c.TargetFPS = uint(n)
		}
	}
	setInt("WIDTH", &c.ScaledWidth)
	setInt("HEIGHT", &c.ScaledHeight)

	if v, ok := get("DETECTOR"); ok {
		c.Detector.Kind = DetectorKind(v)
	}
	setString("DETECTOR_HOST", &c.Detector.Host)
	setString("MODEL", &c.Detector.ModelPath)
	setInt("INPUT_SIZE", &c.Detector.InputSize)
	setFloat("CONF_THRESHOLD", &c.Detector.ConfThreshold)
	setFloat("NMS_THRESHOLD", &c.Detector.NMSThreshold)

	setString("PUMP_MODE", &c.Pump.Mode)
	setString("ON_INFERENCE_FAILURE", &c.Pump.OnInferenceFailure)
	setInt("MAX_DECODE_FAILURES", &c.Pump.MaxDecodeFailures)

	return err
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped and variables already set win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(existing...), "load .env")
}

func (c *Config) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "open config")
	}
	defer f.Close()

	c.mu.RLock()
	defer c.mu.RUnlock()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return nil
}

func (c *Config) SaveByDefault() error {
	return c.Save(DefaultConfigPath)
}

// LoadConfigFile reads path over the defaults. A missing file yields the
// defaults; a malformed one is an error.
func LoadConfigFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return cfg, nil
}

// Load reads path, applies the environment and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func NewDefaultConfig() *Config {
	return &Config{
		ActiveSource: SourceLocal,
		Backend:      capture.DefaultBackend,
		Local:        LocalConfig{Path: "..."},
		Webcam:       WebcamConfig{DeviceID: "0"},
		Pattern:      PatternConfig{Frames: 300},
		TargetFPS:    24,
		ScaledWidth:  640,
		ScaledHeight: 640,
		LogLevel:     "info",
		Detector: DetectorConfig{
			Kind:          DetectorNone,
			Host:          DefaultDetectorProcessorUrl,
			RetryDelaySec: 5,
			InputSize:     640,
			ConfThreshold: 0.25,
			NMSThreshold:  0.45,
		},
		Pump: PumpConfig{
			Mode:               "auto",
			OnInferenceFailure: "fallback",
		},
	}
}
