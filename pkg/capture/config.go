package capture

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Resolutions lists the selectable frame dimensions
var Resolutions = []string{
	"1280x1024",
	"1280x960",
	"1280x720",
	"1024x1024",
	"1024x768",
	"800x600",
	"640x480",
	"320x240",
}

// Config holds all process configuration
type Config struct {
	Device  DeviceConfig `yaml:"device"`
	Capture Settings     `yaml:"capture"`
	API     APIConfig    `yaml:"api"`
	Log     LogConfig    `yaml:"log"`
}

// DeviceConfig selects the camera driver
type DeviceConfig struct {
	Driver   string  `yaml:"driver"`    // sim, v4l2
	V4L2Path string  `yaml:"v4l2_path"` // printf pattern, /dev/video%d
	SimFPS   float64 `yaml:"sim_fps"`   // free-run rate of the simulator
}

// Settings are the camera knobs read once per Start
type Settings struct {
	CameraIndex      int     `yaml:"camera_index" json:"camera_index"`
	Resolution       string  `yaml:"resolution" json:"resolution"`   // one of Resolutions
	ExposureMS       float64 `yaml:"exposure_ms" json:"exposure_ms"` // milliseconds
	FPS              float64 `yaml:"fps" json:"fps"`
	MasterGain       int     `yaml:"master_gain" json:"master_gain"`
	RedGain          int     `yaml:"red_gain" json:"red_gain"`
	GreenGain        int     `yaml:"green_gain" json:"green_gain"`
	BlueGain         int     `yaml:"blue_gain" json:"blue_gain"`
	EdgeEnhancement  int     `yaml:"edge_enhancement" json:"edge_enhancement"`
	AcquireTimeoutMS int     `yaml:"acquire_timeout_ms" json:"acquire_timeout_ms"`

	// StrictTimeout makes Acquire fail with ErrAcquireTimeout instead of
	// returning a repeated frame
	StrictTimeout bool `yaml:"strict_timeout" json:"strict_timeout"`
	// StrictParameters makes any parameter setter failure abort Start
	StrictParameters bool `yaml:"strict_parameters" json:"strict_parameters"`
}

// APIConfig configures the control API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultSettings returns the factory camera settings
func DefaultSettings() Settings {
	return Settings{
		CameraIndex:      0,
		Resolution:       "1280x1024",
		ExposureMS:       12,
		FPS:              60,
		MasterGain:       80,
		RedGain:          17,
		GreenGain:        0,
		BlueGain:         42,
		EdgeEnhancement:  9,
		AcquireTimeoutMS: 100,
	}
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Driver:   "sim",
			V4L2Path: "/dev/video%d",
			SimFPS:   60,
		},
		Capture: DefaultSettings(),
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from a YAML file. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Device.Driver == "" {
		cfg.Device.Driver = "sim"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if err := cfg.Capture.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings against the supported ranges
func (s Settings) Validate() error {
	var errs []error
	if !IsSupportedResolution(s.Resolution) {
		errs = append(errs, fmt.Errorf("resolution %q not one of %s", s.Resolution, strings.Join(Resolutions, ", ")))
	}
	if s.CameraIndex < 0 {
		errs = append(errs, fmt.Errorf("camera_index must be >= 0, got %d", s.CameraIndex))
	}
	if s.ExposureMS <= 0 {
		errs = append(errs, fmt.Errorf("exposure_ms must be > 0, got %g", s.ExposureMS))
	}
	if s.FPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be > 0, got %g", s.FPS))
	}
	gains := []struct {
		name  string
		value int
	}{
		{"master_gain", s.MasterGain},
		{"red_gain", s.RedGain},
		{"green_gain", s.GreenGain},
		{"blue_gain", s.BlueGain},
	}
	for _, g := range gains {
		if g.value < 0 || g.value > 100 {
			errs = append(errs, fmt.Errorf("%s must be within 0..100, got %d", g.name, g.value))
		}
	}
	if s.EdgeEnhancement < 0 {
		errs = append(errs, fmt.Errorf("edge_enhancement must be >= 0, got %d", s.EdgeEnhancement))
	}
	if s.AcquireTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("acquire_timeout_ms must be > 0, got %d", s.AcquireTimeoutMS))
	}
	return errors.Join(errs...)
}

// AcquireTimeout returns the acquire wait bound
func (s Settings) AcquireTimeout() time.Duration {
	return time.Duration(s.AcquireTimeoutMS) * time.Millisecond
}

// CameraID is the 1-based id the device SDK expects
func (s Settings) CameraID() int {
	return s.CameraIndex + 1
}

// IsSupportedResolution reports whether res is in Resolutions
func IsSupportedResolution(res string) bool {
	for _, r := range Resolutions {
		if r == res {
			return true
		}
	}
	return false
}

// ParseResolution splits "WxH" into width and height
func ParseResolution(res string) (width, height int, err error) {
	w, h, ok := strings.Cut(res, "x")
	if !ok {
		return 0, 0, fmt.Errorf("malformed resolution %q", res)
	}
	width, err = strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("malformed resolution %q", res)
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("malformed resolution %q", res)
	}
	return width, height, nil
}
