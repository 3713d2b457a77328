package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "device:\n  driver: sim\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Capture != DefaultSettings() {
		t.Errorf("capture = %+v, want defaults", cfg.Capture)
	}
	if cfg.API.Port != 8080 || !cfg.API.Enabled {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Capture.AcquireTimeout().Milliseconds() != 100 {
		t.Errorf("acquire timeout = %v", cfg.Capture.AcquireTimeout())
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CAPTURE_CAMERA", "1")
	path := writeConfig(t, `
device:
  driver: v4l2
  v4l2_path: /dev/video%d
capture:
  camera_index: ${CAPTURE_CAMERA}
  resolution: 640x480
  exposure_ms: 8.5
  fps: 30
  red_gain: 0
  edge_enhancement: 2
  strict_timeout: true
api:
  host: 127.0.0.1
  port: 9090
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Device.Driver != "v4l2" || cfg.Device.V4L2Path != "/dev/video%d" {
		t.Errorf("device = %+v", cfg.Device)
	}
	c := cfg.Capture
	if c.CameraIndex != 1 || c.CameraID() != 2 {
		t.Errorf("camera index %d, id %d", c.CameraIndex, c.CameraID())
	}
	if c.Resolution != "640x480" || c.ExposureMS != 8.5 || c.FPS != 30 {
		t.Errorf("capture = %+v", c)
	}
	// An explicit zero is kept, unset keys default.
	if c.RedGain != 0 || c.MasterGain != 80 || c.BlueGain != 42 {
		t.Errorf("gains = %d/%d/%d/%d", c.MasterGain, c.RedGain, c.GreenGain, c.BlueGain)
	}
	if !c.StrictTimeout || c.StrictParameters {
		t.Errorf("strict timeout %v, strict parameters %v", c.StrictTimeout, c.StrictParameters)
	}
	if cfg.API.Host != "127.0.0.1" || cfg.API.Port != 9090 {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "capture: [1, 2")); err == nil {
		t.Error("expected parse error")
	}
	_, err := LoadConfig(writeConfig(t, "capture:\n  resolution: 1920x1080\n"))
	if err == nil || !strings.Contains(err.Error(), "1920x1080") {
		t.Errorf("expected resolution error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		field  string
	}{
		{"resolution", func(s *Settings) { s.Resolution = "640x481" }, "resolution"},
		{"camera index", func(s *Settings) { s.CameraIndex = -1 }, "camera_index"},
		{"exposure", func(s *Settings) { s.ExposureMS = 0 }, "exposure_ms"},
		{"fps", func(s *Settings) { s.FPS = -5 }, "fps"},
		{"gain", func(s *Settings) { s.BlueGain = 101 }, "blue_gain"},
		{"edge", func(s *Settings) { s.EdgeEnhancement = -1 }, "edge_enhancement"},
		{"timeout", func(s *Settings) { s.AcquireTimeoutMS = 0 }, "acquire_timeout_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			err := s.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate = %v, want error naming %s", err, tt.field)
			}
		})
	}

	for _, res := range Resolutions {
		s := DefaultSettings()
		s.Resolution = res
		if err := s.Validate(); err != nil {
			t.Errorf("%s: %v", res, err)
		}
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in     string
		w, h   int
		hasErr bool
	}{
		{"1280x1024", 1280, 1024, false},
		{"320x240", 320, 240, false},
		{"640", 0, 0, true},
		{"x480", 0, 0, true},
		{"640x", 0, 0, true},
		{"0x480", 0, 0, true},
		{"axb", 0, 0, true},
	}
	for _, tt := range tests {
		w, h, err := ParseResolution(tt.in)
		if (err != nil) != tt.hasErr {
			t.Errorf("ParseResolution(%q) error = %v", tt.in, err)
			continue
		}
		if w != tt.w || h != tt.h {
			t.Errorf("ParseResolution(%q) = %dx%d, want %dx%d", tt.in, w, h, tt.w, tt.h)
		}
	}
}
