//go:build !linux

package device

import "time"

var _ Device = (*V4L2)(nil)

func init() {
	Register("v4l2", func(opts Options) Device {
		return NewV4L2(opts.V4L2Path)
	})
}

// V4L2 stub
type V4L2 struct{}

// NewV4L2 returns a device whose calls all fail with ErrNotAvailable
func NewV4L2(pathPattern string) *V4L2 {
	return &V4L2{}
}

// Init returns ErrNotAvailable
func (v *V4L2) Init(cameraID int) error { return ErrNotAvailable }

// Exit returns ErrNotAvailable
func (v *V4L2) Exit() error { return ErrNotAvailable }

// ImageFormats returns ErrNotAvailable
func (v *V4L2) ImageFormats() ([]ImageFormat, error) { return nil, ErrNotAvailable }

// SetImageFormat returns ErrNotAvailable
func (v *V4L2) SetImageFormat(formatID int) error { return ErrNotAvailable }

// ClearSequence returns ErrNotAvailable
func (v *V4L2) ClearSequence() error { return ErrNotAvailable }

// AllocImageMem returns ErrNotAvailable
func (v *V4L2) AllocImageMem(width, height, bitsPerPixel int) (*Mem, error) {
	return nil, ErrNotAvailable
}

// AddToSequence returns ErrNotAvailable
func (v *V4L2) AddToSequence(m *Mem) error { return ErrNotAvailable }

// FreeImageMem returns ErrNotAvailable
func (v *V4L2) FreeImageMem(m *Mem) error { return ErrNotAvailable }

// SetExposure returns ErrNotAvailable
func (v *V4L2) SetExposure(ms float64) error { return ErrNotAvailable }

// SetHardwareGain returns ErrNotAvailable
func (v *V4L2) SetHardwareGain(master, red, green, blue int) error { return ErrNotAvailable }

// SetAntiFlicker returns ErrNotAvailable
func (v *V4L2) SetAntiFlicker(mode AntiFlickerMode) error { return ErrNotAvailable }

// SetColorMode returns ErrNotAvailable
func (v *V4L2) SetColorMode(mode ColorMode) error { return ErrNotAvailable }

// SetFrameRate returns ErrNotAvailable
func (v *V4L2) SetFrameRate(fps float64) (float64, error) { return 0, ErrNotAvailable }

// SetEdgeEnhancement returns ErrNotAvailable
func (v *V4L2) SetEdgeEnhancement(level int) error { return ErrNotAvailable }

// EnableEvent returns ErrNotAvailable
func (v *V4L2) EnableEvent(ev Event) error { return ErrNotAvailable }

// WaitEvent returns ErrNotAvailable
func (v *V4L2) WaitEvent(ev Event, timeout time.Duration) error { return ErrNotAvailable }

// CaptureVideo returns ErrNotAvailable
func (v *V4L2) CaptureVideo() error { return ErrNotAvailable }

// ActiveSeqBuf returns ErrNotAvailable
func (v *V4L2) ActiveSeqBuf() (int, *Mem, error) { return 0, nil, ErrNotAvailable }

// ImageInfo returns ErrNotAvailable
func (v *V4L2) ImageInfo(memID int) (ImageInfo, error) { return ImageInfo{}, ErrNotAvailable }
