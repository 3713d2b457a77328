package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned by WaitEvent when no event arrived in time
	ErrTimeout = errors.New("device: wait timed out")
	// ErrNotOpen is returned by calls made before Init or after Exit
	ErrNotOpen = errors.New("device: camera not initialized")
	// ErrNotAvailable is returned when a driver is not built into this binary
	ErrNotAvailable = errors.New("device: driver not available on this platform")
)

// Device is the camera SDK surface the capture core relies on.
// Implementations are used from one session at a time; only WaitEvent
// and the buffer fill path need to be safe against the device's own
// producer goroutine.
type Device interface {
	// Lifecycle
	Init(cameraID int) error
	Exit() error

	// Format negotiation
	ImageFormats() ([]ImageFormat, error)
	SetImageFormat(formatID int) error

	// Sequence buffers
	ClearSequence() error
	AllocImageMem(width, height, bitsPerPixel int) (*Mem, error)
	AddToSequence(m *Mem) error
	FreeImageMem(m *Mem) error

	// Parameters
	SetExposure(ms float64) error
	SetHardwareGain(master, red, green, blue int) error
	SetAntiFlicker(mode AntiFlickerMode) error
	SetColorMode(mode ColorMode) error
	SetFrameRate(fps float64) (float64, error)
	SetEdgeEnhancement(level int) error

	// Streaming
	EnableEvent(ev Event) error
	WaitEvent(ev Event, timeout time.Duration) error
	CaptureVideo() error

	// ActiveSeqBuf returns the 1-based sequence number of the buffer the
	// device is currently filling and the last completely written buffer.
	ActiveSeqBuf() (seqNum int, last *Mem, err error)
	ImageInfo(memID int) (ImageInfo, error)
}

// Mem is a device-registered image buffer
type Mem struct {
	ID   int
	Data []byte
}

// ImageFormat is one entry of the device's format list
type ImageFormat struct {
	ID          int    `json:"id"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Description string `json:"description,omitempty"`
}

// ImageInfo holds per-frame metadata read back from the device
type ImageInfo struct {
	// TimestampDevice counts device clock ticks of 100ns
	TimestampDevice uint64
	FrameNumber     uint64
}

// TicksPerSecond converts ImageInfo.TimestampDevice to seconds
const TicksPerSecond = 10_000_000

// Seconds returns the device timestamp in seconds
func (i ImageInfo) Seconds() float64 {
	return float64(i.TimestampDevice) / TicksPerSecond
}

// Event identifies a device event source
type Event int

const (
	EventFrame Event = 2
)

// AntiFlickerMode selects mains-frequency flicker compensation
type AntiFlickerMode int

const (
	AntiFlickerOff     AntiFlickerMode = 0
	AntiFlicker50Fixed AntiFlickerMode = 1
	AntiFlicker60Fixed AntiFlickerMode = 2
)

// ColorMode is the pixel encoding of the sequence buffers
type ColorMode int

const (
	ColorModeMono8 ColorMode = iota + 1
	ColorModeUYVYPacked
	ColorModeYUYVPacked
	ColorModeRGB8Packed
	ColorModeBGRA8Packed
)

// BitsPerPixel returns the storage size of one pixel
func (c ColorMode) BitsPerPixel() int {
	switch c {
	case ColorModeMono8:
		return 8
	case ColorModeUYVYPacked, ColorModeYUYVPacked:
		return 16
	case ColorModeRGB8Packed:
		return 24
	case ColorModeBGRA8Packed:
		return 32
	default:
		return 0
	}
}

func (c ColorMode) String() string {
	switch c {
	case ColorModeMono8:
		return "mono8"
	case ColorModeUYVYPacked:
		return "uyvy"
	case ColorModeYUYVPacked:
		return "yuyv"
	case ColorModeRGB8Packed:
		return "rgb24"
	case ColorModeBGRA8Packed:
		return "bgra"
	default:
		return fmt.Sprintf("colormode(%d)", int(c))
	}
}

// FrameBytes returns the buffer size for a width x height image
func FrameBytes(width, height int, mode ColorMode) int {
	return width * height * mode.BitsPerPixel() / 8
}
