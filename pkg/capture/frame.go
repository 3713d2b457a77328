package capture

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/video-system/go-ueye-capture/pkg/device"
)

// lease guards a borrowed view of a device buffer
type lease struct {
	revoked atomic.Bool
}

func (l *lease) revoke() {
	if l != nil {
		l.revoked.Store(true)
	}
}

func (l *lease) valid() bool {
	return l != nil && !l.revoked.Load()
}

// Frame is one acquired image. Its pixel data is a borrowed view of a
// device buffer, valid until Release, the next Acquire or Stop.
type Frame struct {
	Width    int
	Height   int
	Encoding device.ColorMode
	// SeqID is the 1-based sequence buffer id
	SeqID int
	MemID int
	// Timestamp is the device clock in seconds, 0 if unreadable
	Timestamp float64
	TraceID   string
	// Repeated is set when no new frame arrived within the timeout and
	// the previously delivered buffer is returned again
	Repeated bool

	data  []byte
	lease *lease
}

// Data returns the borrowed pixel data
func (f *Frame) Data() ([]byte, error) {
	if !f.lease.valid() {
		return nil, ErrFrameReleased
	}
	return f.data, nil
}

// Valid reports whether the borrowed view may still be read
func (f *Frame) Valid() bool {
	return f.lease.valid()
}

// NumBytes is the payload size. Like the other metadata fields it stays
// readable after the view is revoked.
func (f *Frame) NumBytes() int {
	return len(f.data)
}

// Image is an owned frame copy
type Image struct {
	Width     int
	Height    int
	Encoding  device.ColorMode
	Timestamp float64
	Data      []byte
}

// Allocate sizes the image for the given encoding and dimensions. The
// existing backing array is kept when it is large enough.
func (img *Image) Allocate(encoding device.ColorMode, width, height int) {
	n := device.FrameBytes(width, height, encoding)
	if cap(img.Data) >= n {
		img.Data = img.Data[:n]
	} else {
		img.Data = make([]byte, n)
	}
	img.Encoding = encoding
	img.Width = width
	img.Height = height
}

// NumBytes is the payload size
func (img *Image) NumBytes() int {
	return len(img.Data)
}

// CopyAndConvert resizes dst to match src and copies the pixel payload.
// Only the raw pass-through is done; dst always takes src's encoding.
func CopyAndConvert(src *Frame, dst *Image) error {
	data, err := src.Data()
	if err != nil {
		return err
	}
	dst.Allocate(src.Encoding, src.Width, src.Height)
	if len(dst.Data) != len(data) {
		return fmt.Errorf("frame payload is %d bytes, %dx%d %s needs %d",
			len(data), src.Width, src.Height, src.Encoding, len(dst.Data))
	}
	copy(dst.Data, data)
	dst.Timestamp = src.Timestamp
	return nil
}

// packageFrame wraps a completed device buffer into a Frame under a fresh
// lease. A failed timestamp readout leaves Timestamp at 0.
func (s *Session) packageFrame(a acquisition, mem *device.Mem) *Frame {
	f := &Frame{
		Width:    s.width,
		Height:   s.height,
		Encoding: s.encoding,
		SeqID:    a.id,
		MemID:    mem.ID,
		TraceID:  uuid.New().String(),
		Repeated: a.stale,
		data:     mem.Data,
		lease:    &lease{},
	}

	info, err := s.dev.ImageInfo(mem.ID)
	if err != nil {
		s.log.Debugf("image info for buffer %d: %v", mem.ID, err)
	} else {
		f.Timestamp = info.Seconds()
	}
	return f
}
