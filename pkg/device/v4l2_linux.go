//go:build linux

package device

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

// pumpWaitSeconds bounds one kernel wait, and so how long Exit waits
// for the dequeue goroutine
const pumpWaitSeconds = 1

var _ Device = (*V4L2)(nil)

func init() {
	Register("v4l2", func(opts Options) Device {
		return NewV4L2(opts.V4L2Path)
	})
}

// V4L2 control ids (linux/v4l2-controls.h)
const (
	cidRedBalance         webcam.ControlID = 0x0098090e
	cidBlueBalance        webcam.ControlID = 0x0098090f
	cidGain               webcam.ControlID = 0x00980913
	cidPowerLineFrequency webcam.ControlID = 0x00980918
	cidSharpness          webcam.ControlID = 0x0098091b
	cidExposureAuto       webcam.ControlID = 0x009a0901
	cidExposureAbsolute   webcam.ControlID = 0x009a0902
)

// V4L2_EXPOSURE_MANUAL
const exposureManual = 1

// frameSource is the kernel buffer queue
type frameSource interface {
	WaitForFrame(timeout uint32) error
	GetFrame() ([]byte, uint32, error)
	ReleaseFrame(index uint32) error
}

type controlSetter interface {
	SetControl(id webcam.ControlID, value int32) error
}

func fourcc(code string) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24)
}

var colorModeFourCC = map[ColorMode]webcam.PixelFormat{
	ColorModeMono8:       fourcc("GREY"),
	ColorModeUYVYPacked:  fourcc("UYVY"),
	ColorModeYUYVPacked:  fourcc("YUYV"),
	ColorModeRGB8Packed:  fourcc("RGB3"),
	ColorModeBGRA8Packed: fourcc("BGR4"),
}

type v4l2Format struct {
	pixfmt webcam.PixelFormat
	width  uint32
	height uint32
}

// V4L2 drives a Video4Linux2 camera through blackjack/webcam. The kernel
// owns the mmap buffers. While streaming, a goroutine dequeues every
// completed buffer and copies it into the next sequence buffer, so
// callers see the same ring as on a native SDK and the last filled slot
// always holds the newest frame.
type V4L2 struct {
	pathPattern string
	event       chan struct{}

	mu        sync.Mutex
	cam       *webcam.Webcam
	ctrl      controlSetter
	formats   []v4l2Format
	pixfmt    webcam.PixelFormat
	width     uint32
	height    uint32
	mems      map[int]*Mem
	nextMemID int
	seq       []*Mem
	filling   int
	frames    uint64
	info      map[int]ImageInfo
	events    bool
	streaming bool
	started   time.Time

	stop chan struct{}
	done chan struct{}
}

// NewV4L2 creates a V4L2 device. pathPattern receives the 0-based camera
// index, e.g. "/dev/video%d".
func NewV4L2(pathPattern string) *V4L2 {
	if pathPattern == "" {
		pathPattern = "/dev/video%d"
	}
	return &V4L2{
		pathPattern: pathPattern,
		event:       make(chan struct{}, 1),
		nextMemID:   1,
		mems:        make(map[int]*Mem),
		info:        make(map[int]ImageInfo),
	}
}

// Init opens /dev/videoN for camera id N+1
func (v *V4L2) Init(cameraID int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam != nil {
		return errors.New("camera already initialized")
	}
	path := fmt.Sprintf(v.pathPattern, cameraID-1)
	cam, err := webcam.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	v.cam = cam
	v.ctrl = cam
	v.formats = nil
	v.seq = nil
	v.filling = 0
	v.frames = 0
	v.events = false
	v.streaming = false
	v.drainEvent()
	return nil
}

// Exit stops the dequeue goroutine, stops streaming and closes the device
func (v *V4L2) Exit() error {
	v.stopPump()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return ErrNotOpen
	}
	var errs []error
	if v.streaming {
		errs = append(errs, v.cam.StopStreaming())
		v.streaming = false
	}
	errs = append(errs, v.cam.Close())
	v.cam = nil
	v.ctrl = nil
	return errors.Join(errs...)
}

// ImageFormats flattens the driver's pixel formats and frame sizes
func (v *V4L2) ImageFormats() ([]ImageFormat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return nil, ErrNotOpen
	}

	supported := v.cam.GetSupportedFormats()
	pixfmts := make([]webcam.PixelFormat, 0, len(supported))
	for pf := range supported {
		pixfmts = append(pixfmts, pf)
	}
	sort.Slice(pixfmts, func(i, j int) bool { return pixfmts[i] < pixfmts[j] })

	v.formats = v.formats[:0]
	var list []ImageFormat
	add := func(pf webcam.PixelFormat, w, h uint32) {
		list = append(list, ImageFormat{
			ID:          len(v.formats),
			Width:       int(w),
			Height:      int(h),
			Description: fmt.Sprintf("%s %dx%d", supported[pf], w, h),
		})
		v.formats = append(v.formats, v4l2Format{pixfmt: pf, width: w, height: h})
	}

	for _, pf := range pixfmts {
		for _, size := range v.cam.GetSupportedFrameSizes(pf) {
			add(pf, size.MaxWidth, size.MaxHeight)
			if size.MinWidth != size.MaxWidth || size.MinHeight != size.MaxHeight {
				add(pf, size.MinWidth, size.MinHeight)
			}
		}
	}
	return list, nil
}

// SetImageFormat applies an entry from the last ImageFormats call
func (v *V4L2) SetImageFormat(formatID int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return ErrNotOpen
	}
	if formatID < 0 || formatID >= len(v.formats) {
		return fmt.Errorf("unknown image format %d", formatID)
	}
	f := v.formats[formatID]
	pf, w, h, err := v.cam.SetImageFormat(f.pixfmt, f.width, f.height)
	if err != nil {
		return fmt.Errorf("set image format: %w", err)
	}
	v.pixfmt, v.width, v.height = pf, w, h
	return nil
}

// ClearSequence empties the ring
func (v *V4L2) ClearSequence() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return ErrNotOpen
	}
	v.seq = nil
	v.filling = 0
	return nil
}

// AllocImageMem allocates a ring buffer in Go memory
func (v *V4L2) AllocImageMem(width, height, bitsPerPixel int) (*Mem, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return nil, ErrNotOpen
	}
	if width <= 0 || height <= 0 || bitsPerPixel <= 0 {
		return nil, fmt.Errorf("invalid buffer geometry %dx%dx%d", width, height, bitsPerPixel)
	}
	m := &Mem{ID: v.nextMemID, Data: make([]byte, width*height*bitsPerPixel/8)}
	v.nextMemID++
	v.mems[m.ID] = m
	return m, nil
}

// AddToSequence appends a buffer to the ring
func (v *V4L2) AddToSequence(m *Mem) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if m == nil || v.mems[m.ID] != m {
		return errors.New("buffer not allocated by this camera")
	}
	v.seq = append(v.seq, m)
	return nil
}

// FreeImageMem drops a buffer
func (v *V4L2) FreeImageMem(m *Mem) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if m == nil || v.mems[m.ID] != m {
		return errors.New("buffer not allocated by this camera")
	}
	delete(v.mems, m.ID)
	delete(v.info, m.ID)
	return nil
}

func (v *V4L2) setControl(id webcam.ControlID, value int32) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ctrl == nil {
		return ErrNotOpen
	}
	return v.ctrl.SetControl(id, value)
}

// SetExposure switches auto exposure off and sets
// V4L2_CID_EXPOSURE_ABSOLUTE (100us units). UVC cameras reject the
// absolute value while auto exposure is on.
func (v *V4L2) SetExposure(ms float64) error {
	if err := v.setControl(cidExposureAuto, exposureManual); err != nil {
		return fmt.Errorf("manual exposure: %w", err)
	}
	return v.setControl(cidExposureAbsolute, int32(math.Round(ms*10)))
}

// SetHardwareGain maps master to V4L2_CID_GAIN and red/blue to the white
// balance components. V4L2 has no green balance control.
func (v *V4L2) SetHardwareGain(master, red, green, blue int) error {
	return errors.Join(
		v.setControl(cidGain, int32(master)),
		v.setControl(cidRedBalance, int32(red)),
		v.setControl(cidBlueBalance, int32(blue)),
	)
}

// SetAntiFlicker sets V4L2_CID_POWER_LINE_FREQUENCY
func (v *V4L2) SetAntiFlicker(mode AntiFlickerMode) error {
	var value int32
	switch mode {
	case AntiFlicker50Fixed:
		value = 1
	case AntiFlicker60Fixed:
		value = 2
	}
	return v.setControl(cidPowerLineFrequency, value)
}

// SetColorMode re-applies the current frame size with the mode's fourcc
func (v *V4L2) SetColorMode(mode ColorMode) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return ErrNotOpen
	}
	pf, ok := colorModeFourCC[mode]
	if !ok {
		return fmt.Errorf("unsupported color mode %s", mode)
	}
	if v.width == 0 || v.height == 0 {
		v.pixfmt = pf
		return nil
	}
	pf, w, h, err := v.cam.SetImageFormat(pf, v.width, v.height)
	if err != nil {
		return fmt.Errorf("set color mode %s: %w", mode, err)
	}
	v.pixfmt, v.width, v.height = pf, w, h
	return nil
}

// SetFrameRate sets the streaming parameters' frame interval
func (v *V4L2) SetFrameRate(fps float64) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return 0, ErrNotOpen
	}
	if err := v.cam.SetFramerate(float32(fps)); err != nil {
		return 0, err
	}
	return fps, nil
}

// SetEdgeEnhancement sets V4L2_CID_SHARPNESS
func (v *V4L2) SetEdgeEnhancement(level int) error {
	return v.setControl(cidSharpness, int32(level))
}

// EnableEvent arms frame completion
func (v *V4L2) EnableEvent(ev Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return ErrNotOpen
	}
	if ev != EventFrame {
		return fmt.Errorf("unsupported event %d", ev)
	}
	v.events = true
	return nil
}

// CaptureVideo requests one kernel buffer per ring slot, starts streaming
// and starts the dequeue goroutine
func (v *V4L2) CaptureVideo() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return ErrNotOpen
	}
	if len(v.seq) == 0 {
		return errors.New("no sequence buffers registered")
	}
	if err := v.cam.SetBufferCount(uint32(len(v.seq))); err != nil {
		return fmt.Errorf("set buffer count: %w", err)
	}
	if err := v.cam.StartStreaming(); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	v.streaming = true
	v.started = time.Now()

	if v.stop == nil {
		v.stop = make(chan struct{})
		v.done = make(chan struct{})
		go v.pump(v.cam, v.stop, v.done)
	}
	return nil
}

// pump dequeues kernel buffers as they complete and copies each into the
// ring until stop is closed
func (v *V4L2) pump(src frameSource, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var timeoutErr *webcam.Timeout
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := src.WaitForFrame(pumpWaitSeconds)
		switch {
		case errors.As(err, &timeoutErr):
			continue
		case err != nil:
			logger.Errorf("v4l2 wait for frame: %v", err)
			return
		}

		frame, index, err := src.GetFrame()
		if err != nil {
			logger.Warnf("v4l2 dequeue frame: %v", err)
			continue
		}
		if len(frame) > 0 {
			v.store(frame)
		}
		if err := src.ReleaseFrame(index); err != nil {
			logger.Warnf("v4l2 requeue buffer %d: %v", index, err)
		}
	}
}

// store copies a dequeued frame into the slot being filled, advances the
// ring and signals the frame event
func (v *V4L2) store(frame []byte) {
	v.mu.Lock()
	if len(v.seq) == 0 {
		v.mu.Unlock()
		return
	}
	m := v.seq[v.filling]
	copy(m.Data, frame)
	v.frames++
	v.info[m.ID] = ImageInfo{
		TimestampDevice: uint64(time.Since(v.started) / 100),
		FrameNumber:     v.frames,
	}
	v.filling = (v.filling + 1) % len(v.seq)
	signal := v.events
	v.mu.Unlock()

	if signal {
		select {
		case v.event <- struct{}{}:
		default:
		}
	}
}

func (v *V4L2) stopPump() {
	v.mu.Lock()
	stop, done := v.stop, v.done
	v.stop, v.done = nil, nil
	v.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// drainEvent clears a pending event. Caller holds mu.
func (v *V4L2) drainEvent() {
	select {
	case <-v.event:
	default:
	}
}

// WaitEvent blocks until the dequeue goroutine completes a frame or
// timeout elapses
func (v *V4L2) WaitEvent(ev Event, timeout time.Duration) error {
	v.mu.Lock()
	open, ready := v.cam != nil, v.streaming && v.events && ev == EventFrame
	v.mu.Unlock()

	if !open {
		return ErrNotOpen
	}
	if !ready {
		return fmt.Errorf("event %d not enabled", ev)
	}
	return v.waitFrame(timeout)
}

func (v *V4L2) waitFrame(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-v.event:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// ActiveSeqBuf reports the slot to be filled next and the last filled one
func (v *V4L2) ActiveSeqBuf() (int, *Mem, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cam == nil {
		return 0, nil, ErrNotOpen
	}
	if len(v.seq) == 0 {
		return 0, nil, errors.New("no sequence buffers registered")
	}
	seqNum, last := v.ringPosition()
	return seqNum, last, nil
}

// ringPosition is the 1-based slot being filled and the last filled
// buffer, nil before the first frame. Caller holds mu.
func (v *V4L2) ringPosition() (int, *Mem) {
	var last *Mem
	if v.frames > 0 {
		last = v.seq[(v.filling+len(v.seq)-1)%len(v.seq)]
	}
	return v.filling + 1, last
}

// ImageInfo returns the host-side timestamp recorded at dequeue
func (v *V4L2) ImageInfo(memID int) (ImageInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	info, ok := v.info[memID]
	if !ok {
		return ImageInfo{}, fmt.Errorf("no image info for buffer %d", memID)
	}
	return info, nil
}
