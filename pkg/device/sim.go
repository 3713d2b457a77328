package device

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var _ Device = (*Sim)(nil)

func init() {
	Register("sim", func(opts Options) Device {
		return NewSim(WithSimFPS(opts.SimFPS))
	})
}

// DefaultSimFormats is the format list reported by a simulator
// constructed without WithSimFormats
var DefaultSimFormats = []ImageFormat{
	{ID: 4, Width: 1280, Height: 1024, Description: "1280x1024 full frame"},
	{ID: 5, Width: 1280, Height: 960, Description: "1280x960 4:3"},
	{ID: 6, Width: 1280, Height: 720, Description: "1280x720 HD"},
	{ID: 8, Width: 1024, Height: 768, Description: "1024x768 XGA"},
	{ID: 11, Width: 800, Height: 600, Description: "800x600 SVGA"},
	{ID: 13, Width: 640, Height: 480, Description: "640x480 VGA"},
	{ID: 20, Width: 320, Height: 240, Description: "320x240 QVGA"},
}

// SimOption configures a Sim
type SimOption func(*Sim)

// WithSimFormats replaces the reported format list
func WithSimFormats(formats ...ImageFormat) SimOption {
	return func(s *Sim) { s.formats = formats }
}

// WithSimFPS makes the simulator complete frames on its own once
// CaptureVideo is called
func WithSimFPS(fps float64) SimOption {
	return func(s *Sim) { s.freeRunFPS = fps }
}

// WithSimInitError makes Init fail with err
func WithSimInitError(err error) SimOption {
	return func(s *Sim) { s.initErr = err }
}

// WithSimAllocFailure makes the n-th AllocImageMem call (1-based, counted
// per Init) fail
func WithSimAllocFailure(n int) SimOption {
	return func(s *Sim) { s.allocFailAt = n }
}

// WithSimParamError makes every parameter setter fail with err
func WithSimParamError(err error) SimOption {
	return func(s *Sim) { s.paramErr = err }
}

// SimParameters is the parameter state last written to a Sim
type SimParameters struct {
	FormatID        int
	Exposure        float64
	Gains           [4]int
	AntiFlicker     AntiFlickerMode
	ColorMode       ColorMode
	FrameRate       float64
	EdgeEnhancement int
}

// Sim is an in-process sequence-buffer camera. Frames complete either on
// Advance or, with WithSimFPS, on an internal ticker.
type Sim struct {
	formats     []ImageFormat
	freeRunFPS  float64
	initErr     error
	allocFailAt int
	paramErr    error

	mu           sync.Mutex
	open         bool
	cameraID     int
	params       SimParameters
	eventEnabled bool
	streaming    bool
	allocCount   int
	nextMemID    int
	mems         map[int]*Mem
	seq          []*Mem
	filling      int
	frames       uint64
	clock        uint64
	info         map[int]ImageInfo
	calls        []string

	event chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewSim creates a simulated camera
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		formats:   DefaultSimFormats,
		nextMemID: 1,
		mems:      make(map[int]*Mem),
		info:      make(map[int]ImageInfo),
		event:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sim) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

// Init opens the simulated camera
func (s *Sim) Init(cameraID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("Init(%d)", cameraID)
	if s.initErr != nil {
		return s.initErr
	}
	if s.open {
		return fmt.Errorf("camera %d already initialized", s.cameraID)
	}
	s.open = true
	s.cameraID = cameraID
	s.params = SimParameters{}
	s.eventEnabled = false
	s.allocCount = 0
	s.seq = nil
	s.filling = 0
	s.frames = 0
	s.info = make(map[int]ImageInfo)
	s.drainEvent()
	return nil
}

// Exit closes the camera and stops streaming
func (s *Sim) Exit() error {
	s.stopFreeRun()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("Exit")
	if !s.open {
		return ErrNotOpen
	}
	s.open = false
	s.streaming = false
	s.eventEnabled = false
	return nil
}

// ImageFormats returns the configured format list
func (s *Sim) ImageFormats() ([]ImageFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, ErrNotOpen
	}
	formats := make([]ImageFormat, len(s.formats))
	copy(formats, s.formats)
	return formats, nil
}

// SetImageFormat selects a format from the list
func (s *Sim) SetImageFormat(formatID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("SetImageFormat(%d)", formatID)
	if !s.open {
		return ErrNotOpen
	}
	for _, f := range s.formats {
		if f.ID == formatID {
			s.params.FormatID = formatID
			return nil
		}
	}
	return fmt.Errorf("unknown image format %d", formatID)
}

// ClearSequence empties the capture sequence
func (s *Sim) ClearSequence() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("ClearSequence")
	if !s.open {
		return ErrNotOpen
	}
	s.seq = nil
	s.filling = 0
	return nil
}

// AllocImageMem allocates one image buffer
func (s *Sim) AllocImageMem(width, height, bitsPerPixel int) (*Mem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, ErrNotOpen
	}
	s.allocCount++
	if s.allocFailAt > 0 && s.allocCount == s.allocFailAt {
		return nil, errors.New("out of image memory")
	}
	if width <= 0 || height <= 0 || bitsPerPixel <= 0 {
		return nil, fmt.Errorf("invalid buffer geometry %dx%dx%d", width, height, bitsPerPixel)
	}

	m := &Mem{
		ID:   s.nextMemID,
		Data: make([]byte, width*height*bitsPerPixel/8),
	}
	s.nextMemID++
	s.mems[m.ID] = m
	return m, nil
}

// AddToSequence appends a buffer to the fill order
func (s *Sim) AddToSequence(m *Mem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrNotOpen
	}
	if m == nil || s.mems[m.ID] != m {
		return errors.New("buffer not allocated by this camera")
	}
	s.seq = append(s.seq, m)
	return nil
}

// FreeImageMem frees a buffer that is no longer in the sequence
func (s *Sim) FreeImageMem(m *Mem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m == nil || s.mems[m.ID] != m {
		return errors.New("buffer not allocated by this camera")
	}
	for _, q := range s.seq {
		if q == m {
			return fmt.Errorf("buffer %d still in capture sequence", m.ID)
		}
	}
	delete(s.mems, m.ID)
	delete(s.info, m.ID)
	return nil
}

func (s *Sim) setParam(name string, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(name)
	if !s.open {
		return ErrNotOpen
	}
	if s.paramErr != nil {
		return s.paramErr
	}
	apply()
	return nil
}

// SetExposure sets the exposure time in milliseconds
func (s *Sim) SetExposure(ms float64) error {
	return s.setParam("SetExposure", func() { s.params.Exposure = ms })
}

// SetHardwareGain sets master and per-channel gains
func (s *Sim) SetHardwareGain(master, red, green, blue int) error {
	return s.setParam("SetHardwareGain", func() { s.params.Gains = [4]int{master, red, green, blue} })
}

// SetAntiFlicker sets flicker compensation
func (s *Sim) SetAntiFlicker(mode AntiFlickerMode) error {
	return s.setParam("SetAntiFlicker", func() { s.params.AntiFlicker = mode })
}

// SetColorMode sets the buffer pixel encoding
func (s *Sim) SetColorMode(mode ColorMode) error {
	return s.setParam("SetColorMode", func() { s.params.ColorMode = mode })
}

// SetFrameRate sets the frame rate and returns the rate in effect
func (s *Sim) SetFrameRate(fps float64) (float64, error) {
	err := s.setParam("SetFrameRate", func() { s.params.FrameRate = fps })
	if err != nil {
		return 0, err
	}
	return fps, nil
}

// SetEdgeEnhancement sets the sharpening level
func (s *Sim) SetEdgeEnhancement(level int) error {
	return s.setParam("SetEdgeEnhancement", func() { s.params.EdgeEnhancement = level })
}

// EnableEvent arms the frame completion event
func (s *Sim) EnableEvent(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("EnableEvent(%d)", ev)
	if !s.open {
		return ErrNotOpen
	}
	if ev != EventFrame {
		return fmt.Errorf("unsupported event %d", ev)
	}
	s.eventEnabled = true
	return nil
}

// WaitEvent blocks until a frame completes or timeout elapses
func (s *Sim) WaitEvent(ev Event, timeout time.Duration) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if ev != EventFrame || !s.eventEnabled {
		s.mu.Unlock()
		return fmt.Errorf("event %d not enabled", ev)
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.event:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// CaptureVideo starts streaming into the sequence buffers
func (s *Sim) CaptureVideo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record("CaptureVideo")
	if !s.open {
		return ErrNotOpen
	}
	if len(s.seq) == 0 {
		return errors.New("no sequence buffers registered")
	}
	s.streaming = true

	if s.freeRunFPS > 0 && s.stop == nil {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.freeRun(time.Duration(float64(time.Second)/s.freeRunFPS), s.stop, s.done)
	}
	return nil
}

// ActiveSeqBuf reports the buffer being filled and the last completed one.
// Before the first frame completes the last buffer is nil.
func (s *Sim) ActiveSeqBuf() (int, *Mem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return 0, nil, ErrNotOpen
	}
	if len(s.seq) == 0 {
		return 0, nil, errors.New("no sequence buffers registered")
	}
	var last *Mem
	if s.frames > 0 {
		last = s.seq[(s.filling+len(s.seq)-1)%len(s.seq)]
	}
	return s.filling + 1, last, nil
}

// ImageInfo returns metadata of the frame last written to memID
func (s *Sim) ImageInfo(memID int) (ImageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ImageInfo{}, ErrNotOpen
	}
	info, ok := s.info[memID]
	if !ok {
		return ImageInfo{}, fmt.Errorf("no image info for buffer %d", memID)
	}
	return info, nil
}

// Advance completes one frame into the buffer being filled. It reports
// false when the camera is not streaming.
func (s *Sim) Advance() bool {
	s.mu.Lock()
	if !s.streaming || len(s.seq) == 0 {
		s.mu.Unlock()
		return false
	}

	m := s.seq[s.filling]
	s.frames++
	for i := range m.Data {
		m.Data[i] = byte(s.frames)
	}
	s.clock += s.frameTicks()
	s.info[m.ID] = ImageInfo{TimestampDevice: s.clock, FrameNumber: s.frames}
	s.filling = (s.filling + 1) % len(s.seq)
	signal := s.eventEnabled
	s.mu.Unlock()

	if signal {
		select {
		case s.event <- struct{}{}:
		default:
		}
	}
	return true
}

// frameTicks is one frame period in device ticks. Caller holds mu.
func (s *Sim) frameTicks() uint64 {
	fps := s.params.FrameRate
	if fps <= 0 {
		fps = 60
	}
	return uint64(TicksPerSecond / fps)
}

func (s *Sim) freeRun(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Advance()
		}
	}
}

func (s *Sim) stopFreeRun() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// drainEvent clears a pending event. Caller holds mu.
func (s *Sim) drainEvent() {
	select {
	case <-s.event:
	default:
	}
}

// IsOpen reports whether the camera is initialized
func (s *Sim) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// CameraID returns the id passed to the last Init
func (s *Sim) CameraID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraID
}

// Allocated returns the number of buffers not yet freed
func (s *Sim) Allocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mems)
}

// SequenceLen returns the number of registered sequence buffers
func (s *Sim) SequenceLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seq)
}

// Streaming reports whether CaptureVideo is in effect
func (s *Sim) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Parameters returns the last written parameter state
func (s *Sim) Parameters() SimParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Calls returns the recorded call log
func (s *Sim) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]string, len(s.calls))
	copy(calls, s.calls)
	return calls
}
