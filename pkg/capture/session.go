package capture

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kataras/golog"
	"github.com/video-system/go-ueye-capture/pkg/device"
	"github.com/video-system/go-ueye-capture/pkg/ringbuffer"
)

// MethodName identifies this capture source
const MethodName = "uEye"

var (
	ErrNotCapturing     = errors.New("capture: not capturing")
	ErrAlreadyCapturing = errors.New("capture: already capturing")
	ErrFrameReleased    = errors.New("capture: frame released")
	ErrAcquireTimeout   = errors.New("capture: no new frame within timeout")
	ErrBusy             = errors.New("capture: settings cannot change while streaming")
	ErrInvalidSettings  = errors.New("capture: invalid settings")
)

// State is the session lifecycle state
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Session
type Option func(*Session)

// WithLogger replaces the session logger
func WithLogger(l *golog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// runInfo describes the current streaming run
type runInfo struct {
	sessionID  string
	cameraID   int
	resolution string
	width      int
	height     int
	encoding   device.ColorMode
	frameRate  float64
	startedAt  time.Time
}

// Session drives one camera through Start, Acquire and Stop. Start, Stop,
// SetConfig and the whole of Acquire are serialized on one mutex, so Stop
// waits for an in-flight Acquire to return. State and counters are
// readable without the lock.
type Session struct {
	dev device.Device
	log *golog.Logger

	mu       sync.Mutex
	active   Settings
	pool     *ringbuffer.Pool
	seq      *sequencer
	current  *lease
	width    int
	height   int
	encoding device.ColorMode

	settings  atomic.Pointer[Settings]
	run       atomic.Pointer[runInfo]
	poolRef   atomic.Pointer[ringbuffer.Pool]
	state     atomic.Int32
	delivered atomic.Uint64
	repeated  atomic.Uint64
	wraps     atomic.Uint64
	lastSeqID atomic.Int64
	lastTS    atomic.Uint64
}

// NewSession creates an idle session for dev
func NewSession(dev device.Device, settings Settings, opts ...Option) *Session {
	s := &Session{
		dev:      dev,
		log:      golog.Child("[capture]"),
		encoding: device.ColorModeUYVYPacked,
	}
	s.settings.Store(&settings)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MethodName returns the capture method identity
func (s *Session) MethodName() string {
	return MethodName
}

// State returns the lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsCapturing reports whether frames can be acquired
func (s *Session) IsCapturing() bool {
	return s.State() == StateStreaming
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Config returns the settings the next Start will use
func (s *Session) Config() Settings {
	return *s.settings.Load()
}

// SetConfig replaces the settings. It fails with ErrBusy unless the
// session is idle.
func (s *Session) SetConfig(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateIdle {
		return ErrBusy
	}
	s.settings.Store(&settings)
	s.log.Infof("settings updated: %s, exposure %gms, %g fps", settings.Resolution, settings.ExposureMS, settings.FPS)
	return nil
}

// Start opens the camera, negotiates the format, registers the buffer
// pool, applies parameters and starts streaming. On failure everything
// acquired is released and the session stays idle.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateIdle {
		return ErrAlreadyCapturing
	}

	cfg := *s.settings.Load()
	s.setState(StateOpening)
	s.log.Infof("starting capture, camera id %d", cfg.CameraID())

	if err := s.dev.Init(cfg.CameraID()); err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("open camera %d: %w", cfg.CameraID(), err)
	}

	info, err := s.open(cfg)
	if err != nil {
		s.teardown()
		s.setState(StateIdle)
		return err
	}

	s.active = cfg
	s.run.Store(info)
	s.delivered.Store(0)
	s.repeated.Store(0)
	s.wraps.Store(0)
	s.lastSeqID.Store(0)
	s.lastTS.Store(0)
	s.setState(StateStreaming)
	s.log.Infof("capture started (session %s, %s %s, %g fps)",
		info.sessionID, info.resolution, info.encoding, info.frameRate)
	return nil
}

// open runs the start sequence after the device is initialized
func (s *Session) open(cfg Settings) (*runInfo, error) {
	width, height, err := ParseResolution(cfg.Resolution)
	if err != nil {
		return nil, err
	}
	s.selectFormat(width, height)

	if err := s.dev.ClearSequence(); err != nil {
		s.log.Warnf("clear sequence: %v", err)
	}
	pool, err := ringbuffer.Allocate(s.dev, width, height, s.encoding.BitsPerPixel())
	if err != nil {
		return nil, fmt.Errorf("allocate buffer pool: %w", err)
	}
	s.pool = pool
	s.poolRef.Store(pool)
	s.seq = newSequencer(s.dev, pool.Depth())
	s.width, s.height = width, height

	apply := func(name string, err error) error {
		if err == nil {
			return nil
		}
		if cfg.StrictParameters {
			return fmt.Errorf("set %s: %w", name, err)
		}
		s.log.Warnf("set %s: %v", name, err)
		return nil
	}

	if err := apply("exposure", s.dev.SetExposure(cfg.ExposureMS)); err != nil {
		return nil, err
	}
	if err := apply("hardware gain", s.dev.SetHardwareGain(cfg.MasterGain, cfg.RedGain, cfg.GreenGain, cfg.BlueGain)); err != nil {
		return nil, err
	}
	if err := apply("anti-flicker", s.dev.SetAntiFlicker(device.AntiFlicker50Fixed)); err != nil {
		return nil, err
	}
	if err := apply("color mode", s.dev.SetColorMode(s.encoding)); err != nil {
		return nil, err
	}
	fps, err := s.dev.SetFrameRate(cfg.FPS)
	if err := apply("frame rate", err); err != nil {
		return nil, err
	}
	if err != nil {
		fps = cfg.FPS
	} else if fps != cfg.FPS {
		s.log.Infof("frame rate %g requested, camera runs at %g", cfg.FPS, fps)
	}

	if err := s.dev.EnableEvent(device.EventFrame); err != nil {
		return nil, fmt.Errorf("enable frame event: %w", err)
	}
	if err := s.dev.CaptureVideo(); err != nil {
		return nil, fmt.Errorf("start video capture: %w", err)
	}

	if err := apply("edge enhancement", s.dev.SetEdgeEnhancement(cfg.EdgeEnhancement)); err != nil {
		return nil, err
	}

	return &runInfo{
		sessionID:  uuid.New().String(),
		cameraID:   cfg.CameraID(),
		resolution: cfg.Resolution,
		width:      width,
		height:     height,
		encoding:   s.encoding,
		frameRate:  fps,
		startedAt:  time.Now(),
	}, nil
}

// selectFormat picks the device format matching width x height. A missing
// match is not fatal; the camera keeps its current format.
func (s *Session) selectFormat(width, height int) {
	formats, err := s.dev.ImageFormats()
	if err != nil {
		s.log.Warnf("enumerate image formats: %v", err)
	}
	for _, f := range formats {
		if f.Width == width && f.Height == height {
			if err := s.dev.SetImageFormat(f.ID); err != nil {
				s.log.Warnf("set image format %d (%dx%d): %v", f.ID, width, height, err)
			}
			return
		}
	}
	s.log.Warnf("unsupported resolution %dx%d", width, height)
}

// Stop stops streaming and releases the buffers and the camera. Stop on an
// idle session is a no-op. Teardown errors are logged.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateIdle {
		return nil
	}

	s.setState(StateStopping)
	s.teardown()
	s.setState(StateIdle)

	if info := s.run.Load(); info != nil {
		s.log.Infof("capture stopped (session %s, %d frames, %d repeated)",
			info.sessionID, s.delivered.Load(), s.repeated.Load())
	}
	return nil
}

// teardown releases the pool before closing the device. Caller holds mu.
func (s *Session) teardown() {
	s.current.revoke()
	s.current = nil

	if s.pool != nil {
		if err := s.pool.Release(); err != nil {
			s.log.Warnf("release buffer pool: %v", err)
		}
		s.pool = nil
	}
	if err := s.dev.Exit(); err != nil {
		s.log.Warnf("close camera: %v", err)
	}
	if s.seq != nil {
		s.seq.reset()
	}
}

// Acquire returns the next frame using the configured timeout
func (s *Session) Acquire() (*Frame, error) {
	return s.AcquireTimeout(s.Config().AcquireTimeout())
}

// AcquireTimeout returns the most recently completed frame, waiting up to
// timeout when the device has not completed a new one since the previous
// call. If none arrives the previous frame is returned again with
// Repeated set, or ErrAcquireTimeout with strict timeouts. The previous
// frame's data view is revoked.
func (s *Session) AcquireTimeout(timeout time.Duration) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStreaming {
		return nil, ErrNotCapturing
	}

	s.current.revoke()
	s.current = nil

	a, err := s.seq.acquire(timeout)
	if err != nil {
		return nil, err
	}
	s.wraps.Store(s.seq.wraps)

	if a.stale {
		s.repeated.Add(1)
		if s.active.StrictTimeout {
			return nil, fmt.Errorf("%w (%v)", ErrAcquireTimeout, timeout)
		}
		s.log.Debugf("no new frame within %v, repeating buffer %d", timeout, a.id)
	}

	mem := a.mem
	if mem == nil {
		// nothing completed yet; hand out the slot the id resolves to
		mem, _ = s.pool.Entry(a.id)
	}

	f := s.packageFrame(a, mem)
	s.current = f.lease
	s.delivered.Add(1)
	s.lastSeqID.Store(int64(a.id))
	s.lastTS.Store(math.Float64bits(f.Timestamp))
	return f, nil
}

// Release ends the frame's borrowed view. The device keeps ownership of
// the buffer.
func (s *Session) Release(f *Frame) {
	if f != nil {
		f.lease.revoke()
	}
}

// CopyAndConvert copies src into the owned image dst
func (s *Session) CopyAndConvert(src *Frame, dst *Image) error {
	return CopyAndConvert(src, dst)
}

// ResetBus always succeeds; the device needs no bus reset
func (s *Session) ResetBus() error {
	return nil
}

// ReadAllParameterValues is a no-op; settings are read at Start
func (s *Session) ReadAllParameterValues() {}
