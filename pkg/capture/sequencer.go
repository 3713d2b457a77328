package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/video-system/go-ueye-capture/pkg/device"
)

// resolveSeqID maps the sequence number the device reports for the buffer
// it is filling to the 1-based id of the last completed buffer. The device
// reports one past the logical slot, so reported 1 resolves to depth. Any
// reported value is folded into 1..depth; wrapped is true when the
// correction left that range.
func resolveSeqID(reported, depth int) (id int, wrapped bool) {
	id = reported - 1
	if id >= 1 && id <= depth {
		return id, false
	}
	return ((reported-2)%depth+depth)%depth + 1, true
}

// synchronizer blocks on the device frame event. Callers hold the session
// lock for the whole wait.
type synchronizer struct {
	dev device.Device
}

// wait reports whether a frame event arrived before timeout
func (s synchronizer) wait(timeout time.Duration) (arrived bool, err error) {
	err = s.dev.WaitEvent(device.EventFrame, timeout)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, device.ErrTimeout):
		return false, nil
	default:
		return false, fmt.Errorf("wait for frame event: %w", err)
	}
}

// pollResult is one ActiveSeqBuf readout
type pollResult struct {
	reported int
	mem      *device.Mem
}

// sequencer tracks the last delivered buffer and decides whether the
// device has produced a new one since
type sequencer struct {
	dev    device.Device
	waiter synchronizer
	depth  int

	lastMem *device.Mem
	lastID  int
	wraps   uint64
}

func newSequencer(dev device.Device, depth int) *sequencer {
	s := &sequencer{
		dev:    dev,
		waiter: synchronizer{dev: dev},
		depth:  depth,
	}
	s.reset()
	return s
}

func (s *sequencer) reset() {
	s.lastMem = nil
	s.lastID = 1
}

func (s *sequencer) poll() (pollResult, error) {
	reported, mem, err := s.dev.ActiveSeqBuf()
	if err != nil {
		return pollResult{}, fmt.Errorf("poll active buffer: %w", err)
	}
	return pollResult{reported: reported, mem: mem}, nil
}

// acquisition is the outcome of one sequencer step
type acquisition struct {
	id  int
	mem *device.Mem // nil until the device completes its first frame
	// stale is set when the buffer had not advanced even after waiting
	stale   bool
	waited  bool
	arrived bool
}

// acquire polls the device and, if the last completed buffer is the one
// already delivered, waits up to timeout for the next frame and polls
// again. A buffer that still has not advanced is returned marked stale.
func (s *sequencer) acquire(timeout time.Duration) (acquisition, error) {
	p, err := s.poll()
	if err != nil {
		return acquisition{}, err
	}

	var a acquisition
	if p.mem == s.lastMem {
		a.waited = true
		deadline := time.Now().Add(timeout)
		for {
			arrived, err := s.waiter.wait(time.Until(deadline))
			if err != nil {
				return acquisition{}, err
			}
			if p, err = s.poll(); err != nil {
				return acquisition{}, err
			}
			if p.mem != s.lastMem {
				a.arrived = true
				break
			}
			// an event left over from an already delivered frame does
			// not count; keep waiting out the remaining time
			if !arrived || !time.Now().Before(deadline) {
				a.stale = true
				break
			}
		}
	}

	id, wrapped := resolveSeqID(p.reported, s.depth)
	if wrapped && !a.stale {
		s.wraps++
	}
	s.lastMem = p.mem
	s.lastID = id

	a.id = id
	a.mem = p.mem
	return a, nil
}
