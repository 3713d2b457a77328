package ringbuffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/video-system/go-ueye-capture/pkg/device"
)

// Depth is the number of sequence buffers registered with the device
const Depth = 8

// Allocator is the part of the device that owns sequence buffer memory
type Allocator interface {
	ClearSequence() error
	AllocImageMem(width, height, bitsPerPixel int) (*device.Mem, error)
	AddToSequence(m *device.Mem) error
	FreeImageMem(m *device.Mem) error
}

// Pool is the fixed ring of image buffers the device writes into.
// Entries are kept in registration order; entry i has sequence id i+1.
type Pool struct {
	dev    Allocator
	width  int
	height int
	bpp    int

	mu       sync.RWMutex
	entries  []*device.Mem
	released bool
}

// Allocate allocates Depth buffers and registers each into the device
// capture sequence in allocation order. On failure every buffer allocated
// so far is freed again.
func Allocate(dev Allocator, width, height, bitsPerPixel int) (*Pool, error) {
	p := &Pool{
		dev:     dev,
		width:   width,
		height:  height,
		bpp:     bitsPerPixel,
		entries: make([]*device.Mem, 0, Depth),
	}

	for i := 0; i < Depth; i++ {
		m, err := dev.AllocImageMem(width, height, bitsPerPixel)
		if err != nil {
			err = fmt.Errorf("allocate buffer %d/%d: %w", i+1, Depth, err)
			return nil, errors.Join(err, p.rollback())
		}
		if err := dev.AddToSequence(m); err != nil {
			err = fmt.Errorf("register buffer %d/%d: %w", i+1, Depth, err)
			if ferr := dev.FreeImageMem(m); ferr != nil {
				err = errors.Join(err, fmt.Errorf("free buffer %d: %w", m.ID, ferr))
			}
			return nil, errors.Join(err, p.rollback())
		}
		p.entries = append(p.entries, m)
	}
	return p, nil
}

// rollback undoes a partial Allocate and returns what could not be undone
func (p *Pool) rollback() error {
	p.released = true
	if len(p.entries) == 0 {
		return nil
	}
	return p.free()
}

// Release clears the device sequence and frees every buffer. It must be
// called before the device is closed. Calling it again is a no-op.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil
	}
	p.released = true
	return p.free()
}

// free clears the device sequence, then frees every entry
func (p *Pool) free() error {
	var errs []error
	if err := p.dev.ClearSequence(); err != nil {
		errs = append(errs, fmt.Errorf("clear sequence: %w", err))
	}
	for _, m := range p.entries {
		if err := p.dev.FreeImageMem(m); err != nil {
			errs = append(errs, fmt.Errorf("free buffer %d: %w", m.ID, err))
		}
	}
	p.entries = nil
	return errors.Join(errs...)
}

// Entry returns the buffer with the given 1-based sequence id
func (p *Pool) Entry(seqID int) (*device.Mem, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if seqID < 1 || seqID > len(p.entries) {
		return nil, false
	}
	return p.entries[seqID-1], true
}

// Len returns the number of allocated buffers, 0 after Release
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Depth returns the ring size
func (p *Pool) Depth() int {
	return Depth
}

// Released reports whether Release has run
func (p *Pool) Released() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.released
}

// BufferBytes returns the size of one buffer
func (p *Pool) BufferBytes() int {
	return p.width * p.height * p.bpp / 8
}
