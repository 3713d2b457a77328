package ringbuffer

import (
	"errors"
	"strings"
	"testing"

	"github.com/video-system/go-ueye-capture/pkg/device"
)

func openSim(t *testing.T, opts ...device.SimOption) *device.Sim {
	t.Helper()
	sim := device.NewSim(opts...)
	if err := sim.Init(1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { sim.Exit() })
	return sim
}

func TestAllocate(t *testing.T) {
	sim := openSim(t)

	pool, err := Allocate(sim, 640, 480, 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if pool.Len() != Depth {
		t.Fatalf("Len = %d, want %d", pool.Len(), Depth)
	}
	if sim.SequenceLen() != Depth {
		t.Errorf("SequenceLen = %d, want %d", sim.SequenceLen(), Depth)
	}
	if pool.BufferBytes() != 640*480*2 {
		t.Errorf("BufferBytes = %d", pool.BufferBytes())
	}

	seen := make(map[*device.Mem]bool)
	for id := 1; id <= Depth; id++ {
		m, ok := pool.Entry(id)
		if !ok {
			t.Fatalf("Entry(%d) missing", id)
		}
		if len(m.Data) != 640*480*2 {
			t.Errorf("Entry(%d) size = %d", id, len(m.Data))
		}
		if seen[m] {
			t.Errorf("Entry(%d) duplicated", id)
		}
		seen[m] = true
	}
	for _, id := range []int{0, -1, Depth + 1} {
		if _, ok := pool.Entry(id); ok {
			t.Errorf("Entry(%d) should not resolve", id)
		}
	}
}

func TestAllocateFollowsDeviceOrder(t *testing.T) {
	sim := openSim(t)
	pool, err := Allocate(sim, 4, 4, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	sim.CaptureVideo()

	for id := 1; id <= Depth; id++ {
		sim.Advance()
		_, last, _ := sim.ActiveSeqBuf()
		want, _ := pool.Entry(id)
		if last != want {
			t.Errorf("frame %d landed in mem %d, want entry %d (mem %d)", id, last.ID, id, want.ID)
		}
	}
}

func TestAllocateFailureFreesPartial(t *testing.T) {
	sim := openSim(t, device.WithSimAllocFailure(5))

	pool, err := Allocate(sim, 320, 240, 16)
	if err == nil {
		t.Fatal("expected Allocate to fail")
	}
	if pool != nil {
		t.Error("expected nil pool on failure")
	}
	if sim.Allocated() != 0 {
		t.Errorf("Allocated = %d after failed Allocate, want 0", sim.Allocated())
	}
	if sim.SequenceLen() != 0 {
		t.Errorf("SequenceLen = %d after failed Allocate, want 0", sim.SequenceLen())
	}
}

// refusingFree accepts allocations but refuses to free them
type refusingFree struct {
	*device.Sim
}

func (r refusingFree) FreeImageMem(m *device.Mem) error {
	return errors.New("buffer busy")
}

func TestAllocateFailureReportsRollbackErrors(t *testing.T) {
	sim := openSim(t, device.WithSimAllocFailure(3))

	_, err := Allocate(refusingFree{sim}, 320, 240, 16)
	if err == nil {
		t.Fatal("expected Allocate to fail")
	}
	msg := err.Error()
	if !strings.Contains(msg, "allocate buffer 3/8") || !strings.Contains(msg, "out of image memory") {
		t.Errorf("error does not name the allocation failure: %v", err)
	}
	for _, id := range []string{"free buffer 1", "free buffer 2"} {
		if !strings.Contains(msg, id) {
			t.Errorf("error does not report %q: %v", id, err)
		}
	}
	if sim.SequenceLen() != 0 {
		t.Errorf("SequenceLen = %d, want 0", sim.SequenceLen())
	}
}

func TestRelease(t *testing.T) {
	sim := openSim(t)
	pool, err := Allocate(sim, 320, 240, 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := pool.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !pool.Released() || pool.Len() != 0 {
		t.Errorf("after Release: released=%v len=%d", pool.Released(), pool.Len())
	}
	if sim.Allocated() != 0 || sim.SequenceLen() != 0 {
		t.Errorf("device still holds %d buffers, sequence %d", sim.Allocated(), sim.SequenceLen())
	}

	if err := pool.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestReleaseAfterExit(t *testing.T) {
	sim := openSim(t)
	pool, err := Allocate(sim, 320, 240, 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	sim.Exit()

	if err := pool.Release(); err == nil {
		t.Error("expected Release after device exit to report an error")
	}
	if pool.Len() != 0 {
		t.Errorf("Len = %d, want 0", pool.Len())
	}
}
