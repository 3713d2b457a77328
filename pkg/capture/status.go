package capture

import (
	"math"
	"time"

	"github.com/video-system/go-ueye-capture/pkg/ringbuffer"
)

// Status is a point-in-time view of the session
type Status struct {
	SessionID       string    `json:"session_id,omitempty"`
	Method          string    `json:"method"`
	State           string    `json:"state"`
	Capturing       bool      `json:"capturing"`
	CameraID        int       `json:"camera_id,omitempty"`
	Resolution      string    `json:"resolution,omitempty"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
	Encoding        string    `json:"encoding,omitempty"`
	FrameRate       float64   `json:"frame_rate,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	PoolDepth       int       `json:"pool_depth"`
	PoolAllocated   int       `json:"pool_allocated"`
	BufferBytes     int       `json:"buffer_bytes,omitempty"`
	FramesDelivered uint64    `json:"frames_delivered"`
	FramesRepeated  uint64    `json:"frames_repeated"`
	Wraps           uint64    `json:"wraps"`
	LastSeqID       int       `json:"last_seq_id"`
	LastTimestamp   float64   `json:"last_timestamp"`
}

// Status returns the current status without taking the session lock, so
// it can be read while an Acquire is blocked
func (s *Session) Status() Status {
	st := s.State()
	status := Status{
		Method:          MethodName,
		State:           st.String(),
		Capturing:       st == StateStreaming,
		PoolDepth:       ringbuffer.Depth,
		FramesDelivered: s.delivered.Load(),
		FramesRepeated:  s.repeated.Load(),
		Wraps:           s.wraps.Load(),
		LastSeqID:       int(s.lastSeqID.Load()),
		LastTimestamp:   math.Float64frombits(s.lastTS.Load()),
	}
	if pool := s.poolRef.Load(); pool != nil {
		status.PoolAllocated = pool.Len()
		if status.PoolAllocated > 0 {
			status.BufferBytes = pool.BufferBytes()
		}
	}
	if info := s.run.Load(); info != nil {
		status.SessionID = info.sessionID
		status.CameraID = info.cameraID
		status.Resolution = info.resolution
		status.Width = info.width
		status.Height = info.height
		status.Encoding = info.encoding.String()
		status.FrameRate = info.frameRate
		status.StartedAt = info.startedAt
	}
	return status
}
