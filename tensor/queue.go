// Package tensor stacks preprocessed frames into the normalized NCHW float input the
// models expect.
package tensor

import (
	iface "FaceTrackServer/interface"
)

// FramesPerInference is the temporal stack depth of every model input.
const FramesPerInference = 4

// FrameQueue is a bounded FIFO. Pushing past capacity evicts the oldest frame.
// Not safe for concurrent use; each pipeline owns its queue.
type FrameQueue struct {
	frames   []iface.Frame
	capacity int
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = FramesPerInference
	}
	return &FrameQueue{
		frames:   make([]iface.Frame, 0, capacity),
		capacity: capacity,
	}
}

func (q *FrameQueue) Push(f iface.Frame) {
	if len(q.frames) == q.capacity {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
	}
	q.frames = append(q.frames, f)
}

func (q *FrameQueue) Len() int {
	return len(q.frames)
}

func (q *FrameQueue) Cap() int {
	return q.capacity
}

// Frames returns the queued frames oldest first. The slice is owned by the queue.
func (q *FrameQueue) Frames() []iface.Frame {
	return q.frames
}

func (q *FrameQueue) Reset() {
	clear(q.frames)
	q.frames = q.frames[:0]
}
