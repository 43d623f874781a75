package interceptor

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// scheduledFrame is one entry of a write direction's scheduled-frame queue:
// a frame to deliver no earlier than releaseAt, or (closeAfter) the sentinel
// that shuts the write half down once everything due before it is out.
type scheduledFrame struct {
	frame      *Frame
	releaseAt  time.Time
	closeAfter bool
	seq        uint64
}

// scheduledFrameQueue is the bounded hand-off between reader tasks and one
// write loop. The channel bound provides backpressure: a reader that would
// overflow the queue suspends until the writer catches up. Release-time
// ordering is not the channel's job; the write loop re-orders entries in a
// min-heap keyed by releaseAt, so a frame enqueued later with a shorter delay
// overtakes an earlier one still being held back.
type scheduledFrameQueue struct {
	direction Direction
	in        chan *scheduledFrame
	seq       uint64
}

func newScheduledFrameQueue(direction Direction, sizeFrames int) *scheduledFrameQueue {
	return &scheduledFrameQueue{
		direction: direction,
		in:        make(chan *scheduledFrame, sizeFrames),
	}
}

func (q *scheduledFrameQueue) enqueueFrame(ctx context.Context, f *Frame, releaseAt time.Time) error {
	return q.enqueue(ctx, &scheduledFrame{frame: f, releaseAt: releaseAt})
}

func (q *scheduledFrameQueue) enqueueClose(ctx context.Context, releaseAt time.Time) error {
	return q.enqueue(ctx, &scheduledFrame{closeAfter: true, releaseAt: releaseAt})
}

func (q *scheduledFrameQueue) enqueue(ctx context.Context, item *scheduledFrame) error {
	item.seq = atomic.AddUint64(&q.seq, 1)
	select {
	case q.in <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeInput marks the end of the producer side. Called exactly once, after
// both reader tasks have terminated.
func (q *scheduledFrameQueue) closeInput() {
	close(q.in)
}

// frameHeap orders scheduled frames by release time, FIFO among equal release
// times, so the write loop always picks the earliest-due entry and the
// sequence of written release times is monotonically non-decreasing.
type frameHeap []*scheduledFrame

func (h frameHeap) Len() int {
	return len(h)
}

func (h frameHeap) Less(i, j int) bool {
	if h[i].releaseAt.Equal(h[j].releaseAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].releaseAt.Before(h[j].releaseAt)
}

func (h frameHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *frameHeap) Push(x interface{}) {
	*h = append(*h, x.(*scheduledFrame))
}

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*frameHeap)(nil)
