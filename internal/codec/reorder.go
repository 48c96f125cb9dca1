package codec

import (
	"container/heap"
	"time"

	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
)

// reorderBuffer turns decode order into presentation order. Frames are held
// in a min-heap by PTS and the earliest is released once more than depth
// frames are waiting.
type reorderBuffer struct {
	depth   int
	buffer  frameHeap
	seq     uint64
	lastPTS time.Duration
	emitted bool

	framesReordered uint64
	framesDropped   uint64
	maxBufferSize   int

	log *logger.SampledLogger
}

// ReorderStats are counters of one reorder buffer.
type ReorderStats struct {
	FramesReordered uint64
	FramesDropped   uint64
	CurrentBuffer   int
	MaxBufferSize   int
}

func newReorderBuffer(depth int, log *logger.SampledLogger) *reorderBuffer {
	if depth < 0 {
		depth = 0
	}
	r := &reorderBuffer{
		depth:  depth,
		buffer: make(frameHeap, 0, depth+1),
		log:    log,
	}
	heap.Init(&r.buffer)
	return r
}

// add queues f and returns the frames that are now safe to present.
func (r *reorderBuffer) add(f *media.Frame) []*media.Frame {
	heap.Push(&r.buffer, heapItem{frame: f, seq: r.seq})
	r.seq++
	if len(r.buffer) > r.maxBufferSize {
		r.maxBufferSize = len(r.buffer)
	}

	var out []*media.Frame
	for len(r.buffer) > r.depth {
		if f := r.pop(); f != nil {
			out = append(out, f)
		}
	}
	return out
}

// drain releases everything still held, in PTS order.
func (r *reorderBuffer) drain() []*media.Frame {
	out := make([]*media.Frame, 0, len(r.buffer))
	for len(r.buffer) > 0 {
		if f := r.pop(); f != nil {
			out = append(out, f)
		}
	}
	return out
}

// reset discards held frames and forgets the output position.
func (r *reorderBuffer) reset() {
	r.buffer = r.buffer[:0]
	r.emitted = false
	r.lastPTS = 0
}

func (r *reorderBuffer) pop() *media.Frame {
	f := heap.Pop(&r.buffer).(heapItem).frame
	if r.emitted && f.PTS < r.lastPTS {
		// arrived after a later frame was already released
		r.framesDropped++
		r.log.WarnWithCategory(logger.CategoryReorder, "dropping frame behind presentation order", map[string]interface{}{
			"stream_id": f.StreamID,
			"pts":       f.PTS,
			"last_pts":  r.lastPTS,
			"depth":     r.depth,
		})
		return nil
	}
	r.lastPTS = f.PTS
	r.emitted = true
	r.framesReordered++
	return f
}

func (r *reorderBuffer) stats() ReorderStats {
	return ReorderStats{
		FramesReordered: r.framesReordered,
		FramesDropped:   r.framesDropped,
		CurrentBuffer:   len(r.buffer),
		MaxBufferSize:   r.maxBufferSize,
	}
}

type heapItem struct {
	frame *media.Frame
	seq   uint64
}

// frameHeap orders by PTS, then by arrival so equal timestamps keep decode
// order.
type frameHeap []heapItem

func (h frameHeap) Len() int { return len(h) }
func (h frameHeap) Less(i, j int) bool {
	if h[i].frame.PTS != h[j].frame.PTS {
		return h[i].frame.PTS < h[j].frame.PTS
	}
	return h[i].seq < h[j].seq
}
func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = heapItem{}
	*h = old[0 : n-1]
	return item
}
