package lane

import "container/heap"

// before reports whether a should run ahead of b: higher priority first,
// ties broken by submission order so equal-priority tasks stay FIFO.
func before(a, b *task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// laneHeap orders tasks with before.
type laneHeap []*task

func (h laneHeap) Len() int { return len(h) }

func (h laneHeap) Less(i, j int) bool {
	return before(h[i], h[j])
}

func (h laneHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *laneHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *laneHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// lane is one execution lane: a bounded pool of running tasks fed by a
// priority heap.
type lane struct {
	cfg     LaneConfig
	heap    laneHeap
	running map[string]*task
}

func newLane(cfg LaneConfig) *lane {
	l := &lane{
		cfg:     cfg,
		running: make(map[string]*task),
	}
	heap.Init(&l.heap)
	return l
}

func (l *lane) push(t *task) {
	heap.Push(&l.heap, t)
}

// remove drops a task from the heap wherever it sits.
func (l *lane) remove(t *task) {
	if t.index >= 0 && t.index < len(l.heap) && l.heap[t.index] == t {
		heap.Remove(&l.heap, t.index)
	}
}

func (l *lane) hasCapacity() bool {
	return len(l.running) < l.cfg.MaxConcurrent
}
