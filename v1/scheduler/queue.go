package scheduler

import (
	"container/heap"
	"time"
)

// Priority is an ordered tier. Lower values are dequeued first.
type Priority int

const (
	// PriorityCritical covers administrative commands and essential
	// lifecycle commands.
	PriorityCritical Priority = iota
	// PriorityUser covers ordinary user-triggered actions.
	PriorityUser
	// PriorityBackground covers bulk and maintenance jobs.
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityUser:
		return "user"
	case PriorityBackground:
		return "background"
	default:
		return "custom"
	}
}

// WorkItem is a unit of scheduled work. The scheduler never inspects Payload.
type WorkItem struct {
	Priority   Priority
	EnqueuedAt time.Time
	Payload    any

	seq uint64
}

// before reports whether a sorts ahead of b: priority, then enqueue time,
// then submission sequence so equal timestamps stay FIFO.
func (a WorkItem) before(b WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

type itemHeap []WorkItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(WorkItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = WorkItem{}
	*h = old[:n-1]
	return it
}

func (h *itemHeap) push(it WorkItem) { heap.Push(h, it) }

func (h *itemHeap) pop() (WorkItem, bool) {
	if h.Len() == 0 {
		return WorkItem{}, false
	}
	return heap.Pop(h).(WorkItem), true
}

// oldest scans for the item waiting the longest, regardless of priority.
func (h itemHeap) oldest() (WorkItem, bool) {
	if len(h) == 0 {
		return WorkItem{}, false
	}
	best := h[0]
	for _, it := range h[1:] {
		if it.EnqueuedAt.Before(best.EnqueuedAt) ||
			(it.EnqueuedAt.Equal(best.EnqueuedAt) && it.seq < best.seq) {
			best = it
		}
	}
	return best, true
}
