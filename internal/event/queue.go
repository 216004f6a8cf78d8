package event

import (
	"container/heap"
	"time"
)

// Handler receives events released by the queue, in sequence order.
type Handler interface {
	OnEvent(ev Event)
}

// Queue buffers events that arrive in arbitrary order and releases them to
// its handler in strictly ascending sequence-number order starting at 1.
//
// A gap in the stream would block delivery forever, so two bounded escape
// hatches force progress: when the buffer grows past maxCapacity, or when
// timeout has elapsed since the queue last made progress while the head is
// blocked, the missing numbers are abandoned and delivery resumes from the
// buffered head. Both set to zero disables the hatches and the queue blocks
// on the first gap indefinitely.
//
// Queue is not safe for concurrent use; a single owner goroutine is assumed.
type Queue struct {
	heap        eventHeap
	waitingFor  uint64
	maxCapacity int
	timeout     time.Duration
	lastSent    time.Time
	handler     Handler

	now func() time.Time // clock hook for tests
}

// NewQueue creates a queue with the given escape hatches; zero values
// disable them. SetHandler must be called before the first Poll.
func NewQueue(maxCapacity int, timeout time.Duration) *Queue {
	return &Queue{
		waitingFor:  1,
		maxCapacity: maxCapacity,
		timeout:     timeout,
		now:         time.Now,
	}
}

// SetHandler sets the sink for released events.
func (q *Queue) SetHandler(h Handler) {
	q.handler = h
}

// Add buffers an event for in-order release. An event whose number was
// already delivered or abandoned is dropped, so waitingFor never moves
// backwards and a stale head can never wedge the queue.
func (q *Queue) Add(ev Event) {
	if ev.Seq < q.waitingFor {
		return
	}
	heap.Push(&q.heap, ev)
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return q.heap.Len()
}

// WaitingFor reports the sequence number of the next event due for release.
// It never decreases.
func (q *Queue) WaitingFor() uint64 {
	return q.waitingFor
}

// Poll releases every buffered event whose sequence number matches the one
// waited for. When the head does not match, the capacity and timeout hatches
// may skip the gap; otherwise the blocked timestamp is refreshed and Poll
// returns. Polling with nothing releasable is a no-op, so callers may invoke
// it on every I/O tick.
func (q *Queue) Poll() {
	for q.heap.Len() > 0 {
		head := q.heap.events[0]
		switch {
		case head.Seq == q.waitingFor:
			heap.Pop(&q.heap)
			q.handler.OnEvent(head)
			q.waitingFor++
		case q.capacityExceeded() || q.timedOut():
			q.waitingFor = head.Seq
		default:
			q.lastSent = q.now()
			return
		}
	}
	// An empty buffer ends the blocked episode; the next gap arms a fresh
	// timer instead of measuring from a stale stamp.
	q.lastSent = time.Time{}
}

func (q *Queue) capacityExceeded() bool {
	return q.maxCapacity > 0 && q.heap.Len() > q.maxCapacity
}

// timedOut arms only after a blocked Poll has stamped lastSent, so a quiet
// queue never skips preemptively.
func (q *Queue) timedOut() bool {
	return q.timeout > 0 && !q.lastSent.IsZero() && q.now().Sub(q.lastSent) > q.timeout
}

// eventHeap is a min-heap on sequence number. Duplicate sequence numbers are
// undefined input and are not deduplicated.
type eventHeap struct {
	events []Event
}

func (h *eventHeap) Len() int           { return len(h.events) }
func (h *eventHeap) Less(i, j int) bool { return h.events[i].Seq < h.events[j].Seq }
func (h *eventHeap) Swap(i, j int)      { h.events[i], h.events[j] = h.events[j], h.events[i] }

func (h *eventHeap) Push(x any) {
	h.events = append(h.events, x.(Event))
}

func (h *eventHeap) Pop() any {
	old := h.events
	n := len(old)
	ev := old[n-1]
	h.events = old[:n-1]
	return ev
}
