package monitor

import "sync"

// Handoff is the bounded FIFO between the sampling loop and its consumer.
// Push never blocks the sampler: a full queue drops the record and counts
// the drop, which the consumer surfaces as a health signal.  Concurrent
// push and drain deliver every accepted record exactly once.
type Handoff struct {
	ch chan Record

	mu      sync.Mutex
	dropped uint64
}

// NewHandoff returns a queue holding up to depth records.
func NewHandoff(depth int) *Handoff {
	return &Handoff{ch: make(chan Record, depth)}
}

// Push enqueues rec without blocking.  Returns false if the queue was full
// and the record was dropped.
func (h *Handoff) Push(rec Record) bool {
	select {
	case h.ch <- rec:
		return true
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		return false
	}
}

// Drain pops every currently queued record, oldest first.
func (h *Handoff) Drain() []Record {
	var out []Record
	for {
		select {
		case rec := <-h.ch:
			out = append(out, rec)
		default:
			return out
		}
	}
}

// Dropped returns how many records were lost to a full queue.
func (h *Handoff) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
