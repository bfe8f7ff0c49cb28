package bus

import "sync"

// partition is an append-only log with a delivery cursor.
//
// Delivered messages stay in the log until committed so Rewind can hand
// them out again. The signal channel wakes a blocked consumer and is
// closed on shutdown.
type partition struct {
	mu        sync.Mutex
	log       []Message
	base      int64 // offset of log[0]
	next      int64 // next offset to deliver
	committed int64 // first offset not yet committed
	closed    bool
	signal    chan struct{} // Signals message availability (buffered, size 1)
}

func newPartition() *partition {
	return &partition{signal: make(chan struct{}, 1)}
}

// append adds m to the end of the log and returns it with its offset set.
// Returns false if the partition is closed.
func (p *partition) append(m Message) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Message{}, false
	}

	m.Offset = p.base + int64(len(p.log))
	p.log = append(p.log, m)
	p.notify()
	return m, true
}

// notify must be called with mu held. It is a no-op once the signal
// channel is closed.
func (p *partition) notify() {
	if p.closed {
		return
	}
	// Non-blocking - buffer of 1 coalesces multiple signals
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// take returns up to limit undelivered messages and advances the cursor.
// A limit <= 0 takes everything available.
func (p *partition) take(limit int) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := int(p.next - p.base)
	end := len(p.log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start >= end {
		return nil
	}
	out := make([]Message, end-start)
	copy(out, p.log[start:end])
	p.next = p.base + int64(end)
	return out
}

// commit marks every offset up to and including offset as handled and
// trims the log prefix no longer needed for redelivery.
func (p *partition) commit(offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offset+1 <= p.committed {
		return
	}
	if offset >= p.next {
		offset = p.next - 1
	}
	p.committed = offset + 1

	drop := int(p.committed - p.base)
	// Nil out the slots so the trimmed values can be collected.
	for i := 0; i < drop; i++ {
		p.log[i] = Message{}
	}
	p.log = p.log[drop:]
	p.base = p.committed
}

// rewind moves the cursor back to the committed offset.
func (p *partition) rewind() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	redelivered := int(p.next - p.committed)
	p.next = p.committed
	if redelivered > 0 {
		p.notify()
	}
	return redelivered
}

// lag returns the number of messages not yet delivered.
func (p *partition) lag() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.log) - int(p.next-p.base)
}

// uncommitted returns the number of delivered but uncommitted messages.
func (p *partition) uncommitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.next - p.committed)
}

// wait returns a channel that signals when messages may be available.
func (p *partition) wait() <-chan struct{} {
	return p.signal
}

// close wakes all waiters by closing the signal channel.
func (p *partition) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.signal)
}

func (p *partition) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
