// Package stream implements the read path of the run pipeline: per-connection
// streaming sessions that replay missed events, tail live broadcasts, and
// shed slow clients instead of buffering without bound.
package stream

import (
	"errors"
	"sync"
)

var (
	// ErrSlowClient means the outbound queue exceeded its ceilings and the
	// session must be closed.
	ErrSlowClient = errors.New("stream: slow client")
	// ErrQueueClosed means the queue was closed and accepts no more sends.
	ErrQueueClosed = errors.New("stream: queue closed")
)

// Message is one framed outbound unit.
type Message struct {
	// ID carries the event sequence number for resumable streams; empty
	// for heartbeats and markers.
	ID string
	// Event is the frame's event name.
	Event string
	// Data is the payload.
	Data []byte
	// Comment marks a keep-alive frame carrying no client-visible data.
	Comment bool
}

func (m Message) size() int {
	return len(m.ID) + len(m.Event) + len(m.Data)
}

// Transport is the connection a Queue writes to. Write returns ok=false,
// without error, when the transport is backed up and the message was not
// sent; the queue holds it for a later Drain.
type Transport interface {
	Write(msg Message) (ok bool, err error)
	Close() error
}

// Queue wraps a Transport with bounded buffering. The fast path writes
// straight through; once the transport backs up, messages queue FIFO with
// byte and count accounting. Exceeding either ceiling drops the whole queue,
// marks the client slow exactly once, and fires the overflow callback.
type Queue struct {
	transport Transport
	maxBytes  int
	maxCount  int

	mu          sync.Mutex
	queued      []Message
	queuedBytes int
	overflowed  bool
	closed      bool

	overflowOnce sync.Once
	onOverflow   func()
}

// NewQueue creates a Queue over transport. onOverflow is invoked exactly
// once, on the send that overflows; it must not call back into the queue
// synchronously.
func NewQueue(transport Transport, maxBytes, maxCount int, onOverflow func()) *Queue {
	return &Queue{
		transport:  transport,
		maxBytes:   maxBytes,
		maxCount:   maxCount,
		onOverflow: onOverflow,
	}
}

// Send delivers msg, directly when possible, queued otherwise. Returns
// ErrSlowClient once the queue has overflowed.
func (q *Queue) Send(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.overflowed {
		return ErrSlowClient
	}

	// Fast path only when nothing is queued, or ordering would break.
	if len(q.queued) == 0 {
		ok, err := q.transport.Write(msg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	if q.queuedBytes+msg.size() > q.maxBytes || len(q.queued)+1 > q.maxCount {
		q.queued = nil
		q.queuedBytes = 0
		q.overflowed = true
		if q.onOverflow != nil {
			q.overflowOnce.Do(func() { go q.onOverflow() })
		}
		return ErrSlowClient
	}

	q.queued = append(q.queued, msg)
	q.queuedBytes += msg.size()
	return nil
}

// Drain flushes queued messages FIFO, stopping as soon as the transport
// refuses a write. Called on the transport's drain signal.
func (q *Queue) Drain() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queued) > 0 {
		ok, err := q.transport.Write(q.queued[0])
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		q.queuedBytes -= q.queued[0].size()
		q.queued = q.queued[1:]
	}
	return nil
}

// Close marks the queue closed and closes the transport. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.queued = nil
	q.queuedBytes = 0
	q.mu.Unlock()
	return q.transport.Close()
}

// Overflowed reports whether the queue has shed this client.
func (q *Queue) Overflowed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowed
}

// QueuedBytes returns the current buffered byte count.
func (q *Queue) QueuedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// QueuedCount returns the current buffered message count.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}
