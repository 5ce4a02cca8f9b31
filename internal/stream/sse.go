package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/turntable/internal/config"
	"github.com/zulandar/turntable/internal/coord"
	"github.com/zulandar/turntable/internal/runlog"
)

// sseWriteBuffer is how many encoded frames the SSE transport holds between
// the session and the connection. Once full, writes are refused and the
// delivery queue's ceilings take over.
const sseWriteBuffer = 64

// frameWriter is the slice of gin.ResponseWriter the transport needs.
type frameWriter interface {
	io.Writer
	Flush()
}

// sseTransport frames messages as Server-Sent Events and hands them to a
// writer goroutine through a bounded channel, so a connection that stops
// reading can never block the session. Write refuses (ok=false) when the
// channel is full; after the writer catches up it invokes the drain callback
// so queued messages get flushed.
type sseTransport struct {
	frames chan []byte
	done   chan struct{}
	// idle is closed when the writer goroutine exits; Handler waits on it
	// before handing the connection back to gin.
	idle chan struct{}

	mu      sync.Mutex
	onDrain func()
	err     error
	closed  bool

	closeOnce sync.Once
}

func newSSETransport(w frameWriter, buffer int) *sseTransport {
	if buffer <= 0 {
		buffer = sseWriteBuffer
	}
	t := &sseTransport{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
	go t.pump(w)
	return t
}

// OnDrain registers fn to run whenever the writer empties its backlog.
func (t *sseTransport) OnDrain(fn func()) {
	t.mu.Lock()
	t.onDrain = fn
	t.mu.Unlock()
}

// pump moves frames from the channel to the connection. A write that blocks
// here blocks only this goroutine; the session keeps queueing until its
// ceilings shed the client.
func (t *sseTransport) pump(w frameWriter) {
	defer close(t.idle)
	for {
		select {
		case <-t.done:
			// Frames buffered before Close still go out; the session's
			// closing marker arrives just ahead of the teardown.
			for {
				select {
				case frame := <-t.frames:
					if _, err := w.Write(frame); err != nil {
						return
					}
					w.Flush()
				default:
					return
				}
			}
		case frame := <-t.frames:
			if _, err := w.Write(frame); err != nil {
				t.fail(err)
				return
			}
			w.Flush()
			if len(t.frames) == 0 {
				t.drain()
			}
		}
	}
}

func (t *sseTransport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *sseTransport) drain() {
	t.mu.Lock()
	fn := t.onDrain
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *sseTransport) Write(msg Message) (bool, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, errors.New("stream: transport closed")
	}
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return false, err
	}
	t.mu.Unlock()

	select {
	case t.frames <- encodeFrame(msg):
		return true, nil
	default:
		// Connection not keeping up; the caller queues it.
		return false, nil
	}
}

func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

// wait blocks until the writer goroutine has stopped touching the
// connection.
func (t *sseTransport) wait() {
	<-t.idle
}

// encodeFrame renders one SSE frame.
func encodeFrame(msg Message) []byte {
	if msg.Comment {
		return []byte(fmt.Sprintf(": %s\n\n", msg.Data))
	}
	if msg.ID != "" {
		return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Event, msg.Data))
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Event, msg.Data))
}

// Handler serves GET /v1/runs/:id/events: a resumable SSE stream of the
// run's events. The resume position comes from the Last-Event-ID header or
// the `after` query parameter; a corrupt token restarts from the beginning.
func Handler(rlog *runlog.Log, broker *coord.Broker, cfg config.StreamConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		if _, err := rlog.GetRun(c.Request.Context(), runID); err != nil {
			if errors.Is(err, runlog.ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Writer.Flush()

		lastSeq := ParseResumeToken(c.GetHeader("Last-Event-ID"), c.Query("after"))

		transport := newSSETransport(c.Writer, sseWriteBuffer)
		session, err := NewSession(SessionOpts{
			Log:       rlog,
			Broker:    broker,
			Transport: transport,
			RunID:     runID,
			LastSeq:   lastSeq,
			Config:    cfg,
		})
		if err != nil {
			transport.Close()
			transport.wait()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session setup failed"})
			return
		}
		// Run blocks until the run finishes or the client goes away; the
		// request context reports the disconnect. The writer goroutine must
		// stop before the connection goes back to gin.
		_ = session.Run(c.Request.Context())
		transport.wait()
	}
}
