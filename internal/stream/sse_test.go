package stream

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// gateWriter is a frameWriter whose writes block until the test releases
// them, simulating a connection that has stopped reading.
type gateWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	gate chan struct{}
}

func newGateWriter() *gateWriter {
	return &gateWriter{gate: make(chan struct{}, 1024)}
}

func (w *gateWriter) Write(p []byte) (int, error) {
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gateWriter) Flush() {}

// allow releases n pending or future writes.
func (w *gateWriter) allow(n int) {
	for i := 0; i < n; i++ {
		w.gate <- struct{}{}
	}
}

func (w *gateWriter) contents() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// failingWriter errors on the first write.
type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }
func (failingWriter) Flush()                      {}

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"comment", Message{Comment: true, Data: []byte("heartbeat")}, ": heartbeat\n\n"},
		{"with id", Message{ID: "7", Event: "text_delta", Data: []byte(`{"text":"hi"}`)}, "id: 7\nevent: text_delta\ndata: {\"text\":\"hi\"}\n\n"},
		{"without id", Message{Event: "done", Data: []byte("{}")}, "event: done\ndata: {}\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(encodeFrame(tt.msg)); got != tt.want {
				t.Errorf("encodeFrame = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSSETransport_RefusesWhenSaturated(t *testing.T) {
	w := newGateWriter()
	tr := newSSETransport(w, 1)
	var drains atomic.Int64
	tr.OnDrain(func() { drains.Add(1) })

	// With the connection blocked, the pump's in-flight frame plus the
	// one-slot buffer absorb at most two writes before refusal.
	accepted := 0
	refused := false
	for i := 0; i < 5; i++ {
		ok, err := tr.Write(Message{Event: "text_delta", Data: []byte("x")})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if !ok {
			refused = true
			break
		}
		accepted++
	}
	if !refused {
		t.Fatal("transport never refused while the connection was blocked")
	}
	if accepted > 2 {
		t.Errorf("accepted %d writes before refusal, want at most 2", accepted)
	}

	// Unblock the connection: everything accepted goes out and the drain
	// callback fires.
	w.allow(accepted)
	waitFor(t, func() bool {
		return strings.Count(w.contents(), "event: text_delta") == accepted
	})
	waitFor(t, func() bool { return drains.Load() > 0 })

	tr.Close()
	w.allow(1)
	tr.wait()
}

func TestSSETransport_DrainFlushesQueuedMessages(t *testing.T) {
	w := newGateWriter()
	tr := newSSETransport(w, 1)
	q := NewQueue(tr, 1<<20, 16, nil)
	tr.OnDrain(func() { q.Drain() })

	// Saturate while the connection is blocked: later sends queue up.
	for _, id := range []string{"0", "1", "2", "3"} {
		if err := q.Send(Message{ID: id, Event: "text_delta", Data: []byte("x")}); err != nil {
			t.Fatalf("Send %s: %v", id, err)
		}
	}
	if q.QueuedCount() == 0 {
		t.Fatal("nothing queued while the connection was blocked")
	}

	// The connection wakes up: the pump drains the queue through the
	// callback, in order, with nothing lost.
	w.allow(8)
	waitFor(t, func() bool { return q.QueuedCount() == 0 })
	waitFor(t, func() bool { return strings.Count(w.contents(), "event: text_delta") == 4 })

	got := w.contents()
	for _, id := range []string{"id: 0\n", "id: 1\n", "id: 2\n", "id: 3\n"} {
		if !strings.Contains(got, id) {
			t.Errorf("output missing %q:\n%s", id, got)
		}
	}
	if strings.Index(got, "id: 0") > strings.Index(got, "id: 3") {
		t.Error("frames written out of order")
	}

	tr.Close()
	w.allow(1)
	tr.wait()
}

func TestSSETransport_SlowClientShedThroughQueue(t *testing.T) {
	w := newGateWriter()
	tr := newSSETransport(w, 1)
	q := NewQueue(tr, 1<<20, 2, nil)
	tr.OnDrain(func() { q.Drain() })

	// Never release the connection: ceilings must shed the client.
	var shed bool
	for i := 0; i < 10; i++ {
		if err := q.Send(Message{Event: "text_delta", Data: []byte("x")}); errors.Is(err, ErrSlowClient) {
			shed = true
			break
		}
	}
	if !shed {
		t.Fatal("queue never shed the blocked client")
	}
	if !q.Overflowed() {
		t.Error("queue not marked overflowed")
	}

	q.Close()
	w.allow(2)
	tr.wait()
}

func TestSSETransport_CloseDoesNotBlockOnStuckWrite(t *testing.T) {
	w := newGateWriter()
	tr := newSSETransport(w, 1)

	if ok, err := tr.Write(Message{Event: "text_delta", Data: []byte("x")}); err != nil || !ok {
		t.Fatalf("Write = (%v, %v), want accepted", ok, err)
	}

	// The pump is stuck mid-write; Close must still return immediately.
	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()
	waitFor(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})

	if ok, err := tr.Write(Message{Event: "text_delta"}); ok || err == nil {
		t.Errorf("Write after Close = (%v, %v), want refusal with error", ok, err)
	}

	w.allow(1)
	tr.wait()
}

func TestSSETransport_FlushesBufferedFramesOnClose(t *testing.T) {
	w := newGateWriter()
	w.allow(16)
	tr := newSSETransport(w, 4)

	for _, id := range []string{"0", "1"} {
		if ok, err := tr.Write(Message{ID: id, Event: "text_delta", Data: []byte("x")}); err != nil || !ok {
			t.Fatalf("Write %s = (%v, %v), want accepted", id, ok, err)
		}
	}
	if ok, err := tr.Write(Message{Event: "done", Data: []byte("{}")}); err != nil || !ok {
		t.Fatalf("Write done = (%v, %v), want accepted", ok, err)
	}
	tr.Close()
	tr.wait()

	got := w.contents()
	if !strings.Contains(got, "event: done") {
		t.Errorf("closing frame lost on teardown:\n%s", got)
	}
}

func TestSSETransport_WriteErrorSurfaces(t *testing.T) {
	tr := newSSETransport(failingWriter{}, 1)

	if ok, err := tr.Write(Message{Event: "text_delta", Data: []byte("x")}); err != nil || !ok {
		t.Fatalf("first Write = (%v, %v), want accepted", ok, err)
	}
	tr.wait()

	if _, err := tr.Write(Message{Event: "text_delta"}); err == nil {
		t.Error("expected connection error on write after failure")
	}
	tr.Close()
}
