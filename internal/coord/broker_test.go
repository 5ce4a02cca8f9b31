package coord

import (
	"testing"
	"time"
)

func recvOne(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return Envelope{}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("run-1")
	defer sub.Close()

	b.Publish("run-1", Envelope{Seq: 0, Type: "text"})
	b.Publish("run-1", Envelope{Seq: 1, Type: "text"})
	// Other runs must not bleed in.
	b.Publish("run-2", Envelope{Seq: 99, Type: "text"})

	if env := recvOne(t, sub); env.Seq != 0 {
		t.Errorf("first Seq = %d, want 0", env.Seq)
	}
	if env := recvOne(t, sub); env.Seq != 1 {
		t.Errorf("second Seq = %d, want 1", env.Seq)
	}
	select {
	case env := <-sub.C:
		t.Errorf("unexpected envelope from other run: %+v", env)
	default:
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	b := NewBroker()
	a := b.Subscribe("run-1")
	c := b.Subscribe("run-1")
	defer a.Close()
	defer c.Close()

	b.Publish("run-1", Envelope{Seq: 7})

	if env := recvOne(t, a); env.Seq != 7 {
		t.Errorf("a Seq = %d, want 7", env.Seq)
	}
	if env := recvOne(t, c); env.Seq != 7 {
		t.Errorf("c Seq = %d, want 7", env.Seq)
	}
}

func TestBroker_CloseIdempotent(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("run-1")
	sub.Close()
	sub.Close() // must not panic

	if n := b.SubscriberCount("run-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
	// Publishing to a run with no subscribers is a no-op.
	b.Publish("run-1", Envelope{Seq: 0})
}

func TestBroker_LaggedSubscriberDropped(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("run-1")
	defer sub.Close()

	// Fill the buffer and one more; the overflow drops the subscriber.
	for i := 0; i <= subscriptionBuffer; i++ {
		b.Publish("run-1", Envelope{Seq: int64(i)})
	}

	if n := b.SubscriberCount("run-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after lag drop", n)
	}

	// Drain: buffered envelopes arrive in order, then the channel closes.
	for i := 0; i < subscriptionBuffer; i++ {
		env, ok := <-sub.C
		if !ok {
			t.Fatalf("channel closed after %d envelopes, want %d", i, subscriptionBuffer)
		}
		if env.Seq != int64(i) {
			t.Fatalf("Seq = %d at position %d", env.Seq, i)
		}
	}
	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after lag drop")
	}
}
