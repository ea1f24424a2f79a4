package framebus

import (
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/canrec/internal/types"
)

// TestBasicPublishSubscribe verifies basic functionality.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan types.Frame, 10)
	if err := bus.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(types.Frame{Seq: 1, Data: []byte("test")})

	select {
	case received := <-ch:
		if received.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", received.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

// TestNonBlockingPublish verifies Publish never blocks on a full subscriber.
func TestNonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan types.Frame, 1)
	bus.Subscribe("slow", ch)

	done := make(chan struct{})
	go func() {
		bus.Publish(types.Frame{Seq: 1})
		bus.Publish(types.Frame{Seq: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked")
	}

	if received := <-ch; received.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", received.Seq)
	}

	sub := bus.Stats().Subscribers["slow"]
	if sub.Sent != 1 || sub.Dropped != 1 {
		t.Errorf("Expected 1 sent / 1 dropped, got %+v", sub)
	}
}

func TestStatsConservation(t *testing.T) {
	bus := New()
	defer bus.Close()

	bus.Subscribe("a", make(chan types.Frame, 10))
	bus.Subscribe("b", make(chan types.Frame, 1))

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(types.Frame{Seq: i})
	}

	st := bus.Stats()
	if st.TotalPublished != 5 {
		t.Errorf("Expected 5 published, got %d", st.TotalPublished)
	}
	if got, want := st.TotalSent+st.TotalDropped, st.TotalPublished*2; got != want {
		t.Errorf("sent+dropped = %d, want %d", got, want)
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := New()

	if err := bus.Subscribe("x", nil); err != ErrNilChannel {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}
	bus.Subscribe("x", make(chan types.Frame, 1))
	if err := bus.Subscribe("x", make(chan types.Frame, 1)); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if _, err := bus.SubscribeLatest("x"); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if err := bus.Unsubscribe("missing"); err != ErrSubscriberNotFound {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}

	bus.Close()
	bus.Close()
	if err := bus.Subscribe("y", make(chan types.Frame, 1)); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	bus.Publish(types.Frame{Seq: 1})
}

// TestLatestKeepsNewest checks that a slow reader only sees the newest frame.
func TestLatestKeepsNewest(t *testing.T) {
	bus := New()
	defer bus.Close()

	latest, err := bus.SubscribeLatest("preview")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}

	if _, ok := latest.TryReceive(); ok {
		t.Fatal("TryReceive returned a frame before any publish")
	}

	for i := uint64(1); i <= 3; i++ {
		bus.Publish(types.Frame{Seq: i})
	}

	f, ok := latest.TryReceive()
	if !ok || f.Seq != 3 {
		t.Fatalf("Expected seq 3, got %d (ok=%v)", f.Seq, ok)
	}
	if _, ok := latest.TryReceive(); ok {
		t.Error("Same frame delivered twice")
	}

	sub := bus.Stats().Subscribers["preview"]
	if sub.Sent != 3 || sub.Dropped != 2 {
		t.Errorf("Expected 3 sent / 2 overwritten, got %+v", sub)
	}
}

func TestLatestReceiveBlocksUntilPublish(t *testing.T) {
	bus := New()
	latest, _ := bus.SubscribeLatest("preview")

	got := make(chan uint64, 1)
	go func() {
		f, ok := latest.Receive()
		if ok {
			got <- f.Seq
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	bus.Publish(types.Frame{Seq: 7})

	select {
	case seq := <-got:
		if seq != 7 {
			t.Errorf("Expected seq 7, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake up")
	}

	// Close releases a blocked receiver
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ok := latest.Receive(); ok {
			t.Error("Receive returned a frame after Close")
		}
	}()
	time.Sleep(10 * time.Millisecond)
	bus.Close()
	wg.Wait()
}
