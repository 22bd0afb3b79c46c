package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: PollChecked})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != PollChecked || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	// Full buffer drops instead of blocking.
	b.Publish(Event{Type: PollFailed})
	b.Publish(Event{Type: PollFailed})
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: PollCycle})
}

func TestRecorderKeepsNewestFirst(t *testing.T) {
	t.Parallel()
	r := NewRecorder(3)
	for _, typ := range []string{"a", "b", "c", "d"} {
		r.Add(Event{Type: typ})
	}
	got := r.Recent(0)
	if len(got) != 3 || got[0].Type != "d" || got[2].Type != "b" {
		t.Fatalf("recent = %+v", got)
	}
	if got := r.Recent(1); len(got) != 1 || got[0].Type != "d" {
		t.Fatalf("recent(1) = %+v", got)
	}
}

func TestRecorderRun(t *testing.T) {
	t.Parallel()
	b := New()
	r := NewRecorder(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx, b)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for len(r.Recent(0)) == 0 && time.Now().Before(deadline) {
		b.Publish(Event{Type: PollNotified})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if len(r.Recent(0)) == 0 {
		t.Fatal("recorder saw no events")
	}
}
