package eventbus

import (
	"sync"
	"testing"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeEventDispatched})
	b.Publish(Event{Type: TypeEventExpired})

	if got := len(a); got != 1 {
		t.Fatalf("subscriber a buffered %d, want 1 (second dropped)", got)
	}
	if got := len(c); got != 2 {
		t.Fatalf("subscriber c buffered %d, want 2", got)
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	e := <-c
	if e.Type != TypeEventDispatched || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: TypeSessionEnded})
	<-a
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TypeSessionStarted, TypeSessionEnded)
	defer unsub()

	b.Publish(Event{Type: TypeSchedulerState})
	b.Publish(Event{Type: TypeSessionStarted})
	b.Publish(Event{Type: TypeEventDispatched})
	b.Publish(Event{Type: TypeSessionEnded})

	if len(ch) != 2 {
		t.Fatalf("buffered %d, want 2", len(ch))
	}
	if e := <-ch; e.Type != TypeSessionStarted {
		t.Fatalf("first = %s", e.Type)
	}
	if b.Dropped() != 0 {
		t.Fatal("filtered events counted as dropped")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, unsub := b.Subscribe(1)
				unsub()
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		b.Publish(Event{Type: TypeSchedulerState})
	}
	wg.Wait()
}
