package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobStarted, Data: "r1"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != JobStarted || ev.Data != "r1" {
				t.Fatalf("sub %d: unexpected event %+v", i, ev)
			}
			if ev.Time.IsZero() {
				t.Fatalf("sub %d: time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if ev := <-ch; ev.Type != "a" {
		t.Fatalf("got %q, want a", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %q", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.SubscribeTypes(4, JobFailed, ScheduleError)
	defer unsub()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobSuccess})
	b.Publish(Event{Type: JobFailed, Data: "r9"})

	select {
	case ev := <-ch:
		if ev.Type != JobFailed || ev.Data != "r9" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %q", ev.Type)
	default:
	}
}
