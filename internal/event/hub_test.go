package event

import "testing"

func TestHubFanOut(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelA()
	defer cancelB()

	hub.Publish(Event{Type: TypeMessageReceived, ConversationID: "conv-1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeMessageReceived || ev.ConversationID != "conv-1" {
				t.Fatalf("subscriber %s: unexpected event %+v", name, ev)
			}
		default:
			t.Fatalf("subscriber %s: expected an event", name)
		}
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(Event{Type: TypeMessageSent})
	hub.Publish(Event{Type: TypeMessageFailed})

	if got := len(ch); got != 1 {
		t.Fatalf("full subscriber should drop, got %d buffered", got)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatalf("cancelled subscription should be closed")
	}
	hub.Publish(Event{Type: TypeMessageSent})
}
