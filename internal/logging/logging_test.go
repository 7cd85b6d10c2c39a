package logging

import "testing"

func TestHubPublishesToSubscribers(t *testing.T) {
	h, err := NewHub("test-node")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Sync()

	ch := h.Subscribe(4)
	h.Info("discovery", "peer seen: %s", "device-1")

	select {
	case ev := <-ch:
		if ev.Source != "discovery" {
			t.Fatalf("source = %q", ev.Source)
		}
		if ev.Level != LevelInfo {
			t.Fatalf("level = %q", ev.Level)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestHubNeverBlocksOnSlowSubscriber(t *testing.T) {
	h, err := NewHub("test-node")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Sync()

	// Unbuffered and never read from: publish must not block.
	_ = h.Subscribe(0)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Warn("server", "tick")
		}
		close(done)
	}()
	<-done
}
