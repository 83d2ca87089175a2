package nostr

import (
	"testing"
	"time"
)

func TestStatusTracker(t *testing.T) {
	tracker := NewStatusTracker()
	ch := tracker.Subscribe()

	if tracker.IsDisconnected("wss://unknown.test") {
		t.Error("Unknown relays must not count as disconnected")
	}

	tracker.Set("wss://a.test", Connected)
	tracker.Set("wss://b.test", Disconnected)
	tracker.Set("wss://c.test", Connecting)

	if got := tracker.URLs(Connected); len(got) != 1 || got[0] != "wss://a.test" {
		t.Errorf("Expected only a.test connected, got %v", got)
	}
	if !tracker.IsDisconnected("wss://b.test") {
		t.Error("b.test should be disconnected")
	}

	select {
	case snapshot := <-ch:
		if len(snapshot) != 3 {
			t.Errorf("Expected latest snapshot with 3 relays, got %d", len(snapshot))
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a notification")
	}

	// Setting the same status again does not notify
	tracker.Set("wss://a.test", Connected)
	select {
	case <-ch:
		t.Error("Unchanged status should not notify")
	default:
	}

	tracker.Remove("wss://b.test")
	if _, ok := tracker.Get("wss://b.test"); ok {
		t.Error("b.test should be forgotten")
	}
}

func TestConnectionStatusString(t *testing.T) {
	tests := map[ConnectionStatus]string{
		Connected:    "connected",
		Connecting:   "connecting",
		Disconnected: "disconnected",
	}
	for status, want := range tests {
		if status.String() != want {
			t.Errorf("%d.String() = %s, want %s", status, status.String(), want)
		}
	}
}
