package ops

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeStats struct {
	counts map[string]int64
	err    error
}

func (f fakeStats) TableCounts(context.Context) (map[string]int64, error) { return f.counts, f.err }

type fakeRelays struct{}

func (fakeRelays) RelayStatuses() map[string]string {
	return map[string]string{"wss://b.example": "connecting", "wss://a.example": "connected"}
}

func (fakeRelays) ActiveSubscriptions() int { return 3 }

type fakeAccount struct{}

func (fakeAccount) Pubkey() string { return "abc" }
func (fakeAccount) CanSign() bool  { return false }

func TestDiagnosticsCollect(t *testing.T) {
	d := NewDiagnosticsCollector("v1.0.0", "abc123", fakeStats{counts: map[string]int64{"vote": 2, "main_event": 5}}, fakeRelays{}, fakeAccount{})

	diag, err := d.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if diag.Tables["main_event"] != 5 || diag.Subscriptions != 3 || diag.Account != "abc" {
		t.Errorf("Unexpected diagnostics %+v", diag)
	}

	text := diag.FormatAsText()
	for _, want := range []string{"v1.0.0 (abc123)", "abc (read-only)", "main_event: 5 rows", "Open subscriptions: 3"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in output:\n%s", want, text)
		}
	}
	if strings.Index(text, "wss://a.example") > strings.Index(text, "wss://b.example") {
		t.Error("Relays should be listed in order")
	}
}

func TestDiagnosticsStorageError(t *testing.T) {
	d := NewDiagnosticsCollector("dev", "", fakeStats{err: errors.New("closed")}, fakeRelays{}, fakeAccount{})
	if _, err := d.Collect(context.Background()); err == nil {
		t.Error("Expected storage failure to be returned")
	}
}
