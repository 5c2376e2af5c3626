package systemd

import (
	"context"
	"testing"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready = %v, %v; want no-op", sent, err)
	}
	if err := Watchdog(context.Background(), nil); err != nil {
		t.Fatalf("Watchdog = %v", err)
	}
}
