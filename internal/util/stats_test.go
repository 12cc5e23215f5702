package util

import (
	"strings"
	"testing"
)

func TestSnapshotSub(t *testing.T) {
	a := Snapshot{Opened: 5, Connected: 3, Closed: 2, Sent: 40, Recv: 38, Applied: 12, Dropped: 1}
	b := Snapshot{Opened: 2, Connected: 1, Closed: 1, Sent: 10, Recv: 8, Applied: 2}

	got := a.Sub(b)
	want := Snapshot{Opened: 3, Connected: 2, Closed: 1, Sent: 30, Recv: 30, Applied: 10, Dropped: 1}
	if got != want {
		t.Errorf("Sub mismatch: got %+v, want %+v", got, want)
	}
}

func TestFormatStats(t *testing.T) {
	line := formatStats(
		Snapshot{Sent: 7, Recv: 9, Applied: 4, Dropped: 2},
		Snapshot{Opened: 3, Connected: 1, Closed: 2},
	)

	for _, want := range []string{"7↑", "9↓", "ICE applied:   4", "Dropped:  2", "3 opened, 1 connected, 2 closed"} {
		if !strings.Contains(line, want) {
			t.Errorf("formatStats output %q missing %q", line, want)
		}
	}
}
