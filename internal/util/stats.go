package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/signaling counter.
var Stats = &stats{}

type stats struct {
	SessionsOpened    atomic.Int64 // cumulative call sessions created (caller or callee)
	SessionsConnected atomic.Int64 // cumulative sessions that reached Connected
	SessionsClosed    atomic.Int64 // cumulative sessions that reached Closed
	MessagesSent      atomic.Int64 // signaling messages handed to the channel
	MessagesRecv      atomic.Int64 // signaling messages delivered by the channel
	CandidatesApplied atomic.Int64 // remote ICE candidates applied to a peer connection
	StaleDropped      atomic.Int64 // duplicate / late / out-of-state messages absorbed
}

func (s *stats) AddOpened()    { s.SessionsOpened.Add(1) }
func (s *stats) AddConnected() { s.SessionsConnected.Add(1) }
func (s *stats) AddClosed()    { s.SessionsClosed.Add(1) }
func (s *stats) AddSent()      { s.MessagesSent.Add(1) }
func (s *stats) AddRecv()      { s.MessagesRecv.Add(1) }
func (s *stats) AddApplied()   { s.CandidatesApplied.Add(1) }
func (s *stats) AddDropped()   { s.StaleDropped.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Opened, Connected, Closed int64
	Sent, Recv                int64
	Applied, Dropped          int64
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Opened:    s.SessionsOpened.Load(),
		Connected: s.SessionsConnected.Load(),
		Closed:    s.SessionsClosed.Load(),
		Sent:      s.MessagesSent.Load(),
		Recv:      s.MessagesRecv.Load(),
		Applied:   s.CandidatesApplied.Load(),
		Dropped:   s.StaleDropped.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval, but only when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.Sub(prev), cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sub returns the per-counter difference s - o.
func (s Snapshot) Sub(o Snapshot) Snapshot {
	return Snapshot{
		Opened:    s.Opened - o.Opened,
		Connected: s.Connected - o.Connected,
		Closed:    s.Closed - o.Closed,
		Sent:      s.Sent - o.Sent,
		Recv:      s.Recv - o.Recv,
		Applied:   s.Applied - o.Applied,
		Dropped:   s.Dropped - o.Dropped,
	}
}

// formatStats returns a one-line summary: deltas since the last report for
// signaling traffic, running totals for sessions.
func formatStats(delta, total Snapshot) string {
	return fmt.Sprintf("Signal: %3d↑ %3d↓ | ICE applied: %3d | Dropped: %2d | Calls: %d opened, %d connected, %d closed",
		delta.Sent,
		delta.Recv,
		delta.Applied,
		delta.Dropped,
		total.Opened,
		total.Connected,
		total.Closed,
	)
}
