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

// Stats is the process-wide link and session counter.
var Stats = &stats{}

type stats struct {
	OpenedSessions atomic.Int64 // sessions opened since process start
	ClosedSessions atomic.Int64 // sessions closed since process start
	BytesSent      atomic.Int64 // frame bytes written to the link
	BytesRecv      atomic.Int64 // frame bytes read from the link
	BadFrames      atomic.Int64 // frames that failed to decode
}

func (s *stats) OpenSession()  { s.OpenedSessions.Add(1) }
func (s *stats) CloseSession() { s.ClosedSessions.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) RejectFrame()  { s.BadFrames.Add(1) }

// Active returns the number of sessions currently open.
func (s *stats) Active() int64 {
	return s.OpenedSessions.Load() - s.ClosedSessions.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs link statistics every
// interval. Quiet periods are skipped. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevOpened, prevClosed, prevBad int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.OpenedSessions.Load()
				closed := Stats.ClosedSessions.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				bad := Stats.BadFrames.Load()

				upS := float64(sent-prevSent) / secs
				downS := float64(recv-prevRecv) / secs
				inC := opened - prevOpened
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, inC, outC, Stats.Active()))
				}
				if bad > prevBad {
					pterm.DefaultLogger.Warn(fmt.Sprintf("%d malformed frames dropped", bad-prevBad))
				}

				prevSent = sent
				prevRecv = recv
				prevOpened = opened
				prevClosed = closed
				prevBad = bad

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// e.g. "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(upS, downS float64, opened, closed, active int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Sessions: %2d↑ %2d↓ (%d active)",
		formatBytes(upS),
		formatBytes(downS),
		opened,
		closed,
		active,
	)
}
