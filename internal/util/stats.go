package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-endpoint counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts the traffic of one endpoint. All fields are cumulative except
// ActiveSessions.
type Stats struct {
	BytesSent     atomic.Int64 // bytes written to the socket
	BytesRecv     atomic.Int64 // bytes read from the socket
	DatagramsSent atomic.Int64
	DatagramsRecv atomic.Int64

	Dropped          atomic.Int64 // malformed, undecryptable or out-of-sequence datagrams
	Retransmissions  atomic.Int64 // frames sent again by the retry scan or a NACK
	NacksSent        atomic.Int64
	DeliveryFailures atomic.Int64
	AuthFailures     atomic.Int64

	ActiveSessions atomic.Int64
	TotalSessions  atomic.Int64
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) AddSent(n int) {
	s.BytesSent.Add(int64(n))
	s.DatagramsSent.Add(1)
}

func (s *Stats) AddRecv(n int) {
	s.BytesRecv.Add(int64(n))
	s.DatagramsRecv.Add(1)
}

func (s *Stats) AddDrop()            { s.Dropped.Add(1) }
func (s *Stats) AddRetransmit(n int) { s.Retransmissions.Add(int64(n)) }
func (s *Stats) AddNack()            { s.NacksSent.Add(1) }
func (s *Stats) AddDeliveryFailure() { s.DeliveryFailures.Add(1) }
func (s *Stats) AddAuthFailure()     { s.AuthFailures.Add(1) }

func (s *Stats) OpenSession() {
	s.ActiveSessions.Add(1)
	s.TotalSessions.Add(1)
}

func (s *Stats) CloseSession() { s.ActiveSessions.Add(-1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that logs traffic statistics every
// interval while there is activity. It stops when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevRetx, prevDrop int64
		for {
			select {
			case <-ticker.C:
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()
				retx := s.Retransmissions.Load()
				drop := s.Dropped.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if inS > 10 || outS > 10 || retx != prevRetx || drop != prevDrop {
					pterm.DefaultLogger.Info(formatStats(inS, outS, s.ActiveSessions.Load(), retx-prevRetx, drop-prevDrop))
				}

				prevSent = sent
				prevRecv = recv
				prevRetx = retx
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, sessions, retx, drop int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %3d | Retx: %4d | Drop: %4d",
		formatBytes(inS),
		formatBytes(outS),
		sessions,
		retx,
		drop,
	)
}
