package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/voxlink/internal/util"
)

const (
	highWaterMark = 256 * 1024 // SCTP bytes buffered before a datagram must wait
	lowWaterMark  = 64 * 1024  // buffered amount that wakes a waiting datagram
	drainWait     = 20 * time.Millisecond
	writeQueueLen = 256
)

var errSendQueueFull = errors.New("send queue full")

// datagramWriter is the single writer of one DataChannel. Datagrams queued
// before the channel opens wait for it. Afterwards a datagram that finds the
// SCTP buffer above highWaterMark waits up to drainWait for it to drain and
// is then discarded, which the reliability layer sees as ordinary loss.
type datagramWriter struct {
	queue   chan []byte
	drained chan struct{}
	dropped atomic.Int64
}

// startWriter wires the drain callback on dc and runs the writer until ctx
// is cancelled.
func startWriter(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) *datagramWriter {
	w := &datagramWriter{
		queue:   make(chan []byte, writeQueueLen),
		drained: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case w.drained <- struct{}{}:
		default:
		}
	})

	go w.run(ctx, dc, open)
	return w
}

func (w *datagramWriter) run(ctx context.Context, dc *webrtc.DataChannel, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	timer := time.NewTimer(drainWait)
	timer.Stop()
	defer timer.Stop()

	for {
		var data []byte
		select {
		case data = <-w.queue:
		case <-ctx.Done():
			return
		}

		if dc.BufferedAmount() > highWaterMark {
			timer.Reset(drainWait)
			select {
			case <-w.drained:
				if !timer.Stop() {
					<-timer.C
				}
			case <-timer.C:
				w.dropped.Add(1)
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := dc.Send(data); err != nil {
			util.LogDebug("DataChannel send (%d bytes): %v", len(data), err)
			w.dropped.Add(1)
		}
	}
}

// write queues a datagram without blocking. A full queue rejects it the way
// a congested network would drop it.
func (w *datagramWriter) write(data []byte) error {
	select {
	case w.queue <- data:
		return nil
	default:
		w.dropped.Add(1)
		return errSendQueueFull
	}
}
