// Package tsbuffer decouples the tuner read path from descrambling. The
// buffer is a bounded ring that never blocks the producer: on overflow the
// oldest unread packet is evicted and counted.
package tsbuffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Comcast/gots/packet"
)

var (
	ErrClosed  = errors.New("tsbuffer: closed")
	ErrTimeout = errors.New("tsbuffer: no packet ready")
)

// Stats are cumulative since creation. Skipped counts the bytes Capture
// discarded while looking for sync.
type Stats struct {
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Flushed   uint64 `json:"flushed"`
	Skipped   uint64 `json:"skipped"`
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity"`
}

type Buffer struct {
	mu       sync.Mutex
	ring     []packet.Packet
	head     int
	count    int
	closed   bool
	draining bool
	stats    Stats

	// ready carries at most one pending wakeup for the consumer
	ready chan struct{}
	// done is closed by Close or CloseWrite
	done chan struct{}
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}

	return &Buffer{
		ring:  make([]packet.Packet, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Put stores a copy of pkt and reports whether an older packet had to be evicted.
func (b *Buffer) Put(pkt *packet.Packet) bool {
	b.mu.Lock()
	if b.closed || b.draining {
		b.mu.Unlock()
		return false
	}

	dropped := false
	if b.count == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
		b.count--
		b.stats.Dropped++
		dropped = true
	}

	b.ring[(b.head+b.count)%len(b.ring)] = *pkt
	b.count++
	b.stats.Received++
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}

	return dropped
}

// pop must be called with mu held and count > 0
func (b *Buffer) pop() packet.Packet {
	pkt := b.ring[b.head]
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.stats.Delivered++
	return pkt
}

// tryGet returns the oldest packet without waiting.
func (b *Buffer) tryGet() (packet.Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.count == 0 {
		return packet.Packet{}, false
	}

	return b.pop(), true
}

// Get waits at most timeout for the next packet. It returns ErrTimeout when
// nothing arrived in time and ErrClosed once the buffer is closed, or once it
// is drained after CloseWrite.
func (b *Buffer) Get(ctx context.Context, timeout time.Duration) (packet.Packet, error) {
	var timer *time.Timer

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return packet.Packet{}, ErrClosed
		}
		if b.count > 0 {
			pkt := b.pop()
			b.mu.Unlock()
			return pkt, nil
		}
		if b.draining {
			b.mu.Unlock()
			return packet.Packet{}, ErrClosed
		}
		b.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-b.ready:
		case <-b.done:
		case <-timer.C:
			return packet.Packet{}, ErrTimeout
		case <-ctx.Done():
			return packet.Packet{}, ctx.Err()
		}
	}
}

// Reset discards all buffered packets, used when the data path is rebuilt.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.stats.Flushed += uint64(b.count)
	b.head = 0
	b.count = 0
	b.mu.Unlock()
}

// CloseWrite stops accepting packets; readers still get what is buffered.
func (b *Buffer) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.draining {
		return
	}
	b.draining = true
	close(b.done)
}

// Close discards buffered packets and wakes any waiting reader.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if !b.draining {
		close(b.done)
	}
	b.closed = true
	b.stats.Flushed += uint64(b.count)
	b.count = 0
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) Cap() int {
	return len(b.ring)
}

func (b *Buffer) addSkipped(n uint64) {
	b.mu.Lock()
	b.stats.Skipped += n
	b.mu.Unlock()
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Buffered = b.count
	s.Capacity = len(b.ring)
	return s
}
