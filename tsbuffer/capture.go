package tsbuffer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Comcast/gots/packet"
)

const syncByte = 0x47

// PacketReader reads 188 byte packets and skips garbage until the next sync byte.
type PacketReader struct {
	r       *bufio.Reader
	skipped uint64
}

func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: bufio.NewReaderSize(r, 64*packet.PacketSize)}
}

// ReadPacket fills pkt with the next packet. A truncated last packet reports io.EOF.
func (pr *PacketReader) ReadPacket(pkt *packet.Packet) error {
	for {
		c, err := pr.r.ReadByte()
		if err != nil {
			return err
		}
		if c == syncByte {
			break
		}
		pr.skipped++
	}

	pkt[0] = syncByte
	_, err := io.ReadFull(pr.r, pkt[1:])
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Skipped is the number of bytes dropped while looking for sync.
func (pr *PacketReader) Skipped() uint64 {
	return pr.skipped
}

// Capture copies packets from r into b until ctx is cancelled, r reaches EOF
// or maxErrors consecutive reads fail. Cancelling ctx only takes effect after
// the pending read returns, so callers close r to interrupt it. Bytes skipped
// to find sync are added to the buffer's Stats.
func Capture(ctx context.Context, r io.Reader, b *Buffer, maxErrors int) error {
	reader := NewPacketReader(r)
	failures := 0
	var skipped uint64

	var pkt packet.Packet
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := reader.ReadPacket(&pkt)
		if n := reader.Skipped(); n != skipped {
			b.addSkipped(n - skipped)
			skipped = n
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			failures++
			if failures >= maxErrors {
				return fmt.Errorf("capture: %d consecutive read errors: %w", failures, err)
			}
			continue
		}

		failures = 0
		b.Put(&pkt)
	}
}
