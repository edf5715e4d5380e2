package tsbuffer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Comcast/gots/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqPacket(pid int, seq uint32) packet.Packet {
	var p packet.Packet
	p[0] = syncByte
	p[1] = byte(pid>>8) & 0x1f
	p[2] = byte(pid)
	p[3] = 0x10
	binary.BigEndian.PutUint32(p[4:], seq)
	return p
}

func seqOf(p packet.Packet) uint32 {
	return binary.BigEndian.Uint32(p[4:])
}

func TestDropOldestKeepsNewest(t *testing.T) {
	const capacity = 16
	const fed = 100

	b := New(capacity)
	for i := 0; i < fed; i++ {
		p := seqPacket(0x100, uint32(i))
		dropped := b.Put(&p)
		assert.Equal(t, i >= capacity, dropped, "packet %d", i)
	}

	require.Equal(t, capacity, b.Len())

	for want := uint32(fed - capacity); want < fed; want++ {
		p, ok := b.tryGet()
		require.True(t, ok)
		assert.Equal(t, want, seqOf(p))
	}

	_, ok := b.tryGet()
	assert.False(t, ok)

	s := b.Stats()
	assert.Equal(t, uint64(fed), s.Received)
	assert.Equal(t, uint64(fed-capacity), s.Dropped)
	assert.Equal(t, uint64(capacity), s.Delivered)
}

func TestGetTimesOut(t *testing.T) {
	b := New(4)

	start := time.Now()
	_, err := b.Get(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestGetWakesOnPut(t *testing.T) {
	b := New(4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p := seqPacket(0x20, 7)
		b.Put(&p)
	}()

	p, err := b.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), seqOf(p))
}

func TestCloseUnblocksReader(t *testing.T) {
	b := New(4)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Get(context.Background(), time.Minute)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after Close")
	}
}

func TestCloseWriteDrains(t *testing.T) {
	b := New(4)
	for i := 0; i < 3; i++ {
		p := seqPacket(0x20, uint32(i))
		b.Put(&p)
	}

	b.CloseWrite()

	p := seqPacket(0x20, 99)
	b.Put(&p)

	for i := 0; i < 3; i++ {
		got, err := b.Get(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), seqOf(got))
	}

	_, err := b.Get(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResetCountsFlushed(t *testing.T) {
	b := New(8)
	for i := 0; i < 5; i++ {
		p := seqPacket(0x20, uint32(i))
		b.Put(&p)
	}

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(5), b.Stats().Flushed)
}

func TestCaptureResyncs(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x12, 0x34})
	for i := 0; i < 10; i++ {
		p := seqPacket(0x30, uint32(i))
		stream.Write(p[:])
	}
	// trailing partial packet
	stream.Write([]byte{syncByte, 0x00})

	b := New(32)
	err := Capture(context.Background(), &stream, b, 3)
	assert.True(t, errors.Is(err, io.EOF))
	require.Equal(t, 10, b.Len())
	assert.Equal(t, uint64(3), b.Stats().Skipped)

	for i := 0; i < 10; i++ {
		p, ok := b.tryGet()
		require.True(t, ok)
		assert.Equal(t, uint32(i), seqOf(p))
		assert.EqualValues(t, 0x30, p.PID())
	}
}

type failingReader struct{ n int }

func (f *failingReader) Read([]byte) (int, error) {
	f.n++
	return 0, errors.New("i/o error")
}

func TestCaptureGivesUpAfterConsecutiveErrors(t *testing.T) {
	r := &failingReader{}
	err := Capture(context.Background(), r, New(4), 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Equal(t, 5, r.n)
}
