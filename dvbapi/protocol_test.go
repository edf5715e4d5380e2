package dvbapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/decsa"
	"github.com/RabbitLabs/dvbsc/device"
)

var testProgram = capmt.Program{
	ListManagement: capmt.ListOnly,
	Number:         0x2b66,
	Version:        3,
	CurrentNext:    true,
	CmdID:          capmt.CmdOkDescrambling,
	CA:             []capmt.CADescriptor{{SystemID: 0x0500, PID: 0x0601}},
	Streams: []capmt.Stream{
		{Type: 0x02, PID: 0x0120},
		{Type: 0x04, PID: 0x0121},
	},
}

func TestOpcodes(t *testing.T) {
	assert.Equal(t, uint32(0x40186f89), OpCaSetDescrAES)
	assert.Equal(t, OpCaSetDescr, CaDescrMsg{CW: make([]byte, 8)}.Opcode())
	assert.Equal(t, OpCaSetDescrAES, CaDescrMsg{CW: make([]byte, 16)}.Opcode())
}

func TestDecodeMessages(t *testing.T) {
	msgs := []Message{
		ServerInfoMsg{Protocol: 2, Info: "OSCam v1.20"},
		CaPidMsg{Adapter: 1, PID: 0x120, Index: 3},
		CaPidMsg{Adapter: 1, PID: 0x121, Index: -1},
		DescrModeMsg{Adapter: 0, Index: 3, Algo: decsa.AlgoAES128, CipherMode: decsa.CipherModeCBC},
		CaDescrMsg{Adapter: 1, Index: 3, Parity: decsa.Odd, CW: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		CaDescrMsg{Adapter: 1, Index: 3, Parity: decsa.Even, CW: []byte("0123456789abcdef")},
		CAPMTMsg{Adapter: 0, Program: testProgram},
		CAPMTMsg{Adapter: 2, Program: testProgram},
		IgnoredMsg{Op: OpDmxSetFilter, Adapter: 1},
		IgnoredMsg{Op: OpDmxStop, Adapter: 1},
	}

	var wire []byte
	for _, m := range msgs {
		wire = append(wire, Encode(m)...)
	}

	dec := NewDecoder(bytes.NewReader(wire))
	for i, want := range msgs {
		got, err := dec.Decode()
		require.NoError(t, err, "message %d", i)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("message %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeCAPMTWithoutAdapter(t *testing.T) {
	p := testProgram
	p.CA = nil
	p.Streams = append([]capmt.Stream(nil), testProgram.Streams...)
	p.Streams[0].CA = []capmt.CADescriptor{{SystemID: 0x0100, PID: 0x0600}}

	got, err := NewDecoder(bytes.NewReader(Encode(CAPMTMsg{Program: p}))).Decode()
	require.NoError(t, err)
	assert.Equal(t, 0, got.(CAPMTMsg).Adapter)
	assert.Equal(t, []uint16{0x0100}, got.(CAPMTMsg).Program.CAIDs())
}

func TestDecodeErrors(t *testing.T) {
	full := Encode(CaPidMsg{Adapter: 0, PID: 0x100, Index: 1})

	_, err := NewDecoder(bytes.NewReader(full[:6])).Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewDecoder(bytes.NewReader([]byte{0x12, 0x34, 0x56, 0x78, 0})).Decode()
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	badParity := Encode(CaDescrMsg{CW: make([]byte, 8)})
	badParity[12] = 2
	_, err = NewDecoder(bytes.NewReader(badParity)).Decode()
	assert.ErrorIs(t, err, ErrMalformed)

	badPid := Encode(CaPidMsg{PID: 0x100})
	badPid[5] = 0xFF
	_, err = NewDecoder(bytes.NewReader(badPid)).Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

type call struct {
	Kind    string
	Adapter int
	Value   interface{}
}

type recordingSink struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingSink) add(kind string, adapter int, v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{kind, adapter, v})
	return nil
}

func (r *recordingSink) SetCaPid(adapter int, p device.CaPid) error {
	return r.add("pid", adapter, p)
}

func (r *recordingSink) SetCaDescr(adapter int, cd device.CaDescr) error {
	return r.add("descr", adapter, cd)
}

func (r *recordingSink) SetDescrMode(adapter int, m device.DescrMode) error {
	return r.add("mode", adapter, m)
}

func (r *recordingSink) UpdateCAPMT(adapter int, p capmt.Program) error {
	return r.add("capmt", adapter, p.Number)
}

func (r *recordingSink) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func TestServeConnDispatches(t *testing.T) {
	broken := Encode(CAPMTMsg{Program: testProgram})
	// no streams left after truncating the body length
	broken[5] = 0x0A
	broken = broken[:6+10]

	var wire []byte
	wire = append(wire, Encode(ServerInfoMsg{Protocol: 2, Info: "oscam"})...)
	wire = append(wire, Encode(CAPMTMsg{Adapter: 1, Program: testProgram})...)
	wire = append(wire, broken...)
	wire = append(wire, Encode(IgnoredMsg{Op: OpDmxStop})...)
	wire = append(wire, Encode(CaPidMsg{Adapter: 1, PID: 0x120, Index: 0})...)
	wire = append(wire, Encode(CaDescrMsg{Adapter: 1, Index: 0, Parity: decsa.Even, CW: []byte{1, 2, 3, 4, 5, 6, 7, 8}})...)
	wire = append(wire, Encode(DescrModeMsg{Adapter: 1, Index: 0, Algo: decsa.AlgoDES})...)

	sink := &recordingSink{}
	s := &Server{Sink: sink}
	require.NoError(t, s.ServeConn(context.Background(), bytes.NewReader(wire)))

	want := []call{
		{"capmt", 1, uint16(0x2b66)},
		{"pid", 1, device.CaPid{PID: 0x120, Index: 0}},
		{"descr", 1, device.CaDescr{Index: 0, Parity: decsa.Even, CW: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{"mode", 1, device.DescrMode{Index: 0, Algo: decsa.AlgoDES}},
	}
	assert.Equal(t, want, sink.snapshot())
}

// ca_pmt APDUs may use any ASN.1 length form after the 9F 80 32 tag. The
// stream must stay in sync for the messages that follow.
func TestServeConnCAPMTLengthForms(t *testing.T) {
	body := Encode(CAPMTMsg{Adapter: 1, Program: testProgram})[6:]
	require.Less(t, len(body), 0x80)

	tag := []byte{0x9F, 0x80, 0x32}
	forms := [][]byte{
		{byte(len(body))},
		{0x81, byte(len(body))},
		{0x82, 0x00, byte(len(body))},
		{0x83, 0x00, 0x00, byte(len(body))},
	}

	var wire []byte
	for _, f := range forms {
		wire = append(wire, tag...)
		wire = append(wire, f...)
		wire = append(wire, body...)
	}
	wire = append(wire, Encode(CaPidMsg{Adapter: 1, PID: 0x120, Index: 0})...)

	sink := &recordingSink{}
	s := &Server{Sink: sink}
	require.NoError(t, s.ServeConn(context.Background(), bytes.NewReader(wire)))

	want := []call{
		{"capmt", 1, uint16(0x2b66)},
		{"capmt", 1, uint16(0x2b66)},
		{"capmt", 1, uint16(0x2b66)},
		{"capmt", 1, uint16(0x2b66)},
		{"pid", 1, device.CaPid{PID: 0x120, Index: 0}},
	}
	assert.Equal(t, want, sink.snapshot())

	_, err := NewDecoder(bytes.NewReader([]byte{0x9F, 0x80, 0x32, 0x84, 0, 0, 0, 1})).Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestServeConnAdapterOffset(t *testing.T) {
	sink := &recordingSink{}
	s := &Server{Sink: sink, AdapterOffset: 1}

	wire := Encode(CaPidMsg{Adapter: 1, PID: 0x120, Index: 0})
	require.NoError(t, s.ServeConn(context.Background(), bytes.NewReader(wire)))
	assert.Equal(t, []call{{"pid", 0, device.CaPid{PID: 0x120, Index: 0}}}, sink.snapshot())
}

func TestServeConnStopsOnUnknownOpcode(t *testing.T) {
	wire := append([]byte{0xde, 0xad, 0xbe, 0xef, 0}, Encode(CaPidMsg{PID: 0x120})...)
	s := &Server{Sink: &recordingSink{}}
	assert.ErrorIs(t, s.ServeConn(context.Background(), bytes.NewReader(wire)), ErrUnknownOpcode)
}

func TestServeUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	sink := &recordingSink{}
	s := &Server{Sink: sink}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeUDP(ctx, pc) }()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	datagram := append(Encode(CaPidMsg{PID: 0x120, Index: 2}), Encode(CaPidMsg{PID: 0x121, Index: 2})...)
	_, err = conn.Write(datagram)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeUDP did not stop")
	}
}

func TestListenAndServeTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sink := &recordingSink{}
	s := &Server{Sink: sink}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serveListener(ctx, l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write(Encode(CAPMTMsg{Adapter: 3, Program: testProgram}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, sink.snapshot()[0].Adapter)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	conn.Close()

	assert.Error(t, s.ListenAndServe(context.Background(), "unix", "/tmp/x"))
}

var errAccept = errors.New("accept: too many open files")

// failingListener hands out its queued connections, then fails.
type failingListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (l *failingListener) Accept() (net.Conn, error) {
	if c, ok := <-l.conns; ok {
		return c, nil
	}
	return nil, errAccept
}

func (l *failingListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestServeListenerClosesOnAcceptError(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	l := &failingListener{conns: make(chan net.Conn, 1), closed: make(chan struct{})}
	l.conns <- server
	close(l.conns)

	s := &Server{Sink: &recordingSink{}}
	done := make(chan error, 1)
	go func() { done <- s.serveListener(context.Background(), l) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errAccept)
	case <-time.After(2 * time.Second):
		t.Fatal("serveListener did not return after Accept failed")
	}

	select {
	case <-l.closed:
	default:
		t.Fatal("listener left open")
	}

	// the accepted connection was closed too
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}
