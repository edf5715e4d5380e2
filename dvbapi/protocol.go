// Package dvbapi decodes the messages a softcam sends over the dvbapi
// socket protocol: CA PIDs, control words, descrambler modes and CA PMTs.
// Integers are big endian; every message but SERVER_INFO and CA_PMT carries
// the adapter index right after the opcode.
package dvbapi

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/decsa"
	"github.com/RabbitLabs/dvbsc/device"
)

var (
	ErrUnknownOpcode = errors.New("dvbapi: unknown opcode")
	ErrMalformed     = errors.New("dvbapi: malformed message")
)

const (
	OpCaSetPid       uint32 = 0x40086f87
	OpCaSetDescr     uint32 = 0x40106f86
	OpCaSetDescrMode uint32 = 0x400c6f88
	OpDmxSetFilter   uint32 = 0x403c6f2b
	OpDmxStop        uint32 = 0x00006f2a
	OpServerInfo     uint32 = 0xFFFF0002
	OpClientInfo     uint32 = 0xFFFF0001
	// OpCaPmt is the ca_pmt APDU tag followed by a two byte length field, the
	// form Encode writes. Decode takes any ASN.1 length after the tag.
	OpCaPmt uint32 = 0x9F803282
)

// caPMTTag is the ca_pmt APDU tag, the top three bytes of a CA_PMT opcode.
const caPMTTag = 0x9F8032

// OpCaSetDescrAES carries 16 byte control words.
var OpCaSetDescrAES = iow('o', 137, 24)

// iow computes a Linux _IOW ioctl number.
func iow(typ byte, nr byte, size uint32) uint32 {
	return 1<<30 | size<<16 | uint32(typ)<<8 | uint32(nr)
}

// caPMTAdapterTag is the private descriptor carrying the adapter of a CA PMT.
const caPMTAdapterTag = 0x83

const dmxFilterSize = 60

type Message interface {
	Opcode() uint32
}

type CaPidMsg struct {
	Adapter int
	PID     uint16
	Index   int
}

func (CaPidMsg) Opcode() uint32 { return OpCaSetPid }

type CaDescrMsg struct {
	Adapter int
	Index   int
	Parity  decsa.Parity
	CW      []byte
}

func (m CaDescrMsg) Opcode() uint32 {
	if len(m.CW) == 16 {
		return OpCaSetDescrAES
	}
	return OpCaSetDescr
}

type DescrModeMsg struct {
	Adapter    int
	Index      int
	Algo       uint32
	CipherMode uint32
}

func (DescrModeMsg) Opcode() uint32 { return OpCaSetDescrMode }

type CAPMTMsg struct {
	Adapter int
	Program capmt.Program
}

func (CAPMTMsg) Opcode() uint32 { return OpCaPmt }

type ServerInfoMsg struct {
	Protocol uint16
	Info     string
}

func (ServerInfoMsg) Opcode() uint32 { return OpServerInfo }

// IgnoredMsg is a message that is decoded only to be skipped.
type IgnoredMsg struct {
	Op      uint32
	Adapter int
}

func (m IgnoredMsg) Opcode() uint32 { return m.Op }

type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next message. It returns io.EOF at a clean end of input
// and io.ErrUnexpectedEOF when the input stops inside a message.
func (d *Decoder) Decode() (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, err
	}
	op := binary.BigEndian.Uint32(hdr[:])
	if op>>8 == caPMTTag {
		return d.decodeCAPMT(hdr[3])
	}

	switch op {
	case OpServerInfo:
		var b [3]byte
		if err := d.read(b[:]); err != nil {
			return nil, err
		}
		info := make([]byte, b[2])
		if err := d.read(info); err != nil {
			return nil, err
		}
		return ServerInfoMsg{Protocol: binary.BigEndian.Uint16(b[:2]), Info: string(info)}, nil

	}

	adapter, err := d.r.ReadByte()
	if err != nil {
		return nil, unexpected(err)
	}

	switch op {
	case OpCaSetPid:
		var b [8]byte
		if err := d.read(b[:]); err != nil {
			return nil, err
		}
		pid := binary.BigEndian.Uint32(b[:4])
		if pid > 0x1FFF {
			return nil, fmt.Errorf("%w: CA_SET_PID pid %d", ErrMalformed, pid)
		}
		return CaPidMsg{
			Adapter: int(adapter),
			PID:     uint16(pid),
			Index:   int(int32(binary.BigEndian.Uint32(b[4:]))),
		}, nil

	case OpCaSetDescr, OpCaSetDescrAES:
		size := 8
		if op == OpCaSetDescrAES {
			size = 16
		}
		b := make([]byte, 8+size)
		if err := d.read(b); err != nil {
			return nil, err
		}
		parity := binary.BigEndian.Uint32(b[4:8])
		if parity > 1 {
			return nil, fmt.Errorf("%w: CA_SET_DESCR parity %d", ErrMalformed, parity)
		}
		return CaDescrMsg{
			Adapter: int(adapter),
			Index:   int(binary.BigEndian.Uint32(b[:4])),
			Parity:  decsa.Parity(parity),
			CW:      b[8:],
		}, nil

	case OpCaSetDescrMode:
		var b [12]byte
		if err := d.read(b[:]); err != nil {
			return nil, err
		}
		return DescrModeMsg{
			Adapter:    int(adapter),
			Index:      int(binary.BigEndian.Uint32(b[:4])),
			Algo:       binary.BigEndian.Uint32(b[4:8]),
			CipherMode: binary.BigEndian.Uint32(b[8:]),
		}, nil

	case OpDmxSetFilter:
		// demux index, filter number, dmx_sct_filter_params
		if err := d.skip(2 + dmxFilterSize); err != nil {
			return nil, err
		}
		return IgnoredMsg{Op: op, Adapter: int(adapter)}, nil

	case OpDmxStop:
		// demux index, filter number, pid
		if err := d.skip(4); err != nil {
			return nil, err
		}
		return IgnoredMsg{Op: op, Adapter: int(adapter)}, nil
	}

	return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownOpcode, op)
}

// decodeCAPMT reads the rest of an ASN.1 length field starting with lb, then
// the ca_pmt body.
func (d *Decoder) decodeCAPMT(lb byte) (Message, error) {
	length := int(lb)
	if lb&0x80 != 0 {
		n := int(lb & 0x7f)
		if n == 0 || n > 3 {
			return nil, fmt.Errorf("%w: CA_PMT length field 0x%02x", ErrMalformed, lb)
		}
		var l [3]byte
		if err := d.read(l[:n]); err != nil {
			return nil, err
		}
		length = 0
		for _, c := range l[:n] {
			length = length<<8 | int(c)
		}
	}

	body := make([]byte, length)
	if err := d.read(body); err != nil {
		return nil, err
	}

	p, err := capmt.Parse(body)
	if err != nil {
		return nil, err
	}
	return CAPMTMsg{Adapter: capmtAdapter(body), Program: p}, nil
}

// capmtAdapter finds the adapter descriptor in the program level info of a
// ca_pmt body, adapter 0 when there is none.
func capmtAdapter(body []byte) int {
	if len(body) < 7 {
		return 0
	}
	infoLen := int(binary.BigEndian.Uint16(body[4:6]) & 0x0FFF)
	if infoLen == 0 || 6+infoLen > len(body) {
		return 0
	}

	// skip ca_pmt_cmd_id
	desc := body[7 : 6+infoLen]
	for len(desc) >= 2 {
		tag, n := desc[0], int(desc[1])
		if 2+n > len(desc) {
			break
		}
		if tag == caPMTAdapterTag && n >= 1 {
			return int(desc[2])
		}
		desc = desc[2+n:]
	}
	return 0
}

func (d *Decoder) read(b []byte) error {
	_, err := io.ReadFull(d.r, b)
	return unexpected(err)
}

func (d *Decoder) skip(n int) error {
	_, err := d.r.Discard(n)
	return unexpected(err)
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Encode serializes m in the format Decode reads.
func Encode(m Message) []byte {
	b := binary.BigEndian.AppendUint32(nil, m.Opcode())

	switch m := m.(type) {
	case CaPidMsg:
		b = append(b, byte(m.Adapter))
		b = binary.BigEndian.AppendUint32(b, uint32(m.PID))
		b = binary.BigEndian.AppendUint32(b, uint32(int32(m.Index)))
	case CaDescrMsg:
		b = append(b, byte(m.Adapter))
		b = binary.BigEndian.AppendUint32(b, uint32(m.Index))
		b = binary.BigEndian.AppendUint32(b, uint32(m.Parity))
		b = append(b, m.CW...)
	case DescrModeMsg:
		b = append(b, byte(m.Adapter))
		b = binary.BigEndian.AppendUint32(b, uint32(m.Index))
		b = binary.BigEndian.AppendUint32(b, m.Algo)
		b = binary.BigEndian.AppendUint32(b, m.CipherMode)
	case CAPMTMsg:
		body := withAdapter(stripAPDU(m.Program.Marshal()), m.Adapter)
		b = binary.BigEndian.AppendUint16(b, uint16(len(body)))
		b = append(b, body...)
	case ServerInfoMsg:
		b = binary.BigEndian.AppendUint16(b, m.Protocol)
		b = append(b, byte(len(m.Info)))
		b = append(b, m.Info...)
	case IgnoredMsg:
		b = append(b, byte(m.Adapter))
		switch m.Op {
		case OpDmxSetFilter:
			b = append(b, make([]byte, 2+dmxFilterSize)...)
		case OpDmxStop:
			b = append(b, make([]byte, 4)...)
		}
	}
	return b
}

func stripAPDU(b []byte) []byte {
	if len(b) < 4 {
		return b
	}
	b = b[3:]
	if b[0]&0x80 == 0 {
		return b[1:]
	}
	return b[1+int(b[0]&0x7f):]
}

// withAdapter puts the adapter descriptor in front of the program level
// descriptors of a ca_pmt body.
func withAdapter(body []byte, adapter int) []byte {
	if adapter == 0 {
		return body
	}

	infoLen := int(binary.BigEndian.Uint16(body[4:6]) & 0x0FFF)
	info := []byte{capmt.CmdOkDescrambling}
	if infoLen > 0 {
		info[0] = body[6]
	}
	info = append(info, caPMTAdapterTag, 1, byte(adapter))
	if infoLen > 1 {
		info = append(info, body[7:6+infoLen]...)
	}

	out := append([]byte{}, body[:4]...)
	out = binary.BigEndian.AppendUint16(out, 0xF000|uint16(len(info)))
	out = append(out, info...)
	return append(out, body[6+infoLen:]...)
}

// Dispatch hands m to sink.
func Dispatch(sink Sink, m Message) error {
	switch m := m.(type) {
	case CaPidMsg:
		return sink.SetCaPid(m.Adapter, device.CaPid{PID: m.PID, Index: m.Index})
	case CaDescrMsg:
		return sink.SetCaDescr(m.Adapter, device.CaDescr{Index: m.Index, Parity: m.Parity, CW: m.CW})
	case DescrModeMsg:
		return sink.SetDescrMode(m.Adapter, device.DescrMode{Index: m.Index, Algo: m.Algo, CipherMode: m.CipherMode})
	case CAPMTMsg:
		return sink.UpdateCAPMT(m.Adapter, m.Program)
	}
	return nil
}
