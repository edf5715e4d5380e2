// Package capmt holds the CA program map data of the active channels: which
// PIDs are scrambled, under which CA systems, and which descrambler slot
// the authority assigned to them.
package capmt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var ErrMalformed = errors.New("capmt: malformed CA PMT")

// ca_pmt_list_management
const (
	ListMore   = 0x00
	ListFirst  = 0x01
	ListLast   = 0x02
	ListOnly   = 0x03
	ListAdd    = 0x04
	ListUpdate = 0x05
)

// ca_pmt_cmd_id
const (
	CmdOkDescrambling = 0x01
	CmdOkMMI          = 0x02
	CmdQuery          = 0x03
	CmdNotSelected    = 0x04
)

const (
	caDescriptorTag = 0x09
	maxPID          = 0x1FFE
)

// APDU tag of a ca_pmt object (EN 50221)
var apduTag = []byte{0x9F, 0x80, 0x32}

type CADescriptor struct {
	SystemID uint16 `yaml:"caid" json:"caid"`
	PID      uint16 `yaml:"pid" json:"pid"`
	Private  []byte `yaml:"private,omitempty" json:"private,omitempty"`
}

type Stream struct {
	Type uint8          `yaml:"type" json:"type"`
	PID  uint16         `yaml:"pid" json:"pid"`
	CA   []CADescriptor `yaml:"ca,omitempty" json:"ca,omitempty"`
}

type Program struct {
	ListManagement uint8          `json:"listmanagement"`
	Number         uint16         `json:"number"`
	Version        uint8          `json:"version"`
	CurrentNext    bool           `json:"currentnext"`
	CmdID          uint8          `json:"cmdid"`
	CA             []CADescriptor `json:"ca,omitempty"`
	Streams        []Stream       `json:"streams"`
}

// StreamCA returns the CA descriptors that apply to a stream: its own if it has
// any, the program level ones otherwise.
func (p Program) StreamCA(s Stream) []CADescriptor {
	if len(s.CA) > 0 {
		return s.CA
	}
	return p.CA
}

func (p Program) Scrambled() bool {
	if len(p.CA) > 0 {
		return true
	}
	for _, s := range p.Streams {
		if len(s.CA) > 0 {
			return true
		}
	}
	return false
}

// CAIDs lists the distinct CA system ids of the program in ascending order.
func (p Program) CAIDs() []uint16 {
	seen := make(map[uint16]struct{})
	add := func(ds []CADescriptor) {
		for _, d := range ds {
			seen[d.SystemID] = struct{}{}
		}
	}
	add(p.CA)
	for _, s := range p.Streams {
		add(s.CA)
	}

	ids := make([]uint16, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p Program) PIDs() []uint16 {
	pids := make([]uint16, len(p.Streams))
	for i, s := range p.Streams {
		pids[i] = s.PID
	}
	return pids
}

// Validate rejects programs that cannot be applied as a whole.
func (p Program) Validate() error {
	if len(p.Streams) == 0 {
		return fmt.Errorf("%w: program %d has no streams", ErrMalformed, p.Number)
	}

	seen := make(map[uint16]struct{}, len(p.Streams))
	for _, s := range p.Streams {
		if s.PID == 0 || s.PID > maxPID {
			return fmt.Errorf("%w: program %d stream pid 0x%x out of range", ErrMalformed, p.Number, s.PID)
		}
		if _, dup := seen[s.PID]; dup {
			return fmt.Errorf("%w: program %d lists pid 0x%x twice", ErrMalformed, p.Number, s.PID)
		}
		seen[s.PID] = struct{}{}
	}
	return nil
}

// Parse decodes a ca_pmt object, with or without its APDU tag and length.
func Parse(b []byte) (Program, error) {
	var p Program

	if bytes.HasPrefix(b, apduTag) {
		body, err := apduBody(b[len(apduTag):])
		if err != nil {
			return p, err
		}
		b = body
	}

	if len(b) < 6 {
		return p, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}

	p.ListManagement = b[0]
	p.Number = binary.BigEndian.Uint16(b[1:])
	p.Version = (b[3] >> 1) & 0x1f
	p.CurrentNext = b[3]&0x01 != 0

	infoLen := int(binary.BigEndian.Uint16(b[4:]) & 0x0fff)
	pos := 6
	if pos+infoLen > len(b) {
		return p, fmt.Errorf("%w: program info length %d", ErrMalformed, infoLen)
	}
	if infoLen > 0 {
		p.CmdID = b[pos]
		ca, err := parseDescriptors(b[pos+1 : pos+infoLen])
		if err != nil {
			return p, err
		}
		p.CA = ca
	}
	pos += infoLen

	for pos < len(b) {
		if pos+5 > len(b) {
			return p, fmt.Errorf("%w: truncated stream entry", ErrMalformed)
		}

		s := Stream{
			Type: b[pos],
			PID:  binary.BigEndian.Uint16(b[pos+1:]) & 0x1fff,
		}
		esLen := int(binary.BigEndian.Uint16(b[pos+3:]) & 0x0fff)
		pos += 5

		if pos+esLen > len(b) {
			return p, fmt.Errorf("%w: es info length %d", ErrMalformed, esLen)
		}
		if esLen > 0 {
			ca, err := parseDescriptors(b[pos+1 : pos+esLen])
			if err != nil {
				return p, err
			}
			s.CA = ca
		}
		pos += esLen

		p.Streams = append(p.Streams, s)
	}

	return p, p.Validate()
}

func apduBody(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: missing length field", ErrMalformed)
	}

	length := int(b[0])
	pos := 1
	if b[0]&0x80 != 0 {
		n := int(b[0] & 0x7f)
		if n == 0 || n > 3 || len(b) < 1+n {
			return nil, fmt.Errorf("%w: bad length field", ErrMalformed)
		}
		length = 0
		for i := 0; i < n; i++ {
			length = length<<8 | int(b[1+i])
		}
		pos += n
	}

	if pos+length > len(b) {
		return nil, fmt.Errorf("%w: length %d exceeds %d bytes", ErrMalformed, length, len(b)-pos)
	}
	return b[pos : pos+length], nil
}

// parseDescriptors keeps CA descriptors and skips everything else
func parseDescriptors(b []byte) ([]CADescriptor, error) {
	var out []CADescriptor

	for pos := 0; pos < len(b); {
		if pos+2 > len(b) {
			return nil, fmt.Errorf("%w: truncated descriptor", ErrMalformed)
		}
		tag, length := b[pos], int(b[pos+1])
		pos += 2
		if pos+length > len(b) {
			return nil, fmt.Errorf("%w: descriptor 0x%02x length %d", ErrMalformed, tag, length)
		}

		if tag == caDescriptorTag {
			if length < 4 {
				return nil, fmt.Errorf("%w: CA descriptor length %d", ErrMalformed, length)
			}
			d := CADescriptor{
				SystemID: binary.BigEndian.Uint16(b[pos:]),
				PID:      binary.BigEndian.Uint16(b[pos+2:]) & 0x1fff,
			}
			if length > 4 {
				d.Private = append([]byte(nil), b[pos+4:pos+length]...)
			}
			out = append(out, d)
		}
		pos += length
	}

	return out, nil
}

func appendDescriptors(dst []byte, ds []CADescriptor) []byte {
	for _, d := range ds {
		dst = append(dst, caDescriptorTag, byte(4+len(d.Private)))
		dst = binary.BigEndian.AppendUint16(dst, d.SystemID)
		dst = binary.BigEndian.AppendUint16(dst, 0xe000|d.PID)
		dst = append(dst, d.Private...)
	}
	return dst
}

func appendInfo(dst []byte, cmd uint8, ds []CADescriptor) []byte {
	if len(ds) == 0 {
		return binary.BigEndian.AppendUint16(dst, 0xf000)
	}

	info := appendDescriptors([]byte{cmd}, ds)
	dst = binary.BigEndian.AppendUint16(dst, 0xf000|uint16(len(info)))
	return append(dst, info...)
}

// Marshal encodes the program as a ca_pmt APDU.
func (p Program) Marshal() []byte {
	body := []byte{p.ListManagement}
	body = binary.BigEndian.AppendUint16(body, p.Number)

	vcn := 0xc0 | (p.Version&0x1f)<<1
	if p.CurrentNext {
		vcn |= 0x01
	}
	body = append(body, vcn)
	body = appendInfo(body, p.CmdID, p.CA)

	for _, s := range p.Streams {
		body = append(body, s.Type)
		body = binary.BigEndian.AppendUint16(body, 0xe000|s.PID)
		body = appendInfo(body, p.CmdID, s.CA)
	}

	out := append([]byte(nil), apduTag...)
	switch n := len(body); {
	case n < 0x80:
		out = append(out, byte(n))
	case n < 0x100:
		out = append(out, 0x81, byte(n))
	default:
		out = append(out, 0x82, byte(n>>8), byte(n))
	}
	return append(out, body...)
}
