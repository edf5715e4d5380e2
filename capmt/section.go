package capmt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Comcast/gots"
	"github.com/Comcast/gots/packet"
	"github.com/Comcast/gots/psi"
)

const pmtTableID = 0x02

// SectionAssembler rebuilds PSI sections spread over several packets of one
// PID (max size is usually 1024 for PMT, 4096 for private sections).
type SectionAssembler struct {
	maxSize  int
	expected int
	data     []byte
}

func NewSectionAssembler(maxSectionSize int) *SectionAssembler {
	return &SectionAssembler{
		maxSize: maxSectionSize,
		data:    make([]byte, 0, maxSectionSize),
	}
}

// ParsePacket feeds one packet and returns a complete section (starting at
// table_id) when the packet finishes one. The returned slice is only valid
// until the next call.
func (a *SectionAssembler) ParsePacket(pkt *packet.Packet) ([]byte, bool) {
	payload, err := packet.Payload(pkt)
	if err != nil || len(payload) == 0 {
		return nil, false
	}

	if packet.PayloadUnitStartIndicator(pkt) {
		pointer := int(payload[0])
		if 1+pointer+3 > len(payload) {
			a.reset()
			return nil, false
		}

		length := 3 + int(psi.SectionLength(payload))
		if length > a.maxSize {
			a.reset()
			return nil, false
		}

		a.expected = length
		a.data = append(a.data[:0], payload[1+pointer:]...)
	} else {
		// continuation without a start, wait for the next section
		if a.expected == 0 {
			return nil, false
		}
		a.data = append(a.data, payload...)
	}

	if len(a.data) < a.expected {
		return nil, false
	}

	section := a.data[:a.expected]
	a.expected = 0
	return section, true
}

func (a *SectionAssembler) reset() {
	a.expected = 0
	a.data = a.data[:0]
}

// ParsePMTSection converts a program map section into a Program, keeping the
// CA descriptors at program and stream level.
func ParsePMTSection(s []byte) (Program, error) {
	var p Program

	if len(s) < 16 {
		return p, fmt.Errorf("%w: pmt section of %d bytes", ErrMalformed, len(s))
	}
	if s[0] != pmtTableID {
		return p, fmt.Errorf("%w: table id 0x%02x is not a pmt", ErrMalformed, s[0])
	}

	length := 3 + int(binary.BigEndian.Uint16(s[1:])&0x0fff)
	if length > len(s) || length < 16 {
		return p, fmt.Errorf("%w: section length %d", ErrMalformed, length)
	}
	s = s[:length]
	if !bytes.Equal(gots.ComputeCRC(s[:length-4]), s[length-4:]) {
		return p, fmt.Errorf("%w: crc mismatch", ErrMalformed)
	}

	p.ListManagement = ListOnly
	p.CmdID = CmdOkDescrambling
	p.Number = binary.BigEndian.Uint16(s[3:])
	p.Version = (s[5] >> 1) & 0x1f
	p.CurrentNext = s[5]&0x01 != 0

	infoLen := int(binary.BigEndian.Uint16(s[10:]) & 0x0fff)
	pos := 12
	end := len(s) - 4
	if pos+infoLen > end {
		return p, fmt.Errorf("%w: program info length %d", ErrMalformed, infoLen)
	}
	ca, err := parseDescriptors(s[pos : pos+infoLen])
	if err != nil {
		return p, err
	}
	p.CA = ca
	pos += infoLen

	for pos < end {
		if pos+5 > end {
			return p, fmt.Errorf("%w: truncated stream entry", ErrMalformed)
		}
		st := Stream{
			Type: s[pos],
			PID:  binary.BigEndian.Uint16(s[pos+1:]) & 0x1fff,
		}
		esLen := int(binary.BigEndian.Uint16(s[pos+3:]) & 0x0fff)
		pos += 5
		if pos+esLen > end {
			return p, fmt.Errorf("%w: es info length %d", ErrMalformed, esLen)
		}
		if st.CA, err = parseDescriptors(s[pos : pos+esLen]); err != nil {
			return p, err
		}
		pos += esLen
		p.Streams = append(p.Streams, st)
	}

	return p, p.Validate()
}

// BuildPMTSection encodes p as a program map section with a valid CRC.
func BuildPMTSection(p Program, pcrPID uint16) []byte {
	body := binary.BigEndian.AppendUint16(nil, p.Number)
	vcn := 0xc0 | (p.Version&0x1f)<<1
	if p.CurrentNext {
		vcn |= 0x01
	}
	body = append(body, vcn, 0, 0)
	body = binary.BigEndian.AppendUint16(body, 0xe000|pcrPID)

	info := appendDescriptors(nil, p.CA)
	body = binary.BigEndian.AppendUint16(body, 0xf000|uint16(len(info)))
	body = append(body, info...)

	for _, st := range p.Streams {
		body = append(body, st.Type)
		body = binary.BigEndian.AppendUint16(body, 0xe000|st.PID)
		es := appendDescriptors(nil, st.CA)
		body = binary.BigEndian.AppendUint16(body, 0xf000|uint16(len(es)))
		body = append(body, es...)
	}

	section := []byte{pmtTableID}
	section = binary.BigEndian.AppendUint16(section, 0xb000|uint16(len(body)+4))
	section = append(section, body...)
	return append(section, gots.ComputeCRC(section)...)
}
