package device

import (
	"fmt"
	"sort"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/ci"
)

// Channel is what the host asks a device to deliver.
type Channel struct {
	Number      int      `yaml:"number" json:"number"`
	Name        string   `yaml:"name" json:"name"`
	Source      string   `yaml:"source" json:"source"`
	Transponder int      `yaml:"transponder" json:"transponder"`
	SID         uint16   `yaml:"sid" json:"sid"`
	PMTPID      uint16   `yaml:"pmtpid" json:"pmtpid"`
	VPID        uint16   `yaml:"vpid" json:"vpid"`
	APIDs       []uint16 `yaml:"apids" json:"apids"`
	TPID        uint16   `yaml:"tpid,omitempty" json:"tpid,omitempty"`
	// CA lists the CA system ids of the channel, empty for free to air
	CA []uint16 `yaml:"ca,omitempty" json:"ca,omitempty"`
	// ECMPID is the PID carrying the ECMs, if known
	ECMPID uint16 `yaml:"ecmpid,omitempty" json:"ecmpid,omitempty"`
}

// Key identifies the service independent of its channel number.
func (c Channel) Key() string {
	return fmt.Sprintf("%s-%d-%d", c.Source, c.Transponder, c.SID)
}

func (c Channel) Scrambled() bool {
	return len(c.CA) > 0
}

// Program is the descrambling program of the channel as known before the
// authority sends its own CA PMT.
func (c Channel) Program() capmt.Program {
	p := capmt.Program{
		ListManagement: capmt.ListOnly,
		Number:         c.SID,
		CurrentNext:    true,
		CmdID:          capmt.CmdOkDescrambling,
	}

	ecm := c.ECMPID
	if ecm == 0 {
		ecm = 0x1FFF
	}
	for _, caid := range c.CA {
		p.CA = append(p.CA, capmt.CADescriptor{SystemID: caid, PID: ecm})
	}

	add := func(typ uint8, pid uint16) {
		if pid == 0 || pid > 0x1FFE {
			return
		}
		for _, s := range p.Streams {
			if s.PID == pid {
				return
			}
		}
		p.Streams = append(p.Streams, capmt.Stream{Type: typ, PID: pid})
	}
	add(PidVideo.streamType(), c.VPID)
	for _, a := range c.APIDs {
		add(PidAudio.streamType(), a)
	}
	add(PidTeletext.streamType(), c.TPID)
	return p
}

func (c Channel) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%d %s", c.Number, c.Name)
	}
	return fmt.Sprintf("%d %s", c.Number, c.Key())
}

type Mode int32

const (
	ModeClear Mode = iota
	ModeSoftware
	ModeHardware
	// ModeUnviewable is a scrambled channel without any usable key path.
	ModeUnviewable
)

func (m Mode) String() string {
	switch m {
	case ModeClear:
		return "clear"
	case ModeSoftware:
		return "software"
	case ModeHardware:
		return "hardware"
	case ModeUnviewable:
		return "unviewable"
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Path is the decryption path that owns a PID.
type Path int

const (
	PathNone Path = iota
	PathSoftware
	PathHardware
)

func (p Path) String() string {
	switch p {
	case PathSoftware:
		return "software"
	case PathHardware:
		return "hardware"
	}
	return "none"
}

// SelectMode decides how a channel is descrambled. A CI able to decrypt one
// of the CA systems wins unless preferSoftware is set and software
// descrambling is possible; software is used when allowed, otherwise the
// channel cannot be shown.
func SelectMode(scrambled bool, caids []uint16, adapter ci.Adapter, softCSA, preferSoftware bool) Mode {
	if !scrambled {
		return ModeClear
	}

	hardware := false
	if adapter != nil {
		for _, caid := range caids {
			if adapter.CanDecrypt(caid) {
				hardware = true
				break
			}
		}
	}

	switch {
	case hardware && !(preferSoftware && softCSA):
		return ModeHardware
	case softCSA:
		return ModeSoftware
	case hardware:
		return ModeHardware
	}
	return ModeUnviewable
}

func mergeCAIDs(a, b []uint16) []uint16 {
	seen := make(map[uint16]struct{}, len(a)+len(b))
	out := make([]uint16, 0, len(a)+len(b))
	for _, list := range [][]uint16{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
