package device

import (
	"errors"
	"fmt"
	"io"

	"github.com/RabbitLabs/dvbsc/decsa"
)

var (
	// ErrNoCA is returned by Driver.OpenCA when the adapter has no CA device.
	ErrNoCA = errors.New("device: no CA device")
)

// Driver gives access to the device files of DVB adapters.
type Driver interface {
	// Probe checks that the frontend exists and can be opened.
	Probe(adapter, frontend int) error
	// OpenDvr returns the raw transport stream of the frontend.
	OpenDvr(adapter, frontend int) (io.ReadCloser, error)
	OpenDemux(adapter, frontend int) (Demux, error)
	OpenCA(adapter, ca int) (CA, error)
}

// Demux selects the PIDs delivered on the dvr stream.
type Demux interface {
	AddPid(pid uint16) error
	RemovePid(pid uint16) error
	Close() error
}

// CA is the hardware descrambler control channel of an adapter.
type CA interface {
	SetDescr(d CaDescr) error
	SetPid(p CaPid) error
	Close() error
}

// CaPid binds a PID to a descrambler index, Index -1 releases it.
type CaPid struct {
	PID   uint16
	Index int
}

// CaDescr is one control word for a descrambler index.
type CaDescr struct {
	Index  int
	Parity decsa.Parity
	CW     []byte
}

// DescrMode selects the cipher of a descrambler index, using the dvbapi
// algorithm and cipher mode codes.
type DescrMode struct {
	Index      int
	Algo       uint32
	CipherMode uint32
}

// DvbName builds the path of a DVB device file relative to the dvb root,
// e.g. "adapter0/frontend1".
func DvbName(name string, adapter, frontend int) string {
	return fmt.Sprintf("adapter%d/%s%d", adapter, name, frontend)
}

type PidType int

const (
	PidVideo PidType = iota
	PidAudio
	PidDolby
	PidTeletext
	PidSubtitle
	PidPCR
	PidCA
	PidOther
)

var pidTypeNames = [...]string{"video", "audio", "dolby", "teletext", "subtitle", "pcr", "ca", "other"}

func (t PidType) String() string {
	if t < 0 || int(t) >= len(pidTypeNames) {
		return fmt.Sprintf("pidtype(%d)", int(t))
	}
	return pidTypeNames[t]
}

// streamType is the PMT stream type used when a PID is added to the
// descrambling program, 0 for PIDs that carry no elementary stream.
func (t PidType) streamType() uint8 {
	switch t {
	case PidVideo:
		return 0x02
	case PidAudio:
		return 0x04
	case PidDolby, PidTeletext, PidSubtitle:
		return 0x06
	}
	return 0
}
