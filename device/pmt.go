package device

import (
	"sync/atomic"

	"github.com/Comcast/gots/packet"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/internal/log"
)

const maxPMTSection = 1024

// pmtWatch follows the PMT of the current channel in the delivered stream.
// target is written by channel switches, the assembler only by the consumer.
type pmtWatch struct {
	// pid<<16 | sid, 0 when no channel is selected
	target atomic.Uint32
	last   atomic.Pointer[capmt.Program]

	asm       *capmt.SectionAssembler
	asmTarget uint32
}

func (w *pmtWatch) follow(pid, sid uint16) {
	if pid == 0 || pid > 0x1FFE {
		w.target.Store(0)
	} else {
		w.target.Store(uint32(pid)<<16 | uint32(sid))
	}
	w.last.Store(nil)
}

// feed must only be called from the consumer goroutine.
func (w *pmtWatch) feed(name string, pkt *packet.Packet) {
	target := w.target.Load()
	if target == 0 || uint32(pkt.PID()) != target>>16 {
		return
	}
	if w.asm == nil || w.asmTarget != target {
		w.asm = capmt.NewSectionAssembler(maxPMTSection)
		w.asmTarget = target
	}

	section, ok := w.asm.ParsePacket(pkt)
	if !ok {
		return
	}
	prog, err := capmt.ParsePMTSection(section)
	if err != nil {
		log.Sugar.Debugf("%s: pmt on pid %d: %s", name, target>>16, err.Error())
		return
	}
	if prog.Number != uint16(target) || !prog.CurrentNext {
		return
	}

	if last := w.last.Load(); last != nil && last.Version == prog.Version {
		return
	}
	// the channel may have changed while the section was assembled
	if w.target.Load() != target {
		return
	}
	w.last.Store(&prog)
	log.Sugar.Infof("%s: pmt version %d for sid %d, %d streams, scrambled=%t", name, prog.Version, prog.Number, len(prog.Streams), prog.Scrambled())
}

// StreamPMT is the latest PMT of the current channel seen in the stream.
func (d *Device) StreamPMT() (capmt.Program, bool) {
	p := d.pmt.last.Load()
	if p == nil {
		return capmt.Program{}, false
	}
	return *p, true
}
