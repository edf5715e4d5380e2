// Package device coordinates descrambling for DVB tuners. A Device owns the
// dvr stream of one adapter/frontend pair, decides whether a channel is
// descrambled by a CI module or in software, and applies CA PMT updates and
// control words coming from the authority while packets keep flowing.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Comcast/gots/packet"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/ci"
	"github.com/RabbitLabs/dvbsc/decsa"
	"github.com/RabbitLabs/dvbsc/internal/log"
	"github.com/RabbitLabs/dvbsc/tsbuffer"
)

var (
	ErrNotReady   = errors.New("device: not ready")
	ErrNoCI       = errors.New("device: no CI adapter")
	ErrNoChannel  = errors.New("device: no channel selected")
	ErrDvrClosed  = errors.New("device: dvr not open")
	ErrFailed     = errors.New("device: failed")
	ErrUnviewable = errors.New("device: channel cannot be descrambled")
	ErrNoSession  = errors.New("device: no software descrambling session")
)

const (
	DefaultBufferPackets = 4096
	DefaultReadTimeout   = 100 * time.Millisecond
	DefaultMaxReadErrors = 10
)

type Config struct {
	Adapter  int
	Frontend int
	// CA is the ca device number, negative when the adapter has none
	CA int
	// FullTS marks a full featured card whose live view is decoded on the
	// card and never passes through the dvr stream
	FullTS bool
	// SoftCSA enables the software descrambler
	SoftCSA        bool
	PreferSoftware bool
	// Budget is set for devices forced into budget mode
	Budget bool

	BufferPackets int
	ReadTimeout   time.Duration
	MaxReadErrors int
	Algorithm     decsa.Algorithm
	CI            ci.Adapter
}

func (c *Config) setDefaults() {
	if c.BufferPackets <= 0 {
		c.BufferPackets = DefaultBufferPackets
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxReadErrors <= 0 {
		c.MaxReadErrors = DefaultMaxReadErrors
	}
}

type Status struct {
	Name        string          `json:"name"`
	Adapter     int             `json:"adapter"`
	Frontend    int             `json:"frontend"`
	Ready       bool            `json:"ready"`
	Failed      bool            `json:"failed"`
	Error       string          `json:"error,omitempty"`
	Budget      bool            `json:"budget"`
	HasCI       bool            `json:"hasci"`
	SoftCSA     bool            `json:"softcsa"`
	Mode        Mode            `json:"mode"`
	Channel     *Channel        `json:"channel,omitempty"`
	LiveView    bool            `json:"liveview"`
	Pids        []uint16        `json:"pids"`
	Scrambled   []uint16        `json:"scrambled"`
	Buffer      *tsbuffer.Stats `json:"buffer,omitempty"`
	PMT         *capmt.Program  `json:"pmt,omitempty"`
	Descrambler decsa.Stats     `json:"descrambler"`
}

type Device struct {
	name   string
	cfg    Config
	driver Driver
	ci     ci.Adapter

	engine *decsa.Engine
	table  *capmt.Table

	// Lock order is switchMu, tsMu, cafdMu.

	// switchMu serializes channel changes and CA PMT updates
	switchMu sync.Mutex
	channel  *Channel
	program  *capmt.Program
	pids     map[uint16]PidType
	demux    Demux

	// tsMu guards the dvr handle and every publication of table, keys and
	// mode, so a reader holding it sees them consistent
	tsMu          sync.Mutex
	dvr           io.ReadCloser
	stopCapture   context.CancelFunc
	captureDone   chan struct{}
	initialCaDscr bool

	// cafdMu guards the CA device
	cafdMu sync.Mutex
	ca     CA

	buffer   atomic.Pointer[tsbuffer.Buffer]
	mode     atomic.Int32
	liveView atomic.Bool
	softcsa  atomic.Bool
	ready    atomic.Bool
	failed   atomic.Bool

	pmt pmtWatch

	errMu   sync.Mutex
	lastErr error
}

func New(driver Driver, cfg Config) *Device {
	cfg.setDefaults()

	d := &Device{
		name:   DvbName("frontend", cfg.Adapter, cfg.Frontend),
		cfg:    cfg,
		driver: driver,
		ci:     cfg.CI,
		engine: decsa.NewEngine(cfg.Algorithm),
		table:  capmt.NewTable(),
		pids:   make(map[uint16]PidType),
	}
	d.softcsa.Store(cfg.SoftCSA)
	return d
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Adapter() int {
	return d.cfg.Adapter
}

func (d *Device) Frontend() int {
	return d.cfg.Frontend
}

// LateInit opens the control devices and makes the device ready.
func (d *Device) LateInit() error {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.failed.Load() {
		return d.failure()
	}

	if d.demux == nil {
		demux, err := d.driver.OpenDemux(d.cfg.Adapter, d.cfg.Frontend)
		if err != nil {
			return fmt.Errorf("%s: open demux: %w", d.name, err)
		}
		d.demux = demux
	}

	d.cafdMu.Lock()
	if d.ca == nil && d.cfg.CA >= 0 && !d.cfg.Budget {
		ca, err := d.driver.OpenCA(d.cfg.Adapter, d.cfg.CA)
		switch {
		case err == nil:
			d.ca = ca
		case errors.Is(err, ErrNoCA):
			log.Sugar.Debugf("%s: no ca device", d.name)
		default:
			log.Sugar.Warnf("%s: open ca%d: %s", d.name, d.cfg.CA, err.Error())
		}
	}
	hasCA := d.ca != nil
	d.cafdMu.Unlock()

	if !hasCA && !d.softcsa.Load() {
		log.Sugar.Infof("%s: no hardware descrambler, using software", d.name)
		d.softcsa.Store(true)
	}

	d.ready.Store(true)
	log.Sugar.Infof("%s: ready (softcsa=%t fullts=%t ci=%t budget=%t)", d.name, d.softcsa.Load(), d.cfg.FullTS, d.ci != nil, d.cfg.Budget)
	return nil
}

// EarlyShutdown stops accepting new packets and lets the consumer drain what
// is buffered.
func (d *Device) EarlyShutdown() {
	d.ready.Store(false)

	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.Mode() == ModeHardware && d.ci != nil {
		if err := d.ci.Stop(); err != nil {
			log.Sugar.Warnf("%s: stop CI: %s", d.name, err.Error())
		}
	}
	if buf := d.buffer.Load(); buf != nil {
		buf.CloseWrite()
	}
}

// Shutdown releases everything immediately, buffered packets are discarded.
func (d *Device) Shutdown() {
	d.ready.Store(false)
	d.CloseDvr()

	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	d.teardown()

	if d.demux != nil {
		if err := d.demux.Close(); err != nil {
			log.Sugar.Warnf("%s: close demux: %s", d.name, err.Error())
		}
		d.demux = nil
	}

	d.cafdMu.Lock()
	if d.ca != nil {
		if err := d.ca.Close(); err != nil {
			log.Sugar.Warnf("%s: close ca: %s", d.name, err.Error())
		}
		d.ca = nil
	}
	d.cafdMu.Unlock()

	log.Sugar.Infof("%s: shut down", d.name)
}

func (d *Device) OpenDvr() error {
	d.tsMu.Lock()
	defer d.tsMu.Unlock()

	if d.dvr != nil {
		return nil
	}
	if d.failed.Load() {
		return d.failure()
	}

	r, err := d.driver.OpenDvr(d.cfg.Adapter, d.cfg.Frontend)
	if err != nil {
		return fmt.Errorf("%s: open dvr: %w", d.name, err)
	}

	buf := tsbuffer.New(d.cfg.BufferPackets)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	d.dvr = r
	d.stopCapture = cancel
	d.captureDone = done
	d.buffer.Store(buf)

	go d.capture(ctx, r, buf, done)
	return nil
}

func (d *Device) capture(ctx context.Context, r io.Reader, buf *tsbuffer.Buffer, done chan struct{}) {
	defer close(done)

	err := tsbuffer.Capture(ctx, r, buf, d.cfg.MaxReadErrors)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		log.Sugar.Infof("%s: dvr stream ended", d.name)
	case ctx.Err() != nil:
	default:
		d.fail(err)
	}
	buf.CloseWrite()
}

// CloseDvr stops the capture and discards buffered packets.
func (d *Device) CloseDvr() {
	d.tsMu.Lock()
	if d.dvr == nil {
		d.tsMu.Unlock()
		return
	}

	d.stopCapture()
	if err := d.dvr.Close(); err != nil {
		log.Sugar.Debugf("%s: close dvr: %s", d.name, err.Error())
	}
	done := d.captureDone
	buf := d.buffer.Load()

	d.dvr = nil
	d.stopCapture = nil
	d.captureDone = nil
	d.buffer.Store(nil)
	d.tsMu.Unlock()

	buf.Close()
	<-done
}

// GetTSPacket returns the next packet, descrambled when the device runs in
// software mode. It returns nil, nil when no packet arrived within the read
// timeout and io.EOF once the stream ended and was drained. GetTSPacket must
// be called from a single goroutine.
func (d *Device) GetTSPacket(ctx context.Context) (*packet.Packet, error) {
	buf := d.buffer.Load()
	if buf == nil {
		return nil, ErrDvrClosed
	}

	pkt, err := buf.Get(ctx, d.cfg.ReadTimeout)
	if err != nil {
		switch {
		case errors.Is(err, tsbuffer.ErrTimeout):
			if d.failed.Load() {
				return nil, d.failure()
			}
			return nil, nil
		case errors.Is(err, tsbuffer.ErrClosed):
			if d.failed.Load() {
				return nil, d.failure()
			}
			if d.buffer.Load() != buf {
				return nil, ErrDvrClosed
			}
			return nil, io.EOF
		}
		return nil, err
	}

	if d.Mode() == ModeSoftware {
		d.engine.Decrypt(&pkt, d.table.Snapshot())
	}
	d.pmt.feed(d.name, &pkt)
	return &pkt, nil
}

// SetChannelDevice binds the device to ch. Selecting the channel the device
// already shows, in the same view mode, changes nothing.
func (d *Device) SetChannelDevice(ch Channel, liveView bool) error {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.channel != nil && d.channel.Key() == ch.Key() && d.liveView.Load() == liveView {
		return nil
	}
	if !d.Ready() {
		return fmt.Errorf("%s: %w", d.name, ErrNotReady)
	}

	d.teardown()

	c := ch
	prog := ch.Program()
	d.channel = &c
	d.program = &prog
	d.liveView.Store(liveView)
	d.pmt.follow(c.PMTPID, c.SID)

	log.Sugar.Infof("%s: switch to %s (live=%t)", d.name, c.String(), liveView)
	return d.apply(prog)
}

// teardown ends the session of the current channel, switchMu must be held.
func (d *Device) teardown() {
	if d.Mode() == ModeHardware && d.ci != nil {
		if err := d.ci.Stop(); err != nil {
			log.Sugar.Warnf("%s: stop CI: %s", d.name, err.Error())
		}
	}

	if d.demux != nil {
		for pid := range d.pids {
			if err := d.demux.RemovePid(pid); err != nil {
				log.Sugar.Warnf("%s: remove pid %d: %s", d.name, pid, err.Error())
			}
		}
	}
	d.pids = make(map[uint16]PidType)

	d.tsMu.Lock()
	if buf := d.buffer.Load(); buf != nil {
		buf.Reset()
	}
	d.table.Clear()
	d.engine.ClearKeys()
	d.engine.Reset()
	d.initialCaDscr = true
	d.mode.Store(int32(ModeClear))
	d.tsMu.Unlock()

	d.channel = nil
	d.program = nil
	d.pmt.follow(0, 0)
}

// apply selects the descrambling mode for prog, the program of the current
// channel, and publishes it. switchMu must be held.
func (d *Device) apply(prog capmt.Program) error {
	if len(prog.Streams) > 0 {
		if err := prog.Validate(); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	live := d.liveView.Load()
	caids := mergeCAIDs(prog.CAIDs(), d.channel.CA)
	scrambled := prog.Scrambled() || d.channel.Scrambled()
	mode := SelectMode(scrambled, caids, d.ci, d.keyPath(live), d.cfg.PreferSoftware)
	prev := d.Mode()

	if mode == ModeHardware {
		if err := d.ci.Start(prog.Number, caids, prog.PIDs()); err != nil {
			log.Sugar.Warnf("%s: CI failed for %s: %s", d.name, d.channel.String(), err.Error())
			mode = ModeUnviewable
			if d.keyPath(live) {
				mode = ModeSoftware
			}
		}
	}
	if prev == ModeHardware && mode != ModeHardware {
		if err := d.ci.Stop(); err != nil {
			log.Sugar.Warnf("%s: stop CI: %s", d.name, err.Error())
		}
	}

	d.tsMu.Lock()
	if (mode == ModeSoftware || mode == ModeHardware) && len(prog.Streams) > 0 {
		// the CI only descrambles the channel's own program
		if mode == ModeHardware {
			for _, other := range d.table.Snapshot().Programs() {
				if other.Number != prog.Number {
					d.table.Remove(other.Number)
				}
			}
		}
		// validated above, cannot fail
		_ = d.table.Update(prog)
	} else {
		d.table.Clear()
	}
	if mode != prev {
		d.engine.Reset()
	}
	d.mode.Store(int32(mode))
	d.tsMu.Unlock()

	if mode != prev {
		log.Sugar.Infof("%s: %s mode for %s", d.name, mode, d.channel.String())
	}
	if mode == ModeUnviewable {
		return fmt.Errorf("%s: %s: %w", d.name, d.channel.String(), ErrUnviewable)
	}
	return nil
}

// UpdateCAPMT applies a CA PMT from the authority. A malformed program is
// rejected and the previous table stays in use.
func (d *Device) UpdateCAPMT(p capmt.Program) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}

	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.channel == nil {
		return fmt.Errorf("%s: %w", d.name, ErrNoChannel)
	}

	if p.Number == d.channel.SID {
		d.program = &p
		return d.apply(p)
	}

	// other services of the transponder share the software session
	if d.Mode() != ModeSoftware {
		return fmt.Errorf("%s: program %d: %w", d.name, p.Number, ErrNoSession)
	}
	d.tsMu.Lock()
	defer d.tsMu.Unlock()
	return d.table.Update(p)
}

// SetPid adds or removes a PID from the dvr stream. Elementary streams of a
// scrambled channel are added to or removed from its descrambling program.
func (d *Device) SetPid(pid uint16, typ PidType, on bool) error {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.demux == nil {
		return fmt.Errorf("%s: %w", d.name, ErrNotReady)
	}

	_, active := d.pids[pid]
	switch {
	case on && !active:
		if err := d.demux.AddPid(pid); err != nil {
			return fmt.Errorf("%s: add pid %d: %w", d.name, pid, err)
		}
		d.pids[pid] = typ
	case on:
		d.pids[pid] = typ
	case active:
		if err := d.demux.RemovePid(pid); err != nil {
			return fmt.Errorf("%s: remove pid %d: %w", d.name, pid, err)
		}
		delete(d.pids, pid)
	default:
		return nil
	}

	if d.program == nil || typ.streamType() == 0 {
		return nil
	}
	if mode := d.Mode(); mode != ModeSoftware && mode != ModeHardware {
		return nil
	}

	prog, changed := withStream(*d.program, pid, typ.streamType(), on)
	if !changed || len(prog.Streams) == 0 {
		return nil
	}
	d.program = &prog
	return d.apply(prog)
}

func withStream(p capmt.Program, pid uint16, typ uint8, on bool) (capmt.Program, bool) {
	streams := make([]capmt.Stream, 0, len(p.Streams)+1)
	found := false
	for _, s := range p.Streams {
		if s.PID == pid {
			found = true
			if !on {
				continue
			}
		}
		streams = append(streams, s)
	}
	if found == on {
		return p, false
	}
	if on {
		streams = append(streams, capmt.Stream{Type: typ, PID: pid})
	}
	p.Streams = streams
	return p, true
}

// keyPath reports whether control words from the authority can descramble
// the stream, in software or on the card's own descrambler.
func (d *Device) keyPath(live bool) bool {
	if d.SoftCSA(live) {
		return true
	}
	d.cafdMu.Lock()
	defer d.cafdMu.Unlock()
	return d.ca != nil
}

// hardwareDescr reports whether control words go to the CA device of the
// card rather than the software descrambler.
func (d *Device) hardwareDescr() bool {
	return !d.SoftCSA(d.liveView.Load())
}

// SetCaPid binds a PID to a descrambler index.
func (d *Device) SetCaPid(p CaPid) error {
	if p.Index >= decsa.MaxSlots {
		return fmt.Errorf("%s: ca pid %d: %w", d.name, p.PID, decsa.ErrSlotRange)
	}

	d.tsMu.Lock()
	defer d.tsMu.Unlock()

	if d.hardwareDescr() {
		d.cafdMu.Lock()
		var err error
		if d.ca != nil {
			err = d.ca.SetPid(p)
		}
		d.cafdMu.Unlock()
		if err != nil {
			return fmt.Errorf("%s: CA_SET_PID %d: %w", d.name, p.PID, err)
		}
	}

	d.table.AssignSlot(p.PID, p.Index)
	return nil
}

// SetCaDescr installs a control word. The first one after a channel switch is
// also used for the other parity until its own key arrives.
func (d *Device) SetCaDescr(cd CaDescr) error {
	if d.hardwareDescr() {
		d.cafdMu.Lock()
		defer d.cafdMu.Unlock()

		if d.ca == nil {
			return fmt.Errorf("%s: %w", d.name, ErrNoSession)
		}
		if err := d.ca.SetDescr(cd); err != nil {
			return fmt.Errorf("%s: CA_SET_DESCR %d: %w", d.name, cd.Index, err)
		}
		return nil
	}

	d.tsMu.Lock()
	defer d.tsMu.Unlock()

	if err := d.engine.Install(cd.Index, cd.Parity, cd.CW); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	if d.initialCaDscr {
		other := decsa.Odd
		if cd.Parity == decsa.Odd {
			other = decsa.Even
		}
		if !d.engine.HasKey(cd.Index, other) {
			if err := d.engine.Install(cd.Index, other, cd.CW); err != nil {
				return fmt.Errorf("%s: %w", d.name, err)
			}
		}
		d.initialCaDscr = false
	}
	return nil
}

func (d *Device) SetDescrMode(m DescrMode) error {
	alg, err := decsa.AlgorithmByMode(m.Algo, m.CipherMode)
	if err != nil {
		return fmt.Errorf("%s: descrambler %d: %w", d.name, m.Index, err)
	}

	d.tsMu.Lock()
	defer d.tsMu.Unlock()

	if err := d.engine.SetAlgorithm(m.Index, alg); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}
	log.Sugar.Debugf("%s: descrambler %d uses %s", d.name, m.Index, alg.Name())
	return nil
}

// CiStartDecrypting starts the CI module on the current program when it is
// the selected path. Falls back to software, or marks the channel
// unviewable, when the module fails.
func (d *Device) CiStartDecrypting() error {
	if d.ci == nil {
		return fmt.Errorf("%s: %w", d.name, ErrNoCI)
	}

	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.program == nil {
		return fmt.Errorf("%s: %w", d.name, ErrNoChannel)
	}
	return d.apply(*d.program)
}

// CiAllowConcurrent reports whether the device can serve more than one
// scrambled program at a time.
func (d *Device) CiAllowConcurrent() bool {
	return d.softcsa.Load() || (d.ci != nil && d.ci.Slots() > 1)
}

// CaidsChanged re-evaluates the mode of the current channel after the CA
// systems a module supports have changed.
func (d *Device) CaidsChanged() {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.program == nil {
		return
	}
	if err := d.apply(*d.program); err != nil {
		log.Sugar.Warnf("%s: %s", d.name, err.Error())
	}
}

func (d *Device) HasCi() bool {
	return d.ci != nil
}

// ScActive reports whether a descrambling session is running.
func (d *Device) ScActive() bool {
	m := d.Mode()
	return m == ModeSoftware || m == ModeHardware
}

func (d *Device) Ready() bool {
	return d.ready.Load() && !d.failed.Load()
}

func (d *Device) SetReady(ready bool) {
	d.ready.Store(ready)
}

// SoftCSA reports whether software descrambling can be used. Live view on a
// full featured card never reaches the dvr stream.
func (d *Device) SoftCSA(live bool) bool {
	return d.softcsa.Load() && (!d.cfg.FullTS || !live)
}

func (d *Device) Mode() Mode {
	return Mode(d.mode.Load())
}

// Path returns the decryption path responsible for pid.
func (d *Device) Path(pid uint16) Path {
	d.tsMu.Lock()
	defer d.tsMu.Unlock()

	if !d.table.Snapshot().Scrambled(pid) {
		return PathNone
	}
	switch d.Mode() {
	case ModeSoftware:
		return PathSoftware
	case ModeHardware:
		return PathHardware
	}
	return PathNone
}

func (d *Device) CAPMT() *capmt.Table {
	return d.table
}

func (d *Device) CIAdapter() ci.Adapter {
	return d.ci
}

// Channel returns the channel the device is bound to, nil when idle.
func (d *Device) Channel() *Channel {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	if d.channel == nil {
		return nil
	}
	c := *d.channel
	return &c
}

func (d *Device) Status() Status {
	d.switchMu.Lock()
	defer d.switchMu.Unlock()

	st := Status{
		Name:        d.name,
		Adapter:     d.cfg.Adapter,
		Frontend:    d.cfg.Frontend,
		Ready:       d.Ready(),
		Failed:      d.failed.Load(),
		Budget:      d.cfg.Budget,
		HasCI:       d.ci != nil,
		SoftCSA:     d.softcsa.Load(),
		Mode:        d.Mode(),
		LiveView:    d.liveView.Load(),
		Scrambled:   d.table.Snapshot().ScrambledPIDs(),
		Descrambler: d.engine.Stats(),
	}
	if d.channel != nil {
		c := *d.channel
		st.Channel = &c
	}
	for pid := range d.pids {
		st.Pids = append(st.Pids, pid)
	}
	sort.Slice(st.Pids, func(i, j int) bool { return st.Pids[i] < st.Pids[j] })
	if pmt, ok := d.StreamPMT(); ok {
		st.PMT = &pmt
	}
	if buf := d.buffer.Load(); buf != nil {
		stats := buf.Stats()
		st.Buffer = &stats
	}
	if err := d.failure(); err != nil && st.Failed {
		st.Error = err.Error()
	}
	return st
}

func (d *Device) fail(err error) {
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()

	d.failed.Store(true)
	log.Sugar.Errorf("%s: device failed: %s", d.name, err.Error())
}

func (d *Device) failure() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()

	if d.lastErr == nil {
		return fmt.Errorf("%s: %w", d.name, ErrFailed)
	}
	return fmt.Errorf("%s: %w: %w", d.name, ErrFailed, d.lastErr)
}
