// Package virtual is a device driver that plays transport stream files or
// in memory data instead of real DVB hardware. Demux and CA calls are
// recorded so they can be inspected.
package virtual

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Comcast/gots/packet"

	"github.com/RabbitLabs/dvbsc/decsa"
	"github.com/RabbitLabs/dvbsc/device"
	"github.com/RabbitLabs/dvbsc/internal/log"
)

var ErrNoAdapter = errors.New("virtual: adapter not configured")

// Source is the stream played for one adapter.
type Source struct {
	// File is read when set, Data otherwise
	File string
	Data []byte
	// Loop restarts the stream at its end
	Loop bool
	// CA gives the adapter a hardware descrambler
	CA bool
}

type Driver struct {
	// Filter makes the dvr deliver only the PIDs added to the demux
	Filter bool

	mu      sync.Mutex
	sources map[int]Source
	demux   map[int]*Demux
	ca      map[int]*CA
}

func New() *Driver {
	return &Driver{
		sources: make(map[int]Source),
		demux:   make(map[int]*Demux),
		ca:      make(map[int]*CA),
	}
}

func (d *Driver) AddAdapter(adapter int, src Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources[adapter] = src
}

func (d *Driver) source(adapter int) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.sources[adapter]
	if !ok {
		return Source{}, fmt.Errorf("%w: adapter%d", ErrNoAdapter, adapter)
	}
	return src, nil
}

func (d *Driver) Probe(adapter, frontend int) error {
	src, err := d.source(adapter)
	if err != nil {
		return err
	}
	if src.File != "" {
		if _, err := os.Stat(src.File); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) OpenDvr(adapter, frontend int) (io.ReadCloser, error) {
	src, err := d.source(adapter)
	if err != nil {
		return nil, err
	}

	open := func() (io.ReadCloser, error) {
		if src.File != "" {
			return os.Open(src.File)
		}
		return io.NopCloser(bytes.NewReader(src.Data)), nil
	}
	r, err := open()
	if err != nil {
		return nil, err
	}
	log.Sugar.Infof("virtual %s: playing %s", device.DvbName("dvr", adapter, frontend), src.name())

	rd := &dvr{current: r, reader: bufio.NewReaderSize(r, 64*packet.PacketSize)}
	if src.Loop {
		rd.reopen = open
	}
	if d.Filter {
		rd.demux = d.Demux(adapter)
	}
	return rd, nil
}

func (s Source) name() string {
	if s.File != "" {
		return s.File
	}
	return fmt.Sprintf("%d bytes", len(s.Data))
}

func (d *Driver) OpenDemux(adapter, frontend int) (device.Demux, error) {
	if _, err := d.source(adapter); err != nil {
		return nil, err
	}
	return d.Demux(adapter), nil
}

// Demux returns the demux of the adapter, creating it on first use.
func (d *Driver) Demux(adapter int) *Demux {
	d.mu.Lock()
	defer d.mu.Unlock()

	dmx, ok := d.demux[adapter]
	if !ok {
		dmx = &Demux{pids: make(map[uint16]bool)}
		d.demux[adapter] = dmx
	}
	return dmx
}

func (d *Driver) OpenCA(adapter, ca int) (device.CA, error) {
	src, err := d.source(adapter)
	if err != nil {
		return nil, err
	}
	if !src.CA || ca < 0 {
		return nil, device.ErrNoCA
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.ca[adapter]
	if !ok {
		c = &CA{pids: make(map[uint16]int), descr: make(map[caKey][]byte)}
		d.ca[adapter] = c
	}
	return c, nil
}

// CA returns the descrambler of the adapter, nil until it was opened.
func (d *Driver) CA(adapter int) *CA {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ca[adapter]
}

type dvr struct {
	reader *bufio.Reader
	reopen func() (io.ReadCloser, error)
	demux  *Demux
	// packets read since the stream was last restarted
	played int
	// packets delivered since the stream was last restarted
	delivered int

	mu      sync.Mutex
	current io.ReadCloser
	closed  atomic.Bool
}

// rewindPause throttles looping over a stream that delivers nothing.
const rewindPause = 10 * time.Millisecond

// Read delivers whole packets only. It is called from a single goroutine,
// Close may be called concurrently.
func (r *dvr) Read(p []byte) (int, error) {
	if len(p) < packet.PacketSize {
		return 0, io.ErrShortBuffer
	}

	n := 0
	for n+packet.PacketSize <= len(p) {
		if r.closed.Load() {
			return n, os.ErrClosed
		}

		var pkt packet.Packet
		if _, err := io.ReadFull(r.reader, pkt[:]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return n, err
			}
			if r.reopen == nil || r.played == 0 {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			if r.delivered == 0 {
				time.Sleep(rewindPause)
			}
			if err := r.rewind(); err != nil {
				return n, err
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		r.played++

		if r.demux != nil && !r.demux.Has(uint16(pkt.PID())) {
			continue
		}
		r.delivered++
		n += copy(p[n:], pkt[:])
	}
	return n, nil
}

func (r *dvr) rewind() error {
	next, err := r.reopen()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		next.Close()
		return os.ErrClosed
	}
	r.current.Close()
	r.current = next
	r.reader.Reset(next)
	r.played = 0
	r.delivered = 0
	return nil
}

func (r *dvr) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Close()
}

type Demux struct {
	mu   sync.Mutex
	pids map[uint16]bool
}

func (d *Demux) AddPid(pid uint16) error {
	if pid > 0x1FFF {
		return fmt.Errorf("virtual: pid %d out of range", pid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pids[pid] = true
	return nil
}

func (d *Demux) RemovePid(pid uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pids, pid)
	return nil
}

func (d *Demux) Has(pid uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pids[pid]
}

func (d *Demux) Pids() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	pids := make([]uint16, 0, len(d.pids))
	for pid := range d.pids {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (d *Demux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pids = make(map[uint16]bool)
	return nil
}

type caKey struct {
	index  int
	parity decsa.Parity
}

type CA struct {
	mu    sync.Mutex
	pids  map[uint16]int
	descr map[caKey][]byte
}

func (c *CA) SetDescr(d device.CaDescr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.descr[caKey{d.Index, d.Parity}] = append([]byte(nil), d.CW...)
	return nil
}

func (c *CA) SetPid(p device.CaPid) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Index < 0 {
		delete(c.pids, p.PID)
		return nil
	}
	c.pids[p.PID] = p.Index
	return nil
}

// Descr is the control word last set for index and parity.
func (c *CA) Descr(index int, parity decsa.Parity) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descr[caKey{index, parity}]
}

// Index is the descrambler index bound to pid.
func (c *CA) Index(pid uint16) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.pids[pid]
	return i, ok
}

func (c *CA) Close() error {
	return nil
}
