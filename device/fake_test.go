package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/Comcast/gots/packet"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu      sync.Mutex
	missing map[int]bool
	dvr     func() io.ReadCloser
	ca      *fakeCA
	demux   *fakeDemux
}

func (f *fakeDriver) Probe(adapter, frontend int) error {
	if f.missing[adapter] {
		return fmt.Errorf("open %s: %w", DvbName("frontend", adapter, frontend), os.ErrNotExist)
	}
	return nil
}

func (f *fakeDriver) OpenDvr(adapter, frontend int) (io.ReadCloser, error) {
	if f.dvr == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return f.dvr(), nil
}

func (f *fakeDriver) OpenDemux(adapter, frontend int) (Demux, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.demux = &fakeDemux{pids: make(map[uint16]bool)}
	return f.demux, nil
}

func (f *fakeDriver) OpenCA(adapter, ca int) (CA, error) {
	if f.ca == nil {
		return nil, ErrNoCA
	}
	return f.ca, nil
}

type fakeDemux struct {
	mu   sync.Mutex
	pids map[uint16]bool
	fail error
}

func (f *fakeDemux) AddPid(pid uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.pids[pid] = true
	return nil
}

func (f *fakeDemux) RemovePid(pid uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pids, pid)
	return nil
}

func (f *fakeDemux) Close() error {
	return nil
}

func (f *fakeDemux) has(pid uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids[pid]
}

type fakeCA struct {
	mu     sync.Mutex
	descrs []CaDescr
	pids   []CaPid
	fail   error
}

func (f *fakeCA) SetDescr(d CaDescr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.descrs = append(f.descrs, d)
	return nil
}

func (f *fakeCA) SetPid(p CaPid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.pids = append(f.pids, p)
	return nil
}

func (f *fakeCA) Close() error {
	return nil
}

type brokenDvr struct{}

func (brokenDvr) Read([]byte) (int, error) {
	return 0, errors.New("input/output error")
}

func (brokenDvr) Close() error {
	return nil
}

var (
	clearCh = Channel{Number: 1, Name: "clear", Source: "S19.2E", Transponder: 11494, SID: 10,
		PMTPID: 0x20, VPID: 0x100, APIDs: []uint16{0x101}}
	hwCh = Channel{Number: 2, Name: "hw", Source: "S19.2E", Transponder: 11494, SID: 11,
		PMTPID: 0x21, VPID: 0x110, APIDs: []uint16{0x111}, CA: []uint16{0x0100}, ECMPID: 0x600}
	swCh = Channel{Number: 3, Name: "sw", Source: "S19.2E", Transponder: 11494, SID: 12,
		PMTPID: 0x22, VPID: 0x120, APIDs: []uint16{0x121}, CA: []uint16{0x0500}, ECMPID: 0x601}
)

func newTestDevice(t *testing.T, drv Driver, cfg Config) *Device {
	t.Helper()

	d := New(drv, cfg)
	require.NoError(t, d.LateInit())
	t.Cleanup(d.Shutdown)
	return d
}

func tsPacket(pid uint16, fill byte) packet.Packet {
	var p packet.Packet
	p[0] = 0x47
	p[1] = byte(pid>>8) & 0x1f
	p[2] = byte(pid)
	p[3] = 0x10
	for i := 4; i < len(p); i++ {
		p[i] = fill + byte(i)
	}
	return p
}
