//go:build linux

package linuxdvb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/RabbitLabs/dvbsc/device"
	"github.com/RabbitLabs/dvbsc/internal/log"
)

// ioctl request encoding, see asm-generic/ioctl.h
const (
	iocWrite = 1

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func ioNone(nr uintptr) uintptr {
	return ioc(0, 'o', nr, 0)
}

func iow(nr, size uintptr) uintptr {
	return ioc(iocWrite, 'o', nr, size)
}

// dmx_pes_filter_params
type pesFilter struct {
	pid     uint16
	_       uint16
	input   uint32
	output  uint32
	pesType uint32
	flags   uint32
}

// ca_descr_t
type caDescr struct {
	index  uint32
	parity uint32
	cw     [8]byte
}

// ca_pid_t
type caPid struct {
	pid   uint32
	index int32
}

const (
	dmxInFrontend    = 0
	dmxOutTSTap      = 2
	dmxPesOther      = 20
	dmxImmediateStrt = 4
)

var (
	dmxStop         = ioNone(42)
	dmxSetPesFilter = iow(44, unsafe.Sizeof(pesFilter{}))
	dmxSetBuffer    = ioNone(45)
	caReset         = ioNone(128)
	caSetDescr      = iow(134, unsafe.Sizeof(caDescr{}))
	caSetPid        = iow(135, unsafe.Sizeof(caPid{}))
)

// dvr ring buffer size in the kernel, large enough for a full transponder
const dvrBufferSize = 1024 * 1024

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

func (d *Driver) Probe(adapter, frontend int) error {
	fd, err := unix.Open(d.path("frontend", adapter, frontend), unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: d.path("frontend", adapter, frontend), Err: err}
	}
	return unix.Close(fd)
}

func (d *Driver) OpenDvr(adapter, frontend int) (io.ReadCloser, error) {
	f, err := os.OpenFile(d.path("dvr", adapter, frontend), os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	raw, err := f.SyscallConn()
	if err == nil {
		err = raw.Control(func(fd uintptr) {
			if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, dmxSetBuffer, dvrBufferSize); errno != 0 {
				log.Sugar.Debugf("%s: set buffer size: %s", f.Name(), errno.Error())
			}
		})
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

type demux struct {
	path string

	mu      sync.Mutex
	filters map[uint16]*os.File
}

// OpenDemux returns a demux that opens one TS tap filter per PID.
func (d *Driver) OpenDemux(adapter, frontend int) (device.Demux, error) {
	path := d.path("demux", adapter, frontend)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &demux{path: path, filters: make(map[uint16]*os.File)}, nil
}

func (m *demux) AddPid(pid uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.filters[pid]; ok {
		return nil
	}

	f, err := os.OpenFile(m.path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}

	params := pesFilter{
		pid:     pid,
		input:   dmxInFrontend,
		output:  dmxOutTSTap,
		pesType: dmxPesOther,
		flags:   dmxImmediateStrt,
	}
	if err := control(f, dmxSetPesFilter, unsafe.Pointer(&params)); err != nil {
		f.Close()
		return fmt.Errorf("%s: set filter for pid %d: %w", m.path, pid, err)
	}
	m.filters[pid] = f
	return nil
}

func (m *demux) RemovePid(pid uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.filters[pid]
	if !ok {
		return nil
	}
	delete(m.filters, pid)

	if err := control(f, dmxStop, nil); err != nil {
		log.Sugar.Debugf("%s: stop pid %d: %s", m.path, pid, err.Error())
	}
	return f.Close()
}

func (m *demux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for pid, f := range m.filters {
		errs = append(errs, f.Close())
		delete(m.filters, pid)
	}
	return errors.Join(errs...)
}

func control(f *os.File, req uintptr, arg unsafe.Pointer) error {
	raw, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var ioErr error
	if err := raw.Control(func(fd uintptr) {
		ioErr = ioctl(fd, req, arg)
	}); err != nil {
		return err
	}
	return ioErr
}

type ca struct {
	mu sync.Mutex
	f  *os.File
}

func (d *Driver) OpenCA(adapter, n int) (device.CA, error) {
	if n < 0 {
		return nil, device.ErrNoCA
	}
	f, err := os.OpenFile(d.path("ca", adapter, n), os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", device.ErrNoCA, err)
		}
		return nil, err
	}

	if err := control(f, caReset, nil); err != nil {
		log.Sugar.Warnf("%s: reset: %s", f.Name(), err.Error())
	}
	return &ca{f: f}, nil
}

func (c *ca) SetDescr(d device.CaDescr) error {
	descr := caDescr{index: uint32(d.Index), parity: uint32(d.Parity)}
	if len(d.CW) != len(descr.cw) {
		return fmt.Errorf("%s: control word of %d bytes not supported", c.f.Name(), len(d.CW))
	}
	copy(descr.cw[:], d.CW)

	c.mu.Lock()
	defer c.mu.Unlock()
	return control(c.f, caSetDescr, unsafe.Pointer(&descr))
}

func (c *ca) SetPid(p device.CaPid) error {
	arg := caPid{pid: uint32(p.PID), index: int32(p.Index)}

	c.mu.Lock()
	defer c.mu.Unlock()
	return control(c.f, caSetPid, unsafe.Pointer(&arg))
}

func (c *ca) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
