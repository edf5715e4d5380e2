//go:build !linux

package linuxdvb

import (
	"io"

	"github.com/RabbitLabs/dvbsc/device"
)

func (d *Driver) Probe(adapter, frontend int) error {
	return ErrUnsupported
}

func (d *Driver) OpenDvr(adapter, frontend int) (io.ReadCloser, error) {
	return nil, ErrUnsupported
}

func (d *Driver) OpenDemux(adapter, frontend int) (device.Demux, error) {
	return nil, ErrUnsupported
}

func (d *Driver) OpenCA(adapter, ca int) (device.CA, error) {
	return nil, ErrUnsupported
}
