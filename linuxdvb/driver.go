// Package linuxdvb drives DVB adapters through the Linux DVB API device
// files under /dev/dvb.
package linuxdvb

import (
	"errors"
	"path/filepath"

	"github.com/RabbitLabs/dvbsc/device"
)

var ErrUnsupported = errors.New("linuxdvb: DVB devices need linux")

const DefaultRoot = "/dev/dvb"

type Driver struct {
	root string
}

func New(root string) *Driver {
	if root == "" {
		root = DefaultRoot
	}
	return &Driver{root: root}
}

func (d *Driver) path(name string, adapter, n int) string {
	return filepath.Join(d.root, device.DvbName(name, adapter, n))
}

var _ device.Driver = (*Driver)(nil)
