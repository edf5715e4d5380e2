package device

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxDevices is the highest number of DVB devices the budget can address.
const MaxDevices = 32

var ErrBudgetRange = errors.New("device: budget device number out of range")

// Budget is the set of device numbers forced into budget mode: no full
// featured decoder, the whole transport stream goes through software. It is
// filled from configuration and read-only once devices are initialized.
type Budget uint32

// NewBudget builds a Budget from a list of device numbers.
func NewBudget(devices ...int) (Budget, error) {
	var b Budget
	for _, n := range devices {
		if err := b.Force(n); err != nil {
			return 0, err
		}
	}
	return b, nil
}

func (b *Budget) Force(n int) error {
	if n < 0 || n >= MaxDevices {
		return fmt.Errorf("%w: %d", ErrBudgetRange, n)
	}
	*b |= 1 << uint(n)
	return nil
}

func (b Budget) Forced(n int) bool {
	if n < 0 || n >= MaxDevices {
		return false
	}
	return b&(1<<uint(n)) != 0
}

// Count is the number of forced devices.
func (b Budget) Count() int {
	return bits.OnesCount32(uint32(b))
}

func (b Budget) Devices() []int {
	var out []int
	for n := 0; n < MaxDevices; n++ {
		if b.Forced(n) {
			out = append(out, n)
		}
	}
	return out
}
