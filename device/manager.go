package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/ci"
	"github.com/RabbitLabs/dvbsc/internal/log"
)

var (
	ErrNoDevices    = errors.New("device: no usable DVB devices")
	ErrState        = errors.New("device: invalid lifecycle state")
	ErrBudgetFrozen = errors.New("device: budget is fixed once devices are initialized")
	ErrUnknown      = errors.New("device: unknown adapter")
	ErrNoCandidate  = errors.New("device: no device can provide the channel")
)

type State int32

const (
	StateUninitialized State = iota
	StateStarted
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarted:
		return "started"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Manager owns the devices of the process and drives their lifecycle:
// Uninitialized, Started (devices probed), Ready (devices late initialized
// and capturing), Draining, Stopped.
type Manager struct {
	driver  Driver
	configs []Config

	mu      sync.Mutex
	state   State
	budget  Budget
	devices []*Device
}

func NewManager(driver Driver, configs ...Config) *Manager {
	return &Manager{
		driver:  driver,
		configs: append([]Config(nil), configs...),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetForceBudget forces device n into budget mode. Only valid before
// Initialize.
func (m *Manager) SetForceBudget(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return ErrBudgetFrozen
	}
	return m.budget.Force(n)
}

// SetBudget replaces the whole budget set. Only valid before Initialize.
func (m *Manager) SetBudget(b Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return ErrBudgetFrozen
	}
	m.budget = b
	return nil
}

func (m *Manager) ForceBudget(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget.Forced(n)
}

// Initialize probes the configured devices. Devices that fail to probe are
// skipped; it is an error only when none is left.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return fmt.Errorf("%w: initialize in state %s", ErrState, m.state)
	}

	for _, cfg := range m.configs {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := DvbName("frontend", cfg.Adapter, cfg.Frontend)
		if m.budget.Forced(cfg.Adapter) {
			cfg.Budget = true
			cfg.FullTS = false
			cfg.SoftCSA = true
		}
		if err := m.driver.Probe(cfg.Adapter, cfg.Frontend); err != nil {
			log.Sugar.Warnf("%s: skipped: %s", name, err.Error())
			continue
		}

		m.devices = append(m.devices, New(m.driver, cfg))
		if n, ok := cfg.CI.(ci.Notifier); ok {
			n.OnChange(m.CaidsChanged)
		}
		log.Sugar.Infof("%s: found (budget=%t)", name, cfg.Budget)
	}

	if len(m.devices) == 0 {
		m.state = StateStopped
		return ErrNoDevices
	}

	m.state = StateStarted
	return nil
}

// Startup late initializes every device and starts capturing. Devices that
// fail are marked failed and excluded from selection.
func (m *Manager) Startup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStarted {
		return fmt.Errorf("%w: startup in state %s", ErrState, m.state)
	}

	usable := 0
	for _, d := range m.devices {
		if err := d.LateInit(); err != nil {
			d.fail(err)
			continue
		}
		if err := d.OpenDvr(); err != nil {
			d.fail(err)
			continue
		}
		usable++
	}

	m.state = StateReady
	if usable == 0 {
		return ErrNoDevices
	}
	return nil
}

// EarlyShutdown lets every device drain its buffered packets.
func (m *Manager) EarlyShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStarted && m.state != StateReady {
		return
	}
	m.state = StateDraining
	for _, d := range m.devices {
		d.EarlyShutdown()
	}
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStopped {
		return
	}
	for _, d := range m.devices {
		d.Shutdown()
	}
	m.state = StateStopped
}

func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Device(nil), m.devices...)
}

func (m *Manager) Device(adapter int) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.Adapter() == adapter {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknown, adapter)
}

// SelectDevice picks the device to show ch on. A device already tuned to
// the channel wins, idle devices come before busy ones, then a CI that can
// decrypt the channel, then budget devices for software descrambling.
func (m *Manager) SelectDevice(ch Channel, live bool) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReady {
		return nil, fmt.Errorf("%w: select in state %s", ErrState, m.state)
	}

	var best *Device
	bestScore := -1
	for _, d := range m.devices {
		if !d.Ready() {
			continue
		}

		score := 0
		cur := d.Channel()
		switch {
		case cur != nil && cur.Key() == ch.Key():
			score += 8
		case cur == nil:
			score += 4
		}

		if ch.Scrambled() {
			switch SelectMode(true, ch.CA, d.ci, d.keyPath(live), d.cfg.PreferSoftware) {
			case ModeUnviewable:
				continue
			case ModeHardware:
				score += 2
			case ModeSoftware:
				if d.cfg.Budget {
					score++
				}
			}
		}

		if score > bestScore {
			best = d
			bestScore = score
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidate, ch.String())
	}
	return best, nil
}

// Tune selects a device for ch, switches it and opens the channel's PIDs.
func (m *Manager) Tune(ch Channel, live bool) (*Device, error) {
	d, err := m.SelectDevice(ch, live)
	if err != nil {
		return nil, err
	}
	return d, m.tune(d, ch, live)
}

// TuneAdapter switches the device of adapter to ch, bypassing selection.
func (m *Manager) TuneAdapter(adapter int, ch Channel, live bool) (*Device, error) {
	if s := m.State(); s != StateReady {
		return nil, fmt.Errorf("%w: tune in state %s", ErrState, s)
	}
	d, err := m.Device(adapter)
	if err != nil {
		return nil, err
	}
	return d, m.tune(d, ch, live)
}

func (m *Manager) tune(d *Device, ch Channel, live bool) error {
	if err := d.SetChannelDevice(ch, live); err != nil {
		return err
	}

	pids := []struct {
		pid uint16
		typ PidType
	}{
		{ch.PMTPID, PidOther},
		{ch.VPID, PidVideo},
		{ch.TPID, PidTeletext},
		{ch.ECMPID, PidCA},
	}
	for _, a := range ch.APIDs {
		pids = append(pids, struct {
			pid uint16
			typ PidType
		}{a, PidAudio})
	}
	for _, p := range pids {
		if p.pid == 0 {
			continue
		}
		if err := d.SetPid(p.pid, p.typ, true); err != nil {
			return err
		}
	}
	return nil
}

// The methods below route authority messages to the device of an adapter.

func (m *Manager) SetCaPid(adapter int, p CaPid) error {
	d, err := m.Device(adapter)
	if err != nil {
		return err
	}
	return d.SetCaPid(p)
}

func (m *Manager) SetCaDescr(adapter int, cd CaDescr) error {
	d, err := m.Device(adapter)
	if err != nil {
		return err
	}
	return d.SetCaDescr(cd)
}

func (m *Manager) SetDescrMode(adapter int, dm DescrMode) error {
	d, err := m.Device(adapter)
	if err != nil {
		return err
	}
	return d.SetDescrMode(dm)
}

func (m *Manager) UpdateCAPMT(adapter int, p capmt.Program) error {
	d, err := m.Device(adapter)
	if err != nil {
		return err
	}
	return d.UpdateCAPMT(p)
}

// CaidsChanged notifies every device that a module's CA systems changed.
func (m *Manager) CaidsChanged() {
	for _, d := range m.Devices() {
		d.CaidsChanged()
	}
}
