// Package ci describes Common Interface modules that descramble in hardware.
// The coordinator only talks to the Adapter capability set, whatever module
// type sits behind it.
package ci

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RabbitLabs/dvbsc/internal/log"
)

var (
	ErrNotCapable = errors.New("ci: no module can decrypt this program")
	ErrNoModule   = errors.New("ci: no module inserted")
)

type Adapter interface {
	Name() string
	// CanDecrypt reports whether a module is able to descramble caid.
	CanDecrypt(caid uint16) bool
	// Start makes the module descramble pids of program. Starting the
	// running program again with the same PIDs is a no-op.
	Start(program uint16, caids []uint16, pids []uint16) error
	Stop() error
	// Slots is the number of programs that can be descrambled at once.
	Slots() int
}

// Notifier is implemented by adapters that report a module swap or a change
// of the CA systems a module handles.
type Notifier interface {
	OnChange(fn func())
}

// Module is the hardware abstraction of one inserted CAM.
type Module interface {
	CAIDs() []uint16
	Descramble(program uint16, pids []uint16) error
	Halt() error
}

// StaticModule is a module with a fixed CA system list that accepts any
// program, used for configured CAMs and tests.
type StaticModule struct {
	mu      sync.Mutex
	caids   []uint16
	started int
	program uint16
	pids    []uint16
	fail    error
	haltErr error
	changed func()
}

func NewStaticModule(caids ...uint16) *StaticModule {
	return &StaticModule{caids: append([]uint16(nil), caids...)}
}

func (m *StaticModule) CAIDs() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint16(nil), m.caids...)
}

// SetCAIDs simulates a smartcard swap.
func (m *StaticModule) SetCAIDs(caids ...uint16) {
	m.mu.Lock()
	m.caids = append([]uint16(nil), caids...)
	changed := m.changed
	m.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// OnChange registers fn to run after SetCAIDs.
func (m *StaticModule) OnChange(fn func()) {
	m.mu.Lock()
	m.changed = fn
	m.mu.Unlock()
}

// SetFailure makes the next Descramble calls fail with err (nil to recover).
func (m *StaticModule) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *StaticModule) Descramble(program uint16, pids []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}
	m.started++
	m.program = program
	m.pids = append([]uint16(nil), pids...)
	return nil
}

// SetHaltFailure makes Halt fail with err (nil to recover).
func (m *StaticModule) SetHaltFailure(err error) {
	m.mu.Lock()
	m.haltErr = err
	m.mu.Unlock()
}

func (m *StaticModule) Halt() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haltErr != nil {
		return m.haltErr
	}
	m.pids = nil
	return nil
}

// Starts counts successful Descramble calls.
func (m *StaticModule) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Active returns the PIDs being descrambled, empty when halted.
func (m *StaticModule) Active() (uint16, []uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.program, append([]uint16(nil), m.pids...)
}

// Slot is a single CI slot holding at most one module.
type Slot struct {
	name string

	mu      sync.Mutex
	module  Module
	running bool
	program uint16
	pids    []uint16
	changed func()
}

func NewSlot(name string, module Module) *Slot {
	return &Slot{name: name, module: module}
}

// OnChange registers fn to run after a module swap or, for modules that are
// Notifiers themselves, a change of their CA systems. fn runs without the
// slot lock held.
func (s *Slot) OnChange(fn func()) {
	s.mu.Lock()
	s.changed = fn
	module := s.module
	s.mu.Unlock()

	s.watch(module, fn)
}

func (s *Slot) watch(module Module, fn func()) {
	if n, ok := module.(Notifier); ok {
		n.OnChange(fn)
	}
}

func (s *Slot) Name() string {
	return s.name
}

func (s *Slot) Slots() int {
	return 1
}

// Insert replaces the module (nil removes it), halting whatever was running.
func (s *Slot) Insert(module Module) {
	s.mu.Lock()
	old := s.module
	if s.running && old != nil {
		if err := old.Halt(); err != nil {
			log.Sugar.Warnf("%s: halt on module change failed: %s", s.name, err.Error())
		}
	}
	s.module = module
	s.running = false
	s.pids = nil
	changed := s.changed
	s.mu.Unlock()

	if changed == nil {
		return
	}
	s.watch(old, nil)
	s.watch(module, changed)
	changed()
}

func (s *Slot) CanDecrypt(caid uint16) bool {
	s.mu.Lock()
	module := s.module
	s.mu.Unlock()

	if module == nil {
		return false
	}
	for _, id := range module.CAIDs() {
		if id == caid {
			return true
		}
	}
	return false
}

func (s *Slot) canDecryptAny(caids []uint16) bool {
	for _, id := range caids {
		if s.CanDecrypt(id) {
			return true
		}
	}
	return false
}

func (s *Slot) Start(program uint16, caids []uint16, pids []uint16) error {
	if !s.canDecryptAny(caids) {
		return fmt.Errorf("%w: %s, caids %04x", ErrNotCapable, s.name, caids)
	}

	sorted := sortedPIDs(pids)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.module == nil {
		return ErrNoModule
	}
	if s.running && s.program == program && equalPIDs(s.pids, sorted) {
		return nil
	}

	if err := s.module.Descramble(program, sorted); err != nil {
		s.running = false
		return fmt.Errorf("%s: start program %d: %w", s.name, program, err)
	}

	s.running = true
	s.program = program
	s.pids = sorted
	log.Sugar.Infof("%s: descrambling program %d pids %v", s.name, program, sorted)
	return nil
}

func (s *Slot) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.module == nil {
		s.running = false
		return nil
	}
	s.running = false
	s.pids = nil
	return s.module.Halt()
}

// Running reports the program being descrambled.
func (s *Slot) Running() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program, s.running
}

// MultiSlot groups the slots of a multi CAM interface. A program goes to the
// first slot whose module handles one of its CA systems.
type MultiSlot struct {
	name  string
	slots []*Slot

	mu     sync.Mutex
	active *Slot
}

func NewMultiSlot(name string, slots ...*Slot) *MultiSlot {
	return &MultiSlot{name: name, slots: slots}
}

func (m *MultiSlot) Name() string {
	return m.name
}

func (m *MultiSlot) Slots() int {
	return len(m.slots)
}

func (m *MultiSlot) CanDecrypt(caid uint16) bool {
	for _, s := range m.slots {
		if s.CanDecrypt(caid) {
			return true
		}
	}
	return false
}

func (m *MultiSlot) Start(program uint16, caids []uint16, pids []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// keep the running slot when it still qualifies
	if m.active != nil && m.active.canDecryptAny(caids) {
		return m.active.Start(program, caids, pids)
	}

	for _, s := range m.slots {
		if !s.canDecryptAny(caids) {
			continue
		}
		if m.active != nil {
			if err := m.active.Stop(); err != nil {
				log.Sugar.Warnf("%s: stop %s: %s", m.name, m.active.Name(), err.Error())
			}
		}
		if err := s.Start(program, caids, pids); err != nil {
			log.Sugar.Warnf("%s: %s", m.name, err.Error())
			m.active = nil
			continue
		}
		m.active = s
		return nil
	}

	return fmt.Errorf("%w: %s, caids %04x", ErrNotCapable, m.name, caids)
}

// OnChange registers fn on every slot.
func (m *MultiSlot) OnChange(fn func()) {
	for _, s := range m.slots {
		s.OnChange(fn)
	}
}

func (m *MultiSlot) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	err := m.active.Stop()
	m.active = nil
	return err
}

func sortedPIDs(pids []uint16) []uint16 {
	out := append([]uint16(nil), pids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalPIDs(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
