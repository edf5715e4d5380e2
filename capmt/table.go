package capmt

import (
	"sort"
	"sync"
	"sync/atomic"
)

type Entry struct {
	PID        uint16         `json:"pid"`
	Program    uint16         `json:"program"`
	StreamType uint8          `json:"streamtype"`
	CA         []CADescriptor `json:"ca,omitempty"`
	// Slot is the descrambler index, -1 until the authority assigns one
	Slot int `json:"slot"`
}

func (e Entry) Scrambled() bool {
	return len(e.CA) > 0
}

// Snapshot is an immutable view of the table. Readers keep using the
// snapshot they loaded while writers publish a new one.
type Snapshot struct {
	programs map[uint16]Program
	entries  map[uint16]Entry
	slots    map[uint16]int
}

var empty = &Snapshot{
	programs: map[uint16]Program{},
	entries:  map[uint16]Entry{},
	slots:    map[uint16]int{},
}

// Lookup resolves a PID in O(1).
func (s *Snapshot) Lookup(pid uint16) (Entry, bool) {
	e, ok := s.entries[pid]
	if !ok {
		return Entry{}, false
	}
	e.Slot = -1
	if slot, ok := s.slots[pid]; ok {
		e.Slot = slot
	}
	return e, true
}

// SlotFor implements decsa.SlotResolver. Only scrambled PIDs of a current
// program resolve.
func (s *Snapshot) SlotFor(pid uint16) (int, bool) {
	e, ok := s.entries[pid]
	if !ok || !e.Scrambled() {
		return 0, false
	}
	slot, ok := s.slots[pid]
	return slot, ok
}

func (s *Snapshot) Scrambled(pid uint16) bool {
	e, ok := s.entries[pid]
	return ok && e.Scrambled()
}

func (s *Snapshot) Len() int {
	return len(s.entries)
}

// ScrambledPIDs lists scrambled PIDs in ascending order.
func (s *Snapshot) ScrambledPIDs() []uint16 {
	var pids []uint16
	for pid, e := range s.entries {
		if e.Scrambled() {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (s *Snapshot) Program(number uint16) (Program, bool) {
	p, ok := s.programs[number]
	return p, ok
}

func (s *Snapshot) Programs() []Program {
	out := make([]Program, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// CAIDs lists the CA systems used by all programs.
func (s *Snapshot) CAIDs() []uint16 {
	var all Program
	for _, p := range s.programs {
		all.CA = append(all.CA, p.CA...)
		all.Streams = append(all.Streams, p.Streams...)
	}
	return all.CAIDs()
}

func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for pid := range s.entries {
		e, _ := s.Lookup(pid)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Table is the CA descriptor table of one device. Writers are serialised,
// readers never block.
type Table struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

func NewTable() *Table {
	t := new(Table)
	t.cur.Store(empty)
	return t
}

func (t *Table) Snapshot() *Snapshot {
	return t.cur.Load()
}

func (t *Table) Lookup(pid uint16) (Entry, bool) {
	return t.Snapshot().Lookup(pid)
}

// Update replaces everything known about p.Number with p. Invalid programs are
// rejected and leave the table unchanged. Slot assignments survive only for
// PIDs that are still part of the program.
func (t *Table) Update(p Program) error {
	if err := p.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	programs := make(map[uint16]Program, len(old.programs)+1)
	for n, prog := range old.programs {
		programs[n] = prog
	}
	programs[p.Number] = p

	t.publish(old, programs)
	return nil
}

// Remove drops a program and its slot assignments.
func (t *Table) Remove(number uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	if _, ok := old.programs[number]; !ok {
		return
	}

	programs := make(map[uint16]Program, len(old.programs))
	for n, prog := range old.programs {
		if n != number {
			programs[n] = prog
		}
	}
	t.publish(old, programs)
}

func (t *Table) Clear() {
	t.mu.Lock()
	t.cur.Store(empty)
	t.mu.Unlock()
}

// AssignSlot binds pid to a descrambler slot, a negative slot unbinds it.
// Bindings for PIDs no program lists yet are kept until a program claims the
// PID or the table is cleared.
func (t *Table) AssignSlot(pid uint16, slot int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cur.Load()
	slots := make(map[uint16]int, len(old.slots)+1)
	for k, v := range old.slots {
		slots[k] = v
	}
	if slot < 0 {
		delete(slots, pid)
	} else {
		slots[pid] = slot
	}

	t.cur.Store(&Snapshot{programs: old.programs, entries: old.entries, slots: slots})
}

// publish must be called with mu held
func (t *Table) publish(old *Snapshot, programs map[uint16]Program) {
	numbers := make([]int, 0, len(programs))
	for n := range programs {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	entries := make(map[uint16]Entry)
	for _, n := range numbers {
		prog := programs[uint16(n)]
		for _, s := range prog.Streams {
			entries[s.PID] = Entry{
				PID:        s.PID,
				Program:    prog.Number,
				StreamType: s.Type,
				CA:         prog.StreamCA(s),
				Slot:       -1,
			}
		}
	}

	// a PID that belonged to some program before and is gone now loses its slot
	slots := make(map[uint16]int, len(old.slots))
	for pid, slot := range old.slots {
		_, wasKnown := old.entries[pid]
		_, isKnown := entries[pid]
		if wasKnown && !isKnown {
			continue
		}
		slots[pid] = slot
	}

	t.cur.Store(&Snapshot{programs: programs, entries: entries, slots: slots})
}
