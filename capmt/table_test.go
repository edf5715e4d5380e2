package capmt

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateReplacesProgram(t *testing.T) {
	table := NewTable()

	u1 := Program{Number: 7, CA: []CADescriptor{{SystemID: 0x0500, PID: 0x1000}}, Streams: []Stream{
		{Type: 0x02, PID: 0x100},
		{Type: 0x04, PID: 0x101},
		{Type: 0x06, PID: 0x102},
	}}
	u2 := Program{Number: 7, CA: []CADescriptor{{SystemID: 0x1810, PID: 0x1001}}, Streams: []Stream{
		{Type: 0x02, PID: 0x100},
		{Type: 0x04, PID: 0x103},
	}}

	require.NoError(t, table.Update(u1))
	table.AssignSlot(0x100, 1)
	table.AssignSlot(0x101, 1)

	require.NoError(t, table.Update(u2))

	for _, pid := range []uint16{0x101, 0x102} {
		_, ok := table.Lookup(pid)
		assert.False(t, ok, "pid 0x%x from the first update must be gone", pid)
		_, ok = table.Snapshot().SlotFor(pid)
		assert.False(t, ok)
	}

	e, ok := table.Lookup(0x100)
	require.True(t, ok)
	if diff := cmp.Diff([]CADescriptor{{SystemID: 0x1810, PID: 0x1001}}, e.CA); diff != "" {
		t.Errorf("CA mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, e.Slot, "slot survives for pids still present")

	e, ok = table.Lookup(0x103)
	require.True(t, ok)
	assert.Equal(t, -1, e.Slot)

	assert.Equal(t, []uint16{0x1810}, table.Snapshot().CAIDs())
}

func TestInvalidUpdateKeepsPreviousTable(t *testing.T) {
	table := NewTable()
	good := Program{Number: 1, CA: []CADescriptor{{SystemID: 0x0500, PID: 0x1000}}, Streams: []Stream{{Type: 2, PID: 0x100}}}
	require.NoError(t, table.Update(good))

	before := table.Snapshot()
	bad := Program{Number: 1, Streams: []Stream{{Type: 2, PID: 0x2000}}}
	assert.ErrorIs(t, table.Update(bad), ErrMalformed)
	assert.Same(t, before, table.Snapshot())
}

func TestProgramsAreIndependent(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Update(Program{Number: 1, CA: []CADescriptor{{SystemID: 1, PID: 0x20}}, Streams: []Stream{{Type: 2, PID: 0x100}}}))
	require.NoError(t, table.Update(Program{Number: 2, Streams: []Stream{{Type: 2, PID: 0x200}}}))

	assert.True(t, table.Snapshot().Scrambled(0x100))
	assert.False(t, table.Snapshot().Scrambled(0x200))
	assert.Equal(t, []uint16{0x100}, table.Snapshot().ScrambledPIDs())

	table.Remove(1)
	_, ok := table.Lookup(0x100)
	assert.False(t, ok)
	_, ok = table.Lookup(0x200)
	assert.True(t, ok)
	assert.Len(t, table.Snapshot().Programs(), 1)
}

func TestSlotAssignedBeforeProgram(t *testing.T) {
	table := NewTable()
	table.AssignSlot(0x100, 3)

	_, ok := table.Snapshot().SlotFor(0x100)
	assert.False(t, ok, "unknown pid must not resolve")

	require.NoError(t, table.Update(Program{Number: 1, CA: []CADescriptor{{SystemID: 1, PID: 0x20}}, Streams: []Stream{{Type: 2, PID: 0x100}}}))
	slot, ok := table.Snapshot().SlotFor(0x100)
	require.True(t, ok)
	assert.Equal(t, 3, slot)

	table.AssignSlot(0x100, -1)
	_, ok = table.Snapshot().SlotFor(0x100)
	assert.False(t, ok)
}

func TestClearEmptiesTable(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Update(sampleProgram()))
	table.AssignSlot(0x100, 0)
	table.Clear()

	assert.Equal(t, 0, table.Snapshot().Len())
	_, ok := table.Snapshot().SlotFor(0x100)
	assert.False(t, ok)
}

// Readers must only ever observe one of the complete programs.
func TestConcurrentReadersSeeWholeUpdates(t *testing.T) {
	table := NewTable()
	a := Program{Number: 1, CA: []CADescriptor{{SystemID: 0xa, PID: 0x20}}, Streams: []Stream{{Type: 2, PID: 0x100}, {Type: 4, PID: 0x101}}}
	b := Program{Number: 1, CA: []CADescriptor{{SystemID: 0xb, PID: 0x21}}, Streams: []Stream{{Type: 2, PID: 0x200}, {Type: 4, PID: 0x201}}}
	require.NoError(t, table.Update(a))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			if i%2 == 0 {
				_ = table.Update(b)
			} else {
				_ = table.Update(a)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		s := table.Snapshot()
		_, hasA := s.Lookup(0x100)
		_, hasA2 := s.Lookup(0x101)
		_, hasB := s.Lookup(0x200)
		_, hasB2 := s.Lookup(0x201)
		require.True(t, (hasA && hasA2 && !hasB && !hasB2) || (!hasA && !hasA2 && hasB && hasB2))
	}
	wg.Wait()
}
