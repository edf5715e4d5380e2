package ci

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/RabbitLabs/dvbsc/internal/log"
)

func TestSlotStartIsIdempotent(t *testing.T) {
	m := NewStaticModule(0x0100, 0x1810)
	s := NewSlot("ci0", m)

	require.NoError(t, s.Start(10, []uint16{0x1810}, []uint16{0x102, 0x101}))
	require.NoError(t, s.Start(10, []uint16{0x1810}, []uint16{0x101, 0x102}))
	assert.Equal(t, 1, m.Starts())

	program, pids := m.Active()
	assert.EqualValues(t, 10, program)
	assert.Equal(t, []uint16{0x101, 0x102}, pids)

	// different pid set restarts the module
	require.NoError(t, s.Start(10, []uint16{0x1810}, []uint16{0x101}))
	assert.Equal(t, 2, m.Starts())
}

func TestSlotRejectsUnknownCAID(t *testing.T) {
	m := NewStaticModule(0x0100)
	s := NewSlot("ci0", m)

	assert.True(t, s.CanDecrypt(0x0100))
	assert.False(t, s.CanDecrypt(0x0500))

	err := s.Start(1, []uint16{0x0500}, []uint16{0x100})
	assert.ErrorIs(t, err, ErrNotCapable)
	assert.Equal(t, 0, m.Starts())
}

func TestSlotWithoutModule(t *testing.T) {
	s := NewSlot("ci0", nil)

	assert.False(t, s.CanDecrypt(0x0100))
	assert.Error(t, s.Start(1, []uint16{0x0100}, []uint16{0x100}))
	assert.NoError(t, s.Stop())
}

func TestSlotFailureLeavesStopped(t *testing.T) {
	m := NewStaticModule(0x0100)
	m.SetFailure(errors.New("cam not responding"))
	s := NewSlot("ci0", m)

	require.Error(t, s.Start(1, []uint16{0x0100}, []uint16{0x100}))
	_, running := s.Running()
	assert.False(t, running)

	m.SetFailure(nil)
	require.NoError(t, s.Start(1, []uint16{0x0100}, []uint16{0x100}))
	_, running = s.Running()
	assert.True(t, running)
}

func TestSlotStopAndRestart(t *testing.T) {
	m := NewStaticModule(0x0100)
	s := NewSlot("ci0", m)

	require.NoError(t, s.Start(1, []uint16{0x0100}, []uint16{0x100}))
	require.NoError(t, s.Stop())
	_, pids := m.Active()
	assert.Empty(t, pids)

	require.NoError(t, s.Start(1, []uint16{0x0100}, []uint16{0x100}))
	assert.Equal(t, 2, m.Starts())
}

func TestSlotModuleSwap(t *testing.T) {
	s := NewSlot("ci0", NewStaticModule(0x0100))
	require.NoError(t, s.Start(1, []uint16{0x0100}, []uint16{0x100}))

	s.Insert(NewStaticModule(0x0500))
	_, running := s.Running()
	assert.False(t, running)
	assert.False(t, s.CanDecrypt(0x0100))
	assert.True(t, s.CanDecrypt(0x0500))
}

func TestMultiSlotPicksCapableSlot(t *testing.T) {
	m1 := NewStaticModule(0x0100)
	m2 := NewStaticModule(0x1810)
	ms := NewMultiSlot("ci", NewSlot("ci0", m1), NewSlot("ci1", m2))

	var a Adapter = ms
	assert.Equal(t, 2, a.Slots())
	assert.True(t, a.CanDecrypt(0x1810))
	assert.False(t, a.CanDecrypt(0x0b00))

	require.NoError(t, a.Start(7, []uint16{0x1810}, []uint16{0x200}))
	assert.Equal(t, 0, m1.Starts())
	assert.Equal(t, 1, m2.Starts())

	// switching to a program of the other system moves to the other slot
	require.NoError(t, a.Start(8, []uint16{0x0100}, []uint16{0x300}))
	assert.Equal(t, 1, m1.Starts())
	_, pids := m2.Active()
	assert.Empty(t, pids)

	assert.ErrorIs(t, a.Start(9, []uint16{0x0b00}, []uint16{0x400}), ErrNotCapable)
	require.NoError(t, a.Stop())
}

func TestMultiSlotFallsThroughOnFailure(t *testing.T) {
	m1 := NewStaticModule(0x0100)
	m1.SetFailure(errors.New("busy"))
	m2 := NewStaticModule(0x0100)
	ms := NewMultiSlot("ci", NewSlot("ci0", m1), NewSlot("ci1", m2))

	require.NoError(t, ms.Start(7, []uint16{0x0100}, []uint16{0x200}))
	assert.Equal(t, 1, m2.Starts())
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.WarnLevel)
	saved := log.Sugar
	log.Sugar = zap.New(core).Sugar()
	t.Cleanup(func() { log.Sugar = saved })
	return logs
}

func TestMultiSlotLogsStopFailure(t *testing.T) {
	logs := observeLogs(t)

	m1 := NewStaticModule(0x0100)
	m2 := NewStaticModule(0x1810)
	ms := NewMultiSlot("ci", NewSlot("ci0", m1), NewSlot("ci1", m2))

	require.NoError(t, ms.Start(7, []uint16{0x0100}, []uint16{0x200}))
	m1.SetHaltFailure(errors.New("cam not responding"))

	// moving to the other slot still works, the failed halt is reported
	require.NoError(t, ms.Start(8, []uint16{0x1810}, []uint16{0x300}))
	assert.Equal(t, 1, m2.Starts())
	assert.Equal(t, 1, logs.FilterMessageSnippet("cam not responding").Len())
	assert.Equal(t, 1, logs.FilterMessageSnippet("stop ci0").Len())
}

func TestSlotOnChange(t *testing.T) {
	first := NewStaticModule(0x0100)
	s := NewSlot("ci0", first)

	calls := 0
	var n Notifier = s
	n.OnChange(func() { calls++ })

	first.SetCAIDs(0x0500)
	assert.Equal(t, 1, calls)
	assert.True(t, s.CanDecrypt(0x0500))

	second := NewStaticModule(0x1810)
	s.Insert(second)
	assert.Equal(t, 2, calls)

	// the removed module no longer reports
	first.SetCAIDs(0x0100)
	assert.Equal(t, 2, calls)

	second.SetCAIDs(0x1810, 0x0b00)
	assert.Equal(t, 3, calls)

	s.Insert(nil)
	assert.Equal(t, 4, calls)
}

func TestMultiSlotOnChange(t *testing.T) {
	m1 := NewStaticModule(0x0100)
	m2 := NewStaticModule(0x1810)
	ms := NewMultiSlot("ci", NewSlot("ci0", m1), NewSlot("ci1", m2))

	calls := 0
	ms.OnChange(func() { calls++ })
	m1.SetCAIDs()
	m2.SetCAIDs(0x0500)
	assert.Equal(t, 2, calls)
	assert.True(t, ms.CanDecrypt(0x0500))
	assert.False(t, ms.CanDecrypt(0x0100))
}
