package device

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/ci"
	"github.com/RabbitLabs/dvbsc/decsa"
)

func TestBudget(t *testing.T) {
	b, err := NewBudget(0, 3)
	require.NoError(t, err)
	assert.True(t, b.Forced(0))
	assert.False(t, b.Forced(1))
	assert.True(t, b.Forced(3))
	assert.False(t, b.Forced(-1))
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, []int{0, 3}, b.Devices())

	_, err = NewBudget(MaxDevices)
	assert.ErrorIs(t, err, ErrBudgetRange)
}

func TestManagerLifecycle(t *testing.T) {
	drv := &fakeDriver{missing: map[int]bool{1: true}}
	m := NewManager(drv,
		Config{Adapter: 0, SoftCSA: true},
		Config{Adapter: 1, SoftCSA: true},
		Config{Adapter: 2, SoftCSA: true, FullTS: true},
	)
	assert.Equal(t, StateUninitialized, m.State())

	require.NoError(t, m.SetForceBudget(2))
	assert.ErrorIs(t, m.SetForceBudget(MaxDevices), ErrBudgetRange)
	assert.ErrorIs(t, m.Startup(), ErrState)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, StateStarted, m.State())
	assert.ErrorIs(t, m.Initialize(context.Background()), ErrState)

	// the missing adapter is skipped
	devices := m.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, 0, devices[0].Adapter())
	assert.Equal(t, 2, devices[1].Adapter())
	_, err := m.Device(1)
	assert.ErrorIs(t, err, ErrUnknown)

	// budget is frozen and applied
	assert.ErrorIs(t, m.SetForceBudget(0), ErrBudgetFrozen)
	assert.True(t, m.ForceBudget(2))
	assert.False(t, m.ForceBudget(0))
	assert.True(t, devices[1].SoftCSA(true))
	assert.True(t, devices[1].Status().Budget)

	_, err = m.SelectDevice(swCh, true)
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, m.Startup())
	assert.Equal(t, StateReady, m.State())
	for _, d := range devices {
		assert.True(t, d.Ready())
	}

	m.EarlyShutdown()
	assert.Equal(t, StateDraining, m.State())
	for _, d := range devices {
		assert.False(t, d.Ready())
	}

	m.Shutdown()
	assert.Equal(t, StateStopped, m.State())
	m.Shutdown()
}

func TestInitializeWithoutDevices(t *testing.T) {
	drv := &fakeDriver{missing: map[int]bool{0: true, 1: true}}
	m := NewManager(drv, Config{Adapter: 0}, Config{Adapter: 1})

	assert.ErrorIs(t, m.Initialize(context.Background()), ErrNoDevices)
	assert.Equal(t, StateStopped, m.State())
}

func TestInitializeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewManager(&fakeDriver{}, Config{Adapter: 0})
	assert.ErrorIs(t, m.Initialize(ctx), context.Canceled)
}

func startManager(t *testing.T, drv Driver, configs ...Config) *Manager {
	t.Helper()

	m := NewManager(drv, configs...)
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Startup())
	t.Cleanup(m.Shutdown)
	return m
}

func TestSelectDevice(t *testing.T) {
	m := startManager(t, &fakeDriver{},
		Config{Adapter: 0, SoftCSA: true, FullTS: true},
		Config{Adapter: 1, SoftCSA: true, CI: ci.NewSlot("ci0", ci.NewStaticModule(0x0100))},
	)
	d0, err := m.Device(0)
	require.NoError(t, err)
	d1, err := m.Device(1)
	require.NoError(t, err)

	// the CI can decrypt the channel
	d, err := m.SelectDevice(hwCh, true)
	require.NoError(t, err)
	assert.Same(t, d1, d)

	// a full featured card cannot descramble live, only the CI device can
	d, err = m.SelectDevice(swCh, true)
	require.NoError(t, err)
	assert.Same(t, d1, d)

	// for recording both can, the idle first one wins
	d, err = m.SelectDevice(swCh, false)
	require.NoError(t, err)
	assert.Same(t, d0, d)

	// a device already showing the channel wins over an idle one
	tuned, err := m.Tune(swCh, true)
	require.NoError(t, err)
	assert.Same(t, d1, tuned)
	d, err = m.SelectDevice(swCh, false)
	require.NoError(t, err)
	assert.Same(t, d1, d)

	// failed devices are never selected
	d1.fail(errors.New("frontend lost"))
	_, err = m.SelectDevice(swCh, true)
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestSelectPrefersBudgetForSoftware(t *testing.T) {
	m := NewManager(&fakeDriver{}, Config{Adapter: 0, SoftCSA: true}, Config{Adapter: 1, SoftCSA: true})
	require.NoError(t, m.SetForceBudget(1))
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Startup())
	t.Cleanup(m.Shutdown)

	d, err := m.SelectDevice(swCh, true)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Adapter())

	d, err = m.SelectDevice(clearCh, true)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Adapter())
}

func TestTuneOpensChannelPids(t *testing.T) {
	drv := &fakeDriver{}
	m := startManager(t, drv, Config{Adapter: 0, SoftCSA: true})

	d, err := m.Tune(swCh, true)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x22, 0x120, 0x121, 0x601}, d.Status().Pids)
	assert.Equal(t, ModeSoftware, d.Mode())
}

func TestTuneAdapter(t *testing.T) {
	m := NewManager(&fakeDriver{}, Config{Adapter: 0, SoftCSA: true}, Config{Adapter: 1, SoftCSA: true})
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.TuneAdapter(1, clearCh, true)
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, m.Startup())
	t.Cleanup(m.Shutdown)

	d, err := m.TuneAdapter(1, clearCh, true)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Adapter())
	require.NotNil(t, d.Channel())
	assert.Equal(t, clearCh.Name, d.Channel().Name)
	assert.Equal(t, ModeClear, d.Mode())

	_, err = m.TuneAdapter(5, clearCh, true)
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestManagerRoutesAuthorityMessages(t *testing.T) {
	m := startManager(t, &fakeDriver{}, Config{Adapter: 0, SoftCSA: true, Algorithm: decsa.AESECB})
	d, err := m.Tune(swCh, true)
	require.NoError(t, err)

	require.NoError(t, m.SetCaPid(0, CaPid{PID: 0x120, Index: 4}))
	require.NoError(t, m.SetDescrMode(0, DescrMode{Index: 4, Algo: decsa.AlgoAES128, CipherMode: decsa.CipherModeCBC}))
	require.NoError(t, m.SetCaDescr(0, CaDescr{Index: 4, Parity: decsa.Odd, CW: []byte("0123456789abcdef")}))
	assert.True(t, d.engine.HasKey(4, decsa.Odd))

	e, ok := d.CAPMT().Lookup(0x120)
	require.True(t, ok)
	assert.Equal(t, 4, e.Slot)

	p := swCh.Program()
	p.Streams = p.Streams[:1]
	require.NoError(t, m.UpdateCAPMT(0, p))
	_, ok = d.CAPMT().Lookup(0x121)
	assert.False(t, ok)

	assert.ErrorIs(t, m.SetCaPid(7, CaPid{PID: 0x120}), ErrUnknown)
	assert.ErrorIs(t, m.UpdateCAPMT(0, capmt.Program{Number: 12}), capmt.ErrMalformed)
}

func TestStartupMarksBrokenDevices(t *testing.T) {
	drv := &fakeDriver{dvr: func() io.ReadCloser { return brokenDvr{} }}
	m := startManager(t, drv, Config{Adapter: 0, SoftCSA: true, MaxReadErrors: 2})

	d, err := m.Device(0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !d.Ready() }, 2*time.Second, 5*time.Millisecond)

	_, err = m.Tune(swCh, true)
	assert.ErrorIs(t, err, ErrNoCandidate)
}

// The daemon never calls CaidsChanged itself: a module swap or a smartcard
// change in a configured slot reaches the tuned device through the manager.
func TestManagerFollowsModuleChanges(t *testing.T) {
	module := ci.NewStaticModule(0x0B00)
	slot := ci.NewSlot("ci0", module)
	m := startManager(t, &fakeDriver{}, Config{Adapter: 0, SoftCSA: true, CI: slot})

	d, err := m.TuneAdapter(0, hwCh, true)
	require.NoError(t, err)
	assert.Equal(t, ModeSoftware, d.Mode())

	module.SetCAIDs(0x0100)
	assert.Equal(t, ModeHardware, d.Mode())
	assert.Equal(t, 1, module.Starts())

	// a module that cannot decrypt the channel replaces it
	other := ci.NewStaticModule(0x0B00)
	slot.Insert(other)
	assert.Equal(t, ModeSoftware, d.Mode())
	_, pids := module.Active()
	assert.Empty(t, pids)

	module.SetCAIDs(0x0B00)
	assert.Equal(t, ModeSoftware, d.Mode())

	other.SetCAIDs(0x0100)
	assert.Equal(t, ModeHardware, d.Mode())
	assert.Equal(t, 1, other.Starts())
}
