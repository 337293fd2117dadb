package sdserver

import (
	"testing"
	"time"

	"github.com/samsamfire/someipsd/internal/clock"
	"github.com/samsamfire/someipsd/reboot"
	"github.com/samsamfire/someipsd/scheduler"
	"github.com/samsamfire/someipsd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	multicast []wire.Message
	unicast   []wire.Message
}

func (f *fakeSender) SendMulticast(msg wire.Message) error {
	f.multicast = append(f.multicast, msg)
	return nil
}

func (f *fakeSender) SendUnicast(msg wire.Message, to reboot.PeerKey) error {
	f.unicast = append(f.unicast, msg)
	return nil
}

func testParams() Params {
	return Params{
		InitialDelayMin:         0,
		InitialDelayMax:         time.Millisecond,
		RequestResponseDelayMin: 0,
		RequestResponseDelayMax: time.Millisecond,
		RepetitionBaseDelay:     time.Second,
		InitialRepetitionsMax:   2,
		CyclicOfferPeriod:       10 * time.Second,
	}
}

func newTestInstance(now *time.Time) (*Instance, *fakeSender, *clock.Manager) {
	clk := clock.NewManager(func() time.Time { return *now })
	sender := &fakeSender{}
	sched := scheduler.New(clk, sender, reboot.NewSessionGenerator(), nil)
	service := wire.Entry{ServiceID: 0x1234, InstanceID: 1, MajorVersion: 1, MinorVersion: 0}
	inst := NewInstance(service, nil, testParams(), sched, nil)
	return inst, sender, clk
}

func TestDispatchTableDownToInitialWait(t *testing.T) {
	assert.Equal(t, InitialWait, dispatch(Down, EventNetworkUp))
	assert.Equal(t, InitialWait, dispatch(Down, EventServiceUp))
	assert.Equal(t, Down, dispatch(Down, EventFindReceived))
}

func TestDispatchInitialWaitOfferSentGoesToRepetition(t *testing.T) {
	assert.Equal(t, Repetition, dispatch(InitialWait, EventOfferSent))
	assert.Equal(t, Down, dispatch(InitialWait, EventServiceDown))
	assert.Equal(t, Down, dispatch(InitialWait, EventNetworkDown))
}

func TestDispatchRepetitionLastSentGoesToMain(t *testing.T) {
	assert.Equal(t, Main, dispatch(Repetition, EventLastRepetitionSent))
	assert.Equal(t, Down, dispatch(Repetition, EventServiceDown))
}

func TestDispatchMainStaysOnFind(t *testing.T) {
	assert.Equal(t, Main, dispatch(Main, EventFindReceived))
	assert.Equal(t, Down, dispatch(Main, EventNetworkDown))
}

func TestInstanceNeedsBothServiceAndNetworkUpToLeaveDown(t *testing.T) {
	now := time.Unix(1000, 0)
	inst, _, _ := newTestInstance(&now)

	inst.HandleServiceUp()
	assert.Equal(t, Down, inst.State(), "network still down")

	inst.HandleNetworkUp()
	assert.Equal(t, InitialWait, inst.State())
}

func TestInstanceFullLifecycleReachesMain(t *testing.T) {
	now := time.Unix(1000, 0)
	inst, sender, clk := newTestInstance(&now)

	inst.HandleNetworkUp()
	inst.HandleServiceUp()
	require.Equal(t, InitialWait, inst.State())

	// Fire the InitialWait offer timer.
	now = now.Add(2 * time.Millisecond)
	clk.Tick()
	assert.Equal(t, Repetition, inst.State())
	require.Len(t, sender.multicast, 1)

	// Drain the repetition schedule: entries fire at cycle counts 1, then
	// (having doubled their interval) 3, reaching max_repetitions=2 on the
	// third global tick, per spec.md §3.3's "1, 3, 7, ..." schedule.
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		clk.Tick()
	}

	assert.Equal(t, Main, inst.State())
}

func TestInstanceServiceDownSendsStopOfferFromMain(t *testing.T) {
	now := time.Unix(1000, 0)
	inst, sender, clk := newTestInstance(&now)

	inst.HandleNetworkUp()
	inst.HandleServiceUp()
	now = now.Add(2 * time.Millisecond)
	clk.Tick()
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		clk.Tick()
	}
	require.Equal(t, Main, inst.State())

	inst.HandleServiceDown()
	assert.Equal(t, Down, inst.State())

	now = now.Add(time.Millisecond)
	clk.Tick()
	last := sender.multicast[len(sender.multicast)-1]
	require.Len(t, last.Entries, 1)
	assert.True(t, last.Entries[0].IsStop())
}

func TestFindMatchingRespectsAnyWildcards(t *testing.T) {
	service := wire.Entry{ServiceID: 1, InstanceID: 2, MajorVersion: 3, MinorVersion: 4}

	assert.True(t, matchesFind(service, wire.Entry{ServiceID: 1, InstanceID: wire.InstanceIDAny, MajorVersion: wire.MajorVersionAny, MinorVersion: wire.MinorVersionAny}))
	assert.True(t, matchesFind(service, service))
	assert.False(t, matchesFind(service, wire.Entry{ServiceID: 2}))
	assert.False(t, matchesFind(service, wire.Entry{ServiceID: 1, InstanceID: 9, MajorVersion: wire.MajorVersionAny, MinorVersion: wire.MinorVersionAny}))
}
