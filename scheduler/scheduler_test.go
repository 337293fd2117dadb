package scheduler

import (
	"testing"
	"time"

	"github.com/samsamfire/someipsd/internal/clock"
	"github.com/samsamfire/someipsd/reboot"
	"github.com/samsamfire/someipsd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	multicast []wire.Message
	unicast   []wire.Message
	unicastTo []reboot.PeerKey
}

func (f *fakeSender) SendMulticast(msg wire.Message) error {
	f.multicast = append(f.multicast, msg)
	return nil
}

func (f *fakeSender) SendUnicast(msg wire.Message, to reboot.PeerKey) error {
	f.unicast = append(f.unicast, msg)
	f.unicastTo = append(f.unicastTo, to)
	return nil
}

func offerEntry(id uint16) wire.Entry {
	return wire.Entry{Type: wire.EntryOfferService, ServiceID: id, InstanceID: 1, MajorVersion: 1, TTL: 3}
}

func newTestScheduler(now *time.Time) (*Scheduler, *fakeSender, *clock.Manager) {
	clk := clock.NewManager(func() time.Time { return *now })
	sender := &fakeSender{}
	s := New(clk, sender, reboot.NewSessionGenerator(), nil)
	return s, sender, clk
}

func TestScheduleFindFiresAfterDelay(t *testing.T) {
	now := time.Unix(1000, 0)
	s, sender, clk := newTestScheduler(&now)

	s.ScheduleFind(offerEntry(1), nil, time.Second, time.Second)

	now = now.Add(2 * time.Second)
	clk.Tick()

	require.Len(t, sender.multicast, 1)
	require.Len(t, sender.multicast[0].Entries, 1)
}

func TestScheduleOfferInitialRunsPostSendCallback(t *testing.T) {
	now := time.Unix(1000, 0)
	s, sender, clk := newTestScheduler(&now)

	var called bool
	s.ScheduleOfferInitial(offerEntry(1), nil, 0, time.Second, func() { called = true })

	now = now.Add(2 * time.Second)
	clk.Tick()

	require.Len(t, sender.multicast, 1)
	assert.True(t, called)
}

func TestScheduleOfferUnicastTargetsPeer(t *testing.T) {
	now := time.Unix(1000, 0)
	s, sender, clk := newTestScheduler(&now)
	peer := reboot.PeerKey{Port: 30509}

	s.ScheduleOfferUnicast(offerEntry(1), nil, 0, time.Second, peer)

	now = now.Add(2 * time.Second)
	clk.Tick()

	require.Len(t, sender.unicast, 1)
	assert.Equal(t, peer, sender.unicastTo[0])
}

func TestCyclicTimerRearmsAndKeepsSendingSameEntry(t *testing.T) {
	now := time.Unix(1000, 0)
	s, sender, clk := newTestScheduler(&now)

	s.ScheduleOfferCyclic(offerEntry(1), nil, 5*time.Second)

	now = now.Add(5 * time.Second)
	clk.Tick()
	require.Len(t, sender.multicast, 1)

	now = now.Add(5 * time.Second)
	clk.Tick()
	require.Len(t, sender.multicast, 2)
}

func TestRepetitionDoublesInterval(t *testing.T) {
	now := time.Unix(1000, 0)
	s, sender, clk := newTestScheduler(&now)

	var lastSent bool
	s.ScheduleOfferRepetition(offerEntry(1), nil, time.Second, 2, func() { lastSent = true })

	// tick 1: sendCount becomes 1 (not yet max), still scheduled.
	now = now.Add(time.Second)
	clk.Tick()
	require.Len(t, sender.multicast, 1)
	assert.False(t, lastSent)

	// tick 2: entry's nextSendTick is now 1+2=3, so tick 2 does not send it.
	now = now.Add(time.Second)
	clk.Tick()
	require.Len(t, sender.multicast, 1, "second global tick does not match next_send_cycle_count yet")

	// tick 3: matches, sendCount reaches max, onLastSent invoked.
	now = now.Add(time.Second)
	clk.Tick()
	require.Len(t, sender.multicast, 2)
	assert.True(t, lastSent)
}

func TestUnscheduleOfferRemovesFromOneShotBatch(t *testing.T) {
	now := time.Unix(1000, 0)
	s, sender, clk := newTestScheduler(&now)

	id := s.ScheduleFind(offerEntry(1), nil, 0, time.Second)
	s.UnscheduleOffer(id, nil)

	now = now.Add(2 * time.Second)
	clk.Tick()

	assert.Empty(t, sender.multicast, "unscheduled entry produces no datagram")
}
