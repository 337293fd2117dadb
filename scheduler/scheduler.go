// Package scheduler implements the transmission scheduler (spec.md §3.3,
// §4.4): cyclic, repetition, one-shot-unicast and one-shot-multicast
// timers sharing one logical "pending entries" store per provided service
// instance, driven from a single internal/clock.Manager per spec.md §5's
// single-reactor-thread model. This generalises the teacher's
// one-timer-per-object style (pkg/pdo.TPDO.timerEvent/timerInhibit,
// pkg/nmt.NMT.timer) into a facade over many logical timers sharing one
// heap.
package scheduler

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/samsamfire/someipsd/internal/clock"
	"github.com/samsamfire/someipsd/reboot"
	"github.com/samsamfire/someipsd/sdmsg"
	"github.com/samsamfire/someipsd/wire"
)

// Sender submits finished datagrams to the network. Production code backs
// this with transport/udpsock; tests back it with a fake that records calls,
// mirroring the teacher's canopen.Bus abstraction over the wire transport.
type Sender interface {
	SendMulticast(msg wire.Message) error
	SendUnicast(msg wire.Message, to reboot.PeerKey) error
}

type pendingItem struct {
	id    EntryID
	entry wire.Entry
	opts  []wire.Option
}

// Scheduler is the façade described in spec.md §4.4. One Scheduler serves
// one provided service instance. All operations are non-blocking; actual
// sends happen later, from Tick, on the caller's reactor goroutine.
type Scheduler struct {
	mu     sync.Mutex
	clk    *clock.Manager
	sender Sender
	sess   *reboot.SessionGenerator
	ids    *idGenerator
	log    *slog.Logger

	postSend map[EntryID]func()

	multicastOneShot *oneShotBatch
	unicastOneShot   map[reboot.PeerKey]*oneShotBatch
	cyclic           map[time.Duration]*cyclicTimer
	repetition       *repetitionSchedule
}

// New returns a ready-to-use Scheduler. clk is typically shared with the
// owning sdserver.Instance's own timers so that both run off the same
// reactor tick.
func New(clk *clock.Manager, sender Sender, sess *reboot.SessionGenerator, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		clk:            clk,
		sender:         sender,
		sess:           sess,
		ids:            newIDGenerator(),
		log:            log,
		postSend:       make(map[EntryID]func()),
		unicastOneShot: make(map[reboot.PeerKey]*oneShotBatch),
		cyclic:         make(map[time.Duration]*cyclicTimer),
	}
}

// --- one-shot multicast -----------------------------------------------

type oneShotBatch struct {
	items   []pendingItem
	timerID clock.ID
	armed   bool
}

// ScheduleFind arms (or joins) the one-shot multicast timer for a Find
// entry, per spec.md §4.4 schedule_find. The fire time is a jittered point
// in [minDelay, maxDelay] the first time the batch is armed; later calls
// before it fires may only shorten it, never extend it (§3.3 invariant).
func (s *Scheduler) ScheduleFind(entry wire.Entry, opts []wire.Option, minDelay, maxDelay time.Duration) EntryID {
	return s.scheduleMulticastOneShot(entry, opts, minDelay, maxDelay)
}

// ScheduleOfferInitial arms the one-shot multicast timer for the first
// announcement of an offer, per schedule_offer_initial. onSent, if non-nil,
// runs after the datagram carrying this entry is actually sent.
func (s *Scheduler) ScheduleOfferInitial(entry wire.Entry, opts []wire.Option, minDelay, maxDelay time.Duration, onSent func()) EntryID {
	id := s.scheduleMulticastOneShot(entry, opts, minDelay, maxDelay)
	if onSent != nil {
		s.mu.Lock()
		s.postSend[id] = onSent
		s.mu.Unlock()
	}
	return id
}

// ScheduleStopOffer arms the one-shot multicast timer for an immediate
// (zero-delay) StopOffer, per schedule_stop_offer.
func (s *Scheduler) ScheduleStopOffer(entry wire.Entry) EntryID {
	return s.scheduleMulticastOneShot(entry, nil, 0, 0)
}

func (s *Scheduler) scheduleMulticastOneShot(entry wire.Entry, opts []wire.Option, minDelay, maxDelay time.Duration) EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.next()
	item := pendingItem{id: id, entry: entry, opts: opts}

	if s.multicastOneShot == nil {
		s.multicastOneShot = &oneShotBatch{}
	}
	b := s.multicastOneShot
	b.items = append(b.items, item)

	fire := jitter(minDelay, maxDelay)
	s.armOneShot(b, fire, s.fireMulticastBatch)
	return id
}

func (s *Scheduler) armOneShot(b *oneShotBatch, delay time.Duration, onFire func(*oneShotBatch)) {
	expiry := s.clk.Now().Add(delay)
	if !b.armed {
		b.timerID = s.clk.Arm(expiry, func() { onFire(b) })
		b.armed = true
		return
	}
	// Shorten-only semantics: never push an already-armed one-shot timer
	// later, per spec.md §3.3.
	s.clk.Reschedule(b.timerID, expiry)
}

func (s *Scheduler) fireMulticastBatch(b *oneShotBatch) {
	s.mu.Lock()
	items := b.items
	b.items = nil
	b.armed = false
	s.mu.Unlock()
	s.flush(items, true, reboot.PeerKey{})
}

// --- one-shot unicast ----------------------------------------------------

// ScheduleOfferUnicast arms (or joins) the one-shot unicast timer for to,
// answering a Find with an Offer, per schedule_offer_unicast.
func (s *Scheduler) ScheduleOfferUnicast(entry wire.Entry, opts []wire.Option, minDelay, maxDelay time.Duration, to reboot.PeerKey) EntryID {
	return s.scheduleUnicastOneShot(entry, opts, minDelay, maxDelay, to)
}

// ScheduleSubscribeEventgroup arms the one-shot unicast timer for a
// Subscribe entry, per schedule_subscribe_eventgroup.
func (s *Scheduler) ScheduleSubscribeEventgroup(entry wire.Entry, opts []wire.Option, minDelay, maxDelay time.Duration, to reboot.PeerKey) EntryID {
	return s.scheduleUnicastOneShot(entry, opts, minDelay, maxDelay, to)
}

// ScheduleSubscribeAck arms the one-shot unicast timer for a SubscribeAck,
// per schedule_subscribe_ack. onSent, if non-nil, runs after the datagram is
// sent.
func (s *Scheduler) ScheduleSubscribeAck(entry wire.Entry, opts []wire.Option, minDelay, maxDelay time.Duration, to reboot.PeerKey, onSent func()) EntryID {
	id := s.scheduleUnicastOneShot(entry, opts, minDelay, maxDelay, to)
	if onSent != nil {
		s.mu.Lock()
		s.postSend[id] = onSent
		s.mu.Unlock()
	}
	return id
}

// ScheduleSubscribeNack arms an immediate one-shot unicast SubscribeNack
// (TTL-zero SubscribeEventgroupAck entry), per schedule_subscribe_nack.
func (s *Scheduler) ScheduleSubscribeNack(entry wire.Entry, to reboot.PeerKey) EntryID {
	return s.scheduleUnicastOneShot(entry, nil, 0, 0, to)
}

// ScheduleStopSubscribe arms an immediate one-shot unicast StopSubscribe,
// per schedule_stop_subscribe.
func (s *Scheduler) ScheduleStopSubscribe(entry wire.Entry, to reboot.PeerKey) EntryID {
	return s.scheduleUnicastOneShot(entry, nil, 0, 0, to)
}

func (s *Scheduler) scheduleUnicastOneShot(entry wire.Entry, opts []wire.Option, minDelay, maxDelay time.Duration, to reboot.PeerKey) EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.next()
	item := pendingItem{id: id, entry: entry, opts: opts}

	b, ok := s.unicastOneShot[to]
	if !ok {
		b = &oneShotBatch{}
		s.unicastOneShot[to] = b
	}
	b.items = append(b.items, item)

	fire := jitter(minDelay, maxDelay)
	s.armOneShot(b, fire, func(batch *oneShotBatch) { s.fireUnicastBatch(to, batch) })
	return id
}

func (s *Scheduler) fireUnicastBatch(to reboot.PeerKey, b *oneShotBatch) {
	s.mu.Lock()
	items := b.items
	b.items = nil
	b.armed = false
	s.mu.Unlock()
	s.flush(items, false, to)
}

// --- cyclic ----------------------------------------------------------------

type cyclicTimer struct {
	period   time.Duration
	timerID  clock.ID
	expiry   time.Time
	imminent []pendingItem
	deferred []pendingItem
}

// ScheduleOfferCyclic joins or creates the cyclic multicast timer for
// period, per schedule_offer_cyclic. A freshly added offer is sent at the
// next cycle rather than the current one, unless the next fire is already
// at least half a period away, in which case it joins the current cycle's
// imminent set (spec.md §4.4).
func (s *Scheduler) ScheduleOfferCyclic(entry wire.Entry, opts []wire.Option, period time.Duration) EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.next()
	item := pendingItem{id: id, entry: entry, opts: opts}

	ct, ok := s.cyclic[period]
	if !ok {
		ct = &cyclicTimer{period: period}
		s.cyclic[period] = ct
		ct.imminent = append(ct.imminent, item)
		ct.expiry = s.clk.Now().Add(period)
		ct.timerID = s.clk.Arm(ct.expiry, func() { s.fireCyclic(period) })
		return id
	}

	if remaining := ct.expiry.Sub(s.clk.Now()); remaining >= period/2 {
		ct.imminent = append(ct.imminent, item)
	} else {
		ct.deferred = append(ct.deferred, item)
	}
	return id
}

// UnscheduleOffer removes id from whichever timer kind holds it, per
// unschedule_offer. If period is non-nil, only that cyclic timer is
// searched; otherwise all timer kinds are searched.
func (s *Scheduler) UnscheduleOffer(id EntryID, period *time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remove := func(items []pendingItem) []pendingItem {
		out := items[:0]
		for _, it := range items {
			if it.id != id {
				out = append(out, it)
			}
		}
		return out
	}

	if period != nil {
		if ct, ok := s.cyclic[*period]; ok {
			ct.imminent = remove(ct.imminent)
			ct.deferred = remove(ct.deferred)
		}
		return
	}
	for _, ct := range s.cyclic {
		ct.imminent = remove(ct.imminent)
		ct.deferred = remove(ct.deferred)
	}
	if s.multicastOneShot != nil {
		s.multicastOneShot.items = remove(s.multicastOneShot.items)
	}
	for _, b := range s.unicastOneShot {
		b.items = remove(b.items)
	}
	if s.repetition != nil {
		filtered := s.repetition.entries[:0]
		for _, e := range s.repetition.entries {
			if e.item.id != id {
				filtered = append(filtered, e)
			}
		}
		s.repetition.entries = filtered
	}
	delete(s.postSend, id)
}

func (s *Scheduler) fireCyclic(period time.Duration) {
	s.mu.Lock()
	ct, ok := s.cyclic[period]
	if !ok {
		s.mu.Unlock()
		return
	}
	toSend := ct.imminent
	ct.imminent = append(ct.imminent, ct.deferred...)
	ct.deferred = nil
	ct.expiry = s.clk.Now().Add(period)
	ct.timerID = s.clk.Arm(ct.expiry, func() { s.fireCyclic(period) })
	s.mu.Unlock()

	s.flush(toSend, true, reboot.PeerKey{})
}

// --- repetition --------------------------------------------------------

type repetitionEntry struct {
	item         pendingItem
	nextSendTick uint64
	interval     uint64
	sendCount    int
	maxReps      int
	onLastSent   func()
}

type repetitionSchedule struct {
	baseDelay time.Duration
	cycle     uint64
	timerID   clock.ID
	entries   []repetitionEntry
}

// ScheduleOfferRepetition adds entry to the exponentially-expanding
// repetition schedule (spec.md §3.3, §4.4): sent at global tick counts
// 1, 3, 7, 15, ... (i.e. at elapsed times D, 3D, 7D, 15D, ... after the
// schedule starts), up to maxRepetitions sends, after which onLastSent is
// invoked.
func (s *Scheduler) ScheduleOfferRepetition(entry wire.Entry, opts []wire.Option, baseDelay time.Duration, maxRepetitions int, onLastSent func()) EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.next()
	re := repetitionEntry{
		item:         pendingItem{id: id, entry: entry, opts: opts},
		nextSendTick: 1,
		interval:     1,
		maxReps:      maxRepetitions,
		onLastSent:   onLastSent,
	}

	if s.repetition == nil {
		s.repetition = &repetitionSchedule{baseDelay: baseDelay}
		s.repetition.timerID = s.clk.Arm(s.clk.Now().Add(baseDelay), s.fireRepetition)
	}
	s.repetition.entries = append(s.repetition.entries, re)
	return id
}

func (s *Scheduler) fireRepetition() {
	s.mu.Lock()
	rp := s.repetition
	if rp == nil {
		s.mu.Unlock()
		return
	}
	rp.cycle++

	var toSend []pendingItem
	var lastSentCbs []func()
	kept := rp.entries[:0]
	for i := range rp.entries {
		e := &rp.entries[i]
		if e.nextSendTick == rp.cycle {
			toSend = append(toSend, e.item)
			e.sendCount++
			e.interval *= 2
			e.nextSendTick = rp.cycle + e.interval
			if e.sendCount >= e.maxReps {
				if e.onLastSent != nil {
					lastSentCbs = append(lastSentCbs, e.onLastSent)
				}
				continue // drop from schedule
			}
		}
		kept = append(kept, *e)
	}
	rp.entries = kept

	if len(rp.entries) > 0 {
		rp.timerID = s.clk.Arm(s.clk.Now().Add(rp.baseDelay), s.fireRepetition)
	} else {
		s.repetition = nil
	}
	s.mu.Unlock()

	s.flush(toSend, true, reboot.PeerKey{})
	for _, cb := range lastSentCbs {
		cb()
	}
}

// --- flushing ------------------------------------------------------------

// RejectAllAcksForService converts the pending SubscribeAck one-shot entries
// whose EntryIDs are listed in ackIDs into Nacks, rewriting each with
// toNack, per reject_all_acks_for_service. Callers identify the matching
// items by the EntryID they were given when scheduling the Ack; entries are
// not matched by ServiceID.
func (s *Scheduler) RejectAllAcksForService(ackIDs []EntryID, toNack func(original wire.Entry) wire.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[EntryID]bool, len(ackIDs))
	for _, id := range ackIDs {
		ids[id] = true
	}
	for _, b := range s.unicastOneShot {
		for i, it := range b.items {
			if ids[it.id] {
				b.items[i].entry = toNack(it.entry)
			}
		}
	}
}

func (s *Scheduler) flush(items []pendingItem, multicast bool, to reboot.PeerKey) {
	if len(items) == 0 {
		return
	}
	dest := sdmsg.Destination{Unicast: !multicast}
	if multicast {
		dest.SessionFor = func() (uint16, bool) {
			st := s.sess.NextMulticast()
			return st.SessionID, st.RebootFlag
		}
	} else {
		dest.SessionFor = func() (uint16, bool) {
			st := s.sess.NextUnicast(to)
			return st.SessionID, st.RebootFlag
		}
	}

	packer := sdmsg.NewPacker(sdmsg.DefaultMTU, dest)
	var flushedMsgs []wire.Message
	for _, it := range items {
		if msg := packer.Add(it.entry, it.opts...); msg != nil {
			flushedMsgs = append(flushedMsgs, *msg)
		}
	}
	if final := packer.Finish(); final != nil {
		flushedMsgs = append(flushedMsgs, *final)
	}

	for _, msg := range flushedMsgs {
		var err error
		if multicast {
			err = s.sender.SendMulticast(msg)
		} else {
			err = s.sender.SendUnicast(msg, to)
		}
		if err != nil {
			s.log.Error("sd datagram send failed", "multicast", multicast, "error", err)
		}
	}

	s.mu.Lock()
	cbs := make([]func(), 0, len(items))
	for _, it := range items {
		if cb, ok := s.postSend[it.id]; ok {
			cbs = append(cbs, cb)
			delete(s.postSend, it.id)
		}
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
