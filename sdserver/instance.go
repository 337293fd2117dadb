package sdserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/samsamfire/someipsd/reboot"
	"github.com/samsamfire/someipsd/scheduler"
	"github.com/samsamfire/someipsd/wire"
)

// Params holds the per-instance timing parameters named in spec.md §4.5.
type Params struct {
	InitialDelayMin, InitialDelayMax             time.Duration
	RequestResponseDelayMin, RequestResponseDelayMax time.Duration
	RepetitionBaseDelay                          time.Duration
	InitialRepetitionsMax                        int
	CyclicOfferPeriod                            time.Duration
}

// Instance is the SD server state machine for one provided service
// instance. Event handlers never mutate current directly; they call
// requestStateChange, and the owner (the same goroutine, since this package
// assumes the single-reactor-thread model of spec.md §5) calls updateState
// to actually run the transition.
type Instance struct {
	mu sync.Mutex

	current State
	pending State
	hasPending bool

	serviceUp, networkUp bool

	service wire.Entry // ServiceID/InstanceID/MajorVersion/MinorVersion identify this instance
	opts    []wire.Option
	params  Params
	sched   *scheduler.Scheduler
	log     *slog.Logger

	cyclicID   *scheduler.EntryID
	offerIDs   []scheduler.EntryID // entries currently live in InitialWait/Repetition
}

// NewInstance returns an Instance in the Down state for service, announced
// with opts (its endpoint options) whenever an Offer is sent.
func NewInstance(service wire.Entry, opts []wire.Option, params Params, sched *scheduler.Scheduler, log *slog.Logger) *Instance {
	if log == nil {
		log = slog.Default()
	}
	return &Instance{
		current: Down,
		service: service,
		opts:    opts,
		params:  params,
		sched:   sched,
		log:     log,
	}
}

// State returns the instance's current state.
func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.current
}

func (inst *Instance) requestStateChange(target State) {
	// Called with inst.mu held.
	if target == inst.current {
		return
	}
	inst.pending = target
	inst.hasPending = true
}

// updateState applies any pending transition: runs on-leave for the current
// state, swaps, then runs on-enter for the new state. It is idempotent if
// no transition is pending.
func (inst *Instance) updateState() {
	// Called with inst.mu held.
	if !inst.hasPending {
		return
	}
	from := inst.current
	to := inst.pending
	inst.hasPending = false

	inst.onLeave(from)
	inst.current = to
	inst.log.Info("sd server state transition",
		"service_id", inst.service.ServiceID, "instance_id", inst.service.InstanceID,
		"from", from.String(), "to", to.String())
	inst.onEnter(to)
}

// onLeave has nothing to do for any state. A transition to Down cancels the
// instance's scheduled offers in onEnter(Down); the other transitions
// (InitialWait -> Repetition, Repetition -> Main) run from the post-send
// callback of the previous state's last offer, whose schedule entry is
// already gone by then.
func (inst *Instance) onLeave(s State) {}

func (inst *Instance) onEnter(s State) {
	switch s {
	case InitialWait:
		id := inst.sched.ScheduleOfferInitial(inst.offerEntry(wire.TTLForever), inst.opts,
			inst.params.InitialDelayMin, inst.params.InitialDelayMax, inst.onOfferSent)
		inst.offerIDs = []scheduler.EntryID{id}
	case Repetition:
		last := inst.onLastRepetitionSent
		id := inst.sched.ScheduleOfferRepetition(inst.offerEntry(wire.TTLForever), inst.opts,
			inst.params.RepetitionBaseDelay, inst.params.InitialRepetitionsMax, last)
		inst.offerIDs = []scheduler.EntryID{id}
	case Main:
		id := inst.sched.ScheduleOfferCyclic(inst.offerEntry(wire.TTLForever), inst.opts, inst.params.CyclicOfferPeriod)
		inst.cyclicID = &id
	case Down:
		period := inst.params.CyclicOfferPeriod
		if inst.cyclicID != nil {
			inst.sched.UnscheduleOffer(*inst.cyclicID, &period)
			inst.cyclicID = nil
		}
		for _, id := range inst.offerIDs {
			inst.sched.UnscheduleOffer(id, nil)
		}
		inst.offerIDs = nil
	}
}

func (inst *Instance) offerEntry(ttl uint32) wire.Entry {
	e := inst.service
	e.Type = wire.EntryOfferService
	e.TTL = ttl
	return e
}

func (inst *Instance) onOfferSent() {
	inst.mu.Lock()
	inst.requestStateChange(dispatch(inst.current, EventOfferSent))
	inst.updateState()
	inst.mu.Unlock()
}

func (inst *Instance) onLastRepetitionSent() {
	inst.mu.Lock()
	inst.requestStateChange(dispatch(inst.current, EventLastRepetitionSent))
	inst.updateState()
	inst.mu.Unlock()
}

// HandleServiceUp reports that the local service implementation became
// available. Per spec.md §4.5, Down transitions to InitialWait only once
// both ServiceUp and NetworkUp are true.
func (inst *Instance) HandleServiceUp() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.serviceUp = true
	if inst.serviceUp && inst.networkUp {
		inst.requestStateChange(dispatch(inst.current, EventServiceUp))
		inst.updateState()
	}
}

// HandleNetworkUp reports that the network interface came up.
func (inst *Instance) HandleNetworkUp() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.networkUp = true
	if inst.serviceUp && inst.networkUp {
		inst.requestStateChange(dispatch(inst.current, EventNetworkUp))
		inst.updateState()
	}
}

// HandleServiceDown reports that the local service implementation went
// away. Per spec.md §4.5, this sends a multicast StopOffer if the instance
// was in Repetition or Main.
func (inst *Instance) HandleServiceDown() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.serviceUp = false
	inst.transitionDown()
}

// HandleNetworkDown reports that the network interface went down.
func (inst *Instance) HandleNetworkDown() {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.networkUp = false
	inst.transitionDown()
}

func (inst *Instance) transitionDown() {
	// Called with inst.mu held.
	wasAnnouncing := inst.current == Repetition || inst.current == Main
	inst.requestStateChange(dispatch(inst.current, EventServiceDown))
	inst.updateState()
	if wasAnnouncing {
		inst.sched.ScheduleStopOffer(inst.offerEntry(wire.TTLStop))
	}
}

// HandleFindReceived processes an inbound Find entry from peer. It returns
// true if the Find matched this instance, per the matching rule in spec.md
// §4.5. A match schedules a unicast Offer in InitialWait/Repetition, and in
// Main unless the reply is coalesced into the next cyclic Offer; a Find
// arriving while Down is ignored (there is nothing to offer yet).
func (inst *Instance) HandleFindReceived(peer reboot.PeerKey, find wire.Entry) bool {
	if !matchesFind(inst.service, find) {
		return false
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.current {
	case Down:
		return true
	case InitialWait:
		// The Find is not held back until the initial multicast Offer has
		// gone out: the unicast Offer is scheduled at once with the
		// request-response delay window, exactly as in Repetition, so it
		// may reach the peer before the initial multicast Offer does.
		inst.sched.ScheduleOfferUnicast(inst.offerEntry(wire.TTLForever), inst.opts,
			inst.params.RequestResponseDelayMin, inst.params.RequestResponseDelayMax, peer)
	case Repetition:
		inst.sched.ScheduleOfferUnicast(inst.offerEntry(wire.TTLForever), inst.opts,
			inst.params.RequestResponseDelayMin, inst.params.RequestResponseDelayMax, peer)
	case Main:
		// Coalesce into the next multicast cycle if the reply window would
		// anyway reach at least half the cyclic period, per spec.md §4.5: the
		// already-scheduled cyclic Offer (inst.cyclicID) serves as the reply,
		// so there is nothing more to schedule here.
		if inst.params.RequestResponseDelayMax*2 >= inst.params.CyclicOfferPeriod {
			break
		}
		inst.sched.ScheduleOfferUnicast(inst.offerEntry(wire.TTLForever), inst.opts,
			inst.params.RequestResponseDelayMin, inst.params.RequestResponseDelayMax, peer)
	}
	return true
}

// matchesFind implements spec.md §4.5's FindReceived matching rule.
func matchesFind(service, find wire.Entry) bool {
	if service.ServiceID != find.ServiceID {
		return false
	}
	if find.InstanceID != wire.InstanceIDAny && find.InstanceID != service.InstanceID {
		return false
	}
	if find.MajorVersion != wire.MajorVersionAny && find.MajorVersion != service.MajorVersion {
		return false
	}
	if find.MinorVersion != wire.MinorVersionAny && find.MinorVersion != service.MinorVersion {
		return false
	}
	return true
}
