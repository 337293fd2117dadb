// Package reboot implements the SOME/IP-SD session-id/reboot-flag tracker:
// outbound generation and inbound detection, per spec.md §4.2. Streams are
// keyed by PeerKey, a value type, following DESIGN NOTES §9's guidance to
// avoid per-lookup string formatting for address-pair maps (a direct
// generalisation of the teacher's per-peer map pattern in
// pkg/heartbeat/consumer.go, there keyed by CAN node id, here by IP:port).
package reboot

import (
	"net/netip"
	"sync"
)

// PeerKey identifies one inbound or outbound stream.
type PeerKey struct {
	Addr netip.Addr
	Port uint16
}

// SessionState is one tracked (session id, reboot flag) pair.
type SessionState struct {
	SessionID  uint16
	RebootFlag bool
}

// initialOutbound is the mandated starting point for every new outbound
// stream, per spec.md §4.2.
var initialOutbound = SessionState{SessionID: 0x0001, RebootFlag: true}

// SessionGenerator hands out monotonically increasing (session id, reboot
// flag) pairs per outbound stream (one multicast stream plus one per
// unicast destination). The zero value is ready to use.
type SessionGenerator struct {
	mu      sync.Mutex
	streams map[PeerKey]SessionState
	// multicast has no address key of its own; it is tracked separately
	// from any unicast destination.
	multicast    SessionState
	multicastSet bool
}

// NewSessionGenerator returns a ready-to-use SessionGenerator.
func NewSessionGenerator() *SessionGenerator {
	return &SessionGenerator{streams: make(map[PeerKey]SessionState)}
}

// NextMulticast returns the current (session, reboot) pair for the
// multicast stream and advances it.
func (g *SessionGenerator) NextMulticast() SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.multicastSet {
		g.multicast = initialOutbound
		g.multicastSet = true
	}
	cur := g.multicast
	g.multicast = advance(g.multicast)
	return cur
}

// NextUnicast returns the current (session, reboot) pair for the unicast
// stream to peer and advances it.
func (g *SessionGenerator) NextUnicast(peer PeerKey) SessionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur, ok := g.streams[peer]
	if !ok {
		cur = initialOutbound
	}
	if g.streams == nil {
		g.streams = make(map[PeerKey]SessionState)
	}
	g.streams[peer] = advance(cur)
	return cur
}

// advance increments session id, wrapping 0x0001..0xFFFF (0x0000 is never
// used), clearing reboot flag permanently the moment the wrap happens.
func advance(s SessionState) SessionState {
	if s.SessionID == 0xFFFF {
		return SessionState{SessionID: 0x0001, RebootFlag: false}
	}
	return SessionState{SessionID: s.SessionID + 1, RebootFlag: s.RebootFlag}
}

// Detector tracks the last observed (session id, reboot flag) per inbound
// stream, separately for multicast and unicast traffic from the same peer,
// and declares reboots per spec.md §4.2.
type Detector struct {
	mu        sync.Mutex
	unicast   map[PeerKey]SessionState
	multicast map[PeerKey]SessionState
}

// NewDetector returns a ready-to-use Detector.
func NewDetector() *Detector {
	return &Detector{
		unicast:   make(map[PeerKey]SessionState),
		multicast: make(map[PeerKey]SessionState),
	}
}

// Observe records one inbound message's session state for peer and reports
// whether it constitutes a declared reboot. A declared reboot clears the
// companion (opposite cast type) state for the same peer so that a
// subsequent message on the other cast type does not re-trigger, per
// spec.md §4.2.
func (d *Detector) Observe(peer PeerKey, isMulticast bool, observed SessionState) (rebooted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	table := d.unicast
	companion := d.multicast
	if isMulticast {
		table = d.multicast
		companion = d.unicast
	}

	prev, known := table[peer]
	table[peer] = observed

	if !known {
		// First observation: a reboot is only meaningful relative to a
		// prior state, but per spec.md example 3 the very first message
		// with reboot_flag==true is itself reported as a reboot (there is
		// no prior session to compare against, so the flag rising from an
		// implicit "false" counts).
		rebooted = observed.RebootFlag
	} else {
		roseToTrue := !prev.RebootFlag && observed.RebootFlag
		wentBackward := observed.RebootFlag && prev.RebootFlag && observed.SessionID < prev.SessionID
		rebooted = roseToTrue || wentBackward
	}

	if rebooted {
		delete(companion, peer)
	}
	return rebooted
}
