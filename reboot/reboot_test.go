package reboot

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGeneratorStartsAtOneWithRebootTrue(t *testing.T) {
	g := NewSessionGenerator()
	first := g.NextMulticast()
	assert.Equal(t, SessionState{SessionID: 1, RebootFlag: true}, first)
	second := g.NextMulticast()
	assert.Equal(t, SessionState{SessionID: 2, RebootFlag: true}, second)
}

func TestSessionGeneratorWrapsAndClearsRebootFlagPermanently(t *testing.T) {
	g := NewSessionGenerator()
	g.multicast = SessionState{SessionID: 0xFFFF, RebootFlag: true}
	g.multicastSet = true

	at := g.NextMulticast()
	assert.Equal(t, uint16(0xFFFF), at.SessionID)
	assert.True(t, at.RebootFlag)

	after := g.NextMulticast()
	assert.Equal(t, uint16(1), after.SessionID)
	assert.False(t, after.RebootFlag, "reboot flag clears forever on wrap")

	again := g.NextMulticast()
	assert.Equal(t, uint16(2), again.SessionID)
	assert.False(t, again.RebootFlag)
}

func TestSessionGeneratorTracksUnicastPerPeer(t *testing.T) {
	g := NewSessionGenerator()
	peerA := PeerKey{Addr: netip.MustParseAddr("192.0.2.1"), Port: 1}
	peerB := PeerKey{Addr: netip.MustParseAddr("192.0.2.2"), Port: 1}

	a1 := g.NextUnicast(peerA)
	a2 := g.NextUnicast(peerA)
	b1 := g.NextUnicast(peerB)

	assert.Equal(t, uint16(1), a1.SessionID)
	assert.Equal(t, uint16(2), a2.SessionID)
	assert.Equal(t, uint16(1), b1.SessionID, "independent stream per peer")
}

func TestDetectorScenarioFromSpecExample3(t *testing.T) {
	d := NewDetector()
	peer := PeerKey{Addr: netip.MustParseAddr("203.0.113.7"), Port: 30490}

	rebooted1 := d.Observe(peer, false, SessionState{SessionID: 5, RebootFlag: true})
	assert.True(t, rebooted1, "first observation with reboot flag true is a reboot")

	rebooted2 := d.Observe(peer, false, SessionState{SessionID: 6, RebootFlag: true})
	assert.False(t, rebooted2, "session id advanced normally")

	rebooted3 := d.Observe(peer, false, SessionState{SessionID: 2, RebootFlag: true})
	assert.True(t, rebooted3, "session id went backward while reboot flag stayed true")
}

func TestDetectorRisingEdgeIsReboot(t *testing.T) {
	d := NewDetector()
	peer := PeerKey{Addr: netip.MustParseAddr("198.51.100.1"), Port: 30490}

	require.False(t, d.Observe(peer, false, SessionState{SessionID: 1, RebootFlag: false}))
	assert.True(t, d.Observe(peer, false, SessionState{SessionID: 2, RebootFlag: true}))
}

func TestDetectorBackwardWithoutRebootFlagIsNotReboot(t *testing.T) {
	d := NewDetector()
	peer := PeerKey{Addr: netip.MustParseAddr("198.51.100.2"), Port: 30490}

	require.True(t, d.Observe(peer, false, SessionState{SessionID: 5, RebootFlag: true}))
	require.False(t, d.Observe(peer, false, SessionState{SessionID: 0xFFFF, RebootFlag: false}))
	assert.False(t, d.Observe(peer, false, SessionState{SessionID: 1, RebootFlag: false}), "normal wrap, not a reboot")
}

func TestDetectorDeclaredRebootClearsCompanionCastType(t *testing.T) {
	d := NewDetector()
	peer := PeerKey{Addr: netip.MustParseAddr("203.0.113.7"), Port: 30490}

	d.Observe(peer, true, SessionState{SessionID: 9, RebootFlag: true})   // multicast baseline
	d.Observe(peer, false, SessionState{SessionID: 5, RebootFlag: true})  // unicast reboot declared

	// Multicast companion state was cleared, so the next multicast message
	// is treated as a fresh first observation (reboot again if flag true).
	rebootedAgain := d.Observe(peer, true, SessionState{SessionID: 9, RebootFlag: true})
	assert.True(t, rebootedAgain, "companion state was reset by the unicast reboot")
}
