// Package sdmsg combines typed SD entry lists and a destination into an
// ordered sequence of wire.Message values, each bounded to a configured MTU,
// per spec.md §4.3. The accumulate-then-flush shape is grounded on the
// teacher's block-transfer buffering in pkg/sdo/download_block.go: bytes
// accumulate in a working buffer until a size threshold is reached, at
// which point a chunk is handed off; here the "chunk" is a whole datagram
// and the unit being accumulated is entries/options rather than payload
// bytes.
package sdmsg

import "github.com/samsamfire/someipsd/wire"

// DefaultMTU leaves room for IP/UDP headers under a 1500-byte link MTU, per
// spec.md §4.3.
const DefaultMTU = 1416

// Destination describes where the built messages are headed and what
// session/reboot state to stamp on them. Builders call SessionFor once per
// flushed message.
type Destination struct {
	Unicast bool
	// SessionFor returns the (session, reboot) pair to use for the next
	// message sent to this destination. Call sites pass a closure bound to
	// a reboot.SessionGenerator's NextUnicast/NextMulticast.
	SessionFor func() (sessionID uint16, reboot bool)
}

// Packer accumulates entries (and their de-duplicated options) into working
// payloads and flushes them as wire.Message values once the MTU would be
// exceeded. Entries must be added in the order spec.md §4.3 mandates:
// service entries (Find/Offer/StopOffer) before eventgroup entries
// (Subscribe/SubscribeAck/SubscribeNack/StopSubscribe) — callers are
// responsible for that ordering; Packer itself is order-agnostic and
// simply packs whatever it is given.
type Packer struct {
	mtu     int
	dest    Destination
	entries []wire.Entry
	options []wire.Option
	// baseSize is the fixed overhead of a message with no entries/options:
	// SOME/IP header + flags/reserved + both length fields.
	baseSize int
}

// NewPacker returns a Packer targeting mtu bytes per datagram for dest.
func NewPacker(mtu int, dest Destination) *Packer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Packer{
		mtu:      mtu,
		dest:     dest,
		baseSize: wire.HeaderSize + 1 + 3 + 4 + 4,
	}
}

// Add appends entry (and, if it carries endpoint options, those options
// de-duplicated by value against whatever Add has already accumulated) to
// the working payload, flushing the current payload first if adding it
// would exceed the MTU. It returns any message that had to be flushed to
// make room (nil if none was needed).
func (p *Packer) Add(entry wire.Entry, opts ...wire.Option) *wire.Message {
	added := wire.EntrySize
	newOpts := make([]wire.Option, 0, len(opts))
	for _, o := range opts {
		if idx := p.indexOf(o); idx < 0 {
			newOpts = append(newOpts, o)
			added += o.Size()
		}
	}

	var flushed *wire.Message
	if len(p.entries) > 0 && p.currentSize()+added > p.mtu {
		msg := p.flush()
		flushed = &msg
		// The flushed payload took its options with it, so every option
		// this entry carries is new to the fresh payload.
		newOpts = append(newOpts[:0], opts...)
	}

	firstIdx, secondIdx := p.attachOptions(newOpts, opts)
	entry.Num1stOpts = uint8(len(firstIdx))
	entry.Num2ndOpts = 0
	if len(firstIdx) > 0 {
		entry.Index1stOpt = uint8(firstIdx[0])
	}
	_ = secondIdx // first-option run is sufficient for every SD entry kind this spec defines
	p.entries = append(p.entries, entry)
	return flushed
}

// attachOptions ensures every option in wanted is present in p.options
// (appending newOpts, which the caller has already filtered to the ones
// not yet present) and returns the resolved indices of wanted, in order.
func (p *Packer) attachOptions(newOpts, wanted []wire.Option) (firstRun, secondRun []int) {
	p.options = append(p.options, newOpts...)
	firstRun = make([]int, 0, len(wanted))
	for _, o := range wanted {
		firstRun = append(firstRun, p.indexOf(o))
	}
	return firstRun, nil
}

func (p *Packer) indexOf(o wire.Option) int {
	for i, existing := range p.options {
		if existing.Equal(o) {
			return i
		}
	}
	return -1
}

func (p *Packer) currentSize() int {
	n := p.baseSize + len(p.entries)*wire.EntrySize
	for _, o := range p.options {
		n += o.Size()
	}
	return n
}

// flush builds a wire.Message from whatever is currently accumulated and
// resets the working payload. Callers must ensure len(p.entries) > 0.
func (p *Packer) flush() wire.Message {
	sessionID, reb := p.dest.SessionFor()
	msg := wire.Message{
		Header:  wire.NewSDHeader(sessionID),
		Reboot:  reb,
		Unicast: p.dest.Unicast,
		Entries: p.entries,
		Options: p.options,
	}
	p.entries = nil
	p.options = nil
	return msg
}

// Finish flushes whatever remains in the working payload, if anything, and
// returns it. Callers call this once after the last Add to collect the
// trailing message.
func (p *Packer) Finish() *wire.Message {
	if len(p.entries) == 0 {
		return nil
	}
	msg := p.flush()
	return &msg
}
