package sdmsg

import (
	"net/netip"
	"testing"

	"github.com/samsamfire/someipsd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSession() Destination {
	return Destination{
		Unicast: true,
		SessionFor: func() (uint16, bool) {
			return 1, true
		},
	}
}

func offerEntry(id uint16) wire.Entry {
	return wire.Entry{
		Type:         wire.EntryOfferService,
		ServiceID:    id,
		InstanceID:   1,
		MajorVersion: 1,
		TTL:          3,
	}
}

func endpointOpt(port uint16) wire.Option {
	return wire.Option{
		Type:  wire.OptionIPv4Endpoint,
		Known: true,
		Addr:  netip.MustParseAddr("192.0.2.9"),
		Proto: wire.ProtoUDP,
		Port:  port,
	}
}

func TestPackerSingleEntryFitsOneMessage(t *testing.T) {
	p := NewPacker(DefaultMTU, fixedSession())
	flushed := p.Add(offerEntry(1))
	assert.Nil(t, flushed, "no flush needed before MTU is reached")

	final := p.Finish()
	require.NotNil(t, final)
	require.Len(t, final.Entries, 1)
	assert.Equal(t, uint16(1), final.Entries[0].ServiceID)
}

func TestPackerDeduplicatesIdenticalOptions(t *testing.T) {
	p := NewPacker(DefaultMTU, fixedSession())
	opt := endpointOpt(30501)

	e1 := offerEntry(1)
	e1.Num1stOpts = 1
	p.Add(e1, opt)

	e2 := offerEntry(2)
	e2.Num1stOpts = 1
	p.Add(e2, opt)

	final := p.Finish()
	require.NotNil(t, final)
	assert.Len(t, final.Options, 1, "identical option value reused rather than duplicated")
	require.Len(t, final.Entries, 2)
	assert.Equal(t, final.Entries[0].Index1stOpt, final.Entries[1].Index1stOpt)
}

func TestPackerSplitsAcrossDatagramsWhenMTUExceeded(t *testing.T) {
	// A tiny MTU forces every entry into its own message once the base
	// header overhead plus one entry is already at the limit.
	small := wire.HeaderSize + 1 + 3 + 4 + 4 + wire.EntrySize + 4
	p := NewPacker(small, fixedSession())

	var flushes int
	if f := p.Add(offerEntry(1)); f != nil {
		flushes++
	}
	if f := p.Add(offerEntry(2)); f != nil {
		flushes++
	}
	if f := p.Add(offerEntry(3)); f != nil {
		flushes++
	}
	final := p.Finish()
	require.NotNil(t, final)
	flushes++ // Finish's own flush counts as the last datagram

	assert.Equal(t, 3, flushes, "three entries each needed their own datagram at this MTU")
}

func TestPackerEncodedMessageRoundTrips(t *testing.T) {
	p := NewPacker(DefaultMTU, fixedSession())
	e := offerEntry(7)
	e.Num1stOpts = 1
	p.Add(e, endpointOpt(30501))
	final := p.Finish()
	require.NotNil(t, final)

	buf := make([]byte, final.EncodedSize())
	n := wire.EncodeMessage(*final, buf)
	decoded, err := wire.DecodeMessage(buf[:n])
	require.NoError(t, err)
	require.Len(t, decoded.Entries, 1)
	assert.Equal(t, uint16(7), decoded.Entries[0].ServiceID)
}
