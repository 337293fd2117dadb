package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offerEntry() Entry {
	return Entry{
		Type:         EntryOfferService,
		ServiceID:    0x1234,
		InstanceID:   0x0001,
		MajorVersion: 0x01,
		TTL:          3,
		MinorVersion: 0x00000002,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{
		Header:  NewSDHeader(1),
		Reboot:  true,
		Unicast: true,
		Entries: []Entry{offerEntry()},
	}
	buf := make([]byte, msg.EncodedSize())
	n := EncodeMessage(msg, buf)
	require.Equal(t, len(buf), n)

	decoded, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	assert.True(t, decoded.Reboot)
	assert.True(t, decoded.Unicast)
	require.Len(t, decoded.Entries, 1)
	assert.Equal(t, offerEntry(), decoded.Entries[0])
}

func TestEncodeDecodeRoundTripWithOptions(t *testing.T) {
	opt := Option{
		Type:  OptionIPv4Endpoint,
		Known: true,
		Addr:  netip.MustParseAddr("192.0.2.5"),
		Proto: ProtoUDP,
		Port:  30501,
	}
	entry := offerEntry()
	entry.Num1stOpts = 1
	entry.Index1stOpt = 0

	msg := Message{
		Header:  NewSDHeader(1),
		Entries: []Entry{entry},
		Options: []Option{opt},
	}
	buf := make([]byte, msg.EncodedSize())
	n := EncodeMessage(msg, buf)

	decoded, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	require.Len(t, decoded.Options, 1)
	assert.True(t, decoded.Options[0].Equal(opt))

	first, second := decoded.EntryOptions(decoded.Entries[0])
	require.Len(t, first, 1)
	assert.Empty(t, second)
	assert.True(t, first[0].Equal(opt))
}

func TestDecodeRejectsUnalignedEntriesLength(t *testing.T) {
	buf := make([]byte, HeaderSize+4+4)
	// EntriesLength = 5, not a multiple of 16.
	buf[HeaderSize+4] = 0
	buf[HeaderSize+5] = 0
	buf[HeaderSize+6] = 0
	buf[HeaderSize+7] = 5
	_, err := DecodeMessage(buf)
	assert.ErrorIs(t, err, ErrMalformedLength)
}

func TestDecodeRejectsOverrunLength(t *testing.T) {
	msg := Message{Header: NewSDHeader(1), Entries: []Entry{offerEntry()}}
	buf := make([]byte, msg.EncodedSize())
	EncodeMessage(msg, buf)
	truncated := buf[:len(buf)-1]
	_, err := DecodeMessage(truncated)
	assert.Error(t, err)
}

func TestTTLZeroIsStopVariant(t *testing.T) {
	e := offerEntry()
	e.TTL = 0
	assert.True(t, e.IsStop())
}

func TestUnknownEntryTypeIsSkippedNotFatal(t *testing.T) {
	msg := Message{
		Header: NewSDHeader(1),
		Entries: []Entry{
			{Type: 0x7F, ServiceID: 1}, // unknown type
			offerEntry(),
		},
	}
	buf := make([]byte, msg.EncodedSize())
	n := EncodeMessage(msg, buf)
	decoded, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	require.Len(t, decoded.Entries, 1)
	assert.Equal(t, EntryOfferService, decoded.Entries[0].Type)
}

func TestDiscardableUnknownOptionIsSkippedEntryKept(t *testing.T) {
	entry := offerEntry()
	entry.Num1stOpts = 1
	entry.Index1stOpt = 0

	msg := Message{
		Header:  NewSDHeader(1),
		Entries: []Entry{entry},
		Options: []Option{{Type: 0x01 | discardableBit}}, // unknown, discardable
	}
	buf := make([]byte, msg.EncodedSize())
	n := EncodeMessage(msg, buf)
	decoded, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	require.Len(t, decoded.Entries, 1, "entry survives because its unknown option is discardable")
}

func TestContradictingTCPEndpointsRejectEntry(t *testing.T) {
	entry := offerEntry()
	entry.Num1stOpts = 2
	entry.Index1stOpt = 0

	msg := Message{
		Header:  NewSDHeader(1),
		Entries: []Entry{entry},
		Options: []Option{
			{Type: OptionIPv4Endpoint, Known: true, Addr: netip.MustParseAddr("192.0.2.5"), Proto: ProtoTCP, Port: 30501},
			{Type: OptionIPv4Endpoint, Known: true, Addr: netip.MustParseAddr("192.0.2.6"), Proto: ProtoTCP, Port: 30502},
		},
	}
	buf := make([]byte, msg.EncodedSize())
	n := EncodeMessage(msg, buf)
	decoded, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	assert.Empty(t, decoded.Entries, "entry is rejected because its two TCP endpoints contradict each other")
}

func TestRepeatedIdenticalUDPEndpointDoesNotRejectEntry(t *testing.T) {
	entry := offerEntry()
	entry.Num1stOpts = 2
	entry.Index1stOpt = 0

	opt := Option{Type: OptionIPv4Endpoint, Known: true, Addr: netip.MustParseAddr("192.0.2.5"), Proto: ProtoUDP, Port: 30501}
	msg := Message{
		Header:  NewSDHeader(1),
		Entries: []Entry{entry},
		Options: []Option{opt, opt},
	}
	buf := make([]byte, msg.EncodedSize())
	n := EncodeMessage(msg, buf)
	decoded, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	require.Len(t, decoded.Entries, 1, "repeating the same UDP endpoint is not a contradiction")
}

func TestNonDiscardableUnknownOptionRejectsEntry(t *testing.T) {
	entry := offerEntry()
	entry.Num1stOpts = 1
	entry.Index1stOpt = 0

	msg := Message{
		Header:  NewSDHeader(1),
		Entries: []Entry{entry},
		Options: []Option{{Type: 0x30}}, // unknown, non-discardable (high bit clear)
	}
	buf := make([]byte, msg.EncodedSize())
	n := EncodeMessage(msg, buf)
	decoded, err := DecodeMessage(buf[:n])
	require.NoError(t, err)
	assert.Empty(t, decoded.Entries, "entry is rejected because its unknown option is not discardable")
}
