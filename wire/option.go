package wire

import (
	"encoding/binary"
	"net/netip"
)

// OptionType identifies the shape of an Option's payload.
type OptionType uint8

const (
	OptionIPv4Endpoint          OptionType = 0x04
	OptionIPv6Endpoint          OptionType = 0x06
	OptionIPv4MulticastEndpoint OptionType = 0x14
	OptionIPv6MulticastEndpoint OptionType = 0x16

	// Defined by the protocol but MUST be dropped on reception, per
	// spec.md §3.2.
	optionConfiguration OptionType = 0x01
	optionLoadBalancing OptionType = 0x02
	optionSDEndpointV4  OptionType = 0x24
	optionSDEndpointV6  OptionType = 0x26
)

// discardableBit marks, in the option type byte, whether an unknown option
// may be silently dropped (set) or must cause its referring entry to be
// rejected (clear). Resolved against original_source's
// service_discovery_option.h, which the spec.md distillation left
// unspecified (spec.md §3.2 "options ... MUST be dropped" does not say
// where the bit lives for genuinely unknown types encountered in the wild).
const discardableBit OptionType = 0x80

// Proto identifies the L4 protocol an endpoint option refers to.
type Proto uint8

const (
	ProtoTCP Proto = 0x06
	ProtoUDP Proto = 0x11
)

// Option is an endpoint option: an IPv4/IPv6 unicast or multicast address,
// port and transport protocol. Options of unknown type decode with Addr
// left zero and Known=false; Discardable is read from the type byte's high
// bit so callers can apply spec.md's rejection rule without re-parsing raw
// bytes.
type Option struct {
	Type        OptionType
	Known       bool
	Discardable bool
	Addr        netip.Addr
	Proto       Proto
	Port        uint16
}

// Equal reports value equality used for option de-duplication (spec.md
// §4.3): same type, address, protocol and port.
func (o Option) Equal(other Option) bool {
	return o.Type == other.Type && o.Addr == other.Addr && o.Proto == other.Proto && o.Port == other.Port
}

// Size returns the on-wire size of the option, header included.
func (o Option) Size() int {
	switch o.Type {
	case OptionIPv4Endpoint, OptionIPv4MulticastEndpoint:
		return 3 + 9
	case OptionIPv6Endpoint, OptionIPv6MulticastEndpoint:
		return 3 + 21
	default:
		return 3
	}
}

func isKnownOptionType(t OptionType) bool {
	switch t {
	case OptionIPv4Endpoint, OptionIPv4MulticastEndpoint, OptionIPv6Endpoint, OptionIPv6MulticastEndpoint:
		return true
	default:
		return false
	}
}

func encodeOption(buf []byte, o Option) int {
	n := o.Size()
	binary.BigEndian.PutUint16(buf[0:2], uint16(n-3))
	buf[2] = byte(o.Type)
	switch o.Type {
	case OptionIPv4Endpoint, OptionIPv4MulticastEndpoint:
		buf[3] = 0
		a4 := o.Addr.As4()
		copy(buf[4:8], a4[:])
		buf[8] = 0
		buf[9] = byte(o.Proto)
		binary.BigEndian.PutUint16(buf[10:12], o.Port)
	case OptionIPv6Endpoint, OptionIPv6MulticastEndpoint:
		buf[3] = 0
		a16 := o.Addr.As16()
		copy(buf[4:20], a16[:])
		buf[20] = 0
		buf[21] = byte(o.Proto)
		binary.BigEndian.PutUint16(buf[22:24], o.Port)
	}
	return n
}

// decodeOption parses one option starting at buf[0]. It returns the number
// of bytes consumed (header + payload, i.e. Length+3) and the parsed
// option. Options of a type this codec does not recognise are returned with
// Known=false and Discardable set from the type byte's high bit, so the
// caller (DecodeMessage) can apply spec.md's entry-rejection rule; the
// always-dropped types (0x01, 0x02, 0x24, 0x26) are returned with
// Known=false and Discardable=true, so they never reject their entry.
func decodeOption(buf []byte) (Option, int, error) {
	if len(buf) < 3 {
		return Option{}, 0, ErrTruncated
	}
	length := binary.BigEndian.Uint16(buf[0:2])
	total := int(length) + 3
	if len(buf) < total {
		return Option{}, 0, ErrTruncated
	}
	rawType := OptionType(buf[2])
	o := Option{
		Type:        rawType,
		Known:       isKnownOptionType(rawType),
		Discardable: rawType&discardableBit != 0,
	}
	switch rawType {
	case OptionIPv4Endpoint, OptionIPv4MulticastEndpoint:
		if total < 12 {
			return Option{}, 0, ErrTruncated
		}
		var a4 [4]byte
		copy(a4[:], buf[4:8])
		o.Addr = netip.AddrFrom4(a4)
		o.Proto = Proto(buf[9])
		o.Port = binary.BigEndian.Uint16(buf[10:12])
	case OptionIPv6Endpoint, OptionIPv6MulticastEndpoint:
		if total < 24 {
			return Option{}, 0, ErrTruncated
		}
		var a16 [16]byte
		copy(a16[:], buf[4:20])
		o.Addr = netip.AddrFrom16(a16)
		o.Proto = Proto(buf[21])
		o.Port = binary.BigEndian.Uint16(buf[22:24])
	case optionConfiguration, optionLoadBalancing, optionSDEndpointV4, optionSDEndpointV6:
		// The "always drop" set: dropped whatever its high bit says.
		o.Discardable = true
	default:
		// Genuinely unrecognised type: handled by the caller via
		// Known/Discardable.
	}
	return o, total, nil
}
