package wire

import "encoding/binary"

// EntryType identifies what an Entry describes on the wire.
type EntryType uint8

const (
	EntryFindService          EntryType = 0x00
	EntryOfferService         EntryType = 0x01
	EntrySubscribeEventgroup  EntryType = 0x06
	EntrySubscribeEventgroupAck EntryType = 0x07
)

// EntrySize is the fixed on-wire size of one entry, in bytes.
const EntrySize = 16

// Sentinel "any" values used on Find entries, per spec.md §3.1.
const (
	InstanceIDAny   uint16 = 0xFFFF
	MajorVersionAny uint8  = 0xFF
	MinorVersionAny uint32 = 0xFFFFFFFF
)

// TTL sentinels, per spec.md §3.1.
const (
	TTLStop    uint32 = 0x000000
	TTLForever uint32 = 0xFFFFFF
)

// Entry is the 16-byte fixed-size SD entry. One Go type replaces the
// original's per-type class hierarchy (FindServiceEntry, OfferServiceEntry,
// SubscribeEventgroupEntry, ...); EntryType discriminates which of
// MinorVersion or (Counter, EventgroupID) the Tail union carries.
type Entry struct {
	Type         EntryType
	Index1stOpt  uint8
	Index2ndOpt  uint8
	Num1stOpts   uint8 // low 4 bits significant
	Num2ndOpts   uint8 // low 4 bits significant
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	TTL          uint32 // 24-bit on the wire, stored widened

	// Populated for EntryOfferService / EntryFindService.
	MinorVersion uint32

	// Populated for EntrySubscribeEventgroup / EntrySubscribeEventgroupAck.
	Counter      uint8 // low 4 bits significant
	EventgroupID uint16
}

// IsEventgroup reports whether the entry's tail word carries an eventgroup
// id/counter rather than a minor version.
func (e Entry) IsEventgroup() bool {
	switch e.Type {
	case EntrySubscribeEventgroup, EntrySubscribeEventgroupAck:
		return true
	default:
		return false
	}
}

// IsStop reports whether TTL == 0, i.e. this entry is the "stop" variant of
// its type (StopOffer / StopSubscribe / SubscribeNack for Ack-typed entries).
func (e Entry) IsStop() bool {
	return e.TTL == TTLStop
}

func encodeEntry(buf []byte, e Entry) {
	buf[0] = byte(e.Type)
	buf[1] = e.Index1stOpt
	buf[2] = e.Index2ndOpt
	buf[3] = (e.Num1stOpts&0x0F)<<4 | (e.Num2ndOpts & 0x0F)
	binary.BigEndian.PutUint16(buf[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(buf[6:8], e.InstanceID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.MajorVersion)<<24|(e.TTL&0x00FFFFFF))
	if e.IsEventgroup() {
		buf[12] = 0
		buf[13] = e.Counter & 0x0F
		binary.BigEndian.PutUint16(buf[14:16], e.EventgroupID)
	} else {
		binary.BigEndian.PutUint32(buf[12:16], e.MinorVersion)
	}
}

func decodeEntry(buf []byte) Entry {
	e := Entry{
		Type:        EntryType(buf[0]),
		Index1stOpt: buf[1],
		Index2ndOpt: buf[2],
		Num1stOpts:  buf[3] >> 4 & 0x0F,
		Num2ndOpts:  buf[3] & 0x0F,
		ServiceID:   binary.BigEndian.Uint16(buf[4:6]),
		InstanceID:  binary.BigEndian.Uint16(buf[6:8]),
	}
	majorTTL := binary.BigEndian.Uint32(buf[8:12])
	e.MajorVersion = uint8(majorTTL >> 24)
	e.TTL = majorTTL & 0x00FFFFFF
	if e.IsEventgroup() {
		e.Counter = buf[13] & 0x0F
		e.EventgroupID = binary.BigEndian.Uint16(buf[14:16])
	} else {
		e.MinorVersion = binary.BigEndian.Uint32(buf[12:16])
	}
	return e
}

// knownEntryType reports whether t is one of the entry types this codec
// understands. Unknown types are logged and skipped by the caller (see
// DecodeMessage), per spec.md §4.1.
func knownEntryType(t EntryType) bool {
	switch t {
	case EntryFindService, EntryOfferService, EntrySubscribeEventgroup, EntrySubscribeEventgroupAck:
		return true
	default:
		return false
	}
}
