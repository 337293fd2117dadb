// Package wire implements the SOME/IP-SD binary wire format: the SOME/IP
// frame header, SD entries and SD options, and the encode/decode entry
// points used by every other package in this module.
package wire

import (
	"encoding/binary"
	"errors"
)

// Wire-level parse errors. DecodeMessage returns ErrTruncated and
// ErrMalformedLength; callers are expected to log and drop the offending
// datagram, never retry. ErrEntryBounds is not returned by DecodeMessage: an
// entry whose option run is out of bounds is left out of the result instead.
var (
	ErrTruncated       = errors.New("wire: buffer truncated")
	ErrMalformedLength = errors.New("wire: entries/options length not a multiple of its unit size")
	ErrEntryBounds     = errors.New("wire: entry option index/count out of bounds")
)

// SD-specific constants for the wrapping SOME/IP frame header (resolved
// against the original service_discovery_message_header_builder.h: SD
// messages always carry these fixed identifiers).
const (
	SDServiceID        uint16 = 0xFFFF
	SDMethodID         uint16 = 0x8100
	SDClientID         uint16 = 0x0000
	SDProtocolVersion  uint8  = 0x01
	SDInterfaceVersion uint8  = 0x01
)

// MessageType mirrors the SOME/IP header message-type byte. SD only ever
// sends Notification.
type MessageType uint8

const (
	MessageTypeNotification MessageType = 0x02
)

// ReturnCode mirrors the SOME/IP header return-code byte. SD only ever
// sends Ok.
type ReturnCode uint8

const (
	ReturnCodeOk ReturnCode = 0x00
)

// HeaderSize is the fixed size in bytes of the SOME/IP frame header.
const HeaderSize = 16

// Header is the 16-byte SOME/IP frame header that wraps every SD message.
type Header struct {
	ServiceID        uint16
	MethodID         uint16
	LengthOfPayload  uint32 // everything after this field, in bytes
	ClientID         uint16
	SessionID        uint16
	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageType      MessageType
	ReturnCode       ReturnCode
}

// NewSDHeader builds a Header pre-filled with the SD-specific constants,
// leaving only SessionID (and reboot flag, carried in the SD payload flags
// byte, not the header) for the caller to set.
func NewSDHeader(sessionID uint16) Header {
	return Header{
		ServiceID:        SDServiceID,
		MethodID:         SDMethodID,
		ClientID:         SDClientID,
		SessionID:        sessionID,
		ProtocolVersion:  SDProtocolVersion,
		InterfaceVersion: SDInterfaceVersion,
		MessageType:      MessageTypeNotification,
		ReturnCode:       ReturnCodeOk,
	}
}

func encodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], h.ServiceID)
	binary.BigEndian.PutUint16(buf[2:4], h.MethodID)
	binary.BigEndian.PutUint32(buf[4:8], h.LengthOfPayload)
	binary.BigEndian.PutUint16(buf[8:10], h.ClientID)
	binary.BigEndian.PutUint16(buf[10:12], h.SessionID)
	buf[12] = h.ProtocolVersion
	buf[13] = h.InterfaceVersion
	buf[14] = byte(h.MessageType)
	buf[15] = byte(h.ReturnCode)
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		ServiceID:        binary.BigEndian.Uint16(buf[0:2]),
		MethodID:         binary.BigEndian.Uint16(buf[2:4]),
		LengthOfPayload:  binary.BigEndian.Uint32(buf[4:8]),
		ClientID:         binary.BigEndian.Uint16(buf[8:10]),
		SessionID:        binary.BigEndian.Uint16(buf[10:12]),
		ProtocolVersion:  buf[12],
		InterfaceVersion: buf[13],
		MessageType:      MessageType(buf[14]),
		ReturnCode:       ReturnCode(buf[15]),
	}, nil
}
