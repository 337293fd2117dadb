package memcon

import (
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/someipsd/transport/sidechan"
)

// MessageID identifies a control-protocol message, per spec.md §6.2.
type MessageID uint8

const (
	MsgConnectionRequestSlotMemory  MessageID = 0x00
	MsgConnectionRequestQueueMemory MessageID = 0x01
	MsgAckConnection                MessageID = 0x02
	MsgAckQueueInitialization       MessageID = 0x03
	MsgStartListening               MessageID = 0x04
	MsgStopListening                MessageID = 0x05
	MsgShutdown                     MessageID = 0x06
	MsgTermination                  MessageID = 0x07

	// MsgNotify is a supplement to spec.md §6.2's eight listed ids: the
	// best-effort "a slot was published" wake-up the server sends a
	// Connected+Listening receiver has to travel under some tag, and
	// reusing StartListening (a client→server request, §4.6.2) for the
	// opposite direction would conflate the two. No payload.
	MsgNotify MessageID = 0x08
)

// handlePathSize bounds the shared-memory file path carried inline in a
// MemoryConfig. Named handles (memcon.NewNamedHandle) are transferred as
// a plain path string rather than an SCM_RIGHTS descriptor, since neither
// sidechan backend in this repository is a Unix domain socket; spec.md
// §6.3 anticipates this as the loopback-TCP variant of handle transfer.
const handlePathSize = 64

// MemoryConfig carries the invariants spec.md §3.5 requires both peers to
// agree on for a mapped region: either the slot layout (NumSlots,
// ContentSize, ContentAlignment) or a queue's capacity, depending on which
// message carries it, plus the path of the named shared-memory file
// backing the region.
type MemoryConfig struct {
	NumSlots         uint32
	ContentSize      uint32
	ContentAlignment uint32
	QueueCapacity    uint32
	RegionSize       uint64
	HandlePath       string
}

const memoryConfigSize = 4*4 + 8 + handlePathSize

func encodeMemoryConfig(buf []byte, c MemoryConfig) {
	binary.BigEndian.PutUint32(buf[0:4], c.NumSlots)
	binary.BigEndian.PutUint32(buf[4:8], c.ContentSize)
	binary.BigEndian.PutUint32(buf[8:12], c.ContentAlignment)
	binary.BigEndian.PutUint32(buf[12:16], c.QueueCapacity)
	binary.BigEndian.PutUint64(buf[16:24], c.RegionSize)
	pathField := buf[24 : 24+handlePathSize]
	for i := range pathField {
		pathField[i] = 0
	}
	copy(pathField, c.HandlePath)
}

func decodeMemoryConfig(buf []byte) MemoryConfig {
	pathField := buf[24 : 24+handlePathSize]
	n := 0
	for n < len(pathField) && pathField[n] != 0 {
		n++
	}
	return MemoryConfig{
		NumSlots:         binary.BigEndian.Uint32(buf[0:4]),
		ContentSize:      binary.BigEndian.Uint32(buf[4:8]),
		ContentAlignment: binary.BigEndian.Uint32(buf[8:12]),
		QueueCapacity:    binary.BigEndian.Uint32(buf[12:16]),
		RegionSize:       binary.BigEndian.Uint64(buf[16:24]),
		HandlePath:       string(pathField[:n]),
	}
}

// Message is one control-protocol frame: a 1-byte tag plus, for the
// handle-carrying messages, a fixed MemoryConfig payload. The handle itself
// travels inside this frame, as the named shared-memory file's path and
// region size (MemoryConfig.HandlePath and RegionSize); no descriptor is
// passed out of band. The framing mirrors the teacher's length-prefixed fixed-struct technique in
// pkg/can/virtual/virtual.go's serializeFrame/deserializeFrame, generalised
// from an 8-byte CAN payload to this small variable-per-message-id frame.
type Message struct {
	ID     MessageID
	Config MemoryConfig // only meaningful for ConnectionRequest*/AckConnection
}

// EncodedSize returns the wire size of msg.
func (msg Message) EncodedSize() int {
	switch msg.ID {
	case MsgConnectionRequestSlotMemory, MsgConnectionRequestQueueMemory, MsgAckConnection:
		return 1 + memoryConfigSize
	default:
		return 1
	}
}

// Encode serialises msg into out, which must be at least msg.EncodedSize()
// bytes, and returns the bytes written.
func Encode(msg Message, out []byte) int {
	need := msg.EncodedSize()
	if len(out) < need {
		panic("memcon: output buffer too small for control message")
	}
	out[0] = byte(msg.ID)
	if need > 1 {
		encodeMemoryConfig(out[1:need], msg.Config)
	}
	return need
}

// Decode parses one control message from buf.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return Message{}, fmt.Errorf("memcon: empty control message")
	}
	id := MessageID(buf[0])
	msg := Message{ID: id}
	switch id {
	case MsgConnectionRequestSlotMemory, MsgConnectionRequestQueueMemory, MsgAckConnection:
		if len(buf) < 1+memoryConfigSize {
			return Message{}, fmt.Errorf("memcon: truncated control message %d", id)
		}
		msg.Config = decodeMemoryConfig(buf[1 : 1+memoryConfigSize])
	case MsgAckQueueInitialization, MsgStartListening, MsgStopListening, MsgShutdown, MsgTermination, MsgNotify:
		// no payload
	default:
		return Message{}, fmt.Errorf("memcon: unknown control message id %d", id)
	}
	return msg, nil
}

// sendControl encodes msg and writes it as a single frame.
func sendControl(t sidechan.Transport, msg Message) error {
	buf := make([]byte, msg.EncodedSize())
	Encode(msg, buf)
	return t.Send(buf)
}

// recvControl reads one frame and decodes it as a control message.
func recvControl(t sidechan.Transport) (Message, error) {
	frame, err := t.Recv()
	if err != nil {
		return Message{}, err
	}
	return Decode(frame)
}
