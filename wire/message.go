package wire

import "encoding/binary"

// Flags are the SD payload flags byte bits.
const (
	FlagReboot          uint8 = 1 << 7
	FlagUnicastSupported uint8 = 1 << 6
)

// Message is a decoded SD message: the SOME/IP header plus the SD payload
// (flags, entries array, options array).
type Message struct {
	Header  Header
	Reboot  bool
	Unicast bool
	Entries []Entry
	Options []Option
}

// EncodedSize returns the number of bytes EncodeMessage would write for msg.
func (msg Message) EncodedSize() int {
	n := HeaderSize + 1 + 3 + 4 // header + flags + reserved + entries-length
	n += len(msg.Entries) * EntrySize
	n += 4 // options-length
	for _, o := range msg.Options {
		n += o.Size()
	}
	return n
}

// EncodeMessage serialises msg into out, returning the number of bytes
// written. It never allocates beyond out; out must be at least
// msg.EncodedSize() bytes. A length field that would overflow the 32-bit
// wire length on serialisation indicates an internal state inconsistency
// (an impossibly large entries/options list was constructed upstream), not
// a network condition, and is a fatal programming error per spec.md §4.1.
func EncodeMessage(msg Message, out []byte) int {
	need := msg.EncodedSize()
	if len(out) < need {
		panic("wire: output buffer too small for EncodeMessage")
	}

	entriesLen := uint64(len(msg.Entries)) * EntrySize
	if entriesLen > 0xFFFFFFFF {
		panic("wire: entries length overflows 32 bits")
	}

	optionsLen := uint64(0)
	for _, o := range msg.Options {
		optionsLen += uint64(o.Size())
	}
	if optionsLen > 0xFFFFFFFF {
		panic("wire: options length overflows 32 bits")
	}

	h := msg.Header
	// LengthOfPayload counts everything in the SOME/IP frame after the
	// length field itself: ClientID, SessionID, ProtocolVersion,
	// InterfaceVersion, MessageType, ReturnCode, and the SD payload.
	h.LengthOfPayload = uint32(need - HeaderSize + 8)
	encodeHeader(out, h)

	off := HeaderSize
	flags := uint8(0)
	if msg.Reboot {
		flags |= FlagReboot
	}
	if msg.Unicast {
		flags |= FlagUnicastSupported
	}
	out[off] = flags
	out[off+1] = 0
	out[off+2] = 0
	out[off+3] = 0
	off += 4

	binary.BigEndian.PutUint32(out[off:off+4], uint32(entriesLen))
	off += 4
	for _, e := range msg.Entries {
		encodeEntry(out[off:off+EntrySize], e)
		off += EntrySize
	}

	binary.BigEndian.PutUint32(out[off:off+4], uint32(optionsLen))
	off += 4
	for _, o := range msg.Options {
		off += encodeOption(out[off:], o)
	}

	return off
}

// DecodeMessage parses buf into a Message. Decoding is single-pass and
// non-recursive. Unknown entry types are skipped (logged by the caller);
// unknown options are dropped if discardable, otherwise their referring
// entry is omitted from the result. A message whose declared
// EntriesLength/OptionsLength exceeds the remaining bytes, or whose
// EntriesLength is not a multiple of 16, is rejected wholesale with
// ErrMalformedLength, per spec.md §3.2.
func DecodeMessage(buf []byte) (Message, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return Message{}, err
	}
	off := HeaderSize
	if len(buf) < off+4 {
		return Message{}, ErrTruncated
	}
	flags := buf[off]
	off += 4 // flags + 3 reserved bytes

	if len(buf) < off+4 {
		return Message{}, ErrTruncated
	}
	entriesLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if entriesLen%EntrySize != 0 {
		return Message{}, ErrMalformedLength
	}
	if uint64(off)+uint64(entriesLen) > uint64(len(buf)) {
		return Message{}, ErrMalformedLength
	}

	numEntries := int(entriesLen / EntrySize)
	rawEntries := make([]Entry, 0, numEntries)
	for i := 0; i < numEntries; i++ {
		rawEntries = append(rawEntries, decodeEntry(buf[off:off+EntrySize]))
		off += EntrySize
	}

	if len(buf) < off+4 {
		return Message{}, ErrTruncated
	}
	optionsLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if uint64(off)+uint64(optionsLen) > uint64(len(buf)) {
		return Message{}, ErrMalformedLength
	}

	optionsBuf := buf[off : off+int(optionsLen)]
	var options []Option
	optOffsets := []int{} // byte offset of each decoded option, for index resolution
	pos := 0
	for pos < len(optionsBuf) {
		o, n, err := decodeOption(optionsBuf[pos:])
		if err != nil {
			return Message{}, err
		}
		optOffsets = append(optOffsets, pos)
		options = append(options, o)
		pos += n
	}
	// Map each option's byte offset to its index in the decoded slice, for
	// translating entry Index1stOpt/Index2ndOpt (which are indices into the
	// logical option array, i.e. already option-indexed, not byte-indexed,
	// per spec.md §3.2) through bounds checking.
	numOptions := len(options)

	entries := make([]Entry, 0, numEntries)
	for _, e := range rawEntries {
		if !knownEntryType(e.Type) {
			continue
		}
		if !entryOptionsValid(e, numOptions, options) {
			continue
		}
		entries = append(entries, e)
	}

	msg := Message{
		Header:  h,
		Reboot:  flags&FlagReboot != 0,
		Unicast: flags&FlagUnicastSupported != 0,
		Entries: entries,
		Options: options,
	}
	return msg, nil
}

// entryOptionsValid validates one entry's option-run bounds, the
// unknown/discardable option rule, and the endpoint-contradiction rule, per
// spec.md §3.2: an entry carrying a non-discardable unknown option is
// rejected; discardable unknown options are silently skipped (they still
// count toward bounds but are simply ignored when the entry is used
// downstream). An entry whose resolved options name two different TCP
// endpoints, or two different UDP endpoints, is also rejected (spec.md line
// 90: TCP and UDP endpoints attached to one entry must not contradict
// earlier TCP/UDP endpoints for the same entry).
func entryOptionsValid(e Entry, numOptions int, options []Option) bool {
	num1 := int(e.Num1stOpts & 0x0F)
	num2 := int(e.Num2ndOpts & 0x0F)
	var tcp, udp *Option
	checkRun := func(start, n int) bool {
		if n == 0 {
			return true
		}
		if start+n > numOptions {
			return false
		}
		for i := 0; i < n; i++ {
			o := options[start+i]
			if !o.Known && !o.Discardable {
				return false
			}
			if !o.Known {
				continue
			}
			switch o.Proto {
			case ProtoTCP:
				if tcp != nil && !tcp.Equal(o) {
					return false
				}
				tcp = &o
			case ProtoUDP:
				if udp != nil && !udp.Equal(o) {
					return false
				}
				udp = &o
			}
		}
		return true
	}
	if !checkRun(int(e.Index1stOpt), num1) {
		return false
	}
	if !checkRun(int(e.Index2ndOpt), num2) {
		return false
	}
	return true
}

// EntryOptions returns the resolved, known options referenced by e's first
// and second option runs (unknown-discardable options silently omitted),
// looking them up in the message's Options array.
func (msg Message) EntryOptions(e Entry) (first, second []Option) {
	num1 := int(e.Num1stOpts & 0x0F)
	for i := 0; i < num1; i++ {
		idx := int(e.Index1stOpt) + i
		if idx >= len(msg.Options) {
			break
		}
		if o := msg.Options[idx]; o.Known {
			first = append(first, o)
		}
	}
	num2 := int(e.Num2ndOpts & 0x0F)
	for i := 0; i < num2; i++ {
		idx := int(e.Index2ndOpt) + i
		if idx >= len(msg.Options) {
			break
		}
		if o := msg.Options[idx]; o.Known {
			second = append(second, o)
		}
	}
	return first, second
}
