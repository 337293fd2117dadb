package memcon

import "sync/atomic"

// slotHeaderSize is the server-writable header preceding each slot's
// content bytes: a single generation counter, per spec.md §4.6.1/§3.5.
const slotHeaderSize = 4

// SlotLayout describes how NumSlots fixed-size slots are packed into one
// shared-memory region, per spec.md §4.6.1. ContentAlignment must be a
// power of two (spec.md §3.5 invariant); the header is placed immediately
// before each slot's content, and the content offset within the slot is
// padded up to ContentAlignment.
type SlotLayout struct {
	NumSlots         uint32
	ContentSize      uint32
	ContentAlignment uint32
}

// contentOffset is the byte offset of slot i's content within its own
// slotStride-sized region (header first, then padding up to alignment).
func (l SlotLayout) contentOffset() uint32 {
	return alignUp(slotHeaderSize, l.ContentAlignment)
}

// stride is the total bytes occupied by one slot (header + padding +
// content), itself rounded up to ContentAlignment so that slot i+1's header
// starts on an aligned boundary too.
func (l SlotLayout) stride() uint32 {
	return alignUp(l.contentOffset()+l.ContentSize, l.ContentAlignment)
}

// ByteSize returns the total region size this layout requires.
func (l SlotLayout) ByteSize() int {
	return int(l.stride()) * int(l.NumSlots)
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// SlotRing is a view over a shared-memory region laid out per SlotLayout.
// The server has a read-write SlotRing; clients map the same bytes
// read-only (spec.md §4.6.1).
type SlotRing struct {
	layout SlotLayout
	buf    []byte
}

// NewSlotRing wraps buf, which must be at least layout.ByteSize() bytes.
func NewSlotRing(buf []byte, layout SlotLayout) *SlotRing {
	if len(buf) < layout.ByteSize() {
		panic("memcon: backing buffer too small for slot layout")
	}
	return &SlotRing{layout: layout, buf: buf}
}

func (r *SlotRing) slotBase(i uint32) []byte {
	off := i * r.layout.stride()
	return r.buf[off : off+r.layout.stride()]
}

// Generation returns slot i's current generation counter.
func (r *SlotRing) Generation(i uint32) uint32 {
	return atomic.LoadUint32((*uint32)(ptrAt(r.slotBase(i), 0)))
}

// BumpGeneration increments slot i's generation counter, invalidating any
// SlotToken minted against its prior value, per spec.md §4.6.4 step 6.
func (r *SlotRing) BumpGeneration(i uint32) uint32 {
	return atomic.AddUint32((*uint32)(ptrAt(r.slotBase(i), 0)), 1)
}

// Content returns slot i's content region, writable by the server, and
// read-only for clients mapping the same bytes via a read-only Handle.
func (r *SlotRing) Content(i uint32) []byte {
	base := r.slotBase(i)
	off := r.layout.contentOffset()
	return base[off : off+r.layout.ContentSize]
}

// SlotToken is the opaque handle a client holds while reading a slot,
// resolving to a slot index and the generation it was minted against, per
// spec.md §3.5.
type SlotToken struct {
	Index      uint32
	Generation uint32
}

// Valid reports whether the token's generation still matches the slot's
// current generation in ring, per spec.md §3.5's invariant.
func (t SlotToken) Valid(ring *SlotRing) bool {
	return ring.Generation(t.Index) == t.Generation
}
