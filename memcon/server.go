package memcon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samsamfire/someipsd/transport/sidechan"
)

// ClassID groups receivers that share a publish quota (spec.md §4.6.5).
type ClassID uint32

// ClassLimits is the per-class quota table: a class c may hold at most
// ClassLimits[c] slots in circulation at once.
type ClassLimits map[ClassID]uint32

// ReceiverState is a per-receiver connection state, per spec.md §4.6.3.
type ReceiverState int

const (
	ReceiverUninitialised ReceiverState = iota
	ReceiverConnecting
	ReceiverConnected
	ReceiverDisconnected
	ReceiverCorrupted
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverUninitialised:
		return "Uninitialised"
	case ReceiverConnecting:
		return "Connecting"
	case ReceiverConnected:
		return "Connected"
	case ReceiverDisconnected:
		return "Disconnected"
	case ReceiverCorrupted:
		return "Corrupted"
	default:
		return "Unknown"
	}
}

// ReceiverID names one connected receiver within a Server.
type ReceiverID uint64

// receiver is the server's bookkeeping for one connected client.
type receiver struct {
	id        ReceiverID
	class     ClassID
	state     ReceiverState
	listening bool
	transport sidechan.Transport

	available *Queue // server enqueues published slot indices here
	free      *Queue // client enqueues released slot indices here

	heldSlots map[uint32]struct{} // slots published to this receiver, not yet freed

	pendingNotify bool // coalesced "more data available" wake-up still owed
}

// Server is the MemCon publisher side of one channel: it owns the slot
// memory, tracks one receiver per connected client, and enforces the
// per-class quota algorithm of spec.md §4.6.5.
type Server struct {
	mu sync.Mutex

	layout   SlotLayout
	ring     *SlotRing
	handle   *Handle
	slotPath string

	limits ClassLimits

	perSlotClassRefcount   []map[ClassID]uint32 // indexed by slot
	activeSlotsHeldByClass map[ClassID]uint32
	slotInCirculation      []bool

	receivers  map[ReceiverID]*receiver
	nextRecvID ReceiverID

	log *slog.Logger
}

// NewServer creates the slot memory region for layout at slotPath (a
// named shared-memory file, conventionally under /dev/shm — see
// NewNamedHandle) and returns a Server ready to accept receivers, each
// charged against limits.
func NewServer(slotPath string, layout SlotLayout, limits ClassLimits, log *slog.Logger) (*Server, error) {
	h, err := NewNamedHandle(slotPath, layout.ByteSize())
	if err != nil {
		return nil, fmt.Errorf("memcon: creating slot memory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	refcounts := make([]map[ClassID]uint32, layout.NumSlots)
	for i := range refcounts {
		refcounts[i] = make(map[ClassID]uint32)
	}
	return &Server{
		layout:                 layout,
		ring:                   NewSlotRing(h.Bytes(), layout),
		handle:                 h,
		slotPath:               slotPath,
		limits:                 limits,
		perSlotClassRefcount:   refcounts,
		activeSlotsHeldByClass: make(map[ClassID]uint32),
		slotInCirculation:      make([]bool, layout.NumSlots),
		receivers:              make(map[ReceiverID]*receiver),
		log:                    log,
	}, nil
}

// Close releases the slot memory mapping.
func (s *Server) Close() error {
	return s.handle.Close()
}

// Connect registers a new receiver of class over transport, performing
// the slot-memory and queue-memory handshake described in spec.md
// §4.6.3. This implementation collapses spec.md §4.6.1's three regions
// (slot memory, server-queue memory, client-queue memory) into two: slot
// memory (server-allocated, client-mapped read-only, unchanged) and one
// queue-memory region holding both the Available and Free rings
// back-to-back, server-allocated and mapped read-write by both peers.
// The original's separate client-owned mirror region exists purely so a
// misbehaving client can't corrupt the server's Available cursor; since
// both regions here are backed by an ordinary named file neither peer
// has an exclusive permission domain over, that isolation is notional
// rather than enforced, so this repository does not pay for a third
// region to preserve it. See DESIGN.md.
func (s *Server) Connect(class ClassID, transport sidechan.Transport, queuePath string, queueCapacity uint32) (ReceiverID, error) {
	queueBytes := QueueByteSize(queueCapacity)
	queueHandle, err := NewNamedHandle(queuePath, 2*queueBytes)
	if err != nil {
		return 0, fmt.Errorf("memcon: creating queue memory: %w", err)
	}
	avail := NewQueue(queueHandle.Bytes()[:queueBytes], queueCapacity)
	free := NewQueue(queueHandle.Bytes()[queueBytes:], queueCapacity)

	slotCfg := MemoryConfig{
		NumSlots:         s.layout.NumSlots,
		ContentSize:      s.layout.ContentSize,
		ContentAlignment: s.layout.ContentAlignment,
		RegionSize:       uint64(s.layout.ByteSize()),
		HandlePath:       s.slotPath,
	}
	if err := sendControl(transport, Message{ID: MsgConnectionRequestSlotMemory, Config: slotCfg}); err != nil {
		return 0, fmt.Errorf("memcon: sending slot memory request: %w", err)
	}

	queueCfg := MemoryConfig{
		QueueCapacity: queueCapacity,
		RegionSize:    uint64(2 * queueBytes),
		HandlePath:    queuePath,
	}
	if err := sendControl(transport, Message{ID: MsgConnectionRequestQueueMemory, Config: queueCfg}); err != nil {
		return 0, fmt.Errorf("memcon: sending queue memory request: %w", err)
	}

	ack, err := recvControl(transport)
	if err != nil {
		return 0, fmt.Errorf("memcon: awaiting AckConnection: %w", err)
	}
	if ack.ID != MsgAckConnection {
		return 0, fmt.Errorf("memcon: expected AckConnection, got message id %d", ack.ID)
	}

	s.mu.Lock()
	id := s.nextRecvID
	s.nextRecvID++
	s.receivers[id] = &receiver{
		id:        id,
		class:     class,
		state:     ReceiverConnected,
		transport: transport,
		available: avail,
		free:      free,
		heldSlots: make(map[uint32]struct{}),
	}
	s.mu.Unlock()

	if err := sendControl(transport, Message{ID: MsgAckQueueInitialization}); err != nil {
		return 0, fmt.Errorf("memcon: sending AckQueueInitialization: %w", err)
	}
	s.log.Info("memcon receiver connected", "receiver", id, "class", class)
	go s.serveReceiver(id)
	return id, nil
}

// serveReceiver processes control messages arriving from one connected
// receiver after the handshake: StartListening/StopListening toggle
// notification delivery, Shutdown is a clean disconnect, anything else
// or a transport error is treated per spec.md §4.6.6.
func (s *Server) serveReceiver(id ReceiverID) {
	s.mu.Lock()
	r, ok := s.receivers[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	for {
		msg, err := recvControl(r.transport)
		if err != nil {
			if errors.Is(err, sidechan.ErrPeerDisconnected) {
				s.Disconnect(id)
			} else {
				s.HandlePeerCrash(id)
			}
			return
		}
		switch msg.ID {
		case MsgStartListening:
			s.setListening(id, true)
		case MsgStopListening:
			s.setListening(id, false)
		case MsgShutdown:
			s.Disconnect(id)
			return
		default:
			s.log.Warn("memcon unexpected control message from receiver", "receiver", id, "id", msg.ID)
		}
	}
}

// setListening toggles whether id receives notifications, driven by an
// incoming StartListening/StopListening control message.
func (s *Server) setListening(id ReceiverID, listening bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receivers[id]; ok {
		r.listening = listening
	}
}

// acquireSlot returns a slot index with a zero total refcount, per
// spec.md §4.6.4 step 1: prefer one not yet in circulation, otherwise
// any fully-discharged slot.
func (s *Server) acquireSlot() (uint32, bool) {
	for i := uint32(0); i < s.layout.NumSlots; i++ {
		if !s.slotInCirculation[i] {
			s.slotInCirculation[i] = true
			return i, true
		}
	}
	for i := uint32(0); i < s.layout.NumSlots; i++ {
		if len(s.perSlotClassRefcount[i]) == 0 {
			return i, true
		}
	}
	return 0, false
}

// Publish writes payload into a free slot and enqueues it on every
// eligible Connected+listening receiver, respecting each class's quota
// (spec.md §4.6.4 steps 1–3, §4.6.5).
func (s *Server) Publish(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.acquireSlot()
	if !ok {
		return fmt.Errorf("memcon: no free slot available")
	}
	content := s.ring.Content(slot)
	if len(payload) > len(content) {
		return fmt.Errorf("memcon: payload %d bytes exceeds slot content size %d", len(payload), len(content))
	}
	copy(content, payload)

	for _, r := range s.receivers {
		if r.state != ReceiverConnected {
			continue
		}
		class := r.class
		alreadyCharged := s.perSlotClassRefcount[slot][class] > 0
		if !alreadyCharged && s.activeSlotsHeldByClass[class] >= s.limits[class] {
			continue // over quota for this class, suppress (§4.6.5)
		}
		if err := r.available.Push(slot); err != nil {
			s.log.Warn("memcon available queue full, dropping publish", "receiver", r.id, "slot", slot)
			continue
		}
		if !alreadyCharged {
			s.activeSlotsHeldByClass[class]++
		}
		s.perSlotClassRefcount[slot][class]++
		r.heldSlots[slot] = struct{}{}
		if r.listening {
			s.notify(r)
		}
	}
	return nil
}

// notify sends a best-effort wake-up, coalescing repeated notifications
// within the same scheduler tick into one send (the original
// side_channel_impl.h's NotifyCoalesced behavior, supplementing
// spec.md §9's "notifications are wake-ups, never the source of truth").
func (s *Server) notify(r *receiver) {
	if r.pendingNotify {
		return
	}
	r.pendingNotify = true
	buf := make([]byte, Message{ID: MsgNotify}.EncodedSize())
	Encode(Message{ID: MsgNotify}, buf)
	if err := r.transport.Send(buf); err != nil {
		s.log.Warn("memcon notification send failed", "receiver", r.id, "error", err)
	}
}

// DrainPending clears the coalesced-notification flag for every
// receiver, called once per scheduler tick after pending notifications
// have actually been flushed to their transports.
func (s *Server) DrainPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.receivers {
		r.pendingNotify = false
	}
}

// ProcessFreed drains id's Free queue, discharging the class bucket for
// every slot released, per spec.md §4.6.4 step 5 and §4.6.5. Bumps the
// slot's generation once its total refcount reaches zero, invalidating
// any stale token (step 6).
func (s *Server) ProcessFreed(id ReceiverID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receivers[id]
	if !ok {
		return
	}
	s.dischargeAll(r)
}

func (s *Server) dischargeAll(r *receiver) {
	for {
		slot, ok := r.free.Pop()
		if !ok {
			return
		}
		delete(r.heldSlots, slot)
		s.discharge(slot, r.class)
	}
}

// forfeitHeld discharges every slot r still holds without having freed,
// per spec.md §4.6.6 ("all slot tokens that side still holds are
// considered forfeit").
func (s *Server) forfeitHeld(r *receiver) {
	for slot := range r.heldSlots {
		s.discharge(slot, r.class)
	}
	r.heldSlots = make(map[uint32]struct{})
}

func (s *Server) discharge(slot uint32, class ClassID) {
	if s.perSlotClassRefcount[slot][class] == 0 {
		return
	}
	s.perSlotClassRefcount[slot][class]--
	if s.perSlotClassRefcount[slot][class] == 0 {
		delete(s.perSlotClassRefcount[slot], class)
		if s.activeSlotsHeldByClass[class] > 0 {
			s.activeSlotsHeldByClass[class]--
		}
	}
	if len(s.perSlotClassRefcount[slot]) == 0 {
		s.ring.BumpGeneration(slot)
	}
}

// HandlePeerCrash marks id Corrupted and forfeits every slot token it
// still held, discharging its class contribution immediately rather
// than waiting on a Free message that will never arrive (spec.md
// §4.6.6).
func (s *Server) HandlePeerCrash(id ReceiverID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receivers[id]
	if !ok {
		return
	}
	r.state = ReceiverCorrupted
	s.forfeitHeld(r)
	s.log.Warn("memcon receiver crashed", "receiver", id, "class", r.class)
}

// Disconnect marks id Disconnected following a clean Shutdown message.
func (s *Server) Disconnect(id ReceiverID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receivers[id]; ok {
		r.state = ReceiverDisconnected
		s.dischargeAll(r)
	}
}

// ReceiverState reports id's current state.
func (s *Server) ReceiverState(id ReceiverID) ReceiverState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receivers[id]; ok {
		return r.state
	}
	return ReceiverUninitialised
}
