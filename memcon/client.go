package memcon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samsamfire/someipsd/transport/sidechan"
)

// ClientState is the receiver-side connection state, per spec.md §4.6.2.
type ClientState int

const (
	ClientConnecting ClientState = iota
	ClientConnected
	ClientDisconnectedRemote
	ClientDisconnected
	ClientCorrupted
)

func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "Connecting"
	case ClientConnected:
		return "Connected"
	case ClientDisconnectedRemote:
		return "DisconnectedRemote"
	case ClientDisconnected:
		return "Disconnected"
	case ClientCorrupted:
		return "Corrupted"
	default:
		return "Unknown"
	}
}

// DisconnectReason qualifies how a Client left Connected, per spec.md
// §4.6.2's "Corrupted with ProtocolError / PeerCrashed / PeerDisconnected".
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonProtocolError
	ReasonPeerCrashed
	ReasonPeerDisconnected
)

// ErrNotConnected is returned by API calls that require the Connected state.
var ErrNotConnected = errors.New("memcon: client not connected")

// Client is the MemCon receiver side of one channel. Connect performs the
// mapping handshake synchronously; once Connected, a dedicated goroutine
// drives further side-channel messages (notifications, Shutdown) into the
// registered listening callback, matching the "side-channel I/O off the
// reactor thread, state mutation behind one mutex" split spec.md §5
// describes.
type Client struct {
	mu sync.Mutex

	transport sidechan.Transport

	state  ClientState
	reason DisconnectReason

	slotHandle *Handle
	slotRing   *SlotRing

	queueHandle *Handle
	available   *Queue
	free        *Queue

	listenCB       func()
	listening      bool
	tokensGivenOut uint32
	inCallback     bool

	onStateChange func(ClientState)

	log *slog.Logger
}

// NewClient returns a Client bound to transport, in the Connecting state.
func NewClient(transport sidechan.Transport, onStateChange func(ClientState), log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		transport:     transport,
		state:         ClientConnecting,
		onStateChange: onStateChange,
		log:           log,
	}
}

// Connect performs the handshake of spec.md §4.6.2: receive the slot
// memory config, receive the queue memory config, map the slot memory
// read-only and the queue memory read-write (see Server.Connect's
// region-collapsing note), send AckConnection, then wait for
// AckQueueInitialization before declaring Connected. May only be called
// once, from Connecting; a call in any other state is API misuse and panics.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != ClientConnecting {
		state := c.state
		c.mu.Unlock()
		panic(fmt.Sprintf("memcon: Connect called outside Connecting state (state=%s)", state))
	}
	c.mu.Unlock()

	slotMsg, err := recvControl(c.transport)
	if err != nil {
		return c.corrupt(classifyTransportError(err))
	}
	if slotMsg.ID != MsgConnectionRequestSlotMemory {
		return c.corrupt(ReasonProtocolError)
	}
	slotHandle, err := OpenNamedHandle(slotMsg.Config.HandlePath, int(slotMsg.Config.RegionSize))
	if err != nil {
		return c.corrupt(ReasonProtocolError)
	}
	slotLayout := SlotLayout{
		NumSlots:         slotMsg.Config.NumSlots,
		ContentSize:      slotMsg.Config.ContentSize,
		ContentAlignment: slotMsg.Config.ContentAlignment,
	}

	queueMsg, err := recvControl(c.transport)
	if err != nil {
		return c.corrupt(classifyTransportError(err))
	}
	if queueMsg.ID != MsgConnectionRequestQueueMemory {
		return c.corrupt(ReasonProtocolError)
	}
	queueHandle, err := openNamedHandleRW(queueMsg.Config.HandlePath, int(queueMsg.Config.RegionSize))
	if err != nil {
		return c.corrupt(ReasonProtocolError)
	}
	queueBytes := QueueByteSize(queueMsg.Config.QueueCapacity)

	c.mu.Lock()
	c.slotHandle = slotHandle
	c.slotRing = NewSlotRing(slotHandle.Bytes(), slotLayout)
	c.queueHandle = queueHandle
	c.available = NewQueue(queueHandle.Bytes()[:queueBytes], queueMsg.Config.QueueCapacity)
	c.free = NewQueue(queueHandle.Bytes()[queueBytes:], queueMsg.Config.QueueCapacity)
	c.mu.Unlock()

	if err := sendControl(c.transport, Message{ID: MsgAckConnection}); err != nil {
		return c.corrupt(ReasonPeerDisconnected)
	}

	ackInit, err := recvControl(c.transport)
	if err != nil {
		return c.corrupt(classifyTransportError(err))
	}
	if ackInit.ID != MsgAckQueueInitialization {
		return c.corrupt(ReasonProtocolError)
	}

	c.mu.Lock()
	c.state = ClientConnected
	c.mu.Unlock()
	c.log.Info("memcon client connected")
	if c.onStateChange != nil {
		c.onStateChange(ClientConnected)
	}

	go c.receiveLoop()
	return nil
}

// receiveLoop processes post-handshake side-channel traffic: Shutdown
// (clean disconnect) and notification wake-ups. Runs until the
// transport is closed or the client leaves Connected.
func (c *Client) receiveLoop() {
	for {
		msg, err := recvControl(c.transport)
		if err != nil {
			c.corrupt(classifyTransportError(err))
			return
		}
		switch msg.ID {
		case MsgShutdown:
			c.mu.Lock()
			c.state = ClientDisconnectedRemote
			cb := c.onStateChange
			c.mu.Unlock()
			c.log.Info("memcon peer shut down the channel")
			if cb != nil {
				cb(ClientDisconnectedRemote)
			}
			return
		case MsgNotify:
			c.mu.Lock()
			cb := c.listenCB
			c.inCallback = cb != nil
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
			c.mu.Lock()
			c.inCallback = false
			c.mu.Unlock()
		default:
			c.corrupt(ReasonProtocolError)
			return
		}
	}
}

func classifyTransportError(err error) DisconnectReason {
	if errors.Is(err, sidechan.ErrPeerDisconnected) {
		return ReasonPeerDisconnected
	}
	return ReasonPeerCrashed
}

// corrupt transitions to Corrupted with reason and returns a descriptive
// error. Idempotent-ish: calling it from an already-terminal state just
// reports the error without re-firing the callback.
func (c *Client) corrupt(reason DisconnectReason) error {
	c.mu.Lock()
	already := c.state == ClientCorrupted || c.state == ClientDisconnected || c.state == ClientDisconnectedRemote
	c.state = ClientCorrupted
	c.reason = reason
	cb := c.onStateChange
	c.mu.Unlock()
	if !already {
		c.log.Warn("memcon client corrupted", "reason", reason)
		if cb != nil {
			cb(ClientCorrupted)
		}
	}
	return fmt.Errorf("memcon: client corrupted (reason=%d)", reason)
}

// StartListening registers cb to be invoked on each notification and
// tells the server this client wants them. Only one callback may be
// registered at a time.
func (c *Client) StartListening(cb func()) error {
	c.mu.Lock()
	if c.state != ClientConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.listenCB = cb
	c.listening = true
	c.mu.Unlock()
	return sendControl(c.transport, Message{ID: MsgStartListening})
}

// StopListening unregisters the callback and tells the server to stop
// sending notifications.
func (c *Client) StopListening() error {
	c.mu.Lock()
	if c.state != ClientConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.listenCB = nil
	c.listening = false
	c.mu.Unlock()
	return sendControl(c.transport, Message{ID: MsgStopListening})
}

// ReceiveSlot pulls one slot index off the Available queue, returning
// ok=false if it is currently empty.
func (c *Client) ReceiveSlot() (SlotToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return SlotToken{}, false
	}
	idx, ok := c.available.Pop()
	if !ok {
		return SlotToken{}, false
	}
	c.tokensGivenOut++
	return SlotToken{Index: idx, Generation: c.slotRing.Generation(idx)}, true
}

// AccessSlotContent returns a read-only view of token's slot content, or
// an error if the slot has since been reused (generation mismatch).
func (c *Client) AccessSlotContent(token SlotToken) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return nil, ErrNotConnected
	}
	if !token.Valid(c.slotRing) {
		return nil, fmt.Errorf("memcon: stale slot token (slot %d generation %d)", token.Index, token.Generation)
	}
	return c.slotRing.Content(token.Index), nil
}

// ReleaseSlot returns token's slot to the Free queue.
func (c *Client) ReleaseSlot(token SlotToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ClientConnected {
		return ErrNotConnected
	}
	if err := c.free.Push(token.Index); err != nil {
		return err
	}
	if c.tokensGivenOut > 0 {
		c.tokensGivenOut--
	}
	return nil
}

// Disconnect idempotently sends Shutdown and transitions to Disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == ClientDisconnected || c.state == ClientDisconnectedRemote || c.state == ClientCorrupted {
		c.mu.Unlock()
		return nil
	}
	c.state = ClientDisconnected
	c.mu.Unlock()
	return sendControl(c.transport, Message{ID: MsgShutdown})
}

// State returns the client's current state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsInUse reports whether it is unsafe to destroy this client: it has
// not yet reached Disconnected, or its notification callback is still
// executing (spec.md §4.6.2's in-use guard).
func (c *Client) IsInUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != ClientDisconnected || c.inCallback
}
