// Package sidechan provides the reliable 1:1 control channel MemCon's
// client/server control protocol runs over (spec.md §3.6, §6.2), and the
// peer-crash-vs-clean-disconnect distinction that protocol's state machines
// rely on. The pluggable named-backend registry generalises the teacher's
// CAN bus abstraction (pkg/can/bus.go RegisterInterface/NewBus) from "named
// CAN backend" to "named side channel backend".
package sidechan

import "fmt"

// Transport is a reliable, ordered, 1:1 message channel. Implementations
// must satisfy spec.md §6.2's transport requirements: messages delivered in
// send order or not at all; a successfully sent message survives the
// sender's crash; the receiver can distinguish a clean close from a crash.
type Transport interface {
	Send(msg []byte) error
	Recv() ([]byte, error)
	Close() error
}

// ErrPeerDisconnected is returned by Recv when the peer closed its end
// cleanly.
var ErrPeerDisconnected = fmt.Errorf("sidechan: peer disconnected")

// ErrPeerCrashed is returned by Recv when the peer's process is gone
// without a clean close having been observed (spec.md §4.6.6).
var ErrPeerCrashed = fmt.Errorf("sidechan: peer crashed")

// NewTransportFunc constructs a Transport bound to channel (the backend's
// own addressing scheme: "host:port" for tcploop, an arbitrary name for
// virtualchan).
type NewTransportFunc func(channel string) (Transport, error)

var backendRegistry = make(map[string]NewTransportFunc)

// RegisterBackend makes a side-channel backend available to New under name.
// Called from an init() function in the backend's package, mirroring
// can.RegisterInterface.
func RegisterBackend(name string, fn NewTransportFunc) {
	backendRegistry[name] = fn
}

// New constructs a Transport using the backend registered under name.
func New(name, channel string) (Transport, error) {
	fn, ok := backendRegistry[name]
	if !ok {
		return nil, fmt.Errorf("sidechan: unregistered backend %q", name)
	}
	return fn(channel)
}
