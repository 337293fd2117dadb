// Package virtualchan is an in-process sidechan.Transport backend for
// tests, a net.Pipe-backed stand-in for tcploop mirroring the teacher's
// pkg/can/virtual bus (a TCP loopback stand-in for a real CAN bus, used so
// that tests don't need an actual CAN adapter).
package virtualchan

import (
	"net"
	"sync"

	"github.com/samsamfire/someipsd/transport/sidechan"
)

func init() {
	sidechan.RegisterBackend("virtual", New)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]net.Conn)
)

// New returns a Transport bound to name. The first call for a given name
// creates an in-memory net.Pipe and holds one end; the second call for the
// same name claims the other end, giving the two callers a connected pair
// (mirroring virtualcan's broker-mediated connect, minus the broker).
func New(name string) (sidechan.Transport, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if conn, ok := registry[name]; ok {
		delete(registry, name)
		return &transport{conn: conn}, nil
	}

	a, b := net.Pipe()
	registry[name] = b
	return &transport{conn: a}, nil
}

type transport struct {
	conn net.Conn
}

func (t *transport) Send(msg []byte) error {
	return sidechan.WriteFrame(t.conn, msg)
}

func (t *transport) Recv() ([]byte, error) {
	return sidechan.ReadFrame(t.conn)
}

func (t *transport) Close() error {
	return t.conn.Close()
}
