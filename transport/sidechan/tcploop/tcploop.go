// Package tcploop is a real-socket sidechan.Transport backed by a TCP
// loopback connection. Two callers name the same channel (a "host:port"
// address): whichever call arrives first listens and blocks waiting for
// the other end to dial in, mirroring virtualchan's first-caller/
// second-caller rendezvous but over an actual kernel socket pair so
// classifyPeerState below has real TCP_INFO to read.
//
// TCP_INFO access goes through mikioh/tcp and mikioh/tcpinfo, the same
// combination runZeroInc/sockstats's wrapped-conn pattern reaches for
// (sockstats.go's gatherAndReport digs a *net.TCPConn out of a wrapped
// net.Conn and asks it for connection state on open/close). A clean
// shutdown leaves the local socket in CloseWait after the peer's FIN; a
// peer that disappears without one is reported as crashed instead.
package tcploop

import (
	"fmt"
	"net"
	"time"

	"github.com/mikioh/tcp"
	"github.com/mikioh/tcpinfo"

	"github.com/samsamfire/someipsd/transport/sidechan"
)

func init() {
	sidechan.RegisterBackend("tcploop", New)
}

const dialTimeout = 2 * time.Second

// New connects to channel, a loopback "host:port" address both callers
// agree on out of band. The first call for a given address listens and
// accepts one connection; a later call for the same address dials in.
func New(channel string) (sidechan.Transport, error) {
	conn, err := net.DialTimeout("tcp", channel, dialTimeout)
	if err == nil {
		tc, terr := tcp.NewConn(conn)
		if terr != nil {
			conn.Close()
			return nil, fmt.Errorf("tcploop: %w", terr)
		}
		return &transport{conn: tc}, nil
	}

	ln, lerr := net.Listen("tcp", channel)
	if lerr != nil {
		return nil, fmt.Errorf("tcploop: neither dial nor listen succeeded on %s: dial=%v listen=%v", channel, err, lerr)
	}
	defer ln.Close()

	accepted, aerr := ln.Accept()
	if aerr != nil {
		return nil, fmt.Errorf("tcploop: accept on %s: %w", channel, aerr)
	}
	tc, terr := tcp.NewConn(accepted)
	if terr != nil {
		accepted.Close()
		return nil, fmt.Errorf("tcploop: %w", terr)
	}
	return &transport{conn: tc}, nil
}

type transport struct {
	conn *tcp.Conn
}

func (t *transport) Send(msg []byte) error {
	return sidechan.WriteFrame(t.conn, msg)
}

// Recv reads one frame, reclassifying a plain disconnect as a crash when
// TCP_INFO shows the local end never reached the orderly CloseWait state
// a peer-initiated clean shutdown produces.
func (t *transport) Recv() ([]byte, error) {
	frame, err := sidechan.ReadFrame(t.conn)
	if err == nil {
		return frame, nil
	}
	if classifyPeerState(t.conn) == peerCrashed {
		return nil, fmt.Errorf("%w (tcp_info confirmed no clean shutdown): %v", sidechan.ErrPeerCrashed, err)
	}
	return nil, err
}

func (t *transport) Close() error {
	return t.conn.Close()
}

type peerState int

const (
	peerUnknown peerState = iota
	peerCleanlyClosed
	peerCrashed
)

// classifyPeerState reads TCP_INFO off the socket and reports whether
// its last known state looks like an orderly shutdown or something
// else, the same Option/Info pattern mikioh/tcp's own examples use.
func classifyPeerState(conn *tcp.Conn) peerState {
	var o tcpinfo.Info
	var b [256]byte
	out, err := conn.Option(o.Level(), o.Name(), b[:])
	if err != nil {
		return peerUnknown
	}
	info, ok := out.(*tcpinfo.Info)
	if !ok {
		return peerUnknown
	}

	switch info.State {
	case tcpinfo.CloseWait, tcpinfo.Closed:
		return peerCleanlyClosed
	default:
		return peerCrashed
	}
}
