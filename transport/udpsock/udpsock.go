// Package udpsock is the external UDP socket collaborator spec.md §6.1
// leaves abstract: send_unicast/send_multicast plus an on_datagram push
// callback, configured with a multicast group, interface, port, TTL and
// loopback behaviour. It is grounded on the teacher's socketcanring.Bus
// (pkg/can/socketcanring/socketcanring.go): a raw unix.Socket opened once,
// a background goroutine pumping ReadFromUDP into a registered callback,
// and an explicit Close/Disconnect that tears the goroutine down, adapted
// from a CAN ring-buffer read loop to a plain blocking UDP recv loop (SD
// traffic has none of CAN's packet-rate pressure that motivated the ring
// buffer).
package udpsock

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// DatagramListener receives every datagram read off the socket, unicast
// or multicast alike; the caller distinguishes them by source/destination.
type DatagramListener interface {
	HandleDatagram(fromIP net.IP, fromPort int, data []byte)
}

// Config describes the socket this Socket should bind and, optionally,
// join as a multicast listener. Mirrors the configuration inputs spec.md
// §6.1 calls out: multicast address, port, interface, TTL, loopback.
type Config struct {
	Interface      string // e.g. "eth0"; empty means the default route interface
	ListenPort     int
	MulticastGroup net.IP // nil: unicast-only socket
	TTL            int    // outbound multicast TTL, 0 uses the OS default
	Loopback       bool   // whether to receive our own multicast sends back
	ReadBufferSize int    // 0 uses 2048
}

// Socket is one UDP endpoint used for SOME/IP-SD traffic: a single
// bound/connected *net.UDPConn plus a background read loop that calls a
// registered listener, matching socketcanring.Bus's one-fd-plus-one-pump
// shape (RegisterInterface is not mirrored here since spec.md does not
// describe multiple pluggable transports for this collaborator; UDP is
// the wire format's only carrier).
type Socket struct {
	conn     *net.UDPConn
	iface    *net.Interface
	cfg      Config
	log      *slog.Logger
	listener DatagramListener

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New opens and binds a UDP socket per cfg. If cfg.MulticastGroup is set,
// the socket also joins that multicast group on cfg.Interface so inbound
// multicast SD traffic (Offers, Finds) is delivered to the same listener
// as unicast traffic.
func New(cfg Config, log *slog.Logger) (*Socket, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 2048
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		i, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("udpsock: resolving interface %s: %w", cfg.Interface, err)
		}
		iface = i
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("udpsock: listen: %w", err)
	}

	fd := netfd.GetFdFromConn(conn)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udpsock: SO_REUSEADDR: %w", err)
	}

	if cfg.MulticastGroup != nil {
		if err := joinMulticast(fd, cfg.MulticastGroup, iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("udpsock: joining multicast group %s: %w", cfg.MulticastGroup, err)
		}
		if cfg.TTL > 0 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, cfg.TTL); err != nil {
				conn.Close()
				return nil, fmt.Errorf("udpsock: IP_MULTICAST_TTL: %w", err)
			}
		}
		loop := 0
		if cfg.Loopback {
			loop = 1
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); err != nil {
			conn.Close()
			return nil, fmt.Errorf("udpsock: IP_MULTICAST_LOOP: %w", err)
		}
	}

	return &Socket{
		conn:  conn,
		iface: iface,
		cfg:   cfg,
		log:   log,
		done:  make(chan struct{}),
	}, nil
}

// joinMulticast issues IP_ADD_MEMBERSHIP for group on iface (or the
// default interface if iface is nil).
func joinMulticast(fd int, group net.IP, iface *net.Interface) error {
	group4 := group.To4()
	if group4 == nil {
		return fmt.Errorf("udpsock: only IPv4 multicast groups are supported, got %s", group)
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], group4)
	if iface != nil {
		addrs, err := iface.Addrs()
		if err != nil {
			return err
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if v4 := ipNet.IP.To4(); v4 != nil {
					copy(mreq.Interface[:], v4)
					break
				}
			}
		}
	}
	return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
}

// Subscribe registers the listener invoked for every datagram received
// and starts the background read loop. May only be called once.
func (s *Socket) Subscribe(listener DatagramListener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	go s.readLoop()
}

func (s *Socket) readLoop() {
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn("udpsock: read error", "error", err)
			return
		}
		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()
		if listener == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		listener.HandleDatagram(addr.IP, addr.Port, payload)
	}
}

// SendUnicast implements spec.md §6.1's send_unicast(ip, port, bytes).
func (s *Socket) SendUnicast(ip net.IP, port int, data []byte) error {
	_, err := s.conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: port})
	return err
}

// SendMulticast implements spec.md §6.1's send_multicast(bytes), sending
// to the group this Socket was configured with.
func (s *Socket) SendMulticast(data []byte) error {
	if s.cfg.MulticastGroup == nil {
		return fmt.Errorf("udpsock: no multicast group configured")
	}
	_, err := s.conn.WriteToUDP(data, &net.UDPAddr{IP: s.cfg.MulticastGroup, Port: s.cfg.ListenPort})
	return err
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close stops the read loop and closes the underlying socket.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.conn.Close()
}
