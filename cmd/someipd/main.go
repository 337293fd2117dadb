package main

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/someipsd/config"
	"github.com/samsamfire/someipsd/internal/clock"
	"github.com/samsamfire/someipsd/memcon"
	"github.com/samsamfire/someipsd/reboot"
	"github.com/samsamfire/someipsd/scheduler"
	"github.com/samsamfire/someipsd/sdserver"
	"github.com/samsamfire/someipsd/transport/udpsock"
	"github.com/samsamfire/someipsd/wire"

	_ "github.com/samsamfire/someipsd/transport/sidechan/tcploop"
)

const (
	phaseInit = iota
	phaseUp
	phaseDown
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", "", "someipd configuration file (INI)")
	flag.Parse()

	if *configPath == "" {
		fmt.Println("usage: someipd -c <config.ini>")
		os.Exit(1)
	}

	daemon, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	d, err := newDaemon(daemon)
	if err != nil {
		log.Fatalf("failed to start daemon: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	phase := phaseInit
	for {
		switch phase {
		case phaseInit:
			d.up()
			phase = phaseUp
		case phaseUp:
			select {
			case <-sigCh:
				phase = phaseDown
			default:
				d.tick()
			}
		case phaseDown:
			d.down()
			return
		}
	}
}

// daemon wires config -> sdserver instances -> scheduler -> sdmsg -> wire ->
// transport/udpsock, plus one memcon.Server per configured channel,
// mirroring cmd/canopen/main.go's INIT/RUNNING/RESETING phase loop (here:
// up/down phases driven by OS signals standing in for NetworkUp/NetworkDown).
type daemon struct {
	cfg *config.Daemon
	sd  *udpsock.Socket

	clk      *clock.Manager
	sessions *reboot.SessionGenerator
	detector *reboot.Detector

	sender *sender

	instances []*sdserver.Instance
	scheds    []*scheduler.Scheduler

	channels []*memcon.Server
}

func newDaemon(cfg *config.Daemon) (*daemon, error) {
	group := net.ParseIP(cfg.Network.MulticastAddress.String())

	sock, err := udpsock.New(udpsock.Config{
		Interface:      cfg.Network.Interface,
		ListenPort:     int(cfg.Network.Port),
		MulticastGroup: group,
		Loopback:       false,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("opening SD socket: %w", err)
	}

	d := &daemon{
		cfg:      cfg,
		sd:       sock,
		clk:      clock.NewManager(time.Now),
		sessions: reboot.NewSessionGenerator(),
		detector: reboot.NewDetector(),
	}

	d.sender = &sender{
		sock:        sock,
		sessions:    d.sessions,
		multicastIP: group,
		port:        int(cfg.Network.Port),
	}

	for _, svc := range cfg.Provided {
		sched := scheduler.New(d.clk, d.sender, d.sessions, nil)
		inst := sdserver.NewInstance(svc.Entry, svc.Options, svc.Params, sched, nil)
		d.instances = append(d.instances, inst)
		d.scheds = append(d.scheds, sched)
	}

	for _, ch := range cfg.Channels {
		srv, err := memcon.NewServer(ch.SlotPath, ch.Layout, ch.ClassLimits, nil)
		if err != nil {
			return nil, fmt.Errorf("starting memcon channel %s: %w", ch.Name, err)
		}
		d.channels = append(d.channels, srv)
	}

	sock.Subscribe(&inboundHandler{d: d})
	return d, nil
}

// up reports NetworkUp and ServiceUp to every instance, per spec.md §4.5's
// Down -> InitialWait transition, which requires both.
func (d *daemon) up() {
	for _, inst := range d.instances {
		inst.HandleNetworkUp()
		inst.HandleServiceUp()
	}
}

func (d *daemon) down() {
	for _, inst := range d.instances {
		inst.HandleNetworkDown()
	}
	for _, ch := range d.channels {
		ch.Close()
	}
	d.sd.Close()
}

// tick drives the shared clock.Manager: sleeps until the next scheduled
// timer (or a short poll interval if nothing is pending) and fires whatever
// is due, matching spec.md §5's single-reactor-thread model.
func (d *daemon) tick() {
	wait, ok := d.clk.GetNextExpiry()
	if !ok || wait > 50*time.Millisecond {
		wait = 50 * time.Millisecond
	}
	time.Sleep(wait)
	d.clk.Tick()
	for _, ch := range d.channels {
		ch.DrainPending()
	}
}

// sender bridges scheduler.Sender to the wire codec and a real UDP socket.
type sender struct {
	sock        *udpsock.Socket
	sessions    *reboot.SessionGenerator
	multicastIP net.IP
	port        int
}

// SendMulticast and SendUnicast send msg with the session id and reboot flag
// the scheduler's packer already drew from the shared SessionGenerator, so
// each datagram takes exactly one pair from its stream.
func (s *sender) SendMulticast(msg wire.Message) error {
	return s.send(msg, s.multicastIP, s.port)
}

func (s *sender) SendUnicast(msg wire.Message, to reboot.PeerKey) error {
	ip := net.ParseIP(to.Addr.String())
	return s.send(msg, ip, int(to.Port))
}

func (s *sender) send(msg wire.Message, ip net.IP, port int) error {
	buf := make([]byte, msg.EncodedSize())
	wire.EncodeMessage(msg, buf)
	return s.sock.SendUnicast(ip, port, buf)
}

// inboundHandler decodes every datagram udpsock delivers, runs reboot
// detection, and dispatches Find entries to every provided instance,
// mirroring the data flow in spec.md's overview: UDP -> C1 decode -> C2
// reboot check -> dispatch to C5.
type inboundHandler struct {
	d *daemon
}

func (h *inboundHandler) HandleDatagram(fromIP net.IP, fromPort int, data []byte) {
	msg, err := wire.DecodeMessage(data)
	if err != nil {
		log.WithError(err).Debug("dropping malformed SD datagram")
		return
	}

	addr, ok := netip.AddrFromSlice(fromIP.To4())
	if !ok {
		return
	}
	peer := reboot.PeerKey{Addr: addr, Port: uint16(fromPort)}

	isMulticast := fromIP.Equal(h.d.sender.multicastIP)
	h.d.detector.Observe(peer, isMulticast, reboot.SessionState{
		SessionID:  msg.Header.SessionID,
		RebootFlag: msg.Reboot,
	})

	for _, entry := range msg.Entries {
		if entry.Type != wire.EntryFindService {
			continue
		}
		for _, inst := range h.d.instances {
			inst.HandleFindReceived(peer, entry)
		}
	}
}
