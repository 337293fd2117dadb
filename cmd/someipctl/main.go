package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/samsamfire/someipsd/memcon"
	"github.com/samsamfire/someipsd/transport/sidechan"
	"github.com/samsamfire/someipsd/wire"

	_ "github.com/samsamfire/someipsd/transport/sidechan/tcploop"
)

// someipctl is a small demo client mirroring examples/basic/main.go and
// examples/test/main.go: it exercises both halves of this module end to
// end against a running someipd, rather than being a product surface
// itself.
func main() {
	channelAddr := flag.String("channel", "", "memcon side-channel address (host:port) to connect to")
	findService := flag.String("find", "", "multicast address:port to send a SOME/IP-SD Find to, e.g. 239.1.2.3:30490")
	serviceID := flag.Uint("service-id", 0x1234, "service id to Find")
	flag.Parse()

	if *channelAddr == "" && *findService == "" {
		fmt.Println("usage: someipctl [-channel host:port] [-find mcast:port] [-service-id id]")
		os.Exit(1)
	}

	if *channelAddr != "" {
		runChannelDemo(*channelAddr)
	}
	if *findService != "" {
		runFindDemo(*findService, uint16(*serviceID))
	}
}

// runChannelDemo connects a memcon.Client to the daemon's channel and
// prints the content of every slot it receives.
func runChannelDemo(channelAddr string) {
	transport, err := sidechan.New("tcploop", channelAddr)
	if err != nil {
		fmt.Printf("connecting to channel %s: %v\n", channelAddr, err)
		return
	}

	cl := memcon.NewClient(transport, func(state memcon.ClientState) {
		fmt.Printf("channel state: %s\n", state)
	}, nil)

	if err := cl.Connect(); err != nil {
		fmt.Printf("handshake failed: %v\n", err)
		return
	}
	defer cl.Disconnect()

	received := make(chan struct{}, 1)
	cl.StartListening(func() {
		select {
		case received <- struct{}{}:
		default:
		}
	})

	for {
		<-received
		for {
			token, ok := cl.ReceiveSlot()
			if !ok {
				break
			}
			content, err := cl.AccessSlotContent(token)
			if err != nil {
				fmt.Printf("stale slot token: %v\n", err)
				continue
			}
			fmt.Printf("received slot %d: %x\n", token.Index, content)
			cl.ReleaseSlot(token)
		}
	}
}

// runFindDemo sends a single SOME/IP-SD Find for serviceID to mcastAddr and
// prints whatever Offer comes back within a short window.
func runFindDemo(mcastAddr string, serviceID uint16) {
	udpAddr, err := net.ResolveUDPAddr("udp", mcastAddr)
	if err != nil {
		fmt.Printf("resolving %s: %v\n", mcastAddr, err)
		return
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		fmt.Printf("opening socket: %v\n", err)
		return
	}
	defer conn.Close()

	find := wire.Entry{
		Type:         wire.EntryFindService,
		ServiceID:    serviceID,
		InstanceID:   wire.InstanceIDAny,
		MajorVersion: wire.MajorVersionAny,
		MinorVersion: wire.MinorVersionAny,
	}
	msg := wire.Message{
		Header:  wire.NewSDHeader(0x0001),
		Reboot:  true,
		Unicast: true,
		Entries: []wire.Entry{find},
	}
	buf := make([]byte, msg.EncodedSize())
	wire.EncodeMessage(msg, buf)

	if _, err := conn.WriteToUDP(buf, udpAddr); err != nil {
		fmt.Printf("sending Find: %v\n", err)
		return
	}
	fmt.Printf("sent Find for service 0x%04x to %s\n", serviceID, mcastAddr)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 2048)
	n, from, err := conn.ReadFromUDP(reply)
	if err != nil {
		fmt.Printf("no reply received: %v\n", err)
		return
	}

	replyMsg, err := wire.DecodeMessage(reply[:n])
	if err != nil {
		fmt.Printf("malformed reply from %s: %v\n", from, err)
		return
	}
	for _, entry := range replyMsg.Entries {
		if entry.Type == wire.EntryOfferService {
			fmt.Printf("offer from %s: service=0x%04x instance=0x%04x version=%d.%d\n",
				from, entry.ServiceID, entry.InstanceID, entry.MajorVersion, entry.MinorVersion)
		}
	}
}
