package udpsock_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/someipsd/transport/udpsock"
)

type datagramCollector struct {
	mu   sync.Mutex
	data [][]byte
}

func (c *datagramCollector) HandleDatagram(fromIP net.IP, fromPort int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.data = append(c.data, cp)
}

func (c *datagramCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func TestUnicastSendReceive(t *testing.T) {
	rx, err := udpsock.New(udpsock.Config{ListenPort: 0}, nil)
	require.NoError(t, err)
	defer rx.Close()

	collector := &datagramCollector{}
	rx.Subscribe(collector)

	tx, err := udpsock.New(udpsock.Config{ListenPort: 0}, nil)
	require.NoError(t, err)
	defer tx.Close()

	rxAddr := rx.LocalAddr().(*net.UDPAddr)
	require.NoError(t, tx.SendUnicast(net.ParseIP("127.0.0.1"), rxAddr.Port, []byte("hello sd")))

	require.Eventually(t, func() bool {
		return collector.count() == 1
	}, time.Second, time.Millisecond)
}

func TestSendMulticastWithoutGroupFails(t *testing.T) {
	tx, err := udpsock.New(udpsock.Config{ListenPort: 0}, nil)
	require.NoError(t, err)
	defer tx.Close()

	require.Error(t, tx.SendMulticast([]byte("offer")))
}
