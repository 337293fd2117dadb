package memcon_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samsamfire/someipsd/memcon"
	"github.com/samsamfire/someipsd/transport/sidechan"
	_ "github.com/samsamfire/someipsd/transport/sidechan/virtualchan"
)

func newConnectedPair(t *testing.T, dir string, class memcon.ClassID, limits memcon.ClassLimits) (*memcon.Server, *memcon.Client, memcon.ReceiverID) {
	t.Helper()

	layout := memcon.SlotLayout{NumSlots: 4, ContentSize: 32, ContentAlignment: 8}
	srv, err := memcon.NewServer(filepath.Join(dir, "slots"), layout, limits, nil)
	require.NoError(t, err)

	channelName := "memcon-test-" + t.Name()
	serverSide, err := sidechan.New("virtual", channelName)
	require.NoError(t, err)
	clientSide, err := sidechan.New("virtual", channelName)
	require.NoError(t, err)

	var recvID memcon.ReceiverID
	var connectErr error
	done := make(chan struct{})
	go func() {
		recvID, connectErr = srv.Connect(class, serverSide, filepath.Join(dir, "queue"), 8)
		close(done)
	}()

	cl := memcon.NewClient(clientSide, nil, nil)
	require.NoError(t, cl.Connect())
	<-done
	require.NoError(t, connectErr)

	return srv, cl, recvID
}

func TestConnectHandshakeReachesConnected(t *testing.T) {
	dir := t.TempDir()
	srv, cl, id := newConnectedPair(t, dir, 1, memcon.ClassLimits{1: 4})
	defer srv.Close()

	require.Equal(t, memcon.ClientConnected, cl.State())
	require.Equal(t, memcon.ReceiverConnected, srv.ReceiverState(id))
}

func TestPublishThenReceiveThenRelease(t *testing.T) {
	dir := t.TempDir()
	srv, cl, _ := newConnectedPair(t, dir, 1, memcon.ClassLimits{1: 4})
	defer srv.Close()

	require.NoError(t, srv.Publish([]byte("hello")))

	var token memcon.SlotToken
	var ok bool
	require.Eventually(t, func() bool {
		token, ok = cl.ReceiveSlot()
		return ok
	}, time.Second, time.Millisecond)

	content, err := cl.AccessSlotContent(token)
	require.NoError(t, err)
	require.Equal(t, "hello", string(content[:len("hello")]))

	require.NoError(t, cl.ReleaseSlot(token))
}

func TestClassQuotaSuppressesPublishBeyondLimit(t *testing.T) {
	dir := t.TempDir()
	srv, cl, _ := newConnectedPair(t, dir, 1, memcon.ClassLimits{1: 1})
	defer srv.Close()

	require.NoError(t, srv.Publish([]byte("a")))
	require.NoError(t, srv.Publish([]byte("b"))) // suppressed: class 1 already holds its one slot

	var first memcon.SlotToken
	require.Eventually(t, func() bool {
		var ok bool
		first, ok = cl.ReceiveSlot()
		return ok
	}, time.Second, time.Millisecond)

	_, ok := cl.ReceiveSlot()
	require.False(t, ok, "second publish should have been suppressed by the class-1 quota of 1")

	require.NoError(t, cl.ReleaseSlot(first))
}

func TestStaleTokenFailsAccessAfterSlotReuse(t *testing.T) {
	dir := t.TempDir()
	srv, cl, id := newConnectedPair(t, dir, 1, memcon.ClassLimits{1: 4})
	defer srv.Close()

	require.NoError(t, srv.Publish([]byte("first")))
	var token memcon.SlotToken
	require.Eventually(t, func() bool {
		var ok bool
		token, ok = cl.ReceiveSlot()
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, cl.ReleaseSlot(token))
	srv.ProcessFreed(id)

	// With NumSlots=4 and only this one slot having circulated so far,
	// acquireSlot keeps handing out never-yet-used slots first; publish
	// until all 4 have circulated once, forcing the 5th publish to reuse
	// the slot released above, whose generation ProcessFreed already bumped
	// when it discharged the slot.
	var lastToken memcon.SlotToken
	for i := 0; i < 4; i++ {
		require.NoError(t, srv.Publish([]byte("filler")))
		require.Eventually(t, func() bool {
			var ok bool
			lastToken, ok = cl.ReceiveSlot()
			return ok
		}, time.Second, time.Millisecond)
		require.NoError(t, cl.ReleaseSlot(lastToken))
		srv.ProcessFreed(id)
	}

	_, err := cl.AccessSlotContent(token)
	require.Error(t, err, "stale token must fail validation once its slot's generation has advanced")
}

func TestPeerCrashForfeitsHeldSlots(t *testing.T) {
	dir := t.TempDir()
	srv, cl, id := newConnectedPair(t, dir, 1, memcon.ClassLimits{1: 1})
	defer srv.Close()

	require.NoError(t, srv.Publish([]byte("x")))
	require.Eventually(t, func() bool {
		_, ok := cl.ReceiveSlot()
		return ok
	}, time.Second, time.Millisecond)

	srv.HandlePeerCrash(id)
	require.Equal(t, memcon.ReceiverCorrupted, srv.ReceiverState(id))

	// The class-1 quota of 1 was fully consumed by the crashed receiver's
	// still-held slot; after the crash the server must have forfeited it,
	// freeing the quota for a fresh publish.
	require.NoError(t, srv.Publish([]byte("y")))
}
