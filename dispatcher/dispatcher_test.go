package dispatcher

import (
	"net"
	"testing"
	"time"

	"blitter.com/go/sxsh/codec"
	"blitter.com/go/sxsh/protocol"
	"blitter.com/go/sxsh/xsession"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessionPair returns a pair of pre-keyed codec.Conns over a
// net.Pipe, bypassing the xsession handshake entirely - Dispatcher
// tests only need working frame I/O, not a negotiated session.
func fakeSessionPair(t *testing.T) (*codec.Conn, *codec.Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := codec.NewConn(a), codec.NewConn(b)
	keys := &codec.Keys{CipherKey: make([]byte, 32), MACKey: make([]byte, 32)}
	ca.SetKeys(keys, keys)
	cb.SetKeys(keys, keys)
	return ca, cb
}

func sessFromConn(c *codec.Conn) *xsession.Session {
	return xsession.NewEstablished(c, xsession.SideClient, "test-peer", "test-session")
}

func TestDispatcherCorrelatesShellResult(t *testing.T) {
	serverConn, clientConn := fakeSessionPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	d := newTestDispatcher(clientConn)
	go d.Run()

	await := d.Await("req-1")
	require.NoError(t, serverConn.WriteFrame(codec.FrameKindEncrypted, protocol.Encode(&protocol.ShellResult{
		Stdout:    "hi\n",
		RequestID: "req-1",
	})))

	msg, err := await()
	require.NoError(t, err)
	sr := msg.(*protocol.ShellResult)
	assert.Equal(t, "hi\n", sr.Stdout)
}

func TestDispatcherRoutesErrorToPendingSlot(t *testing.T) {
	serverConn, clientConn := fakeSessionPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	d := newTestDispatcher(clientConn)
	go d.Run()

	await := d.Await("req-2")
	require.NoError(t, serverConn.WriteFrame(codec.FrameKindEncrypted, protocol.Encode(&protocol.ErrorMsg{
		RequestID: "req-2",
		Message:   "boom",
	})))

	_, err := await()
	assert.ErrorIs(t, err, protocol.ErrRequestFailure)
}

func TestDispatcherInvokesHandlerForUnsolicitedMessage(t *testing.T) {
	serverConn, clientConn := fakeSessionPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	d := newTestDispatcher(clientConn)
	received := make(chan *protocol.ShellCommand, 1)
	d.SetRequestHandler(func(d *Dispatcher, msg protocol.Message) {
		if cmd, ok := msg.(*protocol.ShellCommand); ok {
			received <- cmd
		}
	})
	go d.Run()

	require.NoError(t, serverConn.WriteFrame(codec.FrameKindEncrypted, protocol.Encode(&protocol.ShellCommand{
		Command:   "pwd",
		RequestID: "req-3",
	})))

	select {
	case cmd := <-received:
		assert.Equal(t, "pwd", cmd.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestDispatcherForwardChannelDataAndClose(t *testing.T) {
	serverConn, clientConn := fakeSessionPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	d := newTestDispatcher(clientConn)
	go d.Run()

	dataCh := make(chan []byte, 4)
	closed := make(chan struct{}, 1)
	d.RegisterChannel("conn-1", testHandler{data: dataCh, closed: closed})

	require.NoError(t, serverConn.WriteFrame(codec.FrameKindEncrypted, protocol.Encode(&protocol.PortForwardData{
		ConnectionID: "conn-1",
		Data:         []byte("payload"),
	})))
	select {
	case got := <-dataCh:
		assert.Equal(t, []byte("payload"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("data not delivered")
	}

	require.NoError(t, serverConn.WriteFrame(codec.FrameKindEncrypted, protocol.Encode(&protocol.PortForwardClose{
		ConnectionID: "conn-1",
	})))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close not delivered")
	}
}

func TestDispatcherShutdownFailsPendingSlots(t *testing.T) {
	serverConn, clientConn := fakeSessionPair(t)
	defer clientConn.Close()

	d := newTestDispatcher(clientConn)
	await := d.Await("req-4")
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	serverConn.Close() // triggers a read error on the client side

	_, err := await()
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	<-runDone
}

// TestDispatcherChannelBackpressureDoesNotBlockReader exercises spec.md
// §4.5 item 2: a handler that never drains its data must not stall the
// reader loop, which must keep servicing other correlated messages.
func TestDispatcherChannelBackpressureDoesNotBlockReader(t *testing.T) {
	serverConn, clientConn := fakeSessionPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	d := newTestDispatcher(clientConn)
	go d.Run()

	block := make(chan struct{})
	d.RegisterChannel("stalled", blockingHandler{unblock: block})

	require.NoError(t, serverConn.WriteFrame(codec.FrameKindEncrypted, protocol.Encode(&protocol.PortForwardData{
		ConnectionID: "stalled",
		Data:         []byte("first chunk, consumed by the stalled handler"),
	})))

	// While "stalled"'s handler is blocked mid-HandleData, an unrelated
	// correlated message must still be delivered promptly.
	await := d.Await("req-unrelated")
	require.NoError(t, serverConn.WriteFrame(codec.FrameKindEncrypted, protocol.Encode(&protocol.ShellResult{
		Stdout:    "still alive\n",
		RequestID: "req-unrelated",
	})))
	msg, err := awaitWithTimeout(t, await, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still alive\n", msg.(*protocol.ShellResult).Stdout)

	close(block)
}

func awaitWithTimeout(t *testing.T, await func() (protocol.Message, error), d time.Duration) (protocol.Message, error) {
	t.Helper()
	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, e := await()
		ch <- result{m, e}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(d):
		t.Fatal("timed out waiting for unrelated correlated message")
		return nil, nil
	}
}

type blockingHandler struct {
	unblock chan struct{}
}

func (h blockingHandler) HandleData(b []byte) { <-h.unblock }
func (h blockingHandler) HandleClose()        {}

type testHandler struct {
	data   chan []byte
	closed chan struct{}
}

func (h testHandler) HandleData(b []byte) { h.data <- append([]byte{}, b...) }
func (h testHandler) HandleClose()        { h.closed <- struct{}{} }

// newTestDispatcher builds a Dispatcher against a bare *codec.Conn. The
// production constructor takes an *xsession.Session; tests only need
// the Conn() accessor, which is satisfied via sessFromConn above.
func newTestDispatcher(c *codec.Conn) *Dispatcher {
	return New(sessFromConn(c))
}
