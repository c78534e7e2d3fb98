package channels

import (
	"net"
	"testing"

	"blitter.com/go/sxsh/codec"
	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/xsession"
)

// pairedDispatchers returns two running Dispatchers bridged by a
// net.Pipe with a fixed (all-zero, test-only) key, mirroring
// dispatcher_test.go's fakeSessionPair.
func pairedDispatchers(t *testing.T) (client, server *dispatcher.Dispatcher) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := codec.NewConn(a), codec.NewConn(b)
	keys := &codec.Keys{CipherKey: make([]byte, 32), MACKey: make([]byte, 32)}
	ca.SetKeys(keys, keys)
	cb.SetKeys(keys, keys)

	client = dispatcher.New(xsession.NewEstablished(ca, xsession.SideClient, "client-peer", "test-session"))
	server = dispatcher.New(xsession.NewEstablished(cb, xsession.SideServer, "server-peer", "test-session"))
	return client, server
}
