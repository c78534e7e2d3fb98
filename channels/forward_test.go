package channels

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts one connection and echoes each line it reads back
// to the caller, prefixed with "ECHO:", until EOF.
func echoServer(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			fmt.Fprintf(conn, "ECHO:%s\n", sc.Text())
		}
	}()
	return ln.Addr().String(), done
}

func TestLocalForwardBridgesData(t *testing.T) {
	clientD, serverD := pairedDispatchers(t)
	forwardSrv := NewForwardEngine(serverD)
	serverD.SetRequestHandler(func(d *dispatcher.Dispatcher, msg protocol.Message) {
		if req, ok := msg.(*protocol.PortForwardRequest); ok && req.Kind == protocol.ForwardLocal {
			forwardSrv.HandleForwardRequest(req)
		}
	})
	go serverD.Run()
	go clientD.Run()

	targetAddr, targetDone := echoServer(t)
	_, targetPortStr, err := net.SplitHostPort(targetAddr)
	require.NoError(t, err)
	var targetPort int
	fmt.Sscanf(targetPortStr, "%d", &targetPort)

	forwardCli := NewForwardEngine(clientD)
	ln, err := forwardCli.RequestLocalForward(0, "127.0.0.1", uint16(targetPort))
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	sc := bufio.NewScanner(conn)
	require.True(t, sc.Scan())
	assert.Equal(t, "ECHO:hello", sc.Text())

	conn.Close()
	select {
	case <-targetDone:
	case <-time.After(2 * time.Second):
		t.Fatal("remote side of forward never saw EOF")
	}
}
