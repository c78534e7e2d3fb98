package channels

import (
	"fmt"
	"net"
	"sync"

	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/protocol"
	"github.com/google/uuid"
)

// socketChannel bridges one TCP connection to the wire under a single
// connection_id, implementing dispatcher.ForwardChannelHandler to
// receive inbound PORT_FORWARD_DATA/PORT_FORWARD_CLOSE.
type socketChannel struct {
	d            *dispatcher.Dispatcher
	connectionID string
	conn         net.Conn

	closeOnce sync.Once
}

func (c *socketChannel) HandleData(data []byte) {
	if _, err := c.conn.Write(data); err != nil {
		c.teardown()
	}
}

func (c *socketChannel) HandleClose() {
	c.teardown()
}

// teardown closes the local socket and unregisters the channel exactly
// once; a channel failure must never propagate beyond itself (spec.md
// §4.6).
func (c *socketChannel) teardown() {
	c.closeOnce.Do(func() {
		c.d.UnregisterChannel(c.connectionID)
		_ = c.conn.Close()
	})
}

// pumpToWire reads conn until EOF/error, emitting PORT_FORWARD_DATA
// frames, then sends PORT_FORWARD_CLOSE and tears the channel down.
// Grounded on the teacher's stdin/pty io.Copy-to-conn worker goroutines
// in runShellAs, generalized from copying one pty's bytes to relaying
// one forwarded TCP connection's bytes.
func (c *socketChannel) pumpToWire() {
	defer c.teardown()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if sendErr := c.d.Send(&protocol.PortForwardData{
				ConnectionID: c.connectionID,
				Data:         append([]byte{}, buf[:n]...),
			}); sendErr != nil {
				return
			}
		}
		if err != nil {
			_ = c.d.Send(&protocol.PortForwardClose{ConnectionID: c.connectionID})
			return
		}
	}
}

func registerAndPump(d *dispatcher.Dispatcher, connectionID string, conn net.Conn) {
	ch := &socketChannel{d: d, connectionID: connectionID, conn: conn}
	d.RegisterChannel(connectionID, ch)
	go ch.pumpToWire()
}

// ForwardEngine manages local and remote TCP port forwards over one
// Dispatcher.
type ForwardEngine struct {
	d *dispatcher.Dispatcher
}

func NewForwardEngine(d *dispatcher.Dispatcher) *ForwardEngine {
	return &ForwardEngine{d: d}
}

// RequestLocalForward implements client-side "L:lport -> destHost:destPort":
// bind lport, and for every accepted connection, ask the peer to dial
// destHost:destPort and bridge bytes once it accepts.
func (e *ForwardEngine) RequestLocalForward(lport uint16, destHost string, destPort uint16) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", lport))
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go e.acceptLocal(conn, lport, destHost, destPort)
		}
	}()
	return ln, nil
}

func (e *ForwardEngine) acceptLocal(conn net.Conn, lport uint16, destHost string, destPort uint16) {
	connectionID := uuid.New().String()
	await := e.d.Await(connectionID)
	if err := e.d.Send(&protocol.PortForwardRequest{
		Kind:         protocol.ForwardLocal,
		SourcePort:   lport,
		DestHost:     destHost,
		DestPort:     destPort,
		ConnectionID: connectionID,
	}); err != nil {
		_ = conn.Close()
		return
	}

	reply, err := awaitWithTimeout(await, portForwardAcceptTimeout)
	if err != nil {
		_ = conn.Close()
		return
	}
	accept, ok := reply.(*protocol.PortForwardAccept)
	if !ok || !accept.Success {
		_ = conn.Close()
		return
	}
	registerAndPump(e.d, connectionID, conn)
}

// HandleForwardRequest serves the server side of a LOCAL forward
// request: dial dest, reply PORT_FORWARD_ACCEPT, and bridge bytes.
func (e *ForwardEngine) HandleForwardRequest(req *protocol.PortForwardRequest) {
	dest := fmt.Sprintf("%s:%d", req.DestHost, req.DestPort)
	conn, err := net.Dial("tcp", dest)
	if err != nil {
		_ = e.d.Send(&protocol.PortForwardAccept{ConnectionID: req.ConnectionID, Success: false})
		return
	}
	if err := e.d.Send(&protocol.PortForwardAccept{ConnectionID: req.ConnectionID, Success: true}); err != nil {
		_ = conn.Close()
		return
	}
	registerAndPump(e.d, req.ConnectionID, conn)
}

// RequestRemoteForward implements client-side "R:rport -> lhost:lport":
// ask the server to start listening on rport. The server mints a fresh
// connection_id per accept (spec.md's remote-forward Open Question,
// resolved in DESIGN.md) and sends a follow-on PORT_FORWARD_REQUEST
// carrying that connection_id, which this engine's RequestHandler-driven
// HandleRemoteDialRequest answers by dialing lhost:lport locally.
func (e *ForwardEngine) RequestRemoteForward(rport uint16, lhost string, lport uint16) error {
	return e.d.Send(&protocol.PortForwardRequest{
		Kind:         protocol.ForwardRemote,
		SourcePort:   rport,
		DestHost:     lhost,
		DestPort:     lport,
		ConnectionID: uuid.New().String(),
	})
}

// IsRemoteForwardSetup distinguishes RequestRemoteForward's initial
// "start listening" request (source_port set, no socket behind it yet)
// from the per-accept follow-on request ListenRemote's acceptRemote
// sends once a connection actually arrives - both travel as
// PORT_FORWARD_REQUEST{REMOTE, ...} since spec.md's message set has no
// separate "begin listening" type. A RequestHandler should route the
// former to ListenRemote and the latter to HandleRemoteDialRequest.
func IsRemoteForwardSetup(req *protocol.PortForwardRequest) bool {
	return req.Kind == protocol.ForwardRemote && req.SourcePort != 0
}

// ListenRemote serves the server side of RequestRemoteForward: listen on
// rport until the returned listener is closed, minting a fresh connection_id per
// accept and asking the client to complete the path to lhost:lport.
func (e *ForwardEngine) ListenRemote(rport uint16, lhost string, lport uint16) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rport))
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go e.acceptRemote(conn, lhost, lport)
		}
	}()
	return ln, nil
}

func (e *ForwardEngine) acceptRemote(conn net.Conn, lhost string, lport uint16) {
	connectionID := uuid.New().String()
	await := e.d.Await(connectionID)
	if err := e.d.Send(&protocol.PortForwardRequest{
		Kind:         protocol.ForwardRemote,
		DestHost:     lhost,
		DestPort:     lport,
		ConnectionID: connectionID,
	}); err != nil {
		_ = conn.Close()
		return
	}
	reply, err := awaitWithTimeout(await, portForwardAcceptTimeout)
	if err != nil {
		_ = conn.Close()
		return
	}
	accept, ok := reply.(*protocol.PortForwardAccept)
	if !ok || !accept.Success {
		_ = conn.Close()
		return
	}
	registerAndPump(e.d, connectionID, conn)
}

// HandleRemoteDialRequest serves the client side of a REMOTE forward's
// per-accept follow-on request: dial lhost:lport and reply with
// PORT_FORWARD_ACCEPT.
func (e *ForwardEngine) HandleRemoteDialRequest(req *protocol.PortForwardRequest) {
	dest := fmt.Sprintf("%s:%d", req.DestHost, req.DestPort)
	conn, err := net.Dial("tcp", dest)
	if err != nil {
		_ = e.d.Send(&protocol.PortForwardAccept{ConnectionID: req.ConnectionID, Success: false})
		return
	}
	if err := e.d.Send(&protocol.PortForwardAccept{ConnectionID: req.ConnectionID, Success: true}); err != nil {
		_ = conn.Close()
		return
	}
	registerAndPump(e.d, req.ConnectionID, conn)
}
