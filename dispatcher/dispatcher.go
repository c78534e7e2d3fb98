// Package dispatcher implements the single post-handshake reader
// (spec.md §4.5): it owns the wire's receive side for the lifetime of
// a ServiceActive Session, correlating inbound messages to pending
// request_id/connection_id slots and routing port-forward traffic to
// its owning ForwardChannel.
//
// A message whose request_id/connection_id has no pending slot is a
// new operation, not a correlation: RequestHandler is invoked for it
// on its own goroutine (the "additional worker pool" of spec.md §5),
// so a handler that itself calls Await/AwaitStream to collect
// follow-on chunks never blocks the read loop it depends on.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package dispatcher

import (
	"fmt"
	"sync"

	"blitter.com/go/sxsh/codec"
	"blitter.com/go/sxsh/protocol"
	"blitter.com/go/sxsh/xsession"
	"github.com/sirupsen/logrus"
)

// log is nil until SetLogger is called (cmd/sxshd, cmd/sxsh do this at
// startup), so dispatcher stays silent in tests and any other caller
// that never wires a structured logger.
var log *logrus.Logger

// SetLogger installs l for dispatcher's own logging. Per spec.md §7,
// only sizes, message types, and connection/session identifiers are
// ever logged here - never message payload contents.
func SetLogger(l *logrus.Logger) { log = l }

// MaxChannelBuffer bounds a ForwardChannel's pending-write backlog
// (spec.md §4.5: "default 8 MiB per channel").
const MaxChannelBuffer = 8 * 1024 * 1024

type slotResult struct {
	msg protocol.Message
	err error
}

// pendingSlot delivers each correlated message to a buffered channel.
// One-shot callers (Await) read once and are done; streaming callers
// (AwaitStream) read repeatedly until they recognize a terminal message
// and call the returned forget func.
type pendingSlot struct {
	ch chan slotResult
}

func newPendingSlot() *pendingSlot {
	return &pendingSlot{ch: make(chan slotResult, 64)}
}

func (p *pendingSlot) deliver(m protocol.Message) { p.ch <- slotResult{msg: m} }
func (p *pendingSlot) fail(err error)             { p.ch <- slotResult{err: err} }

// ForwardChannelHandler receives PORT_FORWARD_DATA/CLOSE for one open
// channel.
type ForwardChannelHandler interface {
	HandleData(data []byte)
	HandleClose()
}

// channelInbox is the per-channel bounded queue + writer goroutine
// spec.md §4.5 item 2 requires: PORT_FORWARD_DATA for a given
// connection_id is hand delivered to this queue by the single reader
// (never blocking on it), and drained to the handler on its own
// goroutine, so a stalled forwarded socket only stalls its own channel.
// Mirrors channels.socketChannel.pumpToWire's goroutine-per-direction
// shape on the inbound side.
type channelInbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	backlog int
	closing bool
	handler ForwardChannelHandler
	done    chan struct{}
}

func newChannelInbox(h ForwardChannelHandler) *channelInbox {
	ci := &channelInbox{handler: h, done: make(chan struct{})}
	ci.cond = sync.NewCond(&ci.mu)
	go ci.run()
	return ci
}

func (ci *channelInbox) run() {
	defer close(ci.done)
	for {
		ci.mu.Lock()
		for len(ci.queue) == 0 && !ci.closing {
			ci.cond.Wait()
		}
		if len(ci.queue) == 0 {
			ci.mu.Unlock()
			ci.handler.HandleClose()
			return
		}
		data := ci.queue[0]
		ci.queue = ci.queue[1:]
		ci.backlog -= len(data)
		ci.mu.Unlock()
		ci.handler.HandleData(data)
	}
}

// enqueue appends data to the backlog. It returns false if doing so
// would exceed MaxChannelBuffer, in which case the caller must tear the
// channel down (spec.md §4.5: overflow closes the channel, never blocks
// the reader).
func (ci *channelInbox) enqueue(data []byte) bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closing {
		return true // already draining towards HandleClose; drop silently
	}
	if ci.backlog+len(data) > MaxChannelBuffer {
		return false
	}
	ci.queue = append(ci.queue, data)
	ci.backlog += len(data)
	ci.cond.Signal()
	return true
}

// close lets any already-queued data drain before HandleClose runs.
func (ci *channelInbox) close() {
	ci.mu.Lock()
	ci.closing = true
	ci.mu.Unlock()
	ci.cond.Signal()
}

// forceClose discards any queued backlog immediately - used on overflow
// and on session shutdown, where the buffered data is no longer
// deliverable.
func (ci *channelInbox) forceClose() {
	ci.mu.Lock()
	ci.queue = nil
	ci.backlog = 0
	ci.closing = true
	ci.mu.Unlock()
	ci.cond.Signal()
}

// RequestHandler processes an inbound message that does not correlate
// to any pending slot - i.e. the start of a new operation the peer is
// asking this side to perform. Implementations run on their own
// goroutine and may safely call Dispatcher.Await/AwaitStream/Send.
type RequestHandler func(d *Dispatcher, msg protocol.Message)

// Dispatcher owns one Session's receive side.
type Dispatcher struct {
	sess *xsession.Session

	mu       sync.Mutex
	pending  map[string]*pendingSlot // request_id or connection_id -> slot
	channels map[string]*channelInbox

	handler RequestHandler

	closed bool
	wg     sync.WaitGroup // outstanding RequestHandler goroutines
}

// New constructs a Dispatcher for sess, which must already be in state
// ServiceActive.
func New(sess *xsession.Session) *Dispatcher {
	return &Dispatcher{
		sess:     sess,
		pending:  make(map[string]*pendingSlot),
		channels: make(map[string]*channelInbox),
	}
}

// SetRequestHandler installs the callback for unsolicited inbound
// messages (server-side SHELL_COMMAND, FILE_UPLOAD_REQUEST,
// FILE_DOWNLOAD_REQUEST, PORT_FORWARD_REQUEST, RELOAD_USERS). Must be
// called before Run.
func (d *Dispatcher) SetRequestHandler(h RequestHandler) {
	d.handler = h
}

// Send writes m to the wire; codec.Conn.WriteFrame serializes
// concurrent writers under its own mutex (spec.md §5's single writer
// mutex).
func (d *Dispatcher) Send(m protocol.Message) error {
	return d.sess.Conn().WriteFrame(codec.FrameKindEncrypted, protocol.Encode(m))
}

// Await registers a one-shot pending slot for key (a request_id or
// connection_id) and returns a function that blocks for its single
// completion. Register before sending/expecting the correlated
// message, to avoid racing an eager reply.
func (d *Dispatcher) Await(key string) func() (protocol.Message, error) {
	slot := newPendingSlot()
	d.mu.Lock()
	d.pending[key] = slot
	d.mu.Unlock()
	return func() (protocol.Message, error) {
		r := <-slot.ch
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return r.msg, r.err
	}
}

// AwaitStream registers a pending slot for key that is NOT
// auto-removed on delivery, for multi-message correlations (a file
// transfer's successive FILE_DATA chunks). The caller must call forget
// once it has seen the terminal message.
func (d *Dispatcher) AwaitStream(key string) (next func() (protocol.Message, error), forget func()) {
	slot := newPendingSlot()
	d.mu.Lock()
	d.pending[key] = slot
	d.mu.Unlock()
	next = func() (protocol.Message, error) {
		r := <-slot.ch
		return r.msg, r.err
	}
	forget = func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}
	return next, forget
}

// RegisterChannel attaches h to receive PORT_FORWARD_DATA/CLOSE for
// connectionID, via its own channelInbox queue + goroutine.
func (d *Dispatcher) RegisterChannel(connectionID string, h ForwardChannelHandler) {
	d.mu.Lock()
	d.channels[connectionID] = newChannelInbox(h)
	d.mu.Unlock()
}

// UnregisterChannel detaches connectionID and lets its channelInbox
// goroutine drain and exit.
func (d *Dispatcher) UnregisterChannel(connectionID string) {
	d.mu.Lock()
	inbox, ok := d.channels[connectionID]
	delete(d.channels, connectionID)
	d.mu.Unlock()
	if ok {
		inbox.close()
	}
}

// Run drives the single reader loop for the Session's lifetime,
// returning when the connection closes or an unrecoverable protocol
// error occurs. By the time it returns, every pending slot has been
// failed and every registered channel closed (spec.md §4.5 item 3, §5
// cancellation invariant); Run waits for in-flight RequestHandler
// goroutines to observe the shutdown before returning.
func (d *Dispatcher) Run() error {
	for {
		_, payload, err := d.sess.Conn().ReadFrame()
		if err != nil {
			if log != nil {
				log.WithFields(logrus.Fields{"session_id": d.sess.SessionID(), "peer": d.sess.PeerAddr()}).WithError(err).Info("dispatcher: reader loop ending")
			}
			d.shutdown(err)
			d.wg.Wait()
			return err
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			if log != nil {
				log.WithField("session_id", d.sess.SessionID()).WithError(err).Warn("dispatcher: decode failed, ending session")
			}
			d.shutdown(err)
			d.wg.Wait()
			return err
		}
		if err := d.dispatch(msg); err != nil {
			if log != nil {
				log.WithField("session_id", d.sess.SessionID()).WithError(err).Warn("dispatcher: dispatch failed, ending session")
			}
			d.shutdown(err)
			d.wg.Wait()
			return err
		}
	}
}

func correlationKey(msg protocol.Message) (key string, isChannel bool, ok bool) {
	switch m := msg.(type) {
	case *protocol.ShellResult:
		return m.RequestID, false, true
	case *protocol.FileAck:
		return m.RequestID, false, true
	case *protocol.FileData:
		return m.RequestID, false, true
	case *protocol.ErrorMsg:
		return m.RequestID, false, m.RequestID != ""
	case *protocol.PortForwardAccept:
		return m.ConnectionID, true, true
	default:
		return "", false, false
	}
}

func (d *Dispatcher) dispatch(msg protocol.Message) error {
	if m, ok := msg.(*protocol.Disconnect); ok {
		_ = m
		return protocol.ErrConnectionClosed
	}
	if m, ok := msg.(*protocol.PortForwardData); ok {
		d.deliverChannelData(m.ConnectionID, m.Data)
		return nil
	}
	if m, ok := msg.(*protocol.PortForwardClose); ok {
		d.closeChannel(m.ConnectionID)
		return nil
	}

	if key, _, ok := correlationKey(msg); ok {
		d.mu.Lock()
		slot, found := d.pending[key]
		d.mu.Unlock()
		if found {
			if em, ok := msg.(*protocol.ErrorMsg); ok {
				slot.fail(fmt.Errorf("%w: %s", protocol.ErrRequestFailure, em.Message))
			} else {
				slot.deliver(msg)
			}
			return nil
		}
		// No pending slot: this is a new request bearing a fresh
		// request_id/connection_id the handler must learn about.
	}

	if d.handler == nil {
		return fmt.Errorf("%w: no handler for unsolicited message %s", protocol.ErrProtocolError, msg.Type())
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handler(d, msg)
	}()
	return nil
}

// deliverChannelData hands data to connectionID's channelInbox without
// ever blocking on the handler itself (spec.md §4.5 item 2). A queue
// that has grown past MaxChannelBuffer means the per-channel writer
// cannot keep up; the channel is torn down rather than let the backlog
// grow unbounded or stall the reader.
func (d *Dispatcher) deliverChannelData(connectionID string, data []byte) {
	d.mu.Lock()
	inbox, ok := d.channels[connectionID]
	d.mu.Unlock()
	if !ok {
		return // channel already torn down; a channel failure never kills the session
	}
	if !inbox.enqueue(data) {
		d.overflowChannel(connectionID, inbox)
	}
}

func (d *Dispatcher) overflowChannel(connectionID string, inbox *channelInbox) {
	d.mu.Lock()
	if cur, ok := d.channels[connectionID]; !ok || cur != inbox {
		d.mu.Unlock()
		return // already replaced/removed by a concurrent close
	}
	delete(d.channels, connectionID)
	d.mu.Unlock()
	if log != nil {
		log.WithField("connection_id", connectionID).Warn("dispatcher: forward channel backlog exceeded MaxChannelBuffer, tearing down")
	}
	inbox.forceClose()
	_ = d.Send(&protocol.PortForwardClose{ConnectionID: connectionID})
}

func (d *Dispatcher) closeChannel(connectionID string) {
	d.mu.Lock()
	inbox, ok := d.channels[connectionID]
	delete(d.channels, connectionID)
	d.mu.Unlock()
	if ok {
		inbox.close()
	}
}

// shutdown fails every pending slot and closes every registered
// channel with err, draining all state deterministically.
func (d *Dispatcher) shutdown(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.pending
	channels := d.channels
	d.pending = make(map[string]*pendingSlot)
	d.channels = make(map[string]*channelInbox)
	d.mu.Unlock()

	wrapped := fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	for _, slot := range pending {
		slot.fail(wrapped)
	}
	for _, inbox := range channels {
		inbox.forceClose()
	}
	for _, inbox := range channels {
		<-inbox.done // Run()'s contract: every channel closed before it returns
	}
}
