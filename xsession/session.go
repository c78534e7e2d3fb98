// Package xsession implements the connection state machine (spec.md
// §4.4): handshake, host-key pinning, authentication, and the
// SERVICE_REQUEST/SERVICE_ACCEPT exchange that hands control to the
// Dispatcher.
//
// Copyright (c) 2017-2019 Russell Magee
// Portions copyright (c) 2020-2026, adapted for sxsh.
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package xsession

import (
	"crypto/rsa"
	"fmt"
	"math/big"
	"net"
	"sync"

	"blitter.com/go/sxsh/audit"
	"blitter.com/go/sxsh/codec"
	"blitter.com/go/sxsh/protocol"
	"blitter.com/go/sxsh/userdir"
	"blitter.com/go/sxsh/xcrypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// log is nil until SetLogger is called (cmd/sxshd, cmd/sxsh do this at
// startup), so xsession stays silent in tests and any other caller that
// never wires a structured logger.
var log *logrus.Logger

// SetLogger installs l for logging state-machine transitions and
// handshake/auth outcomes. Per spec.md §7, passwords, private key
// material, and signatures are never logged - only peer address,
// username, and state/result.
func SetLogger(l *logrus.Logger) { log = l }

// Side distinguishes which end of a Session this process is.
type Side int

const (
	SideClient Side = iota
	SideServer
)

func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// State is one node of the connection state machine. Transitions are
// total: any message arriving out of order in a non-terminal state is
// a fatal protocol error that aborts to Closing.
type State int

const (
	StateConnected State = iota
	StateKexInProgress
	StateKexDone
	StateAuthInProgress
	StateAuthenticated
	StateServiceActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateKexInProgress:
		return "KexInProgress"
	case StateKexDone:
		return "KexDone"
	case StateAuthInProgress:
		return "AuthInProgress"
	case StateAuthenticated:
		return "Authenticated"
	case StateServiceActive:
		return "ServiceActive"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session holds the per-connection bookkeeping the spec's data model
// calls for: peer address, side, state, session_id, and (client-only)
// current working directory.
type Session struct {
	conn     *codec.Conn
	peerAddr string
	side     Side

	mu        sync.Mutex
	state     State
	sessionID string
	cwd       string
	username  string
	auditRec  *audit.Entry
}

// NewEstablished wraps an already-keyed codec.Conn as a Session in
// state ServiceActive, bypassing Connect/Accept's handshake. Production
// code should always go through Connect/Accept; this exists for tests
// and tools (e.g. a resumed session restored from persisted key
// material) that already have negotiated keys in hand.
func NewEstablished(conn *codec.Conn, side Side, peerAddr, sessionID string) *Session {
	return &Session{
		conn:      conn,
		peerAddr:  peerAddr,
		side:      side,
		state:     StateServiceActive,
		sessionID: sessionID,
	}
}

// Conn returns the underlying framed transport, for use by the
// Dispatcher once the Session reaches ServiceActive.
func (s *Session) Conn() *codec.Conn { return s.conn }

// PeerAddr returns the connecting/connected-to address string.
func (s *Session) PeerAddr() string { return s.peerAddr }

// Side reports which end of the connection this Session represents.
func (s *Session) Side() Side { return s.side }

// State returns the Session's current state machine node.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the Session to st.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SessionID returns the 128-bit (as UUID string) session identity
// minted by the server during KEX_REPLY.
func (s *Session) SessionID() string { return s.sessionID }

// Username returns the authenticated peer's username (server side), or
// the empty string before Authenticated / on the client side.
func (s *Session) Username() string { return s.username }

// Cwd returns the client-side bookkeeping of the shell's current
// working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetCwd updates the client-side cwd bookkeeping. Per spec.md §4.6, the
// client only updates cwd when a SHELL_RESULT carries a non-empty
// new_cwd.
func (s *Session) SetCwd(cwd string) {
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
}

// Audit returns the utmp/lastlog registration for this session, or nil
// before Authenticated.
func (s *Session) Audit() *audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auditRec
}

// SetAudit records the utmp/lastlog registration made on reaching
// Authenticated (server side only).
func (s *Session) SetAudit(e *audit.Entry) {
	s.mu.Lock()
	s.auditRec = e
	s.mu.Unlock()
}

// Abort transitions to Closing and closes the underlying connection.
// Safe to call more than once.
func (s *Session) Abort() error {
	s.SetState(StateClosing)
	err := s.conn.Close()
	s.SetState(StateClosed)
	return err
}

// ClientConfig supplies what the client side of the handshake needs:
// the pinned host identity and the credentials to authenticate with.
type ClientConfig struct {
	Username       string
	AuthType       protocol.AuthType
	Password       string          // used when AuthType is password or dual
	PrivateKey     *rsa.PrivateKey // used when AuthType is publickey or dual
	TrustedHostKey *rsa.PublicKey  // pinned server identity; mandatory
	ClientIDString string          // e.g. "sxsh-client-1.0"
}

// ServerConfig supplies what the server side of the handshake needs:
// its long-term host key and the user directory to authenticate
// against.
type ServerConfig struct {
	HostKey   *rsa.PrivateKey
	Directory userdir.Directory
}

func newMessageConn(nc net.Conn) *codec.Conn {
	return codec.NewConn(nc)
}

func writeMsg(c *codec.Conn, kind codec.FrameKind, m protocol.Message) error {
	return c.WriteFrame(kind, protocol.Encode(m))
}

func readMsg(c *codec.Conn) (codec.FrameKind, protocol.Message, error) {
	kind, payload, err := c.ReadFrame()
	if err != nil {
		return kind, nil, err
	}
	m, err := protocol.Decode(payload)
	if err != nil {
		return kind, nil, err
	}
	return kind, m, nil
}

// Connect drives the client-side handshake/auth/service sequence
// (spec.md §4.4 steps 1-8) to completion over nc, which must already be
// TCP-connected to the server. On success the returned Session is in
// state ServiceActive and its Conn is ready for the Dispatcher.
func Connect(nc net.Conn, cfg ClientConfig) (*Session, error) {
	if cfg.TrustedHostKey == nil {
		return nil, fmt.Errorf("%w: no pinned host key configured", protocol.ErrHostKeyMismatch)
	}

	sess := &Session{
		conn:     newMessageConn(nc),
		peerAddr: nc.RemoteAddr().String(),
		side:     SideClient,
		state:    StateConnected,
	}

	kp, err := xcrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	sess.SetState(StateKexInProgress)
	if err := writeMsg(sess.conn, codec.FrameKindPlaintext, &protocol.KexInit{
		DHPub:          kp.Public.Bytes(),
		ClientIDString: cfg.ClientIDString,
	}); err != nil {
		return nil, err
	}

	_, reply, err := readMsg(sess.conn)
	if err != nil {
		return nil, err
	}
	kexReply, ok := reply.(*protocol.KexReply)
	if !ok {
		return nil, fmt.Errorf("%w: expected KEX_REPLY, got %s", protocol.ErrProtocolError, reply.Type())
	}

	// Host-key pinning: byte-compare the presented key against the
	// trust store before anything else, including before verifying its
	// signature - a wrong key must never get far enough to be "almost
	// trusted".
	presentedPub, err := xcrypto.ParsePublicKey(kexReply.ServerRSAPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrHostKeyMismatch, err)
	}
	if presentedPub.E != cfg.TrustedHostKey.E || presentedPub.N.Cmp(cfg.TrustedHostKey.N) != 0 {
		if log != nil {
			log.WithField("peer", sess.peerAddr).Error("xsession: presented host key does not match the pinned trust store")
		}
		return nil, protocol.ErrHostKeyMismatch
	}
	if err := xcrypto.Verify(cfg.TrustedHostKey, kexReply.DHPub, kexReply.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrHostAuthFailure, err)
	}

	serverPub := new(big.Int).SetBytes(kexReply.DHPub)
	secret, err := xcrypto.SharedSecret(kp, serverPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrHostAuthFailure, err)
	}

	keys := xcrypto.DeriveKeys(secret)
	sess.conn.SetKeys(keys, keys)
	sess.sessionID = kexReply.SessionID
	sess.SetState(StateKexDone)

	authReq := &protocol.AuthRequest{
		Username: cfg.Username,
		AuthType: cfg.AuthType,
	}
	if cfg.AuthType == protocol.AuthPassword || cfg.AuthType == protocol.AuthDual {
		authReq.Password = cfg.Password
	}
	if cfg.AuthType == protocol.AuthPublicKey || cfg.AuthType == protocol.AuthDual {
		if cfg.PrivateKey == nil {
			return nil, fmt.Errorf("%w: publickey auth requested without a private key", protocol.ErrAuthFailure)
		}
		pubEnc, err := xcrypto.MarshalPublicKey(&cfg.PrivateKey.PublicKey)
		if err != nil {
			return nil, err
		}
		sig, err := xcrypto.Sign(cfg.PrivateKey, []byte(sess.sessionID))
		if err != nil {
			return nil, err
		}
		authReq.PublicKey = pubEnc
		authReq.Signature = sig
	}

	sess.SetState(StateAuthInProgress)
	if err := writeMsg(sess.conn, codec.FrameKindEncrypted, authReq); err != nil {
		return nil, err
	}

	_, authResp, err := readMsg(sess.conn)
	if err != nil {
		return nil, err
	}
	switch m := authResp.(type) {
	case *protocol.AuthSuccess:
		sess.SetState(StateAuthenticated)
		if log != nil {
			log.WithFields(logrus.Fields{"peer": sess.peerAddr, "username": cfg.Username, "session_id": sess.sessionID}).Info("xsession: authenticated")
		}
	case *protocol.AuthFailure:
		if log != nil {
			log.WithFields(logrus.Fields{"peer": sess.peerAddr, "username": cfg.Username}).Warn("xsession: authentication rejected by server")
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrAuthFailure, m.Reason)
	default:
		return nil, fmt.Errorf("%w: expected AUTH_SUCCESS/AUTH_FAILURE, got %s", protocol.ErrProtocolError, authResp.Type())
	}

	if err := writeMsg(sess.conn, codec.FrameKindEncrypted, &protocol.ServiceRequest{Service: "shell"}); err != nil {
		return nil, err
	}
	_, svcResp, err := readMsg(sess.conn)
	if err != nil {
		return nil, err
	}
	if _, ok := svcResp.(*protocol.ServiceAccept); !ok {
		return nil, fmt.Errorf("%w: expected SERVICE_ACCEPT, got %s", protocol.ErrProtocolError, svcResp.Type())
	}

	sess.SetState(StateServiceActive)
	if log != nil {
		log.WithFields(logrus.Fields{"peer": sess.peerAddr, "session_id": sess.sessionID}).Debug("xsession: service active")
	}
	return sess, nil
}

// Accept drives the server-side mirror of Connect over an already
// net.Accept()-ed connection. On success the returned Session is in
// state ServiceActive.
func Accept(nc net.Conn, cfg ServerConfig) (*Session, error) {
	sess := &Session{
		conn:     newMessageConn(nc),
		peerAddr: nc.RemoteAddr().String(),
		side:     SideServer,
		state:    StateConnected,
	}

	sess.SetState(StateKexInProgress)
	_, init, err := readMsg(sess.conn)
	if err != nil {
		return nil, err
	}
	kexInit, ok := init.(*protocol.KexInit)
	if !ok {
		return nil, fmt.Errorf("%w: expected KEX_INIT, got %s", protocol.ErrProtocolError, init.Type())
	}

	kp, err := xcrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	hostPubEnc, err := xcrypto.MarshalPublicKey(&cfg.HostKey.PublicKey)
	if err != nil {
		return nil, err
	}
	sig, err := xcrypto.Sign(cfg.HostKey, kp.Public.Bytes())
	if err != nil {
		return nil, err
	}

	if err := writeMsg(sess.conn, codec.FrameKindPlaintext, &protocol.KexReply{
		DHPub:        kp.Public.Bytes(),
		ServerRSAPub: hostPubEnc,
		Signature:    sig,
		SessionID:    sessionID,
	}); err != nil {
		return nil, err
	}

	clientPub := new(big.Int).SetBytes(kexInit.DHPub)
	secret, err := xcrypto.SharedSecret(kp, clientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolError, err)
	}
	keys := xcrypto.DeriveKeys(secret)
	sess.conn.SetKeys(keys, keys)
	sess.sessionID = sessionID
	sess.SetState(StateKexDone)

	sess.SetState(StateAuthInProgress)
	_, authMsg, err := readMsg(sess.conn)
	if err != nil {
		return nil, err
	}
	authReq, ok := authMsg.(*protocol.AuthRequest)
	if !ok {
		return nil, fmt.Errorf("%w: expected AUTH_REQUEST, got %s", protocol.ErrProtocolError, authMsg.Type())
	}

	if err := authenticate(cfg.Directory, authReq, sessionID); err != nil {
		if log != nil {
			log.WithFields(logrus.Fields{"peer": sess.peerAddr, "username": authReq.Username}).Warn("xsession: authentication failed")
		}
		_ = writeMsg(sess.conn, codec.FrameKindEncrypted, &protocol.AuthFailure{Reason: err.Error()})
		return nil, fmt.Errorf("%w: %v", protocol.ErrAuthFailure, err)
	}

	if err := writeMsg(sess.conn, codec.FrameKindEncrypted, &protocol.AuthSuccess{}); err != nil {
		return nil, err
	}
	sess.username = authReq.Username
	sess.SetState(StateAuthenticated)
	if log != nil {
		log.WithFields(logrus.Fields{"peer": sess.peerAddr, "username": authReq.Username, "session_id": sessionID}).Info("xsession: authenticated")
	}

	rec := audit.Login(authReq.Username, "sxsh:"+sessionID[:8], sess.peerAddr)
	sess.SetAudit(rec)

	_, svcReq, err := readMsg(sess.conn)
	if err != nil {
		return nil, err
	}
	if _, ok := svcReq.(*protocol.ServiceRequest); !ok {
		return nil, fmt.Errorf("%w: expected SERVICE_REQUEST, got %s", protocol.ErrProtocolError, svcReq.Type())
	}
	if err := writeMsg(sess.conn, codec.FrameKindEncrypted, &protocol.ServiceAccept{Service: "shell"}); err != nil {
		return nil, err
	}

	sess.SetState(StateServiceActive)
	if log != nil {
		log.WithFields(logrus.Fields{"peer": sess.peerAddr, "session_id": sessionID}).Debug("xsession: service active")
	}
	return sess, nil
}

// authenticate applies spec.md §4.4's server authentication policy.
func authenticate(dir userdir.Directory, req *protocol.AuthRequest, sessionID string) error {
	entry, lookupErr := dir.Lookup(req.Username)

	switch req.AuthType {
	case protocol.AuthPassword:
		if req.Password == "" {
			return fmt.Errorf("missing password")
		}
		if lookupErr != nil || !userdir.VerifyPassword(entry, req.Password) {
			return fmt.Errorf("password mismatch")
		}
		return nil
	case protocol.AuthPublicKey:
		return verifyPublicKeyAuth(entry, lookupErr, req, sessionID)
	case protocol.AuthDual:
		if req.Password == "" {
			return fmt.Errorf("missing password")
		}
		if lookupErr != nil || !userdir.VerifyPassword(entry, req.Password) {
			return fmt.Errorf("password mismatch")
		}
		return verifyPublicKeyAuth(entry, lookupErr, req, sessionID)
	default:
		return fmt.Errorf("unknown auth_type")
	}
}

func verifyPublicKeyAuth(entry *userdir.Entry, lookupErr error, req *protocol.AuthRequest, sessionID string) error {
	if req.PublicKey == "" || len(req.Signature) == 0 {
		return fmt.Errorf("missing public key or signature")
	}
	candidate, err := xcrypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		return fmt.Errorf("malformed public key")
	}
	if lookupErr != nil || !userdir.VerifyPublicKey(entry, candidate) {
		return fmt.Errorf("public key not authorized")
	}
	if err := xcrypto.Verify(candidate, []byte(sessionID), req.Signature); err != nil {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
