package protocol

import "fmt"

// MessageType tags a Message's wire record. See spec §6 for the
// exhaustive list.
type MessageType uint16

// nolint: golint
const (
	_ MessageType = iota // 0 is reserved; a zero tag is always invalid
	MsgKexInit
	MsgKexReply
	MsgAuthRequest
	MsgAuthSuccess
	MsgAuthFailure
	MsgServiceRequest
	MsgServiceAccept
	MsgShellCommand
	MsgShellResult
	MsgFileUploadRequest
	MsgFileDownloadRequest
	MsgFileData
	MsgFileAck
	MsgPortForwardRequest
	MsgPortForwardAccept
	MsgPortForwardData
	MsgPortForwardClose
	MsgDisconnect
	MsgError
	MsgReloadUsers
)

func (t MessageType) String() string {
	switch t {
	case MsgKexInit:
		return "KEX_INIT"
	case MsgKexReply:
		return "KEX_REPLY"
	case MsgAuthRequest:
		return "AUTH_REQUEST"
	case MsgAuthSuccess:
		return "AUTH_SUCCESS"
	case MsgAuthFailure:
		return "AUTH_FAILURE"
	case MsgServiceRequest:
		return "SERVICE_REQUEST"
	case MsgServiceAccept:
		return "SERVICE_ACCEPT"
	case MsgShellCommand:
		return "SHELL_COMMAND"
	case MsgShellResult:
		return "SHELL_RESULT"
	case MsgFileUploadRequest:
		return "FILE_UPLOAD_REQUEST"
	case MsgFileDownloadRequest:
		return "FILE_DOWNLOAD_REQUEST"
	case MsgFileData:
		return "FILE_DATA"
	case MsgFileAck:
		return "FILE_ACK"
	case MsgPortForwardRequest:
		return "PORT_FORWARD_REQUEST"
	case MsgPortForwardAccept:
		return "PORT_FORWARD_ACCEPT"
	case MsgPortForwardData:
		return "PORT_FORWARD_DATA"
	case MsgPortForwardClose:
		return "PORT_FORWARD_CLOSE"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgError:
		return "ERROR"
	case MsgReloadUsers:
		return "RELOAD_USERS"
	default:
		return fmt.Sprintf("MSG_UNKNOWN(%d)", uint16(t))
	}
}

// AuthType enumerates AUTH_REQUEST.auth_type values.
type AuthType uint8

// nolint: golint
const (
	AuthPassword AuthType = iota
	AuthPublicKey
	AuthDual
)

func (a AuthType) String() string {
	switch a {
	case AuthPassword:
		return "password"
	case AuthPublicKey:
		return "publickey"
	case AuthDual:
		return "dual"
	default:
		return "unknown"
	}
}

// ForwardType enumerates PORT_FORWARD_REQUEST.type values.
type ForwardType uint8

// nolint: golint
const (
	ForwardLocal ForwardType = iota
	ForwardRemote
)

// Message is implemented by every wire variant. Type identifies which
// variant a decoded Message is without a type assertion chain.
type Message interface {
	Type() MessageType
	encode() []byte
}

// Encode serializes any Message to its wire record (tag + fields). The
// codec layer prefixes this with the frame length (and, post-handshake,
// wraps it in the encrypted record layer).
func Encode(m Message) []byte {
	return m.encode()
}

// Decode parses a wire record (as produced by Encode) back into its
// concrete Message variant. An unrecognized tag is a protocol error -
// the spec requires unknown tags be rejected, not ignored.
func Decode(payload []byte) (Message, error) {
	t, err := peekType(payload)
	if err != nil {
		return nil, err
	}
	switch t {
	case MsgKexInit:
		return decodeKexInit(payload)
	case MsgKexReply:
		return decodeKexReply(payload)
	case MsgAuthRequest:
		return decodeAuthRequest(payload)
	case MsgAuthSuccess:
		return decodeAuthSuccess(payload)
	case MsgAuthFailure:
		return decodeAuthFailure(payload)
	case MsgServiceRequest:
		return decodeServiceRequest(payload)
	case MsgServiceAccept:
		return decodeServiceAccept(payload)
	case MsgShellCommand:
		return decodeShellCommand(payload)
	case MsgShellResult:
		return decodeShellResult(payload)
	case MsgFileUploadRequest:
		return decodeFileUploadRequest(payload)
	case MsgFileDownloadRequest:
		return decodeFileDownloadRequest(payload)
	case MsgFileData:
		return decodeFileData(payload)
	case MsgFileAck:
		return decodeFileAck(payload)
	case MsgPortForwardRequest:
		return decodePortForwardRequest(payload)
	case MsgPortForwardAccept:
		return decodePortForwardAccept(payload)
	case MsgPortForwardData:
		return decodePortForwardData(payload)
	case MsgPortForwardClose:
		return decodePortForwardClose(payload)
	case MsgDisconnect:
		return decodeDisconnect(payload)
	case MsgError:
		return decodeErrorMsg(payload)
	case MsgReloadUsers:
		return decodeReloadUsers(payload)
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocolError, uint16(t))
	}
}

// ----------------------------------------------------------------------
// KEX_INIT

type KexInit struct {
	DHPub            []byte
	ClientIDString   string
}

func (*KexInit) Type() MessageType { return MsgKexInit }

func (m *KexInit) encode() []byte {
	w := newFieldWriter(MsgKexInit)
	w.bytes(m.DHPub)
	w.str(m.ClientIDString)
	return w.bytesOut()
}

func decodeKexInit(p []byte) (Message, error) {
	r, err := newFieldReader(MsgKexInit, p)
	if err != nil {
		return nil, err
	}
	m := &KexInit{}
	if m.DHPub, err = r.bytesField(); err != nil {
		return nil, err
	}
	if m.ClientIDString, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// KEX_REPLY

type KexReply struct {
	DHPub         []byte
	ServerRSAPub  string // base64 SPKI
	Signature     []byte // over DHPub
	SessionID     string // utf-8, UUID string form
}

func (*KexReply) Type() MessageType { return MsgKexReply }

func (m *KexReply) encode() []byte {
	w := newFieldWriter(MsgKexReply)
	w.bytes(m.DHPub)
	w.str(m.ServerRSAPub)
	w.bytes(m.Signature)
	w.str(m.SessionID)
	return w.bytesOut()
}

func decodeKexReply(p []byte) (Message, error) {
	r, err := newFieldReader(MsgKexReply, p)
	if err != nil {
		return nil, err
	}
	m := &KexReply{}
	if m.DHPub, err = r.bytesField(); err != nil {
		return nil, err
	}
	if m.ServerRSAPub, err = r.str(); err != nil {
		return nil, err
	}
	if m.Signature, err = r.bytesField(); err != nil {
		return nil, err
	}
	if m.SessionID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// AUTH_REQUEST

type AuthRequest struct {
	Username  string
	AuthType  AuthType
	Password  string // optional
	PublicKey string // optional, base64
	Signature []byte // optional, over session_id
}

func (*AuthRequest) Type() MessageType { return MsgAuthRequest }

func (m *AuthRequest) encode() []byte {
	w := newFieldWriter(MsgAuthRequest)
	w.str(m.Username)
	w.u8(uint8(m.AuthType))
	w.str(m.Password)
	w.str(m.PublicKey)
	w.bytes(m.Signature)
	return w.bytesOut()
}

func decodeAuthRequest(p []byte) (Message, error) {
	r, err := newFieldReader(MsgAuthRequest, p)
	if err != nil {
		return nil, err
	}
	m := &AuthRequest{}
	if m.Username, err = r.str(); err != nil {
		return nil, err
	}
	at, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.AuthType = AuthType(at)
	if m.Password, err = r.str(); err != nil {
		return nil, err
	}
	if m.PublicKey, err = r.str(); err != nil {
		return nil, err
	}
	if m.Signature, err = r.bytesField(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// AUTH_SUCCESS / AUTH_FAILURE

type AuthSuccess struct{}

func (*AuthSuccess) Type() MessageType { return MsgAuthSuccess }
func (m *AuthSuccess) encode() []byte  { return newFieldWriter(MsgAuthSuccess).bytesOut() }
func decodeAuthSuccess(p []byte) (Message, error) {
	if _, err := newFieldReader(MsgAuthSuccess, p); err != nil {
		return nil, err
	}
	return &AuthSuccess{}, nil
}

type AuthFailure struct {
	Reason string
}

func (*AuthFailure) Type() MessageType { return MsgAuthFailure }
func (m *AuthFailure) encode() []byte {
	w := newFieldWriter(MsgAuthFailure)
	w.str(m.Reason)
	return w.bytesOut()
}
func decodeAuthFailure(p []byte) (Message, error) {
	r, err := newFieldReader(MsgAuthFailure, p)
	if err != nil {
		return nil, err
	}
	m := &AuthFailure{}
	if m.Reason, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// SERVICE_REQUEST / SERVICE_ACCEPT

type ServiceRequest struct {
	Service string
}

func (*ServiceRequest) Type() MessageType { return MsgServiceRequest }
func (m *ServiceRequest) encode() []byte {
	w := newFieldWriter(MsgServiceRequest)
	w.str(m.Service)
	return w.bytesOut()
}
func decodeServiceRequest(p []byte) (Message, error) {
	r, err := newFieldReader(MsgServiceRequest, p)
	if err != nil {
		return nil, err
	}
	m := &ServiceRequest{}
	if m.Service, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type ServiceAccept struct {
	Service string
}

func (*ServiceAccept) Type() MessageType { return MsgServiceAccept }
func (m *ServiceAccept) encode() []byte {
	w := newFieldWriter(MsgServiceAccept)
	w.str(m.Service)
	return w.bytesOut()
}
func decodeServiceAccept(p []byte) (Message, error) {
	r, err := newFieldReader(MsgServiceAccept, p)
	if err != nil {
		return nil, err
	}
	m := &ServiceAccept{}
	if m.Service, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// SHELL_COMMAND / SHELL_RESULT

type ShellCommand struct {
	Command   string
	Cwd       string
	RequestID string
}

func (*ShellCommand) Type() MessageType { return MsgShellCommand }
func (m *ShellCommand) encode() []byte {
	w := newFieldWriter(MsgShellCommand)
	w.str(m.Command)
	w.str(m.Cwd)
	w.str(m.RequestID)
	return w.bytesOut()
}
func decodeShellCommand(p []byte) (Message, error) {
	r, err := newFieldReader(MsgShellCommand, p)
	if err != nil {
		return nil, err
	}
	m := &ShellCommand{}
	if m.Command, err = r.str(); err != nil {
		return nil, err
	}
	if m.Cwd, err = r.str(); err != nil {
		return nil, err
	}
	if m.RequestID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type ShellResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int32
	Cwd       string
	RequestID string
}

func (*ShellResult) Type() MessageType { return MsgShellResult }
func (m *ShellResult) encode() []byte {
	w := newFieldWriter(MsgShellResult)
	w.str(m.Stdout)
	w.str(m.Stderr)
	w.i32(m.ExitCode)
	w.str(m.Cwd)
	w.str(m.RequestID)
	return w.bytesOut()
}
func decodeShellResult(p []byte) (Message, error) {
	r, err := newFieldReader(MsgShellResult, p)
	if err != nil {
		return nil, err
	}
	m := &ShellResult{}
	if m.Stdout, err = r.str(); err != nil {
		return nil, err
	}
	if m.Stderr, err = r.str(); err != nil {
		return nil, err
	}
	if m.ExitCode, err = r.i32(); err != nil {
		return nil, err
	}
	if m.Cwd, err = r.str(); err != nil {
		return nil, err
	}
	if m.RequestID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// FILE_UPLOAD_REQUEST / FILE_DOWNLOAD_REQUEST

type FileUploadRequest struct {
	Filename   string
	FileSize   uint64
	TargetPath string
	RequestID  string
}

func (*FileUploadRequest) Type() MessageType { return MsgFileUploadRequest }
func (m *FileUploadRequest) encode() []byte {
	w := newFieldWriter(MsgFileUploadRequest)
	w.str(m.Filename)
	w.u64(m.FileSize)
	w.str(m.TargetPath)
	w.str(m.RequestID)
	return w.bytesOut()
}
func decodeFileUploadRequest(p []byte) (Message, error) {
	r, err := newFieldReader(MsgFileUploadRequest, p)
	if err != nil {
		return nil, err
	}
	m := &FileUploadRequest{}
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	if m.FileSize, err = r.u64(); err != nil {
		return nil, err
	}
	if m.TargetPath, err = r.str(); err != nil {
		return nil, err
	}
	if m.RequestID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type FileDownloadRequest struct {
	Filename  string
	RequestID string
}

func (*FileDownloadRequest) Type() MessageType { return MsgFileDownloadRequest }
func (m *FileDownloadRequest) encode() []byte {
	w := newFieldWriter(MsgFileDownloadRequest)
	w.str(m.Filename)
	w.str(m.RequestID)
	return w.bytesOut()
}
func decodeFileDownloadRequest(p []byte) (Message, error) {
	r, err := newFieldReader(MsgFileDownloadRequest, p)
	if err != nil {
		return nil, err
	}
	m := &FileDownloadRequest{}
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	if m.RequestID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// FILE_DATA

type FileData struct {
	Filename  string
	Seq       uint32
	IsLast    bool
	FileSize  uint64 // only meaningful on first chunk of a download
	Data      []byte
	RequestID string
}

func (*FileData) Type() MessageType { return MsgFileData }
func (m *FileData) encode() []byte {
	w := newFieldWriter(MsgFileData)
	w.str(m.Filename)
	w.u32(m.Seq)
	w.boolean(m.IsLast)
	w.u64(m.FileSize)
	w.bytes(m.Data)
	w.str(m.RequestID)
	return w.bytesOut()
}
func decodeFileData(p []byte) (Message, error) {
	r, err := newFieldReader(MsgFileData, p)
	if err != nil {
		return nil, err
	}
	m := &FileData{}
	if m.Filename, err = r.str(); err != nil {
		return nil, err
	}
	if m.Seq, err = r.u32(); err != nil {
		return nil, err
	}
	if m.IsLast, err = r.boolean(); err != nil {
		return nil, err
	}
	if m.FileSize, err = r.u64(); err != nil {
		return nil, err
	}
	if m.Data, err = r.bytesField(); err != nil {
		return nil, err
	}
	if m.RequestID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// FILE_ACK

type FileAck struct {
	RequestID string
	Status    string // "ready" | "completed" | "failed"
	Message   string
}

func (*FileAck) Type() MessageType { return MsgFileAck }
func (m *FileAck) encode() []byte {
	w := newFieldWriter(MsgFileAck)
	w.str(m.RequestID)
	w.str(m.Status)
	w.str(m.Message)
	return w.bytesOut()
}
func decodeFileAck(p []byte) (Message, error) {
	r, err := newFieldReader(MsgFileAck, p)
	if err != nil {
		return nil, err
	}
	m := &FileAck{}
	if m.RequestID, err = r.str(); err != nil {
		return nil, err
	}
	if m.Status, err = r.str(); err != nil {
		return nil, err
	}
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// PORT_FORWARD_REQUEST / ACCEPT / DATA / CLOSE

type PortForwardRequest struct {
	Kind         ForwardType
	SourcePort   uint16
	DestHost     string
	DestPort     uint16
	ConnectionID string
}

func (*PortForwardRequest) Type() MessageType { return MsgPortForwardRequest }
func (m *PortForwardRequest) encode() []byte {
	w := newFieldWriter(MsgPortForwardRequest)
	w.u8(uint8(m.Kind))
	w.u16(m.SourcePort)
	w.str(m.DestHost)
	w.u16(m.DestPort)
	w.str(m.ConnectionID)
	return w.bytesOut()
}
func decodePortForwardRequest(p []byte) (Message, error) {
	r, err := newFieldReader(MsgPortForwardRequest, p)
	if err != nil {
		return nil, err
	}
	m := &PortForwardRequest{}
	k, err := r.u8()
	if err != nil {
		return nil, err
	}
	m.Kind = ForwardType(k)
	if m.SourcePort, err = r.u16(); err != nil {
		return nil, err
	}
	if m.DestHost, err = r.str(); err != nil {
		return nil, err
	}
	if m.DestPort, err = r.u16(); err != nil {
		return nil, err
	}
	if m.ConnectionID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

type PortForwardAccept struct {
	ConnectionID string
	Success      bool
}

func (*PortForwardAccept) Type() MessageType { return MsgPortForwardAccept }
func (m *PortForwardAccept) encode() []byte {
	w := newFieldWriter(MsgPortForwardAccept)
	w.str(m.ConnectionID)
	w.boolean(m.Success)
	return w.bytesOut()
}
func decodePortForwardAccept(p []byte) (Message, error) {
	r, err := newFieldReader(MsgPortForwardAccept, p)
	if err != nil {
		return nil, err
	}
	m := &PortForwardAccept{}
	if m.ConnectionID, err = r.str(); err != nil {
		return nil, err
	}
	if m.Success, err = r.boolean(); err != nil {
		return nil, err
	}
	return m, nil
}

type PortForwardData struct {
	ConnectionID string
	Data         []byte
}

func (*PortForwardData) Type() MessageType { return MsgPortForwardData }
func (m *PortForwardData) encode() []byte {
	w := newFieldWriter(MsgPortForwardData)
	w.str(m.ConnectionID)
	w.bytes(m.Data)
	return w.bytesOut()
}
func decodePortForwardData(p []byte) (Message, error) {
	r, err := newFieldReader(MsgPortForwardData, p)
	if err != nil {
		return nil, err
	}
	m := &PortForwardData{}
	if m.ConnectionID, err = r.str(); err != nil {
		return nil, err
	}
	if m.Data, err = r.bytesField(); err != nil {
		return nil, err
	}
	return m, nil
}

type PortForwardClose struct {
	ConnectionID string
}

func (*PortForwardClose) Type() MessageType { return MsgPortForwardClose }
func (m *PortForwardClose) encode() []byte {
	w := newFieldWriter(MsgPortForwardClose)
	w.str(m.ConnectionID)
	return w.bytesOut()
}
func decodePortForwardClose(p []byte) (Message, error) {
	r, err := newFieldReader(MsgPortForwardClose, p)
	if err != nil {
		return nil, err
	}
	m := &PortForwardClose{}
	if m.ConnectionID, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ----------------------------------------------------------------------
// DISCONNECT / ERROR / RELOAD_USERS

type Disconnect struct {
	Reason string
}

func (*Disconnect) Type() MessageType { return MsgDisconnect }
func (m *Disconnect) encode() []byte {
	w := newFieldWriter(MsgDisconnect)
	w.str(m.Reason)
	return w.bytesOut()
}
func decodeDisconnect(p []byte) (Message, error) {
	r, err := newFieldReader(MsgDisconnect, p)
	if err != nil {
		return nil, err
	}
	m := &Disconnect{}
	if m.Reason, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ErrorMsg carries a per-request_id (or session-wide, if RequestID is
// empty) failure back to the peer.
type ErrorMsg struct {
	RequestID string
	Message   string
}

func (*ErrorMsg) Type() MessageType { return MsgError }
func (m *ErrorMsg) encode() []byte {
	w := newFieldWriter(MsgError)
	w.str(m.RequestID)
	w.str(m.Message)
	return w.bytesOut()
}
func decodeErrorMsg(p []byte) (Message, error) {
	r, err := newFieldReader(MsgError, p)
	if err != nil {
		return nil, err
	}
	m := &ErrorMsg{}
	if m.RequestID, err = r.str(); err != nil {
		return nil, err
	}
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReloadUsers is an admin request: re-read the UserDirectory backing
// store without restarting the server.
type ReloadUsers struct{}

func (*ReloadUsers) Type() MessageType { return MsgReloadUsers }
func (m *ReloadUsers) encode() []byte  { return newFieldWriter(MsgReloadUsers).bytesOut() }
func decodeReloadUsers(p []byte) (Message, error) {
	if _, err := newFieldReader(MsgReloadUsers, p); err != nil {
		return nil, err
	}
	return &ReloadUsers{}, nil
}
