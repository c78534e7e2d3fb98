package channels

import (
	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/protocol"
)

// ServerRouter dispatches a server's unsolicited inbound messages -
// SHELL_COMMAND, FILE_UPLOAD_REQUEST, FILE_DOWNLOAD_REQUEST,
// PORT_FORWARD_REQUEST - to the engine that serves them. Install with
// Dispatcher.SetRequestHandler(router.Handle).
type ServerRouter struct {
	Shell    *ShellEngine
	Transfer *TransferEngine
	Forward  *ForwardEngine

	// Who is the local user identity commands/transfers run as.
	Who string
	// ResolvePath maps a client-supplied filename/target_path to a
	// server-local path (e.g. rooted under Who's home directory).
	ResolvePath func(name string) string
}

func (r *ServerRouter) Handle(d *dispatcher.Dispatcher, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ShellCommand:
		r.Shell.HandleCommand(r.Who, m)
	case *protocol.FileUploadRequest:
		req := *m
		req.TargetPath = r.ResolvePath(m.TargetPath)
		r.Transfer.HandleUploadRequest(&req)
	case *protocol.FileDownloadRequest:
		r.Transfer.HandleDownloadRequest(r.ResolvePath(m.Filename), m)
	case *protocol.PortForwardRequest:
		switch m.Kind {
		case protocol.ForwardLocal:
			r.Forward.HandleForwardRequest(m)
		case protocol.ForwardRemote:
			if IsRemoteForwardSetup(m) {
				_, _ = r.Forward.ListenRemote(m.SourcePort, m.DestHost, m.DestPort)
			}
			// per-accept follow-ons for a remote forward are handled by
			// the client's ClientRouter, not here.
		}
	case *protocol.ReloadUsers:
		// left to the server's userdir.Directory wiring (cmd/sxshd); the
		// Dispatcher has already routed the message here for visibility.
	}
}

// ClientRouter dispatches a client's unsolicited inbound messages - only
// a REMOTE forward's per-accept dial requests arrive unsolicited on the
// client side, since shell/transfer/local-forward RPCs are always
// client-initiated and correlate through Dispatcher.Await instead.
type ClientRouter struct {
	Forward *ForwardEngine
}

func (r *ClientRouter) Handle(d *dispatcher.Dispatcher, msg protocol.Message) {
	if req, ok := msg.(*protocol.PortForwardRequest); ok && req.Kind == protocol.ForwardRemote && !IsRemoteForwardSetup(req) {
		r.Forward.HandleRemoteDialRequest(req)
	}
}
