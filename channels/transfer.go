package channels

import (
	"fmt"
	"io"
	"os"
	"time"

	"blitter.com/go/sxsh/dispatcher"
	"blitter.com/go/sxsh/protocol"
	"github.com/google/uuid"
)

// ChunkSize is spec.md §4.6/§6's fixed FILE_DATA payload size.
const ChunkSize = 8 * 1024

// finalAckTimeout bounds the wait for the server's final FILE_ACK after
// the last FILE_DATA chunk of an upload (spec.md §4.6).
const finalAckTimeout = 30 * time.Second

// portForwardAcceptTimeout bounds the wait for PORT_FORWARD_ACCEPT
// (spec.md §4.6); lives here since transfer.go and forward.go share the
// same Dispatcher-timeout idiom.
const portForwardAcceptTimeout = 10 * time.Second

// TransferEngine drives client-side file upload/download RPCs and
// serves the server-side counterparts.
type TransferEngine struct {
	d *dispatcher.Dispatcher
}

func NewTransferEngine(d *dispatcher.Dispatcher) *TransferEngine {
	return &TransferEngine{d: d}
}

// Upload streams localPath to the peer as targetPath, chunked at
// ChunkSize with ACK-gated completion. Grounded on the teacher's
// runClientToServerCopyAs framing (stream local data to conn, block on
// the remote side's reported outcome) generalized from an opaque tar
// stream into individually-acked, resumable-in-principle chunks.
func (e *TransferEngine) Upload(localPath, targetPath string) error {
	f, err := os.Open(localPath) // nolint: gosec
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	requestID := uuid.New().String()
	readyAwait := e.d.Await(requestID)
	if err := e.d.Send(&protocol.FileUploadRequest{
		Filename:   info.Name(),
		FileSize:   uint64(info.Size()),
		TargetPath: targetPath,
		RequestID:  requestID,
	}); err != nil {
		return err
	}
	readyMsg, err := readyAwait()
	if err != nil {
		return err
	}
	ack, ok := readyMsg.(*protocol.FileAck)
	if !ok || ack.Status != "ready" {
		return fmt.Errorf("%w: server not ready for upload", protocol.ErrRequestFailure)
	}

	finalAwait := e.d.Await(requestID)
	if err := e.streamFile(f, info.Name(), requestID); err != nil {
		return err
	}

	final, err := awaitWithTimeout(finalAwait, finalAckTimeout)
	if err != nil {
		return err
	}
	finalAck, ok := final.(*protocol.FileAck)
	if !ok || finalAck.Status != "completed" {
		msg := ""
		if ok {
			msg = finalAck.Message
		}
		return fmt.Errorf("%w: upload failed: %s", protocol.ErrRequestFailure, msg)
	}
	return nil
}

// streamFile sends the full contents of f as a sequence of FILE_DATA
// chunks, seq starting at 1, is_last set only on the final chunk — one
// chunk of lookahead (via streamChunks) so a file whose size is an exact
// multiple of ChunkSize ends after exactly size/ChunkSize chunks instead
// of an extra trailing empty one. A zero-byte file is sent as a single
// empty, is_last chunk per spec.md §4.6.
func (e *TransferEngine) streamFile(f *os.File, filename, requestID string) error {
	return streamChunks(f, func(seq uint32, isLast bool, chunk []byte) error {
		return e.d.Send(&protocol.FileData{
			Filename:  filename,
			Seq:       seq,
			IsLast:    isLast,
			Data:      chunk,
			RequestID: requestID,
		})
	})
}

// streamChunks reads f in ChunkSize pieces, holding one chunk back so it
// knows whether the chunk it is about to hand to send is the last one
// without ever having to synthesize a trailing empty chunk.
func streamChunks(f *os.File, send func(seq uint32, isLast bool, chunk []byte) error) error {
	buf := make([]byte, ChunkSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	if n == 0 {
		return send(1, true, nil)
	}
	pending := append([]byte{}, buf[:n]...)
	var seq uint32
	for {
		n2, err2 := io.ReadFull(f, buf)
		if err2 != nil && err2 != io.EOF && err2 != io.ErrUnexpectedEOF {
			return err2
		}
		if n2 == 0 {
			seq++
			return send(seq, true, pending)
		}
		seq++
		if err := send(seq, false, pending); err != nil {
			return err
		}
		pending = append([]byte{}, buf[:n2]...)
		if err2 == io.ErrUnexpectedEOF {
			seq++
			return send(seq, true, pending)
		}
	}
}

// Download requests filename from the peer and writes it to localPath,
// verifying that the bytes received equal the advertised file_size
// before replying with the final FILE_ACK (spec.md §4.6 property ii).
func (e *TransferEngine) Download(filename, localPath string) error {
	requestID := uuid.New().String()
	next, forget := e.d.AwaitStream(requestID)
	defer forget()

	if err := e.d.Send(&protocol.FileDownloadRequest{
		Filename:  filename,
		RequestID: requestID,
	}); err != nil {
		return err
	}

	out, err := os.Create(localPath) // nolint: gosec
	if err != nil {
		return err
	}
	defer out.Close()

	var expectedSize uint64
	var written uint64
	var sawSize bool
	for {
		msg, err := next()
		if err != nil {
			return err
		}
		data, ok := msg.(*protocol.FileData)
		if !ok {
			return fmt.Errorf("%w: expected FILE_DATA, got %s", protocol.ErrProtocolError, msg.Type())
		}
		if !sawSize {
			expectedSize = data.FileSize
			sawSize = true
		}
		if len(data.Data) > 0 {
			if _, err := out.Write(data.Data); err != nil {
				return err
			}
			written += uint64(len(data.Data))
		}
		if data.IsLast {
			if written != expectedSize {
				_ = e.d.Send(&protocol.FileAck{RequestID: requestID, Status: "failed", Message: "size mismatch"})
				return fmt.Errorf("%w: downloaded %d bytes, expected %d", protocol.ErrRequestFailure, written, expectedSize)
			}
			return e.d.Send(&protocol.FileAck{RequestID: requestID, Status: "completed"})
		}
	}
}

// HandleUploadRequest serves the server side of Upload: accept the
// request, stream incoming FILE_DATA chunks to disk, and report the
// outcome via the final FILE_ACK.
func (e *TransferEngine) HandleUploadRequest(req *protocol.FileUploadRequest) {
	next, forget := e.d.AwaitStream(req.RequestID)
	defer forget()

	if err := e.d.Send(&protocol.FileAck{RequestID: req.RequestID, Status: "ready"}); err != nil {
		return
	}

	out, err := os.Create(req.TargetPath) // nolint: gosec
	if err != nil {
		_ = e.d.Send(&protocol.FileAck{RequestID: req.RequestID, Status: "failed", Message: err.Error()})
		return
	}
	defer out.Close()

	var written uint64
	for {
		msg, err := next()
		if err != nil {
			return // connection gone; nothing left to ack
		}
		data, ok := msg.(*protocol.FileData)
		if !ok {
			_ = e.d.Send(&protocol.FileAck{RequestID: req.RequestID, Status: "failed", Message: "protocol error"})
			return
		}
		if len(data.Data) > 0 {
			if _, err := out.Write(data.Data); err != nil {
				_ = e.d.Send(&protocol.FileAck{RequestID: req.RequestID, Status: "failed", Message: err.Error()})
				return
			}
			written += uint64(len(data.Data))
		}
		if data.IsLast {
			if written != req.FileSize {
				_ = e.d.Send(&protocol.FileAck{RequestID: req.RequestID, Status: "failed", Message: "size mismatch"})
				return
			}
			_ = e.d.Send(&protocol.FileAck{RequestID: req.RequestID, Status: "completed"})
			return
		}
	}
}

// HandleDownloadRequest serves the server side of Download: stream
// localPath back to the client chunked at ChunkSize, then await the
// client's final FILE_ACK to confirm completion.
func (e *TransferEngine) HandleDownloadRequest(localPath string, req *protocol.FileDownloadRequest) {
	f, err := os.Open(localPath) // nolint: gosec
	if err != nil {
		_ = e.d.Send(&protocol.ErrorMsg{RequestID: req.RequestID, Message: err.Error()})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		_ = e.d.Send(&protocol.ErrorMsg{RequestID: req.RequestID, Message: err.Error()})
		return
	}

	finalAwait := e.d.Await(req.RequestID)
	if err := e.streamDownload(f, info.Name(), uint64(info.Size()), req.RequestID); err != nil {
		return
	}
	_, _ = awaitWithTimeout(finalAwait, finalAckTimeout)
}

func (e *TransferEngine) streamDownload(f *os.File, filename string, fileSize uint64, requestID string) error {
	first := true
	return streamChunks(f, func(seq uint32, isLast bool, chunk []byte) error {
		msg := &protocol.FileData{
			Filename:  filename,
			Seq:       seq,
			IsLast:    isLast,
			Data:      chunk,
			RequestID: requestID,
		}
		if first {
			msg.FileSize = fileSize
			first = false
		}
		return e.d.Send(msg)
	})
}

// awaitWithTimeout blocks on next (as returned by Dispatcher.Await) with
// a local deadline, per spec.md §4.6/§5's "timeouts are local" rule.
func awaitWithTimeout(next func() (protocol.Message, error), d time.Duration) (protocol.Message, error) {
	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := next()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(d):
		return nil, protocol.ErrTimeout
	}
}
