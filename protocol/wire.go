package protocol

// Self-describing record encoding for Message variants: a u16 type tag
// followed by fields in a stable writer-defined order. Strings and raw
// byte fields are varint-length-prefixed; integers are fixed-width
// big-endian; bools are a single byte. Unknown trailing bytes (a field
// added by a newer peer) are ignored by the reader rather than rejected,
// but a field a reader expects and does not find is a protocol error -
// parsers are conservative about what they accept, not about what they
// tolerate trailing.

import (
	"encoding/binary"
	"fmt"
)

type fieldWriter struct {
	buf []byte
}

func newFieldWriter(tag MessageType) *fieldWriter {
	w := &fieldWriter{buf: make([]byte, 2, 64)}
	binary.BigEndian.PutUint16(w.buf, uint16(tag))
	return w
}

func (w *fieldWriter) putUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

func (w *fieldWriter) bytes(b []byte) {
	w.putUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *fieldWriter) str(s string) {
	w.bytes([]byte(s))
}

func (w *fieldWriter) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *fieldWriter) u16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *fieldWriter) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *fieldWriter) i32(v int32) {
	w.u32(uint32(v))
}

func (w *fieldWriter) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *fieldWriter) boolean(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *fieldWriter) bytesOut() []byte {
	return w.buf
}

// fieldReader parses fields out of a payload in the same order the
// writer emitted them. A short read is always ErrProtocolError (a
// truncated message, not a truncated frame - that case is ErrFramingError
// and is handled one layer down in codec).
type fieldReader struct {
	b   []byte
	pos int
}

func newFieldReader(tag MessageType, payload []byte) (*fieldReader, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: short message header", ErrProtocolError)
	}
	got := MessageType(binary.BigEndian.Uint16(payload))
	if got != tag {
		return nil, fmt.Errorf("%w: tag mismatch (want %d got %d)", ErrProtocolError, tag, got)
	}
	return &fieldReader{b: payload, pos: 2}, nil
}

func (r *fieldReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: malformed varint", ErrProtocolError)
	}
	r.pos += n
	return v, nil
}

func (r *fieldReader) bytesField() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.pos)+n > uint64(len(r.b)) {
		return nil, fmt.Errorf("%w: field length exceeds message", ErrProtocolError)
	}
	out := make([]byte, n)
	copy(out, r.b[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *fieldReader) str() (string, error) {
	b, err := r.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *fieldReader) need(n int) error {
	if r.pos+n > len(r.b) {
		return fmt.Errorf("%w: truncated field", ErrProtocolError)
	}
	return nil
}

func (r *fieldReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *fieldReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *fieldReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *fieldReader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *fieldReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *fieldReader) boolean() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// peekType reads just the u16 tag from a payload without consuming a
// reader, used by Decode to select which variant to parse.
func peekType(payload []byte) (MessageType, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("%w: empty message", ErrProtocolError)
	}
	return MessageType(binary.BigEndian.Uint16(payload)), nil
}
