package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// WriteBuffer accumulates a single outgoing message frame. It mirrors the
// teacher's writeBuffer: a sticky error field turns every write after the
// first failure into a no-op, so callers can chain Put* calls and check
// the error once, at Finish.
type WriteBuffer struct {
	wrapped bytes.Buffer
	err     error
	putbuf  [8]byte
}

// NewMessage resets buf and begins a new frame for tag. The length field is
// reserved (written as zero) and patched in by Finish.
func (b *WriteBuffer) NewMessage(tag ServerMessageType) {
	b.wrapped.Reset()
	b.err = nil
	b.putbuf[0] = byte(tag)
	binary.BigEndian.PutUint32(b.putbuf[1:5], 0)
	_, b.err = b.wrapped.Write(b.putbuf[:5])
}

// PutByte writes a single byte.
func (b *WriteBuffer) PutByte(v byte) {
	if b.err == nil {
		b.err = b.wrapped.WriteByte(v)
	}
}

// PutInt16 writes a big-endian signed 16-bit integer.
func (b *WriteBuffer) PutInt16(v int16) {
	if b.err == nil {
		binary.BigEndian.PutUint16(b.putbuf[:2], uint16(v))
		_, b.err = b.wrapped.Write(b.putbuf[:2])
	}
}

// PutUint16 writes a big-endian unsigned 16-bit integer.
func (b *WriteBuffer) PutUint16(v uint16) {
	b.PutInt16(int16(v))
}

// PutInt32 writes a big-endian signed 32-bit integer.
func (b *WriteBuffer) PutInt32(v int32) {
	if b.err == nil {
		binary.BigEndian.PutUint32(b.putbuf[:4], uint32(v))
		_, b.err = b.wrapped.Write(b.putbuf[:4])
	}
}

// PutUint32 writes a big-endian unsigned 32-bit integer.
func (b *WriteBuffer) PutUint32(v uint32) {
	b.PutInt32(int32(v))
}

// PutInt64 writes a big-endian signed 64-bit integer.
func (b *WriteBuffer) PutInt64(v int64) {
	if b.err == nil {
		binary.BigEndian.PutUint64(b.putbuf[:8], uint64(v))
		_, b.err = b.wrapped.Write(b.putbuf[:8])
	}
}

// PutUint64 writes a big-endian unsigned 64-bit integer.
func (b *WriteBuffer) PutUint64(v uint64) {
	b.PutInt64(int64(v))
}

// PutBytes writes raw bytes with no length prefix.
func (b *WriteBuffer) PutBytes(p []byte) {
	if b.err == nil {
		_, b.err = b.wrapped.Write(p)
	}
}

// PutUUID writes the 16 raw bytes of a type id / txid / dbid.
func (b *WriteBuffer) PutUUID(id uuid.UUID) {
	b.PutBytes(id[:])
}

// PutLenPrefixedBytes writes a u32 length followed by the bytes.
func (b *WriteBuffer) PutLenPrefixedBytes(p []byte) {
	b.PutInt32(int32(len(p)))
	b.PutBytes(p)
}

// PutLenPrefixedUTF8 writes a u32 length followed by the UTF-8 encoding of s.
func (b *WriteBuffer) PutLenPrefixedUTF8(s string) {
	b.PutLenPrefixedBytes([]byte(s))
}

// PutHeaders writes a headers block: nfields:u16 then (key:u16, value:lp_bytes)×n.
func (b *WriteBuffer) PutHeaders(headers map[HeaderKey][]byte) {
	b.PutUint16(uint16(len(headers)))
	for k, v := range headers {
		b.PutUint16(uint16(k))
		b.PutLenPrefixedBytes(v)
	}
}

// SetError records err as the buffer's sticky error, if none is set yet.
func (b *WriteBuffer) SetError(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Err returns the buffer's sticky error, if any.
func (b *WriteBuffer) Err() error {
	return b.err
}

// Finish patches in the frame's length field and writes the completed frame
// to w. The declared length always equals the bytes written since NewMessage
// (length field included), satisfying spec.md §4.1's WriteBuffer contract.
func (b *WriteBuffer) Finish(w io.Writer) error {
	if b.err != nil {
		return errors.Wrap(b.err, "finish message")
	}
	buf := b.wrapped.Bytes()
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(buf)-1))
	_, err := w.Write(buf)
	return err
}

// Bytes returns the accumulated frame bytes, with the length field filled
// in, without writing them anywhere.
func (b *WriteBuffer) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	buf := make([]byte, b.wrapped.Len())
	copy(buf, b.wrapped.Bytes())
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(buf)-1))
	return buf, nil
}
