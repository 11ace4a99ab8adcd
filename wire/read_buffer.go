package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/Androidown/edgedb/protoerr"
)

// NewProtocolError builds a ProtocolError-marked error (spec.md §7): a
// malformed frame, unparsed trailing bytes, an unknown tag or a bad header
// key.
func NewProtocolError(msg string, args ...interface{}) error {
	return protoerr.Newf(protoerr.Protocol, msg, args...)
}

// ReadBuffer decodes a single buffered message frame: take a tag and
// declared length, then consume exactly that many payload bytes via the
// typed Get* methods. It is the read-side counterpart of WriteBuffer, and
// is owned by exactly one connection (not safe for concurrent use).
type ReadBuffer struct {
	src *bufio.Reader

	tag     byte
	msgLen  int // declared payload length, excluding the tag+length header
	payload []byte
	pos     int
}

// NewReadBuffer wraps src for frame-at-a-time decoding.
func NewReadBuffer(src io.Reader) *ReadBuffer {
	return &ReadBuffer{src: bufio.NewReader(src)}
}

// TakeMessage reads the next full (tag, length, payload) frame into the
// buffer and positions the payload cursor at its start. It blocks until a
// full frame is available or the underlying reader errors/EOFs.
//
// Mirrors spec.md §4.1's take_message: advances the cursor to payload
// start and is safe to call again after FinishMessage (idempotent in the
// sense that each call consumes exactly the next frame).
func (b *ReadBuffer) TakeMessage() error {
	tag, err := b.src.ReadByte()
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(b.src, lenBuf[:]); err != nil {
		return errors.Wrap(err, "read message length")
	}
	declared := binary.BigEndian.Uint32(lenBuf[:])
	if declared < 4 {
		return NewProtocolError("invalid message length %d", declared)
	}
	payloadLen := int(declared) - 4
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(b.src, payload); err != nil {
		return errors.Wrap(err, "read message payload")
	}
	b.tag = tag
	b.msgLen = payloadLen
	b.payload = payload
	b.pos = 0
	return nil
}

// PeekTag returns the tag of the frame most recently taken, without
// affecting the payload cursor. Used by the recovery sub-loop (spec.md
// §4.5 error handling policy) to find the next Sync without fully decoding
// discarded messages.
func (b *ReadBuffer) PeekTag() byte {
	return b.tag
}

// MsgLen returns the declared payload length of the current frame.
func (b *ReadBuffer) MsgLen() int {
	return b.msgLen
}

func (b *ReadBuffer) need(n int) error {
	if b.pos+n > b.msgLen {
		return NewProtocolError("insufficient data: need %d bytes, have %d", n, b.msgLen-b.pos)
	}
	return nil
}

// GetByte reads a single byte from the payload.
func (b *ReadBuffer) GetByte() (byte, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.payload[b.pos]
	b.pos++
	return v, nil
}

// GetInt16 reads a big-endian signed 16-bit integer.
func (b *ReadBuffer) GetInt16() (int16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	v := int16(binary.BigEndian.Uint16(b.payload[b.pos:]))
	b.pos += 2
	return v, nil
}

// GetUint16 reads a big-endian unsigned 16-bit integer.
func (b *ReadBuffer) GetUint16() (uint16, error) {
	v, err := b.GetInt16()
	return uint16(v), err
}

// GetInt32 reads a big-endian signed 32-bit integer.
func (b *ReadBuffer) GetInt32() (int32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(b.payload[b.pos:]))
	b.pos += 4
	return v, nil
}

// GetUint32 reads a big-endian unsigned 32-bit integer.
func (b *ReadBuffer) GetUint32() (uint32, error) {
	v, err := b.GetInt32()
	return uint32(v), err
}

// GetInt64 reads a big-endian signed 64-bit integer.
func (b *ReadBuffer) GetInt64() (int64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(b.payload[b.pos:]))
	b.pos += 8
	return v, nil
}

// GetUint64 reads a big-endian unsigned 64-bit integer.
func (b *ReadBuffer) GetUint64() (uint64, error) {
	v, err := b.GetInt64()
	return uint64(v), err
}

// GetBytes reads n raw bytes.
func (b *ReadBuffer) GetBytes(n int) ([]byte, error) {
	if err := b.need(n); err != nil {
		return nil, err
	}
	v := b.payload[b.pos : b.pos+n]
	b.pos += n
	return v, nil
}

// GetUUID reads the 16 raw bytes of a type id / txid / dbid.
func (b *ReadBuffer) GetUUID() (uuid.UUID, error) {
	raw, err := b.GetBytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], raw)
	return id, nil
}

// GetLenPrefixedBytes reads a u32 length followed by that many bytes.
func (b *ReadBuffer) GetLenPrefixedBytes() ([]byte, error) {
	n, err := b.GetInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, NewProtocolError("negative length-prefixed size %d", n)
	}
	return b.GetBytes(int(n))
}

// GetLenPrefixedUTF8 reads a u32 length followed by a UTF-8 string.
func (b *ReadBuffer) GetLenPrefixedUTF8() (string, error) {
	raw, err := b.GetLenPrefixedBytes()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetHeaders reads a headers block: nfields:u16 then (key:u16, value:lp_bytes)×n.
// validKeys, if non-nil, restricts accepted keys; an unrecognized key fails
// with BinaryProtocolError per spec.md §4.5.
func (b *ReadBuffer) GetHeaders(validKeys map[HeaderKey]struct{}) (map[HeaderKey][]byte, error) {
	n, err := b.GetUint16()
	if err != nil {
		return nil, err
	}
	headers := make(map[HeaderKey][]byte, n)
	for i := uint16(0); i < n; i++ {
		key, err := b.GetUint16()
		if err != nil {
			return nil, err
		}
		val, err := b.GetLenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		if validKeys != nil {
			if _, ok := validKeys[HeaderKey(key)]; !ok {
				return nil, NewBinaryProtocolError("unknown header key %#x", key)
			}
		}
		headers[HeaderKey(key)] = val
	}
	return headers, nil
}

// FinishMessage requires the payload cursor to equal the declared length;
// otherwise it signals ProtocolError("unparsed data"), per spec.md §4.1.
func (b *ReadBuffer) FinishMessage() error {
	if b.pos != b.msgLen {
		return NewProtocolError("unparsed data: consumed %d of %d bytes", b.pos, b.msgLen)
	}
	return nil
}

// Remaining returns how many unread payload bytes are left in the current
// frame, for handlers that need to skip the remainder (e.g. the recovery
// sub-loop discarding a frame whole).
func (b *ReadBuffer) Remaining() int {
	return b.msgLen - b.pos
}

// Discard consumes and drops the rest of the current frame's payload.
func (b *ReadBuffer) Discard() {
	b.pos = b.msgLen
}

// NewBinaryProtocolError wraps msg as a ProtocolError for an unrecognized
// binary structure (unknown header key, bad describe mode, unknown tag).
func NewBinaryProtocolError(msg string, args ...interface{}) error {
	return NewProtocolError(msg, args...)
}
