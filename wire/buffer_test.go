package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Androidown/edgedb/protoerr"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var wb WriteBuffer
	wb.NewMessage(ServerMsgCommandComplete)
	wb.PutByte(7)
	wb.PutInt16(-5)
	wb.PutUint32(42)
	id := uuid.New()
	wb.PutUUID(id)
	wb.PutLenPrefixedUTF8("hello")
	require.NoError(t, wb.Err())

	var out bytes.Buffer
	require.NoError(t, wb.Finish(&out))

	rb := NewReadBuffer(&out)
	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(ServerMsgCommandComplete), rb.PeekTag())

	b, err := rb.GetByte()
	require.NoError(t, err)
	require.Equal(t, byte(7), b)

	i16, err := rb.GetInt16()
	require.NoError(t, err)
	require.Equal(t, int16(-5), i16)

	u32, err := rb.GetUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), u32)

	gotID, err := rb.GetUUID()
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	s, err := rb.GetLenPrefixedUTF8()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	require.NoError(t, rb.FinishMessage())
}

func TestFinishMessageRejectsUnparsedData(t *testing.T) {
	var wb WriteBuffer
	wb.NewMessage(ServerMsgErrorResponse)
	wb.PutInt32(1)
	wb.PutInt32(2)

	var out bytes.Buffer
	require.NoError(t, wb.Finish(&out))

	rb := NewReadBuffer(&out)
	require.NoError(t, rb.TakeMessage())
	_, err := rb.GetInt32()
	require.NoError(t, err)
	// One int32 left unread: FinishMessage must reject.
	err = rb.FinishMessage()
	require.Error(t, err)
	require.True(t, protoerr.Is(err, protoerr.Protocol))
}

func TestGetInt32InsufficientBytes(t *testing.T) {
	var wb WriteBuffer
	wb.NewMessage(ServerMsgCommandComplete)
	wb.PutByte(1)
	var out bytes.Buffer
	require.NoError(t, wb.Finish(&out))

	rb := NewReadBuffer(&out)
	require.NoError(t, rb.TakeMessage())
	_, err := rb.GetInt32()
	require.Error(t, err)
	require.True(t, protoerr.Is(err, protoerr.Protocol))
}

func TestHeadersRoundTripAndUnknownKeyRejected(t *testing.T) {
	var wb WriteBuffer
	wb.NewMessage(ClientMessageTypeToServerForTest)
	wb.PutHeaders(map[HeaderKey][]byte{
		HeaderImplicitLimit: []byte{0, 0, 0, 0, 0, 0, 0, 10},
	})
	var out bytes.Buffer
	require.NoError(t, wb.Finish(&out))

	rb := NewReadBuffer(&out)
	require.NoError(t, rb.TakeMessage())
	headers, err := rb.GetHeaders(ValidClientHeaderKeys)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	require.NoError(t, rb.FinishMessage())

	var wb2 WriteBuffer
	wb2.NewMessage(ClientMessageTypeToServerForTest)
	wb2.PutHeaders(map[HeaderKey][]byte{0x1234: {1}})
	var out2 bytes.Buffer
	require.NoError(t, wb2.Finish(&out2))

	rb2 := NewReadBuffer(&out2)
	require.NoError(t, rb2.TakeMessage())
	_, err = rb2.GetHeaders(ValidClientHeaderKeys)
	require.Error(t, err)
	require.True(t, protoerr.Is(err, protoerr.Protocol))
}

// ClientMessageTypeToServerForTest reuses the ServerMessageType wire shape
// for a headers-only frame in tests; the header codec is tag-agnostic.
const ClientMessageTypeToServerForTest = ServerMsgData

func TestClampProtocolVersion(t *testing.T) {
	min := ProtocolVersion{0, 9}
	max := ProtocolVersion{1, 0}
	require.Equal(t, ProtocolVersion{0, 10}, Clamp(ProtocolVersion{0, 10}, min, max))
	require.Equal(t, max, Clamp(ProtocolVersion{2, 0}, min, max))
	require.Equal(t, min, Clamp(ProtocolVersion{0, 1}, min, max))
}
