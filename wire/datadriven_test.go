package wire_test

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Androidown/edgedb/wire"
)

// TestDataDriven exercises WriteBuffer/ReadBuffer frame round-trips against
// golden files, in the style of the teacher's datadriven-backed package
// tests. It offers a single command:
//
//	roundtrip
//	<type> <value>
//	...
//	----
//	<golden output>
//
// Each input line is encoded into a ServerMsgCommandComplete frame via
// WriteBuffer, the frame is finished and re-parsed with ReadBuffer, and the
// decoded value is echoed back next to the one that was put in. Supported
// types: byte, int16, uint16, int32, uint32, int64, uint64, utf8, uuid (only
// the literal "nil" is accepted for uuid, keeping the golden output
// deterministic).
func TestDataDriven(t *testing.T) {
	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		datadriven.RunTest(t, path, func(t *testing.T, d *datadriven.TestData) string {
			switch d.Cmd {
			case "roundtrip":
				return runRoundtrip(t, d.Input)
			default:
				t.Fatalf("unknown command: %s", d.Cmd)
				return ""
			}
		})
	})
}

func runRoundtrip(t *testing.T, input string) string {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgCommandComplete)

	var lines []string
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		typ, val := splitOp(t, line)
		switch typ {
		case "byte":
			v, err := strconv.ParseUint(val, 10, 8)
			require.NoError(t, err)
			wb.PutByte(byte(v))
		case "int16":
			v, err := strconv.ParseInt(val, 10, 16)
			require.NoError(t, err)
			wb.PutInt16(int16(v))
		case "uint16":
			v, err := strconv.ParseUint(val, 10, 16)
			require.NoError(t, err)
			wb.PutUint16(uint16(v))
		case "int32":
			v, err := strconv.ParseInt(val, 10, 32)
			require.NoError(t, err)
			wb.PutInt32(int32(v))
		case "uint32":
			v, err := strconv.ParseUint(val, 10, 32)
			require.NoError(t, err)
			wb.PutUint32(uint32(v))
		case "int64":
			v, err := strconv.ParseInt(val, 10, 64)
			require.NoError(t, err)
			wb.PutInt64(v)
		case "uint64":
			v, err := strconv.ParseUint(val, 10, 64)
			require.NoError(t, err)
			wb.PutUint64(v)
		case "utf8":
			wb.PutLenPrefixedUTF8(val)
		case "uuid":
			require.Equal(t, "nil", val, "only the nil uuid literal is supported")
			wb.PutUUID(uuid.Nil)
		default:
			t.Fatalf("unknown op type %q", typ)
		}
	}
	require.NoError(t, wb.Err())

	var out bytes.Buffer
	require.NoError(t, wb.Finish(&out))

	var buf strings.Builder
	fmt.Fprintf(&buf, "frame bytes=%d\n", out.Len())

	rb := wire.NewReadBuffer(&out)
	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgCommandComplete), rb.PeekTag())

	for _, line := range lines {
		typ, val := splitOp(t, line)
		switch typ {
		case "byte":
			v, err := rb.GetByte()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "byte %s -> %d\n", val, v)
		case "int16":
			v, err := rb.GetInt16()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "int16 %s -> %d\n", val, v)
		case "uint16":
			v, err := rb.GetUint16()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "uint16 %s -> %d\n", val, v)
		case "int32":
			v, err := rb.GetInt32()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "int32 %s -> %d\n", val, v)
		case "uint32":
			v, err := rb.GetUint32()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "uint32 %s -> %d\n", val, v)
		case "int64":
			v, err := rb.GetInt64()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "int64 %s -> %d\n", val, v)
		case "uint64":
			v, err := rb.GetUint64()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "uint64 %s -> %d\n", val, v)
		case "utf8":
			v, err := rb.GetLenPrefixedUTF8()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "utf8 %s -> %s\n", val, v)
		case "uuid":
			v, err := rb.GetUUID()
			require.NoError(t, err)
			fmt.Fprintf(&buf, "uuid %s -> %s\n", val, v)
		}
	}

	if err := rb.FinishMessage(); err != nil {
		fmt.Fprintf(&buf, "finish: %v\n", err)
	} else {
		fmt.Fprintf(&buf, "finish: ok\n")
	}
	return buf.String()
}

func splitOp(t *testing.T, line string) (string, string) {
	fields := strings.Fields(line)
	require.NotEmpty(t, fields)
	return fields[0], strings.Join(fields[1:], " ")
}
