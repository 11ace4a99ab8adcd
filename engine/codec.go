package engine

import (
	"encoding/binary"

	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/wire"
)

func decodeOutputFormat(b byte) (compiler.OutputFormat, error) {
	switch b {
	case 'b':
		return compiler.OutputFormatBinary, nil
	case 'j':
		return compiler.OutputFormatJSON, nil
	case 'J':
		return compiler.OutputFormatJSONLines, nil
	case 'n':
		return compiler.OutputFormatNone, nil
	default:
		return 0, wire.NewBinaryProtocolError("unknown output format %q", b)
	}
}

func decodeCardinality(b byte) (compiler.Cardinality, error) {
	switch b {
	case 'n':
		return compiler.CardinalityNoResult, nil
	case 'o':
		return compiler.CardinalityAtMostOne, nil
	case '1':
		return compiler.CardinalityOne, nil
	case 'm':
		return compiler.CardinalityMany, nil
	default:
		return 0, wire.NewBinaryProtocolError("unknown cardinality %q", b)
	}
}

func encodeCardinality(c compiler.Cardinality) byte {
	switch c {
	case compiler.CardinalityNoResult:
		return 'n'
	case compiler.CardinalityAtMostOne:
		return 'o'
	case compiler.CardinalityOne:
		return '1'
	default:
		return 'm'
	}
}

// capabilitiesHeader encodes mask as the reserved length-prefixed u64
// SERVER_HEADER_CAPABILITIES value, per spec.md §4.5's ParseComplete
// "capabilities header".
func capabilitiesHeader(mask compiler.Capability) map[wire.HeaderKey][]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(mask))
	return map[wire.HeaderKey][]byte{wire.HeaderServerCapabilities: b[:]}
}
