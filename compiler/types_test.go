package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintStableAndSensitive(t *testing.T) {
	base := Request{
		Source:            "select 1",
		ProtocolMajor:     1,
		ProtocolMinor:     0,
		OutputFormat:      OutputFormatBinary,
		AllowCapabilities: CapModify | CapDDL,
		Module:            "default",
	}
	other := base
	require.Equal(t, base.Fingerprint(), other.Fingerprint())

	other.Source = "select 2"
	require.NotEqual(t, base.Fingerprint(), other.Fingerprint())

	other = base
	other.ReadOnly = true
	require.NotEqual(t, base.Fingerprint(), other.Fingerprint())

	other = base
	other.ProtocolMinor = 14
	require.NotEqual(t, base.Fingerprint(), other.Fingerprint())
}

func TestQueryUnitGroupOutward(t *testing.T) {
	g := QueryUnitGroup{Units: []QueryUnit{
		{Cardinality: CardinalityOne, Capabilities: CapModify},
		{Cardinality: CardinalityMany, Capabilities: CapDDL},
	}}
	require.Equal(t, CardinalityOne, g.OutwardCardinality())
	require.Equal(t, CapModify|CapDDL, g.Capabilities())
}
