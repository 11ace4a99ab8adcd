// Package compiler defines the data model the EdgeQL/GraphQL compiler
// pool hands back across the process boundary: Request Fingerprint,
// Query Unit, Query Unit Group and Compiled Query (spec.md §3). The
// compiler pool itself is an out-of-scope external collaborator (spec.md
// §1); this package only carries the shapes the core needs to cache,
// validate and execute its output, grounded on the dataclasses in
// _teacher_ref/dbstate.py (QueryUnit, TxAction, MigrationAction).
package compiler

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/uuid"
)

// Capability is a bit in a u64 mask gating classes of operation.
type Capability uint64

// Capability bits, per the GLOSSARY.
const (
	CapModify Capability = 1 << iota
	CapDDL
	CapTransaction
	CapSessionConfig
	CapPersistentConfig
	CapDML
)

// Cardinality describes the shape of a query unit's result set.
type Cardinality uint8

const (
	CardinalityNoResult Cardinality = iota
	CardinalityAtMostOne
	CardinalityOne
	CardinalityMany
)

// OutputFormat is the client-requested serialization of results.
type OutputFormat uint8

const (
	OutputFormatBinary OutputFormat = iota
	OutputFormatJSON
	OutputFormatJSONLines
	OutputFormatNone
)

// TxAction enumerates the explicit transaction-control actions a compiled
// unit may represent, recovered from _teacher_ref/dbstate.py's TxAction
// enum: spec.md's prose only distinguishes "BEGIN/COMMIT/ROLLBACK and
// savepoints", this keeps savepoint declare/release/rollback-to distinct
// from the bare begin/commit/rollback actions.
type TxAction int

const (
	TxActionStart TxAction = iota + 1
	TxActionCommit
	TxActionRollback
	TxActionDeclareSavepoint
	TxActionReleaseSavepoint
	TxActionRollbackToSavepoint
)

// MigrationAction enumerates the phases of a `START MIGRATION ... COMMIT
// MIGRATION` block, recovered from _teacher_ref/dbstate.py's
// MigrationAction enum (SPEC_FULL.md §4.4 supplement).
type MigrationAction int

const (
	MigrationActionStart MigrationAction = iota + 1
	MigrationActionPopulate
	MigrationActionDescribe
	MigrationActionAbort
	MigrationActionCommit
	MigrationActionRejectProposed
)

// ConfigScope identifies which layer a config operation applies to.
type ConfigScope uint8

const (
	ConfigScopeSession ConfigScope = iota
	ConfigScopeDatabase
	ConfigScopeInstance
)

// ConfigOp is a single session/database/system configuration mutation
// produced by a CONFIGURE statement.
type ConfigOp struct {
	Scope ConfigScope
	Name  string
	Value interface{}
	// IsReset marks a `CONFIGURE RESET <name>` rather than a SET.
	IsReset bool
}

// Param describes one bound argument slot of a compiled query.
type Param struct {
	Name         string
	Required     bool
	ArrayTypeID  *uuid.UUID
	OuterIndex   int
}

// QueryUnit is one atomic backend execution step, per spec.md §3.
type QueryUnit struct {
	SQL    [][]byte
	Status []byte

	OutputFormat OutputFormat
	SQLHash      []byte

	IsTransactional bool
	Capabilities    Capability
	Cacheable       bool

	// HasSet marks a unit containing SET/session-config commands.
	HasSet bool
	// HasRoleDDL marks ALTER/DROP/CREATE ROLE commands.
	HasRoleDDL bool

	// TxID is set when this unit starts a new transaction.
	TxID *uint64

	TxCommit            bool
	TxRollback          bool
	TxSavepointRollback bool
	TxSavepointDeclare  bool
	// TxAbortMigration marks `ABORT MIGRATION`; mutually exclusive with
	// TxRollback (a single unit is never both).
	TxAbortMigration bool

	SPName string
	SPID   string

	// CreateDB/DropDB/CreateNS/DropNS name a database or namespace about
	// to be created or dropped. Each is independently guarded by its own
	// hook in exec.Coordinator (SPEC_FULL.md §4.6 resolves spec.md §9's
	// open question about a guard/field mismatch by keeping these four
	// fields, and their hooks, fully separate).
	CreateDB         string
	DropDB           string
	CreateDBTemplate string
	CreateNS         string
	DropNS           string

	// DDLStmtID, if non-empty, means the DDL statement will emit data
	// packets tagged with this id.
	DDLStmtID string

	Cardinality Cardinality

	OutTypeID   uuid.UUID
	OutTypeData []byte
	InTypeID    uuid.UUID
	InTypeData  []byte
	InTypeArgs  []Param
	Globals     []string

	SystemConfig          bool
	DatabaseConfig        bool
	SetGlobal             bool
	ConfigRequiresRestart bool
	BackendConfig         bool
	ConfigOps             []ConfigOp
	ModAliases            map[string]string

	// UserSchema, if present, is the pickled future schema state after
	// this unit runs (set on DDL units).
	UserSchema   []byte
	GlobalSchema []byte

	// TxAction/MigrationAction classify a transaction- or
	// migration-control unit; zero value means "not applicable" (an
	// ordinary query/DDL unit).
	TxAction        TxAction
	MigrationAction MigrationAction
}

// QueryUnitGroup is the compiler's atomic bundle: an ordered, non-empty
// sequence of Query Units sharing a capability union, per spec.md §3.
type QueryUnitGroup struct {
	Units []QueryUnit
}

// Capabilities returns the union of every unit's capability mask.
func (g QueryUnitGroup) Capabilities() Capability {
	var c Capability
	for _, u := range g.Units {
		c |= u.Capabilities
	}
	return c
}

// OutwardCardinality returns the cardinality a client should see for this
// group: that of unit[0], per spec.md §3.
func (g QueryUnitGroup) OutwardCardinality() Cardinality {
	if len(g.Units) == 0 {
		return CardinalityNoResult
	}
	return g.Units[0].Cardinality
}

// OutwardTypeDescription returns the (in_type_id, out_type_id,
// in_type_data, out_type_data) of unit[0], the group's outward type
// description per spec.md §3.
func (g QueryUnitGroup) OutwardTypeDescription() (inID, outID uuid.UUID, inData, outData []byte) {
	if len(g.Units) == 0 {
		return uuid.Nil, uuid.Nil, nil, nil
	}
	u := g.Units[0]
	return u.InTypeID, u.OutTypeID, u.InTypeData, u.OutTypeData
}

// CompiledQuery is the immutable record returned by the compiler pool:
// an ordered, non-empty QueryUnitGroup plus argument-embedding metadata.
// It is borrowed by many executions and never mutated after first
// publication, per spec.md §3.
type CompiledQuery struct {
	Group       QueryUnitGroup
	FirstExtra  *uint32
	ExtraCounts []uint32
	ExtraBlobs  [][]byte
}

// Request is the set of normalized inputs that determine whether two
// compilation requests are interchangeable, per spec.md §3's Request
// Fingerprint definition.
type Request struct {
	Source              string
	ProtocolMajor       uint16
	ProtocolMinor       uint16
	OutputFormat        OutputFormat
	ExpectOne           bool
	ImplicitLimit       uint64
	InlineTypeIDs       bool
	InlineTypeNames     bool
	InlineObjectIDs     bool
	AllowCapabilities   Capability
	Module              string
	Namespace           string
	ReadOnly            bool
}

// Fingerprint is a stable hash of a Request: two fingerprints equal implies
// interchangeable compilation results, per spec.md §3's invariant.
type Fingerprint [32]byte

// Fingerprint computes a stable SHA-256 fingerprint over the normalized
// tokenized source and protocol/request parameters named in spec.md §3.
// The caller is responsible for tokenizing Source beforehand (tokenization
// is a compiler-pool concern, out of scope here); Fingerprint hashes
// whatever string it is given as the "tokenized source".
func (r Request) Fingerprint() Fingerprint {
	h := sha256.New()
	h.Write([]byte(r.Source))
	var scratch [8]byte
	writeU16 := func(v uint16) {
		binary.BigEndian.PutUint16(scratch[:2], v)
		h.Write(scratch[:2])
	}
	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(scratch[:8], v)
		h.Write(scratch[:8])
	}
	writeBool := func(v bool) {
		if v {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	writeU16(r.ProtocolMajor)
	writeU16(r.ProtocolMinor)
	h.Write([]byte{byte(r.OutputFormat)})
	writeBool(r.ExpectOne)
	writeU64(r.ImplicitLimit)
	writeBool(r.InlineTypeIDs)
	writeBool(r.InlineTypeNames)
	writeBool(r.InlineObjectIDs)
	writeU64(uint64(r.AllowCapabilities))
	h.Write([]byte(r.Module))
	h.Write([]byte(r.Namespace))
	writeBool(r.ReadOnly)

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}
