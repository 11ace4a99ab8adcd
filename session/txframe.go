package session

import (
	"github.com/Androidown/edgedb/compiler"
)

// Savepoint is one entry on a transaction frame's savepoint stack,
// per spec.md §3.
type Savepoint struct {
	Name string
	ID   string

	// snapshot captures the frame's mutable fields as of DECLARE
	// SAVEPOINT, so RollbackToSavepoint can restore them by popping back
	// to (and including) this entry's snapshot.
	snapshot frameSnapshot
}

// frameSnapshot is the subset of TransactionFrame that a savepoint restores
// on rollback-to.
type frameSnapshot struct {
	dbConfig       map[string]interface{}
	userSchema     []byte
	baseUserSchema []byte
	globalSchema   []byte
	schemaMutation bool
	withDDL        bool
	withRoleDDL    bool
	withSysConfig  bool
	withDBConfig   bool
	withSet        bool
	config         map[string]interface{}
	globals        map[string]interface{}
	modAliases     map[string]string
}

// TransactionFrame is the scoped record of mutations (schema, config,
// savepoints) pending commit, per spec.md §3's Connection View data model.
type TransactionFrame struct {
	TxID TxID

	DBConfig map[string]interface{}

	Savepoints []Savepoint

	UserSchema     []byte
	BaseUserSchema []byte
	GlobalSchema   []byte

	SchemaMutation bool
	WithDDL        bool
	WithRoleDDL    bool
	WithSysConfig  bool
	WithDBConfig   bool
	WithSet        bool

	// Non-tx-state overlays the frame stages on top of the View's
	// baseline, visible only within this transaction until commit.
	Config     map[string]interface{}
	Globals    map[string]interface{}
	ModAliases map[string]string

	// TxError marks the frame as failed: only ROLLBACK / ROLLBACK TO
	// SAVEPOINT are accepted until it is cleared or the frame is
	// discarded, per spec.md §4.4's state machine table.
	TxError bool

	// InMigration and MigrationAction track a `START MIGRATION ... COMMIT
	// MIGRATION` block nested in this frame (SPEC_FULL.md §4.4 supplement
	// recovered from dbstate.py's MigrationAction enum).
	InMigration     bool
	MigrationAction compiler.MigrationAction

	// implicit marks a frame begun automatically around a single non-tx
	// unit (spec.md §4.4's state machine: "Idle, non-tx unit -> Idle
	// (implicit frame)").
	implicit bool
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (f *TransactionFrame) snapshot() frameSnapshot {
	return frameSnapshot{
		dbConfig:       cloneMap(f.DBConfig),
		userSchema:     f.UserSchema,
		baseUserSchema: f.BaseUserSchema,
		globalSchema:   f.GlobalSchema,
		schemaMutation: f.SchemaMutation,
		withDDL:        f.WithDDL,
		withRoleDDL:    f.WithRoleDDL,
		withSysConfig:  f.WithSysConfig,
		withDBConfig:   f.WithDBConfig,
		withSet:        f.WithSet,
		config:         cloneMap(f.Config),
		globals:        cloneMap(f.Globals),
		modAliases:     cloneMap(f.ModAliases),
	}
}

func (f *TransactionFrame) restore(s frameSnapshot) {
	f.DBConfig = s.dbConfig
	f.UserSchema = s.userSchema
	f.BaseUserSchema = s.baseUserSchema
	f.GlobalSchema = s.globalSchema
	f.SchemaMutation = s.schemaMutation
	f.WithDDL = s.withDDL
	f.WithRoleDDL = s.withRoleDDL
	f.WithSysConfig = s.withSysConfig
	f.WithDBConfig = s.withDBConfig
	f.WithSet = s.withSet
	f.Config = s.config
	f.Globals = s.globals
	f.ModAliases = s.modAliases
}

// DeclareSavepoint pushes a new savepoint capturing the frame's current
// state.
func (f *TransactionFrame) DeclareSavepoint(name, id string) {
	f.Savepoints = append(f.Savepoints, Savepoint{
		Name:     name,
		ID:       id,
		snapshot: f.snapshot(),
	})
}

// ReleaseSavepoint drops the named savepoint (and any declared after it)
// from the stack without restoring state, per RELEASE SAVEPOINT semantics.
func (f *TransactionFrame) ReleaseSavepoint(name string) bool {
	for i := len(f.Savepoints) - 1; i >= 0; i-- {
		if f.Savepoints[i].Name == name {
			f.Savepoints = f.Savepoints[:i]
			return true
		}
	}
	return false
}

// RollbackToSavepoint pops every savepoint above and including name,
// restoring the frame to the state captured when name was declared, per
// spec.md §4.4's rollback_tx_to_savepoint. It clears TxError and preserves
// the frame (it does not discard it).
func (f *TransactionFrame) RollbackToSavepoint(name string) bool {
	for i := len(f.Savepoints) - 1; i >= 0; i-- {
		if f.Savepoints[i].Name == name {
			snap := f.Savepoints[i].snapshot
			f.restore(snap)
			f.Savepoints = f.Savepoints[:i]
			f.TxError = false
			return true
		}
	}
	return false
}
