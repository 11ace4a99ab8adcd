// Package session implements the Connection View of spec.md §4.4: each
// connection's mutable session state (transaction stack, savepoints,
// module aliases, session configuration, globals, capability mask,
// compiled-query cache) and the transaction/savepoint state machine that
// governs it.
//
// Grounded on the teacher's connExecutor (_teacher_ref/conn_executor.go:
// the transactionState/txnState2 split, the mu-guarded mutable fields) and
// on _teacher_ref/dbstate.py for the TxAction/MigrationAction detail
// (compiler.TxAction, compiler.MigrationAction).
//
// Per spec.md §9's design note on cyclic ownership, this package holds no
// reference to the catalog package: a View talks to its owning database
// only through the small Catalog interface declared here, which
// catalog.Database implements. This keeps the dependency edge
// one-directional (catalog -> session), breaking the
// Database/Namespace/ConnectionView ownership cycle described in spec.md
// §9.
package session

import (
	"github.com/google/uuid"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/cache"
	"github.com/Androidown/edgedb/compiler"
)

// SideEffects is the bitmask on_success returns to describe which parts of
// shared state a committed unit mutated, per spec.md §4.4.
type SideEffects uint8

const (
	SchemaChanges SideEffects = 1 << iota
	DatabaseConfigChanges
	InstanceConfigChanges
	RoleChanges
	GlobalSchemaChanges
)

// Has reports whether flag is set in se.
func (se SideEffects) Has(flag SideEffects) bool { return se&flag != 0 }

// SchemaMutation is what a committing transaction frame publishes upward
// to the owning database, per spec.md §4.4's on_success description.
type SchemaMutation struct {
	Namespace       string
	NewUserSchema   []byte
	NewGlobalSchema []byte
	NewTypes        backend.NewTypes
	ConfigOps       []compiler.ConfigOp
	HasRoleDDL      bool
	// IsDDL marks that the namespace's entire compiled cache must be
	// invalidated (spec.md §3 Invariant ii).
	IsDDL bool
}

// Catalog is what a View needs from its owning database: the shared,
// schema-version-keyed compiled-query cache and the commit path that bumps
// dbver and broadcasts invalidation. catalog.Database implements this.
type Catalog interface {
	// LookupCompiled reads the namespace's shared compiled-query cache.
	LookupCompiled(ns string, fp compiler.Fingerprint) (compiler.CompiledQuery, bool)
	// StoreCompiled publishes a compilation result into the namespace's
	// shared cache.
	StoreCompiled(ns string, fp compiler.Fingerprint, cq compiler.CompiledQuery)
	// Commit publishes mut, bumping dbver and invalidating caches as
	// needed, and returns the resulting SideEffects.
	Commit(mut SchemaMutation) (SideEffects, error)
	// DBVer returns the database's current schema version.
	DBVer() uint64
}

// SchemaSubscriber lets a Database notify sibling views that the schema
// changed out from under them, per spec.md §4.3: "notifies sibling views
// (which must drop or revalidate any cached handles they hold)".
// catalog.Database holds a set of these and calls OnSchemaInvalidate from
// Commit; *View implements it.
type SchemaSubscriber interface {
	OnSchemaInvalidate(namespace string, dbver uint64)
}

// ViewID is the stable, process-unique handle a View registers under with
// its owning Database's subscriber set (spec.md §9's "arena-like
// DatabaseRegistry keyed by stable ids").
type ViewID uint64

// StatementKey identifies an entry in a View's own Statements Cache
// (spec.md §4.2): either an anonymous parse (by fingerprint) or a named
// prepared statement.
type StatementKey struct {
	Name        string
	Fingerprint compiler.Fingerprint
}

// TxID is a client-visible transaction identifier, assigned when a frame
// is created.
type TxID = uuid.UUID

// compiledCache is the concrete type of a View's local Statements Cache.
type compiledCache = cache.StatementsCache[StatementKey, compiler.CompiledQuery]
