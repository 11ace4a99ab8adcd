// Package catalog implements the Database Registry of spec.md §4.3: the
// process-wide set of named databases, each with a namespaces map, schema
// version counter (dbver), cached compiled queries, and an introspection
// lock serializing schema changes.
//
// Grounded on the teacher's descriptor/lease-manager idiom in
// _teacher_ref/conn_executor.go (an arena-style registry keyed by stable
// ids, per spec.md §9's design note) and on
// _teacher_ref/dbstate.py for the new_types/backend-id bookkeeping detail
// that a DDL commit carries.
//
// catalog depends on session (for the Catalog/SchemaSubscriber interfaces
// a Database implements, and to construct *session.View in NewView) but
// session never depends on catalog — this one-directional edge is what
// breaks the Database/Namespace/ConnectionView ownership cycle spec.md §9
// flags.
package catalog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/session"
)

// Namespace is a named sub-scope of a database with its own schema view
// and compiled-query cache, per spec.md §3.
type Namespace struct {
	Name string

	mu                   sync.RWMutex
	userSchema           []byte
	globalSchema         []byte
	reflectionCache      []byte
	backendIDs           map[uuid.UUID]uint32
	extensions           map[string]struct{}
	userSchemaGeneration uint64

	compiledMu    sync.RWMutex
	compiledCache map[compiler.Fingerprint]compiler.CompiledQuery

	sf singleflight.Group
}

func newNamespace(name string) *Namespace {
	return &Namespace{
		Name:          name,
		backendIDs:    map[uuid.UUID]uint32{},
		extensions:    map[string]struct{}{},
		compiledCache: map[compiler.Fingerprint]compiler.CompiledQuery{},
	}
}

// UserSchemaGeneration returns the namespace's independent schema
// generation counter (SPEC_FULL.md §4.3 supplement), distinct from the
// database-wide dbver, so Invariant (ii) ("cached compiled entry is valid
// only while dbver and the namespace's user_schema identity are
// unchanged") can be checked per-namespace without diffing schema objects.
func (ns *Namespace) UserSchemaGeneration() uint64 {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.userSchemaGeneration
}

// SchemaSnapshot returns a copy of the namespace's current user schema
// bytes, the per-namespace unit of work a dump fans out over (§4.5 '>').
func (ns *Namespace) SchemaSnapshot() []byte {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if ns.userSchema == nil {
		return nil
	}
	out := make([]byte, len(ns.userSchema))
	copy(out, ns.userSchema)
	return out
}

func (ns *Namespace) lookupCompiled(fp compiler.Fingerprint) (compiler.CompiledQuery, bool) {
	ns.compiledMu.RLock()
	defer ns.compiledMu.RUnlock()
	cq, ok := ns.compiledCache[fp]
	return cq, ok
}

func (ns *Namespace) storeCompiled(fp compiler.Fingerprint, cq compiler.CompiledQuery) {
	ns.compiledMu.Lock()
	defer ns.compiledMu.Unlock()
	ns.compiledCache[fp] = cq
}

// invalidate drops every cached compiled entry for this namespace, per
// spec.md §3 Invariant (ii): "any DDL invalidates the entire compiled
// cache of the affected namespace."
func (ns *Namespace) invalidate() {
	ns.compiledMu.Lock()
	defer ns.compiledMu.Unlock()
	ns.compiledCache = map[compiler.Fingerprint]compiler.CompiledQuery{}
}

// Compile wraps compileFn in a singleflight.Group keyed by this
// namespace's (fp), so at most one compilation of a given fingerprint is
// outstanding at a time on this namespace, per spec.md §8's testable
// invariant. Successful results are not stored here; callers store via
// Database.StoreCompiled once they've decided caching is appropriate
// (e.g. not InTxWithDDL).
func (ns *Namespace) Compile(
	ctx context.Context,
	fp compiler.Fingerprint,
	compileFn func(context.Context) (compiler.CompiledQuery, error),
) (compiler.CompiledQuery, error) {
	v, err, _ := ns.sf.Do(string(fp[:]), func() (interface{}, error) {
		return compileFn(ctx)
	})
	if err != nil {
		return compiler.CompiledQuery{}, err
	}
	return v.(compiler.CompiledQuery), nil
}

// Database is the process-wide handle for one named database: a
// namespaces map, a strictly-monotonic dbver, a subscriber set of
// connection views, and an introspection lock serializing schema
// introspection and commits, per spec.md §3/§4.3.
type Database struct {
	Name string

	dbver int64 // atomic; spec.md §3 Invariant (i): strictly monotonic

	mu         sync.RWMutex
	namespaces map[string]*Namespace

	introspectMu sync.Mutex // single-writer introspection lock, §4.3

	viewsMu sync.RWMutex
	views   map[session.ViewID]session.SchemaSubscriber

	refCount int32
}

func newDatabase(name string) *Database {
	return &Database{
		Name:       name,
		namespaces: map[string]*Namespace{"default": newNamespace("default")},
		views:      map[session.ViewID]session.SchemaSubscriber{},
	}
}

// DBVer returns the database's current schema version.
func (db *Database) DBVer() uint64 {
	return uint64(atomic.LoadInt64(&db.dbver))
}

// Namespaces returns a snapshot of the database's current namespace
// handles, the unit a dump (§4.5 '>') fans its workers out over.
func (db *Database) Namespaces() []*Namespace {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Namespace, 0, len(db.namespaces))
	for _, ns := range db.namespaces {
		out = append(out, ns)
	}
	return out
}

// Namespace returns (creating if absent) the named namespace handle.
func (db *Database) Namespace(name string) *Namespace {
	db.mu.RLock()
	ns, ok := db.namespaces[name]
	db.mu.RUnlock()
	if ok {
		return ns
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if ns, ok := db.namespaces[name]; ok {
		return ns
	}
	ns = newNamespace(name)
	db.namespaces[name] = ns
	return ns
}

// LookupCompiled implements session.Catalog.
func (db *Database) LookupCompiled(nsName string, fp compiler.Fingerprint) (compiler.CompiledQuery, bool) {
	return db.Namespace(nsName).lookupCompiled(fp)
}

// StoreCompiled implements session.Catalog.
func (db *Database) StoreCompiled(nsName string, fp compiler.Fingerprint, cq compiler.CompiledQuery) {
	db.Namespace(nsName).storeCompiled(fp, cq)
}

// Compile runs compileFn under the named namespace's single-flight group.
func (db *Database) Compile(
	ctx context.Context,
	nsName string,
	fp compiler.Fingerprint,
	compileFn func(context.Context) (compiler.CompiledQuery, error),
) (compiler.CompiledQuery, error) {
	return db.Namespace(nsName).Compile(ctx, fp, compileFn)
}

// Commit implements session.Catalog: publishes mut, bumping dbver and
// invalidating the affected namespace's compiled cache when mut.IsDDL,
// merging new backend type ids, and broadcasting invalidation to sibling
// views, per spec.md §4.3/§4.4.
func (db *Database) Commit(mut session.SchemaMutation) (session.SideEffects, error) {
	db.introspectMu.Lock()
	defer db.introspectMu.Unlock()
	ns := db.Namespace(mut.Namespace)

	var se session.SideEffects
	if mut.IsDDL {
		ns.mu.Lock()
		if mut.NewUserSchema != nil {
			ns.userSchema = mut.NewUserSchema
		}
		if mut.NewGlobalSchema != nil {
			ns.globalSchema = mut.NewGlobalSchema
		}
		for id, oid := range mut.NewTypes {
			ns.backendIDs[id] = oid
		}
		ns.userSchemaGeneration++
		ns.mu.Unlock()

		ns.invalidate()
		newVer := uint64(atomic.AddInt64(&db.dbver, 1))
		se |= session.SchemaChanges
		if mut.NewGlobalSchema != nil {
			se |= session.GlobalSchemaChanges
		}
		db.notify(mut.Namespace, newVer)
	}
	if mut.HasRoleDDL {
		se |= session.RoleChanges
	}
	if len(mut.ConfigOps) > 0 {
		for _, op := range mut.ConfigOps {
			switch op.Scope {
			case compiler.ConfigScopeInstance:
				se |= session.InstanceConfigChanges
			case compiler.ConfigScopeDatabase:
				se |= session.DatabaseConfigChanges
			}
		}
	}
	return se, nil
}

// notify broadcasts a schema invalidation to every subscribed view, per
// spec.md §4.3's "notifies sibling views."
func (db *Database) notify(namespace string, dbver uint64) {
	db.viewsMu.RLock()
	defer db.viewsMu.RUnlock()
	for _, sub := range db.views {
		sub.OnSchemaInvalidate(namespace, dbver)
	}
}

// Introspect serializes schema introspection per database (single-writer,
// spec.md §4.3): only one task may run introspection at a time.
func (db *Database) Introspect(ctx context.Context, fn func(context.Context) error) error {
	db.introspectMu.Lock()
	defer db.introspectMu.Unlock()
	return fn(ctx)
}

// Subscribe registers sub under id, returning an unsubscribe function.
func (db *Database) Subscribe(id session.ViewID, sub session.SchemaSubscriber) func() {
	db.viewsMu.Lock()
	db.views[id] = sub
	db.viewsMu.Unlock()
	return func() {
		db.viewsMu.Lock()
		delete(db.views, id)
		db.viewsMu.Unlock()
	}
}
