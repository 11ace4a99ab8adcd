package catalog

import (
	"sync"
	"sync/atomic"

	"github.com/Androidown/edgedb/protoerr"
	"github.com/Androidown/edgedb/session"
	"github.com/Androidown/edgedb/wire"
)

// Registry is the process-wide set of named databases, per spec.md §4.3.
// Grounded on the teacher's descriptor-table idiom (a single RWMutex-guarded
// map, lazily populated) in _teacher_ref/conn_executor.go.
type Registry struct {
	mu  sync.RWMutex
	dbs map[string]*Database

	nextViewID int64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dbs: map[string]*Database{}}
}

// Lookup returns the named database, or false if it has never been
// created via CreateDatabase.
func (r *Registry) Lookup(name string) (*Database, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, ok := r.dbs[name]
	return db, ok
}

// CreateDatabase registers a new, empty database named name. It returns
// protoerr.Access if one already exists, mirroring CREATE DATABASE's
// duplicate-name failure mode (spec.md §4.6's CreateDB hook).
func (r *Registry) CreateDatabase(name string) (*Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dbs[name]; ok {
		return nil, protoerr.Newf(protoerr.Access, "database %q already exists", name)
	}
	db := newDatabase(name)
	r.dbs[name] = db
	return db, nil
}

// DropDatabase removes name from the registry. It returns
// protoerr.Access if no such database exists (spec.md §4.6's DropDB
// hook).
func (r *Registry) DropDatabase(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dbs[name]; !ok {
		return protoerr.Newf(protoerr.Access, "database %q does not exist", name)
	}
	delete(r.dbs, name)
	return nil
}

// EnsureDatabase returns the named database, creating it on first use.
// The engine's connection authentication and the httpx adapter use this
// instead of CreateDatabase, which is reserved for the CREATE DATABASE
// DDL hook's duplicate-name check.
func (r *Registry) EnsureDatabase(name string) *Database {
	if db, ok := r.Lookup(name); ok {
		return db
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dbs[name]; ok {
		return db
	}
	db := newDatabase(name)
	r.dbs[name] = db
	return db
}

// NewView constructs a *session.View bound to db, registering it in db's
// subscriber set so future Commit calls from sibling connections reach
// its OnSchemaInvalidate, per spec.md §4.3's "notifies sibling views."
// The returned close func must be called when the connection's session
// ends, to unsubscribe.
func (db *Database) NewView(protocolVersion wire.ProtocolVersion, queryCacheEnabled bool) (*session.View, func()) {
	id := session.ViewID(atomic.AddInt64(&registryViewCounter, 1))
	v := session.New(session.Config{
		ID:                id,
		Database:          db.Name,
		Catalog:           db,
		ProtocolVersion:   protocolVersion,
		QueryCacheEnabled: queryCacheEnabled,
	})
	unsubscribe := db.Subscribe(id, v)
	return v, unsubscribe
}

// registryViewCounter is process-wide, so ViewIDs stay unique across
// every database in the process, not just within one Database.
var registryViewCounter int64
