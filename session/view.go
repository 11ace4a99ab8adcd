package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"hash"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/cache"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/protoerr"
	"github.com/Androidown/edgedb/wire"
)

// ConnState is the transaction state of a View, per spec.md §4.4's state
// machine table (Idle / InTx / InTxError). The teacher models an
// equivalent state set with a generic fsm.Machine
// (_teacher_ref/conn_executor.go's `machine fsm.Machine` field over
// txnState2); only _teacher_ref/fsm_match.go's pattern-matching helper was
// retrievable from the teacher, not the FSM engine itself, so this
// component is implemented as an explicit switch over a small closed state
// set rather than importing a generic transition-table engine — see
// DESIGN.md.
type ConnState int

const (
	StateIdle ConnState = iota
	StateInTx
	StateInTxError
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInTx:
		return "InTx"
	case StateInTxError:
		return "InTxError"
	default:
		return "Unknown"
	}
}

// View is the per-connection session state of spec.md §4.4: protocol
// version, current namespace, capability mask, non-tx
// (config, globals, modaliases, state_serializer), an optional
// Transaction Frame, and the View's own Statements Cache.
type View struct {
	ID  ViewID
	db  string // database name this view is attached to
	cat Catalog

	mu sync.Mutex

	protocolVersion wire.ProtocolVersion
	namespace       string
	capabilityMask  compiler.Capability

	config     map[string]interface{}
	globals    map[string]interface{}
	modAliases map[string]string

	frame *TransactionFrame

	stmts *compiledCache

	// queryCacheEnabled mirrors new_view's query_cache_enabled argument:
	// when false, LookupCompiledQuery always misses (used for
	// introspection/one-shot connections).
	queryCacheEnabled bool
}

// Config for constructing a View, mirroring DatabaseRegistry.new_view's
// parameters (spec.md §4.3).
type Config struct {
	ID                  ViewID
	Database            string
	Catalog             Catalog
	ProtocolVersion     wire.ProtocolVersion
	QueryCacheEnabled   bool
	StatementsCacheSize int
}

// New builds a View in the Idle state, ready for use after a successful
// authentication (spec.md §3's View lifecycle).
func New(cfg Config) *View {
	size := cfg.StatementsCacheSize
	if size <= 0 {
		size = 128
	}
	return &View{
		ID:                cfg.ID,
		db:                cfg.Database,
		cat:               cfg.Catalog,
		protocolVersion:   cfg.ProtocolVersion,
		namespace:         "default",
		capabilityMask:    ^compiler.Capability(0),
		config:            map[string]interface{}{},
		globals:           map[string]interface{}{},
		modAliases:        map[string]string{},
		stmts:             cache.New[StatementKey, compiler.CompiledQuery](size),
		queryCacheEnabled: cfg.QueryCacheEnabled,
	}
}

// Database returns the name of the database this view is attached to.
func (v *View) Database() string { return v.db }

// State reports the view's current transaction state.
func (v *View) State() ConnState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stateLocked()
}

func (v *View) stateLocked() ConnState {
	if v.frame == nil {
		return StateIdle
	}
	if v.frame.TxError {
		return StateInTxError
	}
	return StateInTx
}

// InTx reports whether a transaction frame (explicit or implicit) is open.
func (v *View) InTx() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame != nil
}

// InTxError reports whether the current frame is in the failed-transaction
// state, per spec.md §4.6's "view.in_tx_error()".
func (v *View) InTxError() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame != nil && v.frame.TxError
}

// InTxWithDDL reports whether the current frame has staged DDL, which
// bypasses the compiled-query cache per spec.md §4.4.
func (v *View) InTxWithDDL() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame != nil && v.frame.WithDDL
}

// CapabilityMask returns the view's allowed capability bitmask.
func (v *View) CapabilityMask() compiler.Capability {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.capabilityMask
}

// SetCapabilityMask sets the view's allowed capability bitmask, normally
// derived from the authenticated role.
func (v *View) SetCapabilityMask(mask compiler.Capability) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.capabilityMask = mask
}

// Namespace returns the view's current namespace.
func (v *View) Namespace() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.namespace
}

// SetNamespace changes the view's current namespace (EXPLICIT_MODULE /
// `SET MODULE`).
func (v *View) SetNamespace(ns string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.namespace = ns
}

// ModuleAlias resolves a module alias, consulting the open frame first, per
// spec.md §3: "When present, all reads/writes of session-visible state
// consult the frame first."
func (v *View) ModuleAlias(alias string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame != nil {
		if m, ok := v.frame.ModAliases[alias]; ok {
			return m, true
		}
	}
	m, ok := v.modAliases[alias]
	return m, ok
}

// SetModuleAlias sets a module alias, writing into the open frame if one
// exists, else into the non-tx baseline.
func (v *View) SetModuleAlias(alias, target string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame != nil {
		if v.frame.ModAliases == nil {
			v.frame.ModAliases = map[string]string{}
		}
		v.frame.ModAliases[alias] = target
		v.frame.WithSet = true
		return
	}
	v.modAliases[alias] = target
}

// ConfigValue reads a session config value, frame-first.
func (v *View) ConfigValue(name string) (interface{}, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame != nil {
		if val, ok := v.frame.Config[name]; ok {
			return val, true
		}
	}
	val, ok := v.config[name]
	return val, ok
}

// Global reads a global value, frame-first.
func (v *View) Global(name string) (interface{}, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame != nil {
		if val, ok := v.frame.Globals[name]; ok {
			return val, true
		}
	}
	val, ok := v.globals[name]
	return val, ok
}

// SetGlobal sets a global value, writing into the open frame if one
// exists, else into the non-tx baseline.
func (v *View) SetGlobal(name string, val interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame != nil {
		if v.frame.Globals == nil {
			v.frame.Globals = map[string]interface{}{}
		}
		v.frame.Globals[name] = val
		return
	}
	v.globals[name] = val
}

// serializableState is the snapshot SerializeState encodes: config,
// globals, modaliases and namespace, per spec.md §4.4.
type serializableState struct {
	Config     map[string]interface{}
	Globals    map[string]interface{}
	ModAliases map[string]string
	Namespace  string
}

// SerializeState produces an opaque byte blob summarizing session config +
// globals + modaliases + namespace, stable for equal states, per
// spec.md §4.4. It is compared by equality against a backend connection's
// LastState to decide whether state restoration can be skipped
// (spec.md §4.6).
func (v *View) SerializeState() []byte {
	v.mu.Lock()
	cfg, globals, aliases, ns := v.effectiveStateLocked()
	v.mu.Unlock()

	s := serializableState{Config: cfg, Globals: globals, ModAliases: aliases, Namespace: ns}
	return encodeStateDeterministic(s)
}

func (v *View) effectiveStateLocked() (map[string]interface{}, map[string]interface{}, map[string]string, string) {
	cfg := cloneMap(v.config)
	globals := cloneMap(v.globals)
	aliases := cloneMap(v.modAliases)
	if v.frame != nil {
		for k, val := range v.frame.Config {
			cfg[k] = val
		}
		for k, val := range v.frame.Globals {
			globals[k] = val
		}
		for k, val := range v.frame.ModAliases {
			aliases[k] = val
		}
	}
	return cfg, globals, aliases, v.namespace
}

// encodeStateDeterministic serializes s with stable key ordering so equal
// states always produce byte-identical output (spec.md §4.4's "stable for
// equal states" requirement; map iteration order in Go is randomized, so a
// plain gob.Encode of a map is not sufficient on its own).
func encodeStateDeterministic(s serializableState) []byte {
	h := sha256.New()
	writeSortedMap(h, s.Config)
	writeSortedMap(h, s.Globals)
	writeSortedStringMap(h, s.ModAliases)
	h.Write([]byte(s.Namespace))
	return h.Sum(nil)
}

func writeSortedMap(h hash.Hash, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	enc := gob.NewEncoder(h)
	for _, k := range keys {
		h.Write([]byte(k))
		_ = enc.Encode(m[k])
	}
}

func writeSortedStringMap(h hash.Hash, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(m[k]))
	}
}

// LookupCompiledQuery looks up req's fingerprint, checking the view's own
// Statements Cache first, then the shared namespace cache, per spec.md
// §4.4. It always misses while InTxWithDDL, since compilation must observe
// uncommitted schema.
func (v *View) LookupCompiledQuery(key StatementKey) (compiler.CompiledQuery, bool) {
	v.mu.Lock()
	bypass := v.frame != nil && v.frame.WithDDL
	ns := v.namespace
	v.mu.Unlock()

	if bypass || !v.queryCacheEnabled {
		return compiler.CompiledQuery{}, false
	}
	if cq, ok := v.stmts.Get(key); ok {
		return cq, true
	}
	if cq, ok := v.cat.LookupCompiled(ns, key.Fingerprint); ok {
		v.stmts.Add(key, cq)
		return cq, true
	}
	return compiler.CompiledQuery{}, false
}

// CacheCompiledQuery stores a compilation result in both the view's local
// Statements Cache and the shared namespace cache (unless bypassed, as
// above).
func (v *View) CacheCompiledQuery(key StatementKey, cq compiler.CompiledQuery) {
	v.mu.Lock()
	bypass := v.frame != nil && v.frame.WithDDL
	ns := v.namespace
	v.mu.Unlock()

	v.stmts.Add(key, cq)
	if !bypass && v.queryCacheEnabled {
		v.cat.StoreCompiled(ns, key.Fingerprint, cq)
	}
}

// EvictStatementsOnDDL runs the view's local Statements Cache's DDL
// eviction boundary, per spec.md §4.2.
func (v *View) EvictStatementsOnDDL() []StatementKey {
	return v.stmts.RemoveOnDDLBoundary()
}

// OnSchemaInvalidate implements SchemaSubscriber: a sibling view's DDL
// commit bumped dbver, so this view's local Statements Cache entries for
// the affected namespace are no longer trustworthy and must be dropped
// (spec.md §4.3: "sibling views ... must drop or revalidate any cached
// handles they hold").
func (v *View) OnSchemaInvalidate(namespace string, dbver uint64) {
	v.mu.Lock()
	ns := v.namespace
	v.mu.Unlock()
	if ns != namespace {
		return
	}
	v.stmts.Purge()
}

// Start begins processing unit against this view's current transaction
// state, per spec.md §4.4's state machine table: if InTx, the unit's
// markers are applied to the open frame; if not InTx, an implicit frame is
// created around the unit. It returns the frame the unit should execute
// against; an implicit frame is ended by the matching On* call after the
// unit runs.
func (v *View) Start(unit compiler.QueryUnit) (*TransactionFrame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.frame != nil && v.frame.TxError {
		if !(unit.TxRollback || unit.TxSavepointRollback) {
			return nil, protoerr.Newf(protoerr.Transaction, "current transaction is aborted, commands ignored until end of transaction block")
		}
	}

	if v.frame == nil {
		v.frame = &TransactionFrame{
			TxID:       uuid.New(),
			DBConfig:   map[string]interface{}{},
			Config:     cloneMap(v.config),
			Globals:    cloneMap(v.globals),
			ModAliases: cloneMap(v.modAliases),
			implicit:   unit.TxID == nil,
		}
	}
	v.applyUnitMarkersLocked(unit)
	return v.frame, nil
}

func (v *View) applyUnitMarkersLocked(unit compiler.QueryUnit) {
	f := v.frame
	if unit.DDLStmtID != "" || unit.CreateDB != "" || unit.DropDB != "" || unit.CreateNS != "" || unit.DropNS != "" {
		f.WithDDL = true
		f.SchemaMutation = true
	}
	if unit.UserSchema != nil {
		f.UserSchema = unit.UserSchema
	}
	if unit.GlobalSchema != nil {
		f.GlobalSchema = unit.GlobalSchema
	}
	if unit.HasRoleDDL {
		f.WithRoleDDL = true
	}
	if unit.SystemConfig {
		f.WithSysConfig = true
	}
	if unit.DatabaseConfig {
		f.WithDBConfig = true
	}
	if unit.HasSet {
		f.WithSet = true
	}
	if unit.TxSavepointDeclare {
		f.DeclareSavepoint(unit.SPName, unit.SPID)
	}
}

// OnSuccess records a unit's successful execution. If the unit commits the
// transaction (explicit COMMIT or end-of-implicit), it publishes
// mutations upward via the Catalog and returns the resulting SideEffects;
// on_error's tx_error toggling is handled separately by OnError.
func (v *View) OnSuccess(unit compiler.QueryUnit, newTypes backend.NewTypes) (SideEffects, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if unit.TxSavepointRollback {
		v.frame.RollbackToSavepoint(unit.SPName)
		return 0, nil
	}
	if unit.TxRollback {
		v.frame = nil
		return 0, nil
	}

	commits := unit.TxCommit || (v.frame != nil && v.frame.implicit)
	if !commits {
		return 0, nil
	}
	if v.frame == nil {
		return 0, nil
	}

	f := v.frame
	var se SideEffects
	if f.SchemaMutation {
		mut := SchemaMutation{
			Namespace:       v.namespace,
			NewUserSchema:   f.UserSchema,
			NewGlobalSchema: f.GlobalSchema,
			NewTypes:        newTypes,
			ConfigOps:       unit.ConfigOps,
			HasRoleDDL:      f.WithRoleDDL,
			IsDDL:           f.WithDDL,
		}
		// Commit notifies every subscribed view, this one included, and
		// OnSchemaInvalidate takes v.mu; release it for the call.
		v.mu.Unlock()
		effects, err := v.cat.Commit(mut)
		v.mu.Lock()
		if err != nil {
			return 0, err
		}
		se = effects
	} else if len(unit.ConfigOps) > 0 {
		effects, err := v.cat.Commit(SchemaMutation{Namespace: v.namespace, ConfigOps: unit.ConfigOps})
		if err != nil {
			return 0, err
		}
		se = effects
	}

	// Merge frame overlays into non-tx baseline.
	for k, val := range f.Config {
		v.config[k] = val
	}
	for k, val := range f.Globals {
		v.globals[k] = val
	}
	for k, val := range f.ModAliases {
		v.modAliases[k] = val
	}
	v.frame = nil
	return se, nil
}

// OnError marks the open frame as failed, per spec.md §4.4; with no frame
// open it first creates an implicit frame to carry the failure. If the backend
// has already left the transaction (e.g. a failed COMMIT), the caller
// should also call AbortTx.
func (v *View) OnError() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil {
		v.frame = &TransactionFrame{TxID: uuid.New(), implicit: true}
	}
	v.frame.TxError = true
}

// AbortTx discards the open frame entirely, per spec.md §4.6: used when
// the backend connection has fallen out of its transaction while the view
// still thinks it is in one.
func (v *View) AbortTx() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frame = nil
}

// CommitTx ends the open transaction successfully by running OnSuccess
// with a bare COMMIT unit. It returns a Transaction error when no frame is
// open.
func (v *View) CommitTx() (SideEffects, error) {
	v.mu.Lock()
	f := v.frame
	v.mu.Unlock()
	if f == nil {
		return 0, protoerr.Newf(protoerr.Transaction, "commit called with no open transaction")
	}
	return v.OnSuccess(compiler.QueryUnit{TxCommit: true}, nil)
}

// RollbackTx discards the open frame, clearing tx_error, per spec.md §4.4's
// "InTxError, ROLLBACK -> Idle, discard (sub)frame".
func (v *View) RollbackTx() {
	v.AbortTx()
}

// RollbackToSavepoint pops savepoints above and including name; preserves
// the frame and clears tx_error, per spec.md §4.4's rollback_tx_to_savepoint.
func (v *View) RollbackToSavepoint(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil {
		return protoerr.Newf(protoerr.Transaction, "ROLLBACK TO SAVEPOINT can only be used in transaction blocks")
	}
	if !v.frame.RollbackToSavepoint(name) {
		return protoerr.Newf(protoerr.Transaction, "no such savepoint %q", name)
	}
	return nil
}

// ReleaseSavepoint drops a savepoint without restoring state.
func (v *View) ReleaseSavepoint(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil || !v.frame.ReleaseSavepoint(name) {
		return protoerr.Newf(protoerr.Transaction, "no such savepoint %q", name)
	}
	return nil
}

// txIDBytes copies a TxID's 16 bytes into a fixed-size array, which
// TxIDUint64 then reads as two 8-byte big-endian halves.
func txIDBytes(id TxID) [16]byte {
	var out [16]byte
	copy(out[:], id[:])
	return out
}

// TxIDUint64 derives a stable uint64 transaction id for wire
// compatibility with clients expecting a numeric tx_id, by folding the
// UUID's bytes, matching dbstate.py's QueryUnit.tx_id being an integer.
func TxIDUint64(id TxID) uint64 {
	b := txIDBytes(id)
	return binary.BigEndian.Uint64(b[:8]) ^ binary.BigEndian.Uint64(b[8:])
}
