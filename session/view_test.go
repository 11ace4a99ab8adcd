package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/protoerr"
	"github.com/Androidown/edgedb/wire"
)

// fakeCatalog is a minimal Catalog stub recording commits, grounded on the
// teacher's own pattern of hand-rolled fakes for narrow interfaces (see
// _examples/yydzero-mnt/executor/fake).
type fakeCatalog struct {
	dbver   uint64
	shared  map[compiler.Fingerprint]compiler.CompiledQuery
	commits []SchemaMutation
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{shared: map[compiler.Fingerprint]compiler.CompiledQuery{}}
}

func (f *fakeCatalog) LookupCompiled(ns string, fp compiler.Fingerprint) (compiler.CompiledQuery, bool) {
	cq, ok := f.shared[fp]
	return cq, ok
}

func (f *fakeCatalog) StoreCompiled(ns string, fp compiler.Fingerprint, cq compiler.CompiledQuery) {
	f.shared[fp] = cq
}

func (f *fakeCatalog) Commit(mut SchemaMutation) (SideEffects, error) {
	f.commits = append(f.commits, mut)
	var se SideEffects
	if mut.IsDDL {
		f.dbver++
		se |= SchemaChanges
		for fp := range f.shared {
			delete(f.shared, fp)
		}
	}
	if len(mut.ConfigOps) > 0 {
		se |= DatabaseConfigChanges
	}
	if mut.HasRoleDDL {
		se |= RoleChanges
	}
	return se, nil
}

func (f *fakeCatalog) DBVer() uint64 { return f.dbver }

func newTestView(cat Catalog) *View {
	return New(Config{
		ID:                1,
		Database:          "testdb",
		Catalog:           cat,
		ProtocolVersion:   wire.ProtocolVersion{Major: 2, Minor: 0},
		QueryCacheEnabled: true,
	})
}

func TestImplicitTransactionAroundSingleUnit(t *testing.T) {
	cat := newFakeCatalog()
	v := newTestView(cat)

	require.Equal(t, StateIdle, v.State())
	unit := compiler.QueryUnit{}
	frame, err := v.Start(unit)
	require.NoError(t, err)
	require.True(t, frame.implicit)
	require.Equal(t, StateInTx, v.State())

	se, err := v.OnSuccess(unit, nil)
	require.NoError(t, err)
	require.Zero(t, se)
	require.Equal(t, StateIdle, v.State())
}

func TestExplicitTransactionDDLCommitBumpsDBVer(t *testing.T) {
	cat := newFakeCatalog()
	v := newTestView(cat)

	beginUnit := compiler.QueryUnit{TxID: ptrUint64(1)}
	_, err := v.Start(beginUnit)
	require.NoError(t, err)
	require.Equal(t, StateInTx, v.State())

	ddlUnit := compiler.QueryUnit{DDLStmtID: "stmt1"}
	_, err = v.Start(ddlUnit)
	require.NoError(t, err)
	require.True(t, v.InTxWithDDL())

	// Cache is bypassed while InTxWithDDL.
	key := StatementKey{Fingerprint: compiler.Request{Source: "x"}.Fingerprint()}
	_, ok := v.LookupCompiledQuery(key)
	require.False(t, ok)

	commitUnit := compiler.QueryUnit{TxCommit: true}
	_, err = v.Start(commitUnit)
	require.NoError(t, err)
	se, err := v.OnSuccess(commitUnit, backend.NewTypes{})
	require.NoError(t, err)
	require.True(t, se.Has(SchemaChanges))
	require.Equal(t, StateIdle, v.State())
	require.Equal(t, uint64(1), cat.dbver)
}

func TestErrorThenRollbackRecovers(t *testing.T) {
	cat := newFakeCatalog()
	v := newTestView(cat)

	_, err := v.Start(compiler.QueryUnit{TxID: ptrUint64(1)})
	require.NoError(t, err)

	v.OnError()
	require.Equal(t, StateInTxError, v.State())

	_, err = v.Start(compiler.QueryUnit{})
	require.Error(t, err)
	require.True(t, protoerr.Is(err, protoerr.Transaction))

	v.RollbackTx()
	require.Equal(t, StateIdle, v.State())

	_, err = v.Start(compiler.QueryUnit{})
	require.NoError(t, err)
}

func TestSavepointRollback(t *testing.T) {
	cat := newFakeCatalog()
	v := newTestView(cat)

	_, err := v.Start(compiler.QueryUnit{TxID: ptrUint64(1)})
	require.NoError(t, err)
	v.SetGlobal("g", 1)

	_, err = v.Start(compiler.QueryUnit{TxSavepointDeclare: true, SPName: "sp1"})
	require.NoError(t, err)
	v.SetGlobal("g", 2)

	require.NoError(t, v.RollbackToSavepoint("sp1"))
	val, ok := v.Global("g")
	require.True(t, ok)
	require.Equal(t, 1, val)
	require.Equal(t, StateInTx, v.State())
}

func TestSerializeStateStableForEqualStates(t *testing.T) {
	cat := newFakeCatalog()
	v1 := newTestView(cat)
	v2 := newTestView(cat)

	v1.SetGlobal("a", 1)
	v1.SetModuleAlias("m", "default")
	v2.SetGlobal("a", 1)
	v2.SetModuleAlias("m", "default")

	require.Equal(t, v1.SerializeState(), v2.SerializeState())

	v2.SetGlobal("a", 2)
	require.NotEqual(t, v1.SerializeState(), v2.SerializeState())
}

func TestOnSchemaInvalidatePurgesMatchingNamespace(t *testing.T) {
	cat := newFakeCatalog()
	v := newTestView(cat)
	key := StatementKey{Fingerprint: compiler.Request{Source: "x"}.Fingerprint()}
	v.CacheCompiledQuery(key, compiler.CompiledQuery{})
	_, ok := v.LookupCompiledQuery(key)
	require.True(t, ok)

	v.OnSchemaInvalidate("other-namespace", 5)
	_, ok = v.LookupCompiledQuery(key)
	require.True(t, ok, "unrelated namespace invalidation must not purge")

	// A real DDL commit clears the shared namespace cache before notifying
	// views; do the same here so the lookup cannot refill from it.
	_, err := cat.Commit(SchemaMutation{Namespace: "default", IsDDL: true})
	require.NoError(t, err)
	v.OnSchemaInvalidate("default", 6)
	_, ok = v.LookupCompiledQuery(key)
	require.False(t, ok)
}

func ptrUint64(v uint64) *uint64 { return &v }
