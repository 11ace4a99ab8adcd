package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/session"
	"github.com/Androidown/edgedb/wire"
)

func TestCreateAndDropDatabase(t *testing.T) {
	reg := NewRegistry()

	db, err := reg.CreateDatabase("app")
	require.NoError(t, err)
	require.Equal(t, "app", db.Name)

	_, err = reg.CreateDatabase("app")
	require.Error(t, err)

	got, ok := reg.Lookup("app")
	require.True(t, ok)
	require.Same(t, db, got)

	require.NoError(t, reg.DropDatabase("app"))
	_, ok = reg.Lookup("app")
	require.False(t, ok)
}

func TestCommitDDLBumpsDBVerAndInvalidatesCache(t *testing.T) {
	reg := NewRegistry()
	db, err := reg.CreateDatabase("app")
	require.NoError(t, err)

	fp := compiler.Request{Source: "select 1"}.Fingerprint()
	db.StoreCompiled("default", fp, compiler.CompiledQuery{})
	_, ok := db.LookupCompiled("default", fp)
	require.True(t, ok)

	require.Equal(t, uint64(0), db.DBVer())

	se, err := db.Commit(session.SchemaMutation{
		Namespace:     "default",
		NewUserSchema: []byte("schema-v2"),
		IsDDL:         true,
	})
	require.NoError(t, err)
	require.True(t, se.Has(session.SchemaChanges))
	require.Equal(t, uint64(1), db.DBVer())

	_, ok = db.LookupCompiled("default", fp)
	require.False(t, ok, "DDL commit must invalidate the namespace's compiled cache")
}

func TestCommitNonDDLLeavesDBVerAndCacheAlone(t *testing.T) {
	reg := NewRegistry()
	db, err := reg.CreateDatabase("app")
	require.NoError(t, err)

	fp := compiler.Request{Source: "select 1"}.Fingerprint()
	db.StoreCompiled("default", fp, compiler.CompiledQuery{})

	se, err := db.Commit(session.SchemaMutation{Namespace: "default", IsDDL: false})
	require.NoError(t, err)
	require.Zero(t, se)
	require.Equal(t, uint64(0), db.DBVer())

	_, ok := db.LookupCompiled("default", fp)
	require.True(t, ok)
}

func TestSubscribersNotifiedOnDDLCommit(t *testing.T) {
	reg := NewRegistry()
	db, err := reg.CreateDatabase("app")
	require.NoError(t, err)

	v1, close1 := db.NewView(wire.ProtocolVersion{Major: 2}, true)
	defer close1()
	v2, close2 := db.NewView(wire.ProtocolVersion{Major: 2}, true)
	defer close2()
	require.NotEqual(t, v1.ID, v2.ID)

	key := session.StatementKey{Fingerprint: compiler.Request{Source: "x"}.Fingerprint()}
	v2.CacheCompiledQuery(key, compiler.CompiledQuery{})

	_, err = db.Commit(session.SchemaMutation{Namespace: "default", NewUserSchema: []byte("s2"), IsDDL: true})
	require.NoError(t, err)

	_, ok := v2.LookupCompiledQuery(key)
	require.False(t, ok, "sibling view must purge on notified invalidation")
}

func TestCompileIsSingleFlightedPerFingerprint(t *testing.T) {
	reg := NewRegistry()
	db, err := reg.CreateDatabase("app")
	require.NoError(t, err)

	fp := compiler.Request{Source: "select 1"}.Fingerprint()

	var calls int32
	var mu sync.Mutex
	var wg, entered sync.WaitGroup
	release := make(chan struct{})
	const n = 8
	results := make([]compiler.CompiledQuery, n)
	entered.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entered.Done()
			cq, err := db.Compile(context.Background(), "default", fp, func(ctx context.Context) (compiler.CompiledQuery, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				// Hold the compilation open so the other callers overlap it.
				<-release
				return compiler.CompiledQuery{Group: compiler.QueryUnitGroup{Units: []compiler.QueryUnit{{}}}}, nil
			})
			require.NoError(t, err)
			results[i] = cq
		}(i)
	}
	entered.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls, "concurrent compiles of the same fingerprint must single-flight")
}

func TestNamespaceCreatedLazily(t *testing.T) {
	reg := NewRegistry()
	db, err := reg.CreateDatabase("app")
	require.NoError(t, err)

	ns := db.Namespace("custom")
	require.Equal(t, "custom", ns.Name)
	require.Equal(t, uint64(0), ns.UserSchemaGeneration())

	_, err = db.Commit(session.SchemaMutation{Namespace: "custom", NewUserSchema: []byte("x"), IsDDL: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ns.UserSchemaGeneration())
}
