package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/protoerr"
	"github.com/Androidown/edgedb/session"
)

type fakeConn struct {
	lastState  []byte
	ddlCalls   int
	execCalls  [][][]byte
	runDDLErr  error
	execErr    error
	newTypesOn backend.NewTypes
}

func (c *fakeConn) SQLExecute(ctx context.Context, sql [][]byte, state []byte) error {
	if c.execErr != nil {
		return c.execErr
	}
	c.execCalls = append(c.execCalls, sql)
	return nil
}

func (c *fakeConn) RunDDL(ctx context.Context, unit compiler.QueryUnit, state []byte) (backend.NewTypes, error) {
	c.ddlCalls++
	if c.runDDLErr != nil {
		return nil, c.runDDLErr
	}
	return c.newTypesOn, nil
}

func (c *fakeConn) ParseExecuteJSON(ctx context.Context, sql []byte, args map[string]interface{}) ([]byte, error) {
	return nil, nil
}

func (c *fakeConn) LastState() []byte       { return c.lastState }
func (c *fakeConn) SetLastState(s []byte)   { c.lastState = s }

type fakePool struct {
	conn     *fakeConn
	released bool
}

func (p *fakePool) Acquire(ctx context.Context, db string) (backend.Conn, error) {
	return p.conn, nil
}

func (p *fakePool) Release(conn backend.Conn) { p.released = true }

// fakeView is a minimal exec.View, grounded on the teacher's hand-rolled
// narrow-interface fakes.
type fakeView struct {
	frame       *session.TransactionFrame
	inTxError   bool
	state       []byte
	successes   []compiler.QueryUnit
	errored     bool
	aborted     bool
	namespace   string
}

func (v *fakeView) InTxError() bool       { return v.inTxError }
func (v *fakeView) InTx() bool            { return v.frame != nil }
func (v *fakeView) SerializeState() []byte { return v.state }
func (v *fakeView) Namespace() string     { return v.namespace }

func (v *fakeView) Start(unit compiler.QueryUnit) (*session.TransactionFrame, error) {
	if v.frame == nil {
		v.frame = &session.TransactionFrame{}
	}
	if unit.TxCommit {
		// leave frame in place; OnSuccess clears it.
	}
	return v.frame, nil
}

func (v *fakeView) OnSuccess(unit compiler.QueryUnit, newTypes backend.NewTypes) (session.SideEffects, error) {
	v.successes = append(v.successes, unit)
	if unit.TxCommit || v.frame == nil {
		v.frame = nil
	}
	return 0, nil
}

func (v *fakeView) OnError() { v.errored = true }
func (v *fakeView) AbortTx() { v.aborted = true; v.frame = nil }

func TestRunExecutesEachUnitAndReleasesConnection(t *testing.T) {
	conn := &fakeConn{}
	pool := &fakePool{conn: conn}
	co := New(pool, Hooks{})
	v := &fakeView{namespace: "default"}

	group := compiler.QueryUnitGroup{Units: []compiler.QueryUnit{
		{SQL: [][]byte{[]byte("select 1")}},
	}}

	_, err := co.Run(context.Background(), "app", v, group)
	require.NoError(t, err)
	require.Len(t, conn.execCalls, 1)
	require.True(t, pool.released)
	require.Len(t, v.successes, 1)
}

func TestRunRoutesDDLUnitsThroughRunDDL(t *testing.T) {
	conn := &fakeConn{newTypesOn: backend.NewTypes{}}
	pool := &fakePool{conn: conn}
	co := New(pool, Hooks{})
	v := &fakeView{namespace: "default"}

	group := compiler.QueryUnitGroup{Units: []compiler.QueryUnit{
		{DDLStmtID: "stmt1", SQL: [][]byte{[]byte("create type X")}},
	}}

	res, err := co.Run(context.Background(), "app", v, group)
	require.NoError(t, err)
	require.Equal(t, 1, conn.ddlCalls)
	require.NotNil(t, res.NewTypes)
}

func TestRunInTxErrorRejectsNonRollbackUnits(t *testing.T) {
	conn := &fakeConn{}
	pool := &fakePool{conn: conn}
	co := New(pool, Hooks{})
	v := &fakeView{inTxError: true}

	group := compiler.QueryUnitGroup{Units: []compiler.QueryUnit{{SQL: [][]byte{[]byte("select 1")}}}}
	_, err := co.Run(context.Background(), "app", v, group)
	require.Error(t, err)
	require.True(t, protoerr.Is(err, protoerr.Transaction))
	// The rejection happens before a backend connection is acquired.
	require.False(t, pool.released)
}

func TestRunAbortsViewWhenBackendFallsOutOfTx(t *testing.T) {
	conn := &fakeConn{execErr: protoerr.Newf(protoerr.Backend, "transaction fell out from under us")}
	pool := &fakePool{conn: conn}
	co := New(pool, Hooks{})
	v := &fakeView{namespace: "default", frame: &session.TransactionFrame{}}

	group := compiler.QueryUnitGroup{Units: []compiler.QueryUnit{
		{IsTransactional: true, SQL: [][]byte{[]byte("commit")}},
	}}

	_, err := co.Run(context.Background(), "app", v, group)
	require.Error(t, err)
	require.True(t, v.errored)
	require.True(t, v.aborted)
}

func TestCreateDBHooksFireOnlyForCreateDBUnits(t *testing.T) {
	conn := &fakeConn{}
	pool := &fakePool{conn: conn}
	var beforeCreate, afterCreate, beforeDrop int
	co := New(pool, Hooks{
		BeforeCreateDB: func(ctx context.Context, name, template string) error { beforeCreate++; return nil },
		AfterCreateDB:  func(ctx context.Context, name string) error { afterCreate++; return nil },
		BeforeDropDB:   func(ctx context.Context, name string) error { beforeDrop++; return nil },
	})
	v := &fakeView{namespace: "default"}

	group := compiler.QueryUnitGroup{Units: []compiler.QueryUnit{
		{CreateDB: "newdb", SQL: [][]byte{[]byte("create database newdb")}},
	}}
	_, err := co.Run(context.Background(), "app", v, group)
	require.NoError(t, err)
	require.Equal(t, 1, beforeCreate)
	require.Equal(t, 1, afterCreate)
	require.Equal(t, 0, beforeDrop, "drop hook must not fire for a create unit")
}

func TestStateBytesEqual(t *testing.T) {
	require.True(t, stateBytesEqual(nil, nil))
	require.True(t, stateBytesEqual([]byte("a"), []byte("a")))
	require.False(t, stateBytesEqual([]byte("a"), []byte("b")))
	require.False(t, stateBytesEqual([]byte("a"), nil))
}
