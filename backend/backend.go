// Package backend declares the interfaces the core uses to borrow and
// drive a pool of backend SQL connections, per spec.md §1: "The backend
// SQL driver (sql_execute, run_ddl, parse_execute_json, last_state)" is an
// out-of-scope external collaborator referenced only by interface. Nothing
// in this repo opens a real database connection; a concrete driver lives
// outside this module's scope (see DESIGN.md's dropped-dependency ledger
// for why no Postgres client library is imported here).
package backend

import (
	"context"

	"github.com/google/uuid"

	"github.com/Androidown/edgedb/compiler"
)

// NewTypes is the set of backend type ids a DDL statement's execution
// introduced, to be registered into the owning Database's backend-id map
// (spec.md §4.3/§4.6).
type NewTypes map[uuid.UUID]uint32

// Conn is one borrowed backend SQL connection. Its own session state (set
// via State) may drift from what a session.View intends; the Execution
// Coordinator reconciles the two by comparing LastState against
// view.SerializeState() before every unit, per spec.md §4.6.
type Conn interface {
	// SQLExecute runs one or more SQL statements as a single round-trip.
	// If state is non-nil it is applied (e.g. via a leading SET) before
	// the first statement.
	SQLExecute(ctx context.Context, sql [][]byte, state []byte) error

	// RunDDL executes a DDL-bearing query unit, returning any new backend
	// type ids it introduced.
	RunDDL(ctx context.Context, unit compiler.QueryUnit, state []byte) (NewTypes, error)

	// ParseExecuteJSON runs a single statement and returns its result
	// serialized as JSON, used by the HTTP adapter's thin JSON path.
	ParseExecuteJSON(ctx context.Context, sql []byte, args map[string]interface{}) ([]byte, error)

	// LastState returns the session state this connection was last told
	// to assume, or nil if none has ever been applied.
	LastState() []byte

	// SetLastState records the state most recently applied on this
	// connection, so future units can skip redundant restoration.
	SetLastState([]byte)
}

// Pool lends out backend connections, exclusive per in-flight unit group,
// per spec.md §5's "Backend connections are exclusive per in-flight unit
// group; they must be released even on exception paths."
type Pool interface {
	// Acquire borrows a connection for database db. It is a cooperative
	// suspension point (spec.md §5).
	Acquire(ctx context.Context, db string) (Conn, error)
	// Release returns conn to the pool.
	Release(conn Conn)
}
