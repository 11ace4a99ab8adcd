package main

import (
	"context"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/protoerr"
)

// unimplementedCompiler stands in for the EdgeQL/GraphQL compiler pool,
// an out-of-scope external collaborator per spec.md §1: this binary wires
// the protocol engine and the HTTP adapter end to end, but does not embed
// a compiler of its own. A real deployment supplies its own
// compiler.Pool.
type unimplementedCompiler struct{}

func (unimplementedCompiler) Compile(ctx context.Context, req compiler.Request) (compiler.CompiledQuery, error) {
	return compiler.CompiledQuery{}, protoerr.Newf(protoerr.InternalServer, "no compiler pool configured")
}

// unimplementedBackendPool stands in for the backend SQL connection pool,
// also an out-of-scope external collaborator per spec.md §1.
type unimplementedBackendPool struct{}

func (unimplementedBackendPool) Acquire(ctx context.Context, db string) (backend.Conn, error) {
	return nil, protoerr.Newf(protoerr.InternalServer, "no backend connection pool configured")
}

func (unimplementedBackendPool) Release(backend.Conn) {}
