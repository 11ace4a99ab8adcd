package compiler

import "context"

// Pool is the EdgeQL/GraphQL compiler pool, an out-of-scope external
// collaborator referenced only by interface (spec.md §1): "provides
// compile(request) -> query_unit_group". Anything that needs compilation
// (catalog.Database, httpx handlers) takes a Pool rather than depending on
// a concrete compiler implementation.
type Pool interface {
	// Compile turns a normalized Request into a CompiledQuery. Compile may
	// block on a worker round-trip; callers drive it under ctx's deadline
	// and cancellation, one of the cooperative suspension points listed in
	// spec.md §5.
	Compile(ctx context.Context, req Request) (CompiledQuery, error)
}
