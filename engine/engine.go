// Package engine implements the Protocol Engine of spec.md §4.5: the
// per-connection loop that performs the handshake and authentication, then
// dispatches each framed message to a handler, coordinating the
// session.View, catalog.Database and exec.Coordinator to answer it.
//
// Grounded on the teacher's conn.serveImpl read-dispatch-flush shape
// (_teacher_ref/heoric_conn.go's serveImpl/processCommandsAsync) and the
// recovery-sub-loop / flush-on-Sync distinction in
// _teacher_ref/conn_executor_exec.go's execStmtInOpenState vs.
// execStmtInAbortedState. Unlike the teacher, there is no separate
// StmtBuf/ClientComm pipeline stage here: one goroutine both decodes and
// executes, matching spec.md §5's "single-threaded cooperative per
// connection" scheduling model.
package engine

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/cockroachdb/errors"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/catalog"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/exec"
	"github.com/Androidown/edgedb/internal/log"
	"github.com/Androidown/edgedb/protoerr"
	"github.com/Androidown/edgedb/session"
	"github.com/Androidown/edgedb/wire"
)

// Authenticator validates a (user, database) pair and returns the
// authenticated role's capability mask, per spec.md §4.5 step 2. Refusing
// connections to system template databases is the implementation's
// responsibility (see TrustAuthenticator), surfaced as a protoerr.Access
// error.
type Authenticator interface {
	Authenticate(ctx context.Context, user, database string) (compiler.Capability, error)
}

// TrustAuthenticator accepts any user/database pair except the named
// system template databases, granting the full capability mask. It
// mirrors spec.md §4.5's "Trust" auth method, the simplest of the three
// named there (SCRAM/JWT are out of scope: spec.md §1 treats the concrete
// credential verifier as an external collaborator).
type TrustAuthenticator struct {
	SystemTemplates map[string]struct{}
}

// Authenticate implements Authenticator.
func (a TrustAuthenticator) Authenticate(ctx context.Context, user, database string) (compiler.Capability, error) {
	if _, ok := a.SystemTemplates[database]; ok {
		return 0, protoerr.Newf(protoerr.Access, "database %q is a system template and cannot be connected to directly", database)
	}
	if user == "" || database == "" {
		return 0, protoerr.Newf(protoerr.Authentication, "user and database are required")
	}
	return ^compiler.Capability(0), nil
}

// Deps are the collaborators a Conn needs, per spec.md §1's "coordination
// with a backend SQL connection pool" and §4.3's registry.
type Deps struct {
	Registry    *catalog.Registry
	Compiler    compiler.Pool
	Backend     backend.Pool
	Hooks       exec.Hooks
	Auth        Authenticator
	MinProtocol wire.ProtocolVersion
	MaxProtocol wire.ProtocolVersion
}

// Conn is one accepted connection's protocol-engine state: the framed
// reader/writer pair, the authenticated session.View, and the last
// anonymous parse (spec.md §4.5's 'D'/'E'/'O'/'F' all operate on "the last
// anonymous compiled query").
type Conn struct {
	deps Deps

	nc net.Conn
	rb *wire.ReadBuffer
	bw *bufio.Writer

	protocolVersion wire.ProtocolVersion
	handshakeParams map[string]string

	view  *session.View
	db    *catalog.Database
	unsub func()
	coord *exec.Coordinator

	lastParse *parseState
}

// parseState records the last anonymous Parse's normalized inputs and
// compiled result, for 'D'/'E'/'O'/'F' to reuse without recompiling.
type parseState struct {
	req compiler.Request
	fp  compiler.Fingerprint
	cq  compiler.CompiledQuery
}

// Serve drives one accepted connection to completion: handshake,
// authenticate, then the main dispatch loop, per spec.md §4.5. It returns
// nil on a clean Terminate, and any other error represents a connection
// that was torn down (the caller should simply close nc).
func Serve(ctx context.Context, nc net.Conn, deps Deps) error {
	ctx = log.WithTag(ctx, "client", nc.RemoteAddr().String())
	c := &Conn{
		deps:  deps,
		nc:    nc,
		rb:    wire.NewReadBuffer(nc),
		bw:    bufio.NewWriter(nc),
		coord: exec.New(deps.Backend, deps.Hooks),
	}
	defer func() {
		if c.unsub != nil {
			c.unsub()
		}
	}()

	if err := c.handshake(ctx); err != nil {
		log.Warningf(ctx, "handshake failed: %v", err)
		return err
	}
	if err := c.authenticate(ctx); err != nil {
		log.Warningf(ctx, "authentication failed: %v", err)
		c.sendError(err)
		_ = c.flush()
		return err
	}

	return c.run(ctx)
}

// run is the main dispatch loop of spec.md §4.5 step 3: for each message
// tag, dispatch to a handler; on generic errors, send ErrorResponse, mark
// the view's transaction as failed and either flush ReadyForQuery (if the
// handler requested it) or enter the recovery sub-loop that discards
// messages until the next Sync.
func (c *Conn) run(ctx context.Context) error {
	for {
		if err := c.rb.TakeMessage(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		tag := wire.ClientMessageType(c.rb.PeekTag())
		flushSyncOnError, err := c.dispatch(ctx, tag)
		if err != nil {
			if protoerr.Is(err, protoerr.ConnectionAborted) {
				return err
			}
			log.Errorf(ctx, "message %q failed: %v", string(tag), err)
			c.view.OnError()
			c.sendError(err)
			if flushSyncOnError {
				c.sendReadyForQuery()
				if err := c.flush(); err != nil {
					return err
				}
				continue
			}
			if err := c.recoverUntilSync(ctx); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			continue
		}
		if tag == wire.ClientMsgTerminate {
			return nil
		}
	}
}

// recoverUntilSync discards frames until the next Sync, per spec.md
// §4.5's error handling policy, mirroring the teacher's
// execStmtInAbortedState's "skip to the next Sync" behavior.
func (c *Conn) recoverUntilSync(ctx context.Context) error {
	for {
		if err := c.rb.TakeMessage(); err != nil {
			return err
		}
		tag := wire.ClientMessageType(c.rb.PeekTag())
		c.rb.Discard()
		if tag == wire.ClientMsgSync {
			c.sendReadyForQuery()
			return c.flush()
		}
		if tag == wire.ClientMsgTerminate {
			return io.EOF
		}
	}
}

// dispatch routes tag to its handler, returning whether the caller
// requested flush-on-error (true only for 'Q', per spec.md §4.5).
func (c *Conn) dispatch(ctx context.Context, tag wire.ClientMessageType) (bool, error) {
	switch tag {
	case wire.ClientMsgParse:
		return false, c.handleParse(ctx)
	case wire.ClientMsgDescribe:
		return false, c.handleDescribe(ctx)
	case wire.ClientMsgExecute:
		return false, c.handleExecute(ctx)
	case wire.ClientMsgOptimisticExec:
		return false, c.handleOptimisticExecute(ctx)
	case wire.ClientMsgFastQuery:
		return false, c.handleFastQuery(ctx)
	case wire.ClientMsgSimpleQuery:
		return true, c.handleSimpleQuery(ctx)
	case wire.ClientMsgSync:
		return false, c.handleSync(ctx)
	case wire.ClientMsgTerminate:
		c.rb.Discard()
		return false, nil
	case wire.ClientMsgDump:
		return false, c.handleDump(ctx)
	case wire.ClientMsgRestore:
		return false, c.handleRestore(ctx)
	default:
		c.rb.Discard()
		return false, wire.NewProtocolError("unsupported message tag %q", string(tag))
	}
}

// flush mirrors the teacher's conn.Flush: response frames accumulate in
// bw until a Sync (or an error that requests flush-on-Sync) pushes them
// to the network in one write, per spec.md §5's ordering guarantee that
// ReadyForQuery is the next frame after a Sync barrier.
func (c *Conn) flush() error {
	return c.bw.Flush()
}

func (c *Conn) sendError(err error) {
	info := protoerr.Classify(err)
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgErrorResponse)
	wb.PutByte(0) // severity: ERROR
	wb.PutLenPrefixedUTF8(info.Code)
	wb.PutLenPrefixedUTF8(info.Type)
	wb.PutLenPrefixedUTF8(info.Message)
	wb.PutUint16(0) // no attributes
	_ = wb.Finish(c.bw)
}

func (c *Conn) sendReadyForQuery() {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgReadyForQuery)
	wb.PutByte(txStatusByte(c.view))
	_ = wb.Finish(c.bw)
}

func txStatusByte(v *session.View) byte {
	switch v.State() {
	case session.StateIdle:
		return 'I'
	case session.StateInTxError:
		return 'E'
	default:
		return 'T'
	}
}
