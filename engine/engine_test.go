package engine_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/catalog"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/engine"
	"github.com/Androidown/edgedb/wire"
)

// fakeConn is a minimal backend.Conn stub, grounded on the same
// net.Pipe-based transport-faking idiom as
// _examples/cockroachdb-cockroach/pkg/ccl/sqlproxyccl/proxy_handler_test.go,
// applied here one layer up the stack to the backend SQL connection.
type fakeConn struct {
	lastState []byte
}

func (c *fakeConn) SQLExecute(ctx context.Context, sql [][]byte, state []byte) error {
	return nil
}

func (c *fakeConn) RunDDL(ctx context.Context, unit compiler.QueryUnit, state []byte) (backend.NewTypes, error) {
	return nil, nil
}

func (c *fakeConn) ParseExecuteJSON(ctx context.Context, sql []byte, args map[string]interface{}) ([]byte, error) {
	return nil, nil
}

func (c *fakeConn) LastState() []byte     { return c.lastState }
func (c *fakeConn) SetLastState(s []byte) { c.lastState = s }

type fakePool struct{}

func (fakePool) Acquire(ctx context.Context, db string) (backend.Conn, error) {
	return &fakeConn{}, nil
}

func (fakePool) Release(backend.Conn) {}

// fakeCompiler returns a single-unit, non-transactional, no-op query for
// every request, enough to drive ParseComplete/CommandComplete through the
// dispatch loop without a real compiler.
type fakeCompiler struct{}

func (fakeCompiler) Compile(ctx context.Context, req compiler.Request) (compiler.CompiledQuery, error) {
	return compiler.CompiledQuery{
		Group: compiler.QueryUnitGroup{
			Units: []compiler.QueryUnit{{
				SQL:          [][]byte{[]byte("select 1")},
				Status:       []byte("SELECT"),
				Cardinality:  compiler.CardinalityOne,
				OutputFormat: req.OutputFormat,
			}},
		},
	}, nil
}

func testDeps() engine.Deps {
	return engine.Deps{
		Registry:    catalog.NewRegistry(),
		Compiler:    fakeCompiler{},
		Backend:     fakePool{},
		Auth:        engine.TrustAuthenticator{SystemTemplates: map[string]struct{}{"template": {}}},
		MinProtocol: wire.ProtocolVersion{Major: 0, Minor: 13},
		MaxProtocol: wire.ProtocolVersion{Major: 2, Minor: 0},
	}
}

// writeClientHandshake writes a 'V' handshake frame carrying the given
// params and no extensions.
func writeClientHandshake(t *testing.T, conn net.Conn, major, minor uint16, params map[string]string) {
	t.Helper()
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMessageType(wire.ClientMsgClientHandshake))
	wb.PutUint16(major)
	wb.PutUint16(minor)
	wb.PutUint16(uint16(len(params)))
	for k, v := range params {
		wb.PutLenPrefixedUTF8(k)
		wb.PutLenPrefixedUTF8(v)
	}
	wb.PutUint16(0) // no extensions
	require.NoError(t, wb.Finish(conn))
}

func writeSimpleFrame(t *testing.T, conn net.Conn, tag wire.ClientMessageType, body func(*wire.WriteBuffer)) {
	t.Helper()
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMessageType(tag))
	if body != nil {
		body(&wb)
	}
	require.NoError(t, wb.Finish(conn))
}

// TestServeHandshakeAuthAndSimpleQuery drives a full connection lifecycle
// end to end over a net.Pipe transport: handshake, authenticate, one
// SimpleQuery, then Terminate.
func TestServeHandshakeAuthAndSimpleQuery(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	deps := testDeps()
	done := make(chan error, 1)
	go func() {
		done <- engine.Serve(context.Background(), srv, deps)
	}()

	writeClientHandshake(t, client, 2, 0, map[string]string{
		"user":     "alice",
		"database": "mydb",
	})

	rb := wire.NewReadBuffer(client)

	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgAuthentication), rb.PeekTag())
	authOK, err := rb.GetUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0), authOK)
	require.NoError(t, rb.FinishMessage())

	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgBackendKeyData), rb.PeekTag())
	rb.Discard()

	for i := 0; i < 2; i++ {
		require.NoError(t, rb.TakeMessage())
		require.Equal(t, byte(wire.ServerMsgParameterStatus), rb.PeekTag())
		rb.Discard()
	}

	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgReadyForQuery), rb.PeekTag())
	status, err := rb.GetByte()
	require.NoError(t, err)
	require.Equal(t, byte('I'), status)
	require.NoError(t, rb.FinishMessage())

	writeSimpleFrame(t, client, wire.ClientMsgSimpleQuery, func(wb *wire.WriteBuffer) {
		wb.PutLenPrefixedUTF8("select 1")
	})

	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgCommandComplete), rb.PeekTag())
	tag, err := rb.GetLenPrefixedUTF8()
	require.NoError(t, err)
	require.Equal(t, "SELECT", tag)
	require.NoError(t, rb.FinishMessage())

	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgReadyForQuery), rb.PeekTag())
	rb.Discard()

	writeSimpleFrame(t, client, wire.ClientMsgTerminate, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Terminate")
	}
}

// TestServeRejectsSystemTemplateDatabase exercises the TrustAuthenticator
// refusal path: authenticating against a system template database sends an
// ErrorResponse and Serve returns the classifying error.
func TestServeRejectsSystemTemplateDatabase(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	deps := testDeps()
	done := make(chan error, 1)
	go func() {
		done <- engine.Serve(context.Background(), srv, deps)
	}()

	writeClientHandshake(t, client, 2, 0, map[string]string{
		"user":     "alice",
		"database": "template",
	})

	rb := wire.NewReadBuffer(client)
	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgErrorResponse), rb.PeekTag())
	rb.Discard()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after authentication failure")
	}
}

// TestServeClampsProtocolVersion exercises the handshake's negotiation
// path: a client requesting a higher protocol than MaxProtocol is clamped
// and notified via NegotiateProtocolVersion before authentication proceeds.
func TestServeClampsProtocolVersion(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	deps := testDeps()
	deps.MaxProtocol = wire.ProtocolVersion{Major: 1, Minor: 0}
	go func() { _ = engine.Serve(context.Background(), srv, deps) }()

	writeClientHandshake(t, client, 5, 0, map[string]string{
		"user":     "alice",
		"database": "mydb",
	})

	rb := wire.NewReadBuffer(client)
	require.NoError(t, rb.TakeMessage())
	require.Equal(t, byte(wire.ServerMsgNegotiateProtocolVersion), rb.PeekTag())
	major, err := rb.GetUint16()
	require.NoError(t, err)
	minor, err := rb.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(1), major)
	require.Equal(t, uint16(0), minor)
}
