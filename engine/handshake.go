package engine

import (
	"context"

	"github.com/Androidown/edgedb/internal/log"
	"github.com/Androidown/edgedb/wire"
)

// clientHandshake is the decoded payload of a 'V' ClientHandshake frame,
// per spec.md §4.5 step 1.
type clientHandshake struct {
	major, minor uint16
	params       map[string]string
	extensions   []string
}

// handshake reads the client's version/params/extensions frame, clamps the
// requested protocol version into the server's supported range, and — if
// clamped or extensions were requested — announces the negotiated version,
// per spec.md §4.5 step 1. It then proceeds straight to authentication;
// no further client frame is read in response to the announcement.
func (c *Conn) handshake(ctx context.Context) error {
	hs, err := c.readClientHandshake()
	if err != nil {
		return err
	}

	requested := wire.ProtocolVersion{Major: hs.major, Minor: hs.minor}
	target := wire.Clamp(requested, c.deps.MinProtocol, c.deps.MaxProtocol)

	if target != requested || len(hs.extensions) > 0 {
		if err := c.sendNegotiateProtocolVersion(target); err != nil {
			return err
		}
		if err := c.flush(); err != nil {
			return err
		}
	}
	c.protocolVersion = target
	c.handshakeParams = hs.params
	log.Infof(ctx, "handshake negotiated protocol %d.%d", target.Major, target.Minor)
	return nil
}

func (c *Conn) readClientHandshake() (clientHandshake, error) {
	if err := c.rb.TakeMessage(); err != nil {
		return clientHandshake{}, err
	}
	if wire.ClientMessageType(c.rb.PeekTag()) != wire.ClientMsgClientHandshake {
		return clientHandshake{}, wire.NewProtocolError("expected client handshake, got %q", string(c.rb.PeekTag()))
	}

	major, err := c.rb.GetUint16()
	if err != nil {
		return clientHandshake{}, err
	}
	minor, err := c.rb.GetUint16()
	if err != nil {
		return clientHandshake{}, err
	}

	nparams, err := c.rb.GetUint16()
	if err != nil {
		return clientHandshake{}, err
	}
	params := make(map[string]string, nparams)
	for i := uint16(0); i < nparams; i++ {
		k, err := c.rb.GetLenPrefixedUTF8()
		if err != nil {
			return clientHandshake{}, err
		}
		v, err := c.rb.GetLenPrefixedUTF8()
		if err != nil {
			return clientHandshake{}, err
		}
		params[k] = v
	}

	nexts, err := c.rb.GetUint16()
	if err != nil {
		return clientHandshake{}, err
	}
	requested := wire.ProtocolVersion{Major: major, Minor: minor}
	var exts []string
	// Extensions are only meaningful for legacy protocols, per spec.md
	// §4.5 step 1; on newer protocols the bytes are still present on the
	// wire but carry no extension semantics, so they are parsed
	// regardless and simply ignored above MaxLegacyProtocol.
	for i := uint16(0); i < nexts; i++ {
		name, err := c.rb.GetLenPrefixedUTF8()
		if err != nil {
			return clientHandshake{}, err
		}
		if !wire.MaxLegacyProtocol.Less(requested) {
			exts = append(exts, name)
		}
	}
	if err := c.rb.FinishMessage(); err != nil {
		return clientHandshake{}, err
	}
	return clientHandshake{major: major, minor: minor, params: params, extensions: exts}, nil
}

func (c *Conn) sendNegotiateProtocolVersion(target wire.ProtocolVersion) error {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgNegotiateProtocolVersion)
	wb.PutUint16(target.Major)
	wb.PutUint16(target.Minor)
	wb.PutUint16(0) // no extensions re-announced
	return wb.Finish(c.bw)
}
