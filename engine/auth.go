package engine

import (
	"context"

	"github.com/Androidown/edgedb/internal/log"
	"github.com/Androidown/edgedb/wire"
)

// authenticate validates the user/database handshake params and, on
// success, constructs this connection's session.View against the named
// database, per spec.md §4.5 step 2.
func (c *Conn) authenticate(ctx context.Context) error {
	user := c.handshakeParams["user"]
	database := c.handshakeParams["database"]

	capMask, err := c.deps.Auth.Authenticate(ctx, user, database)
	if err != nil {
		return err
	}

	db := c.deps.Registry.EnsureDatabase(database)
	view, unsub := db.NewView(c.protocolVersion, true)
	view.SetCapabilityMask(capMask)

	c.db = db
	c.view = view
	c.unsub = unsub
	ctx = log.WithTag(ctx, "database", database)

	if err := c.sendAuthOk(); err != nil {
		return err
	}
	if err := c.sendBackendKeyData(); err != nil {
		return err
	}
	for _, kv := range [][2]string{
		{"pgaddr", c.nc.LocalAddr().String()},
		{"suggested_pool_concurrency", "4"},
	} {
		if err := c.sendParameterStatus(kv[0], kv[1]); err != nil {
			return err
		}
	}
	c.sendReadyForQuery()
	log.Infof(ctx, "authenticated user=%s database=%s", user, database)
	return c.flush()
}

func (c *Conn) sendAuthOk() error {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgAuthentication)
	wb.PutUint32(0) // AuthenticationOk
	return wb.Finish(c.bw)
}

func (c *Conn) sendBackendKeyData() error {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgBackendKeyData)
	wb.PutBytes(make([]byte, 32))
	return wb.Finish(c.bw)
}

func (c *Conn) sendParameterStatus(name, value string) error {
	var wb wire.WriteBuffer
	wb.NewMessage(wire.ServerMsgParameterStatus)
	wb.PutLenPrefixedUTF8(name)
	wb.PutLenPrefixedUTF8(value)
	return wb.Finish(c.bw)
}
