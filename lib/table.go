package lib

import "time"

// Lookup resolves tuple to its connection. With create set, a missing
// record is allocated, announced via OnConnectionOpen (which may
// refuse it) and inserted. When the socket budget is already spent the
// purger runs eagerly first.
func (t *TunCore) Lookup(tuple *FiveTuple, create bool) *Connection {
	if conn, ok := t.connTable[*tuple]; ok {
		return conn
	}
	if !create {
		return nil
	}

	if t.numOpenSocks >= t.config.MaxOpenSockets {
		t.debug("socket budget spent, purging eagerly")
		t.PurgeExpired(time.Now().Unix())
	}

	conn := newConnection(tuple, time.Now().Unix())

	if t.callbacks.OnConnectionOpen != nil {
		if err := t.callbacks.OnConnectionOpen(t, conn); err != nil {
			t.debug("connection %s refused: %v", tuple.String(), err)
			return nil
		}
	}

	t.connTable[*tuple] = conn
	t.numActiveConnections++
	return conn
}

// DestroyConn removes conn from the table and frees it. Never call it
// from inside a forward path; use closeConn there and let the purger
// reclaim the record.
func (t *TunCore) DestroyConn(conn *Connection) {
	t.closeConn(conn)
	t.numActiveConnections--
	delete(t.connTable, conn.tuple)
}

// IterConnections walks the table, skipping CLOSED records whose user
// state may already be gone. A true return from fn stops the walk.
func (t *TunCore) IterConnections(fn func(conn *Connection) bool) {
	for _, conn := range t.connTable {
		if conn.status == StatusClosed {
			continue
		}
		if fn(conn) {
			return
		}
	}
}
