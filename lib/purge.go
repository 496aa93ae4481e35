package lib

import "sort"

func (t *TunCore) idleTimeout(proto uint8) int64 {
	switch proto {
	case ProtocolTCP:
		return t.config.TcpTimeout
	case ProtocolUDP:
		return t.config.UdpTimeout
	case ProtocolICMP:
		return t.config.IcmpTimeout
	}
	return 0
}

// PurgeExpired reclaims records: first everything already CLOSED or
// idle past its protocol budget, then, if open sockets are still at or
// above the ceiling, the oldest records, one for each open socket above
// the post-purge target.
// now is caller-supplied so hosts can drive time in tests.
func (t *TunCore) PurgeExpired(now int64) {
	for _, conn := range t.connTable {
		timeout := t.idleTimeout(conn.tuple.Protocol)

		if conn.status == StatusClosed || now >= conn.tstamp+timeout {
			t.debug("purging idle %s", conn.tuple.String())
			t.DestroyConn(conn)
		}
	}

	if t.numOpenSocks >= t.config.MaxOpenSockets {
		toPurge := t.numOpenSocks - t.config.SocketsAfterPurge
		t.debug("force purging %d connections", toPurge)

		conns := make([]*Connection, 0, len(t.connTable))
		for _, conn := range t.connTable {
			conns = append(conns, conn)
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].tstamp < conns[j].tstamp
		})

		for _, conn := range conns {
			if toPurge == 0 {
				break
			}
			t.DestroyConn(conn)
			toPurge--
		}
	}
}
