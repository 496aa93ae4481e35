package lib

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

const (
	dnsPort       = 53
	dnsHeaderSize = 12
	dnsFlagsQR    = 0x8000
)

// isDnsResponse reports whether payload is a DNS message with the
// response bit set. Only the header flags are inspected.
func isDnsResponse(payload []byte) bool {
	if len(payload) < dnsHeaderSize {
		return false
	}
	return binary.BigEndian.Uint16(payload[2:4])&dnsFlagsQR != 0
}

// checkDnsPurge eagerly closes a UDP flow once its DNS answer went
// through. A resolver rarely reuses the ephemeral port, so waiting out
// the idle timeout would only hold a socket hostage.
func (t *TunCore) checkDnsPurge(conn *Connection, payload []byte) {
	if conn.tuple.DstPort != dnsPort || !isDnsResponse(payload) {
		return
	}

	if t.config.Debug {
		var msg dns.Msg
		if msg.Unpack(payload) == nil && len(msg.Question) > 0 {
			t.debug("DNS purge after response for %s", msg.Question[0].Name)
		} else {
			t.debug("DNS purge")
		}
	}

	t.closeConn(conn)
}
