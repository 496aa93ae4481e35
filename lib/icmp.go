package lib

import (
	"encoding/binary"
	"errors"
	"log"
	"time"
)

// handleIcmpFwd relays an echo message through the shared raw socket.
// No per-flow socket exists; replies are matched back by peer address
// and echo id.
func (t *TunCore) handleIcmpFwd(pkt *Packet, conn *Connection) error {
	if t.icmpSock == invalidSocket {
		return errors.New("ICMP relay disabled")
	}

	icmpLen := pkt.L4HdrLen + len(pkt.Payload)
	t.debug("%s len=%d type=%d", conn.tuple.String(), icmpLen, pkt.L4[0])

	if conn.status == StatusNew {
		t.numIcmpOpened++
		conn.status = StatusConnected
	}

	conn.icmp.echoId = pkt.Tuple.SrcPort
	conn.icmp.echoSeq = pkt.Tuple.DstPort

	t.accountToEngine(pkt, conn)

	if err := t.ops.SendTo(t.icmpSock, pkt.L4[:icmpLen], sockaddrInet4(conn.destIP(), 0)); err != nil {
		log.Println("ICMP sendto error:", err)
		return err
	}

	return nil
}

// handleIcmpReply consumes one datagram from the raw socket. The
// kernel hands back the full IP packet; the matching connection is the
// one whose flow points at the reply's source with the same echo id.
// An unmatched reply is dropped silently.
func (t *TunCore) handleIcmpReply() error {
	n, err := t.ops.Recv(t.icmpSock, t.replyBuf[:])
	if err != nil {
		log.Println("error reading ICMP socket:", err)
		return err
	}

	if n < IpHeaderSize {
		log.Println("short ICMP read:", n)
		return errors.New("short ICMP read")
	}

	ipHdrLen := int(t.replyBuf[0]&0x0F) * 4
	icmpLen := n - ipHdrLen
	if icmpLen < IcmpHeaderLength {
		log.Println("ICMP packet too small:", icmpLen)
		return errors.New("ICMP packet too small")
	}

	icmp := t.replyBuf[ipHdrLen:n]
	if typ := icmp[0]; typ != icmpEchoRequest && typ != icmpEchoReply {
		t.debug("discarding unsupported ICMP type %d", typ)
		return nil
	}

	var srcIP [4]byte
	copy(srcIP[:], t.replyBuf[12:16])
	echoId := binary.BigEndian.Uint16(icmp[4:6])

	// the reply's destination is one of the host's own addresses, so
	// the table must be scanned for the flow that points at its source
	var conn *Connection
	for _, cur := range t.connTable {
		if cur.tuple.Protocol == ProtocolICMP && cur.tuple.DstIP == srcIP && cur.tuple.SrcPort == echoId {
			conn = cur
			break
		}
	}

	if conn == nil {
		t.debug("no ICMP connection for id %d from %v", echoId, srcIP)
		return nil
	}

	conn.tstamp = time.Now().Unix()
	conn.icmp.echoSeq = 0

	binary.BigEndian.PutUint16(icmp[2:4], 0)
	binary.BigEndian.PutUint16(icmp[2:4], CalculateChecksum(icmp))

	buildIPHeaderRaw(t.replyBuf[:], n, ProtocolICMP, conn.tuple.DstIP, conn.tuple.SrcIP)

	return t.sendToClient(conn, n)
}
