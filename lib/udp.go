package lib

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

const udpPayloadOffset = IpHeaderSize + UdpHeaderLength

// handleUdpFwd relays a client datagram to the destination, opening
// the per-flow datagram socket on the first packet.
func (t *TunCore) handleUdpFwd(pkt *Packet, conn *Connection) error {
	t.debug("%s", conn.tuple.String())

	if conn.status == StatusNew {
		sock, err := t.openSocket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
		if err != nil {
			return fmt.Errorf("cannot create UDP socket: %w", err)
		}

		t.fdSetReadable(sock)
		t.numOpenSocks++
		t.numUdpOpened++

		conn.sock = sock
		conn.status = StatusConnected
	}

	t.accountToEngine(pkt, conn)

	if err := t.ops.SendTo(conn.sock, pkt.Payload, sockaddrInet4(conn.destIP(), conn.destPort())); err != nil {
		log.Println("UDP sendto error:", err)
		return err
	}

	return nil
}

// handleUdpReply turns a server datagram back into an IPv4/UDP packet
// for the client. The UDP checksum is left zero, which IPv4 permits.
func (t *TunCore) handleUdpReply(conn *Connection) error {
	payload := t.replyBuf[udpPayloadOffset:]
	n, err := t.ops.Recv(conn.sock, payload)
	if err != nil {
		log.Println("error reading UDP socket:", err)
		t.closeConn(conn)
		return err
	}

	l3Len := n + UdpHeaderLength
	udp := t.replyBuf[IpHeaderSize:udpPayloadOffset]
	binary.BigEndian.PutUint16(udp[0:2], conn.tuple.DstPort)
	binary.BigEndian.PutUint16(udp[2:4], conn.tuple.SrcPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(l3Len))
	binary.BigEndian.PutUint16(udp[6:8], 0) // checksum elided over IPv4

	t.buildIPHeader(conn, l3Len, ProtocolUDP)

	t.debug("%s reply %d bytes", conn.tuple.String(), n)

	if err := t.sendToClient(conn, IpHeaderSize+l3Len); err != nil {
		return err
	}

	conn.tstamp = time.Now().Unix()

	t.checkDnsPurge(conn, payload[:n])
	return nil
}
