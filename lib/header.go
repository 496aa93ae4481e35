package lib

import "encoding/binary"

// onesSum accumulates the 16-bit one's complement sum of buf on top of
// a running sum. An odd trailing byte is padded on the right.
func onesSum(buf []byte, sum uint32) uint32 {
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if len(buf)%2 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	return sum
}

func foldChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// CalculateChecksum returns the RFC 1071 checksum of buf. The checksum
// field inside buf must be zeroed before calling.
func CalculateChecksum(buf []byte) uint16 {
	return foldChecksum(onesSum(buf, 0))
}

// tcpChecksum computes the TCP checksum of segment (header + payload)
// with the IPv4 pseudo-header for srcIP -> dstIP.
func tcpChecksum(segment []byte, srcIP, dstIP [4]byte) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = ProtocolTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))

	return foldChecksum(onesSum(segment, onesSum(pseudo[:], 0)))
}

// buildIPHeaderRaw writes a 20 byte IPv4 header at the start of buf:
// IHL 5, DF set, TTL 64, identification 0, checksum computed over the
// zeroed header.
func buildIPHeaderRaw(buf []byte, totLen int, proto uint8, srcIP, dstIP [4]byte) {
	hdr := buf[:IpHeaderSize]
	for i := range hdr {
		hdr[i] = 0
	}
	hdr[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totLen))
	binary.BigEndian.PutUint16(hdr[6:8], 0x4000) // don't fragment
	hdr[8] = 64                                  // hops
	hdr[9] = proto
	copy(hdr[12:16], srcIP[:])
	copy(hdr[16:20], dstIP[:])
	binary.BigEndian.PutUint16(hdr[10:12], CalculateChecksum(hdr))
}

// buildIPHeader writes the reply IP header for conn into the scratch
// buffer, with the source/destination swapped relative to the client's
// packet: the engine speaks as the remote peer.
func (t *TunCore) buildIPHeader(conn *Connection, l3Len int, proto uint8) {
	buildIPHeaderRaw(t.replyBuf[:], l3Len+IpHeaderSize, proto, conn.tuple.DstIP, conn.tuple.SrcIP)
}

// buildTcpIpHeader writes the reply IP + TCP headers into the scratch
// buffer. A payload of payloadLen bytes must already sit at the payload
// offset so the TCP checksum can cover it.
func (t *TunCore) buildTcpIpHeader(conn *Connection, flags uint8, payloadLen int) {
	l3Len := TcpHeaderLength + payloadLen
	tcp := t.replyBuf[IpHeaderSize : IpHeaderSize+TcpHeaderLength]
	for i := range tcp {
		tcp[i] = 0
	}

	binary.BigEndian.PutUint16(tcp[0:2], conn.tuple.DstPort)
	binary.BigEndian.PutUint16(tcp[2:4], conn.tuple.SrcPort)
	binary.BigEndian.PutUint32(tcp[4:8], conn.tcp.proxySeq)
	if flags&ACKFlag != 0 {
		binary.BigEndian.PutUint32(tcp[8:12], conn.tcp.clientSeq)
	}
	tcp[12] = 5 << 4 // data offset, no options
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], uint16(t.maxWindowSize))

	// checksum over header + payload + pseudo-header, using the
	// swapped addresses the IP header will carry
	segment := t.replyBuf[IpHeaderSize : IpHeaderSize+l3Len]
	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksum(segment, conn.tuple.DstIP, conn.tuple.SrcIP))

	t.buildIPHeader(conn, l3Len, ProtocolTCP)
}
