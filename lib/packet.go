package lib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Parse errors. Each malformation class gets its own sentinel so the
// caller can count or log them separately.
var (
	ErrNotIPv4         = errors.New("not an IPv4 packet")
	ErrMalformedIP     = errors.New("malformed IP packet")
	ErrMalformedTCP    = errors.New("malformed TCP packet")
	ErrMalformedUDP    = errors.New("malformed UDP packet")
	ErrMalformedICMP   = errors.New("malformed ICMP packet")
	ErrUnsupportedICMP = errors.New("unsupported ICMP type")
	ErrUnknownProtocol = errors.New("unknown IP protocol")
)

// FiveTuple identifies a flow. For ICMP echo the port slots carry the
// echo identifier and sequence number instead.
type FiveTuple struct {
	Protocol uint8
	SrcIP    [4]byte // network byte order
	DstIP    [4]byte // network byte order
	SrcPort  uint16  // echo id for ICMP
	DstPort  uint16  // echo seq for ICMP
}

func (ft *FiveTuple) String() string {
	var proto string
	switch ft.Protocol {
	case ProtocolTCP:
		proto = "TCP"
	case ProtocolUDP:
		proto = "UDP"
	case ProtocolICMP:
		proto = "ICMP"
	default:
		proto = fmt.Sprintf("proto %d", ft.Protocol)
	}
	if ft.Protocol == ProtocolICMP {
		return fmt.Sprintf("[%s] %s -> %s id=%d seq=%d", proto,
			net.IP(ft.SrcIP[:]), net.IP(ft.DstIP[:]), ft.SrcPort, ft.DstPort)
	}
	return fmt.Sprintf("[%s] %s:%d -> %s:%d", proto,
		net.IP(ft.SrcIP[:]), ft.SrcPort, net.IP(ft.DstIP[:]), ft.DstPort)
}

// Packet is the parsed view of a raw IPv4 buffer. The slices alias the
// buffer passed to ParsePacket; no data is copied.
type Packet struct {
	Buf      []byte // whole packet
	L3       []byte // IP header
	L4       []byte // L4 header up to the end of the packet
	Payload  []byte // L7 payload
	IpHdrLen int
	L4HdrLen int
	Tuple    FiveTuple
}

// TCP header field accessors, valid only when Tuple.Protocol is TCP.

func (p *Packet) tcpSeq() uint32 {
	return binary.BigEndian.Uint32(p.L4[4:8])
}

func (p *Packet) tcpAck() uint32 {
	return binary.BigEndian.Uint32(p.L4[8:12])
}

func (p *Packet) tcpFlags() uint8 {
	return p.L4[13]
}

func (p *Packet) tcpWindow() uint16 {
	return binary.BigEndian.Uint16(p.L4[14:16])
}

// ParsePacket decodes an IPv4 buffer into pkt. It validates lengths
// only; checksums are trusted from the tun driver. ICMP messages other
// than echo request/reply are rejected with ErrUnsupportedICMP and
// should be dropped silently by the caller.
func ParsePacket(buf []byte, pkt *Packet) error {
	if len(buf) < IpHeaderSize {
		return ErrMalformedIP
	}
	if buf[0]>>4 != 4 {
		return ErrNotIPv4
	}

	ipHdrLen := int(buf[0]&0x0F) * 4
	if len(buf) < ipHdrLen || ipHdrLen < IpHeaderSize {
		return ErrMalformedIP
	}

	pkt.Buf = buf
	pkt.L3 = buf[:ipHdrLen]
	pkt.IpHdrLen = ipHdrLen
	pkt.L4 = buf[ipHdrLen:]
	pkt.Tuple.Protocol = buf[9]
	copy(pkt.Tuple.SrcIP[:], buf[12:16])
	copy(pkt.Tuple.DstIP[:], buf[16:20])

	switch pkt.Tuple.Protocol {
	case ProtocolTCP:
		if len(buf) < ipHdrLen+TcpHeaderLength {
			return ErrMalformedTCP
		}
		tcpHdrLen := int(pkt.L4[12]>>4) * 4
		if tcpHdrLen < TcpHeaderLength || len(buf) < ipHdrLen+tcpHdrLen {
			return ErrMalformedTCP
		}
		pkt.L4HdrLen = tcpHdrLen
		pkt.Tuple.SrcPort = binary.BigEndian.Uint16(pkt.L4[0:2])
		pkt.Tuple.DstPort = binary.BigEndian.Uint16(pkt.L4[2:4])
	case ProtocolUDP:
		if len(buf) < ipHdrLen+UdpHeaderLength {
			return ErrMalformedUDP
		}
		pkt.L4HdrLen = UdpHeaderLength
		pkt.Tuple.SrcPort = binary.BigEndian.Uint16(pkt.L4[0:2])
		pkt.Tuple.DstPort = binary.BigEndian.Uint16(pkt.L4[2:4])
	case ProtocolICMP:
		if len(buf) < ipHdrLen+IcmpHeaderLength {
			return ErrMalformedICMP
		}
		if t := pkt.L4[0]; t != icmpEchoRequest && t != icmpEchoReply {
			return ErrUnsupportedICMP
		}
		pkt.L4HdrLen = IcmpHeaderLength
		pkt.Tuple.SrcPort = binary.BigEndian.Uint16(pkt.L4[4:6]) // echo id
		pkt.Tuple.DstPort = binary.BigEndian.Uint16(pkt.L4[6:8]) // echo seq
	default:
		return ErrUnknownProtocol
	}

	pkt.Payload = buf[ipHdrLen+pkt.L4HdrLen:]
	return nil
}
