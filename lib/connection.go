package lib

import (
	"fmt"
	"net"
)

type ConnStatus int

const (
	StatusNew ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusClosed
)

func (s ConnStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// tcpState carries the sequence and window bookkeeping of a TCP
// connection.
type tcpState struct {
	clientSeq   uint32 // next client sequence number
	proxySeq    uint32 // next engine sequence number
	windowSize  int    // remaining client window in bytes
	finAckSent  bool
	clientRst   bool         // client reset the stream, no closing segment owed
	eofReceived bool         // server EOF seen while data was still queued
	pending     *pendingData // server bytes waiting for client window
}

type icmpState struct {
	echoId  uint16
	echoSeq uint16
}

// Connection is a record of the connection table. The tuple is
// immutable after insertion; per-protocol state lives behind the tcp
// and icmp pointers and only the variant matching the tuple protocol
// is ever allocated.
type Connection struct {
	tuple  FiveTuple
	tstamp int64 // last activity, unix seconds
	sock   int   // OS socket, invalidSocket when released
	status ConnStatus

	// DNAT override, substituted at connect time
	dnatIP   [4]byte
	dnatPort uint16
	hasDnat  bool

	tcp  *tcpState
	icmp *icmpState

	userData any
}

func newConnection(tuple *FiveTuple, now int64) *Connection {
	conn := &Connection{
		tuple:  *tuple,
		tstamp: now,
		sock:   invalidSocket,
		status: StatusNew,
	}
	switch tuple.Protocol {
	case ProtocolTCP:
		conn.tcp = &tcpState{}
	case ProtocolICMP:
		conn.icmp = &icmpState{}
	}
	return conn
}

// Tuple returns the connection's 5-tuple.
func (c *Connection) Tuple() FiveTuple {
	return c.tuple
}

func (c *Connection) Status() ConnStatus {
	return c.status
}

// SetDNAT rewrites the connection's destination. A TCP flow uses it
// only when its socket connects on the first packet; UDP and ICMP flows
// use it for every datagram sent after the call.
func (c *Connection) SetDNAT(ip net.IP, port uint16) error {
	v4 := ip.To4()
	if v4 == nil {
		return fmt.Errorf("DNAT address %s is not IPv4", ip)
	}
	copy(c.dnatIP[:], v4)
	c.dnatPort = port
	c.hasDnat = true
	return nil
}

func (c *Connection) Userdata() any {
	return c.userData
}

func (c *Connection) SetUserdata(data any) {
	c.userData = data
}

// destIP returns the connect-time destination, honoring a DNAT
// override.
func (c *Connection) destIP() [4]byte {
	if c.hasDnat {
		return c.dnatIP
	}
	return c.tuple.DstIP
}

func (c *Connection) destPort() uint16 {
	if c.hasDnat && c.dnatPort != 0 {
		return c.dnatPort
	}
	return c.tuple.DstPort
}
