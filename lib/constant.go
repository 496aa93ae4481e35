package lib

// TCP flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

// IP protocol numbers carried in the IPv4 Protocol field
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

// ICMP message types
const (
	icmpEchoReply   = 0
	icmpEchoRequest = 8
)

// Header sizes in bytes. Synthesized IP headers always use IHL 5 and
// synthesized TCP headers always use data offset 5.
const (
	IpHeaderSize     = 20
	TcpHeaderLength  = 20
	UdpHeaderLength  = 8
	IcmpHeaderLength = 8
)

const (
	// ReplyBufSize fits the largest possible IPv4 datagram.
	ReplyBufSize = 65535

	// defaultTcpWindow is the max window advertised to the client.
	defaultTcpWindow = 64240

	// initialProxySeq seeds the engine-side sequence number of every
	// TCP connection. Fixed and non-secret.
	initialProxySeq uint32 = 0x77EB77EB
)

// Per-protocol idle timeouts in seconds.
const (
	tcpTimeoutSec  int64 = 30
	udpTimeoutSec  int64 = 15
	icmpTimeoutSec int64 = 5
)

// Open socket budget. Select backends limited to 64 descriptors per set
// should configure 55/40 instead; the defaults fit a 1024 descriptor
// process limit.
const (
	defaultMaxSockets        = 128
	defaultSocketsAfterPurge = 96
)

// bufferLength sizes the ring pool payload chunks. 65536 accommodates
// the largest TCP segment the reply path can read at once.
const bufferLength = 65536
