package lib

import (
	"errors"
	"fmt"
	"log"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"golang.org/x/sys/unix"
)

// Callbacks connects the engine to its host. SendClient is mandatory;
// everything else is optional.
type Callbacks struct {
	// SendClient emits a synthesized IP packet towards the client
	// (usually a tun write). A non-nil return closes the connection.
	SendClient func(t *TunCore, pkt []byte, conn *Connection) error

	// OnSocketOpen and OnSocketClose let the host track OS handles,
	// e.g. to protect them from the VPN routing loop.
	OnSocketOpen  func(t *TunCore, sock int)
	OnSocketClose func(t *TunCore, sock int)

	// OnConnectionOpen fires once before any forwarding. A non-nil
	// return refuses the connection.
	OnConnectionOpen func(t *TunCore, conn *Connection) error

	// OnConnectionClose fires once before the record is destroyed.
	OnConnectionClose func(t *TunCore, conn *Connection)

	// AccountPacket observes every packet crossing the engine.
	// toEngine is true for client packets, false for synthesized
	// replies.
	AccountPacket func(t *TunCore, pkt []byte, toEngine bool, conn *Connection)
}

// TunCoreConfig holds the engine tunables.
type TunCoreConfig struct {
	MaxWindowSize     int   // max TCP window advertised to the client
	PayloadPoolSize   int   // number of chunks in the payload ring pool
	TcpTimeout        int64 // idle seconds before a TCP record is purged
	UdpTimeout        int64
	IcmpTimeout       int64
	MaxOpenSockets    int  // open socket ceiling, 0 for platform default
	SocketsAfterPurge int  // overload purge target, 0 for platform default
	SkipICMP          bool // do not open the shared raw ICMP socket
	Debug             bool
}

func DefaultTunCoreConfig() *TunCoreConfig {
	return &TunCoreConfig{
		MaxWindowSize:     defaultTcpWindow,
		PayloadPoolSize:   64,
		TcpTimeout:        tcpTimeoutSec,
		UdpTimeout:        udpTimeoutSec,
		IcmpTimeout:       icmpTimeoutSec,
		MaxOpenSockets:    defaultMaxSockets,
		SocketsAfterPurge: defaultSocketsAfterPurge,
	}
}

// TunCore terminates the flows carried by raw client packets on host
// sockets and synthesizes the replies. All methods must be called from
// the single owning goroutine; the engine never blocks and never
// spawns goroutines of its own.
type TunCore struct {
	config    *TunCoreConfig
	callbacks Callbacks
	userData  any
	ops       sockOps

	connTable map[FiveTuple]*Connection

	allFds        unix.FdSet // sockets watched for readability
	tcpConnecting unix.FdSet // sockets waiting for async connect
	allMaxFd      int

	maxWindowSize        int
	numOpenSocks         int
	numActiveConnections int
	numIcmpOpened        uint32
	numTcpOpened         uint32
	numUdpOpened         uint32

	icmpSock int

	replyBuf [ReplyBufSize]byte
}

// Statistics is a snapshot of the engine counters.
type Statistics struct {
	NumIcmpConns int // active ICMP connections
	NumTcpConns  int
	NumUdpConns  int

	OldestIcmpConn int64 // unix seconds, 0 when none
	OldestTcpConn  int64
	OldestUdpConn  int64

	NumOpenSockets int

	NumIcmpOpened uint32 // lifetime counters
	NumTcpOpened  uint32
	NumUdpOpened  uint32
}

// NewTunCore starts an engine. The shared raw ICMP socket is opened
// here unless cfg.SkipICMP is set; hosts without SOCK_RAW privileges
// should set it and lose ICMP relay only.
func NewTunCore(cfg *TunCoreConfig, callbacks Callbacks, userData any) (*TunCore, error) {
	return newTunCoreWithOps(cfg, callbacks, userData, osSockOps{})
}

func newTunCoreWithOps(cfg *TunCoreConfig, callbacks Callbacks, userData any, ops sockOps) (*TunCore, error) {
	if cfg == nil {
		cfg = DefaultTunCoreConfig()
	}
	if callbacks.SendClient == nil {
		return nil, errors.New("missing mandatory SendClient callback")
	}
	if cfg.MaxOpenSockets == 0 {
		cfg.MaxOpenSockets = defaultMaxSockets
	}
	if cfg.SocketsAfterPurge == 0 {
		cfg.SocketsAfterPurge = defaultSocketsAfterPurge
	}
	if cfg.MaxWindowSize == 0 {
		cfg.MaxWindowSize = defaultTcpWindow
	}
	if cfg.PayloadPoolSize == 0 {
		cfg.PayloadPoolSize = 64
	}

	if Pool == nil {
		Pool = rp.NewRingPool("socktun: ", cfg.PayloadPoolSize, NewPayload, bufferLength)
	}

	t := &TunCore{
		config:        cfg,
		callbacks:     callbacks,
		userData:      userData,
		ops:           ops,
		connTable:     make(map[FiveTuple]*Connection),
		maxWindowSize: cfg.MaxWindowSize,
		icmpSock:      invalidSocket,
	}

	if !cfg.SkipICMP {
		// One shared raw socket relays all echo flows. On Linux this
		// needs CAP_NET_RAW; SOCK_DGRAM ICMP sockets are not usable
		// here as replies arrive without the IP header.
		sock, err := t.openSocket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
		if err != nil {
			return nil, fmt.Errorf("cannot create ICMP socket: %w", err)
		}
		t.icmpSock = sock
		t.fdSetReadable(sock)
		t.numOpenSocks++
	}

	return t, nil
}

// Close destroys every connection and releases the shared ICMP socket.
func (t *TunCore) Close() {
	for _, conn := range t.connTable {
		t.DestroyConn(conn)
	}

	if t.icmpSock != invalidSocket {
		t.closeSocket(t.icmpSock)
		t.icmpSock = invalidSocket
		t.numOpenSocks--
	}
}

// Userdata returns the opaque pointer passed to NewTunCore.
func (t *TunCore) Userdata() any {
	return t.userData
}

// SetMaxWindowSize overrides the TCP window advertised to clients.
func (t *TunCore) SetMaxWindowSize(size int) {
	t.maxWindowSize = size
}

func (t *TunCore) debug(format string, args ...any) {
	if t.config.Debug {
		log.Printf(format, args...)
	}
}

/* socket bookkeeping */

func (t *TunCore) openSocket(domain, typ, proto int) (int, error) {
	sock, err := t.ops.Socket(domain, typ, proto)
	if err != nil {
		return invalidSocket, err
	}
	if t.callbacks.OnSocketOpen != nil {
		t.callbacks.OnSocketOpen(t, sock)
	}
	return sock, nil
}

func (t *TunCore) closeSocket(sock int) {
	if err := t.ops.Close(sock); err != nil {
		log.Println("socket close error:", err)
		return
	}
	if t.callbacks.OnSocketClose != nil {
		t.callbacks.OnSocketClose(t, sock)
	}
}

func (t *TunCore) fdSetReadable(sock int) {
	t.allFds.Set(sock)
	if sock > t.allMaxFd {
		t.allMaxFd = sock
	}
}

// finalizeSock releases the OS socket of conn but keeps the record: the
// client conversation may continue, e.g. acking our FIN+ACK.
func (t *TunCore) finalizeSock(conn *Connection) {
	t.closeSocket(conn.sock)
	t.allFds.Clear(conn.sock)
	t.tcpConnecting.Clear(conn.sock)
	t.numOpenSocks--
	conn.sock = invalidSocket
}

/* reply emission */

// sendToClient hands the scratch buffer's first size bytes to the
// host. A failing host closes the connection.
func (t *TunCore) sendToClient(conn *Connection, size int) error {
	pkt := t.replyBuf[:size]
	if err := t.callbacks.SendClient(t, pkt, conn); err != nil {
		log.Println("send_client failed:", err)
		t.closeConn(conn)
		return err
	}
	if t.callbacks.AccountPacket != nil {
		t.callbacks.AccountPacket(t, pkt, false, conn)
	}
	return nil
}

func (t *TunCore) accountToEngine(pkt *Packet, conn *Connection) {
	if t.callbacks.AccountPacket != nil {
		t.callbacks.AccountPacket(t, pkt.Buf, true, conn)
	}
}

/* connection close */

// closeConn detaches conn from the host side: the socket is released,
// a RST is emitted when the client still believes the stream is up,
// and OnConnectionClose fires. The record stays in the table until the
// next purge so in-flight callers never see freed state. Idempotent.
func (t *TunCore) closeConn(conn *Connection) {
	if conn.status == StatusClosed {
		return
	}
	prev := conn.status
	conn.status = StatusClosed

	if conn.sock != invalidSocket {
		t.finalizeSock(conn)
	}

	if conn.tuple.Protocol == ProtocolTCP {
		if conn.tcp.pending != nil {
			conn.tcp.pending.release()
			conn.tcp.pending = nil
		}
		if prev == StatusConnected && !conn.tcp.finAckSent && !conn.tcp.clientRst {
			t.buildTcpIpHeader(conn, RSTFlag|ACKFlag, 0)
			t.sendToClient(conn, IpHeaderSize+TcpHeaderLength)
		}
	}

	if t.callbacks.OnConnectionClose != nil {
		t.callbacks.OnConnectionClose(t, conn)
	}
}

/* forwarding entry points */

func (t *TunCore) forwardFull(pkt *Packet, conn *Connection, noAck bool) error {
	if conn.status == StatusClosed {
		t.debug("refusing to forward on closed connection %s", conn.tuple.String())
		return nil
	}

	var err error
	switch pkt.Tuple.Protocol {
	case ProtocolTCP:
		err = t.handleTcpFwd(pkt, conn, noAck)
	case ProtocolUDP:
		err = t.handleUdpFwd(pkt, conn)
	case ProtocolICMP:
		err = t.handleIcmpFwd(pkt, conn)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownProtocol, pkt.Tuple.Protocol)
	}

	if err == nil {
		conn.tstamp = time.Now().Unix()
	}
	return err
}

// Forward pushes a parsed client packet into its connection, acking
// forwarded TCP payload.
func (t *TunCore) Forward(pkt *Packet, conn *Connection) error {
	return t.forwardFull(pkt, conn, false)
}

// ForwardNoAck forwards without acknowledging the client payload and
// without advancing the client sequence. Used for out of band data.
func (t *TunCore) ForwardNoAck(pkt *Packet, conn *Connection) error {
	return t.forwardFull(pkt, conn, true)
}

// EasyForward parses buf, resolves its connection (creating one when
// the packet may legitimately start a flow) and forwards it. A nil
// connection with nil error means the packet was ignored. On a forward
// error the connection is destroyed immediately.
func (t *TunCore) EasyForward(buf []byte) (*Connection, error) {
	var pkt Packet
	if err := ParsePacket(buf, &pkt); err != nil {
		return nil, err
	}

	// a mid-stream TCP packet without a connection is stale; only a
	// bare SYN may create one
	tcpEstablished := pkt.Tuple.Protocol == ProtocolTCP &&
		(pkt.tcpFlags()&SYNFlag == 0 || pkt.tcpFlags()&ACKFlag != 0)

	conn := t.Lookup(&pkt.Tuple, !tcpEstablished)
	if conn == nil {
		t.debug("no connection for %s", pkt.Tuple.String())
		return nil, nil
	}

	if err := t.Forward(&pkt, conn); err != nil {
		t.DestroyConn(conn)
		return nil, err
	}
	return conn, nil
}

/* readiness */

// Fds fills the readable and writable sets the caller should select
// on, returning the highest descriptor ever registered, an upper bound
// for the descriptors in them.
func (t *TunCore) Fds(rd, wr *unix.FdSet) int {
	*rd = t.allFds
	*wr = t.tcpConnecting
	return t.allMaxFd
}

// HandleReadiness routes a select result to the per-protocol reply
// handlers and returns the number of dispatched events.
func (t *TunCore) HandleReadiness(rd, wr *unix.FdSet) int {
	numHits := 0

	if t.icmpSock != invalidSocket && rd.IsSet(t.icmpSock) {
		t.handleIcmpReply()
		numHits++
	}

	for _, conn := range t.connTable {
		if conn.sock == invalidSocket {
			continue
		}

		if rd.IsSet(conn.sock) {
			switch conn.tuple.Protocol {
			case ProtocolTCP:
				t.handleTcpReply(conn)
			case ProtocolUDP:
				t.handleUdpReply(conn)
			default:
				log.Println("unhandled readable socket protocol:", conn.tuple.Protocol)
			}
			numHits++
		} else if wr.IsSet(conn.sock) {
			if conn.tuple.Protocol == ProtocolTCP {
				t.handleTcpConnectAsync(conn)
			} else {
				log.Println("unhandled writable socket protocol:", conn.tuple.Protocol)
			}
			numHits++
		}
	}

	return numHits
}

/* statistics */

func oldest(cur, tstamp int64) int64 {
	if cur == 0 || tstamp < cur {
		return tstamp
	}
	return cur
}

// GetStats fills stats with a snapshot of the table and counters.
func (t *TunCore) GetStats(stats *Statistics) {
	*stats = Statistics{}

	for _, conn := range t.connTable {
		switch conn.tuple.Protocol {
		case ProtocolICMP:
			stats.NumIcmpConns++
			stats.OldestIcmpConn = oldest(stats.OldestIcmpConn, conn.tstamp)
		case ProtocolTCP:
			stats.NumTcpConns++
			stats.OldestTcpConn = oldest(stats.OldestTcpConn, conn.tstamp)
		case ProtocolUDP:
			stats.NumUdpConns++
			stats.OldestUdpConn = oldest(stats.OldestUdpConn, conn.tstamp)
		}
	}

	stats.NumOpenSockets = t.numOpenSocks
	stats.NumIcmpOpened = t.numIcmpOpened
	stats.NumTcpOpened = t.numTcpOpened
	stats.NumUdpOpened = t.numUdpOpened
}

// NumConnections returns the number of records in the table.
func (t *TunCore) NumConnections() int {
	return t.numActiveConnections
}
