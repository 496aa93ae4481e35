package lib

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

// fakeSock is the scripted state of one descriptor created through
// fakeSockOps.
type fakeSock struct {
	domain, typ, proto int
	nonblocking        bool

	connectErr error // returned by Connect, nil connects synchronously
	connectSA  unix.Sockaddr
	soError    int // SO_ERROR after an async connect

	recvQueue [][]byte // Recv pops from the front; empty queue is EOF
	recvErr   error    // returned instead of EOF when set

	sent       [][]byte // stream writes
	sentTo     [][]byte // datagram writes
	sentToAddr []unix.Sockaddr

	closed bool
}

// fakeSockOps is a scripted socket layer for driving the engine
// without a kernel.
type fakeSockOps struct {
	nextFd int
	lastFd int
	socks  map[int]*fakeSock

	socketErr      error // force Socket to fail
	nextConnectErr error // connectErr for the next created socket
	nextSoError    int   // soError for the next created socket
}

func newFakeSockOps() *fakeSockOps {
	return &fakeSockOps{
		nextFd: 10,
		socks:  make(map[int]*fakeSock),
	}
}

func (f *fakeSockOps) Socket(domain, typ, proto int) (int, error) {
	if f.socketErr != nil {
		return invalidSocket, f.socketErr
	}
	fd := f.nextFd
	f.nextFd++
	f.lastFd = fd
	f.socks[fd] = &fakeSock{
		domain:     domain,
		typ:        typ,
		proto:      proto,
		connectErr: f.nextConnectErr,
		soError:    f.nextSoError,
	}
	return fd, nil
}

func (f *fakeSockOps) SetNonblock(fd int, nonblocking bool) error {
	f.socks[fd].nonblocking = nonblocking
	return nil
}

func (f *fakeSockOps) Connect(fd int, sa unix.Sockaddr) error {
	s := f.socks[fd]
	s.connectSA = sa
	return s.connectErr
}

func (f *fakeSockOps) GetsockoptInt(fd, level, opt int) (int, error) {
	return f.socks[fd].soError, nil
}

func (f *fakeSockOps) Send(fd int, p []byte) error {
	s := f.socks[fd]
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

func (f *fakeSockOps) SendTo(fd int, p []byte, sa unix.Sockaddr) error {
	s := f.socks[fd]
	s.sentTo = append(s.sentTo, append([]byte(nil), p...))
	s.sentToAddr = append(s.sentToAddr, sa)
	return nil
}

func (f *fakeSockOps) Recv(fd int, p []byte) (int, error) {
	s := f.socks[fd]
	if len(s.recvQueue) == 0 {
		if s.recvErr != nil {
			return 0, s.recvErr
		}
		return 0, nil // EOF
	}
	head := s.recvQueue[0]
	s.recvQueue = s.recvQueue[1:]
	return copy(p, head), nil
}

func (f *fakeSockOps) Close(fd int) error {
	f.socks[fd].closed = true
	return nil
}

// testEnv wires an engine to a fake socket layer and captures every
// packet emitted towards the client.
type testEnv struct {
	t    *testing.T
	core *TunCore
	ops  *fakeSockOps
	sent [][]byte

	opened, closed []int // socket callback observations
}

func newTestEnv(t *testing.T, mutate func(cfg *TunCoreConfig)) *testEnv {
	t.Helper()

	cfg := DefaultTunCoreConfig()
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{t: t, ops: newFakeSockOps()}
	callbacks := Callbacks{
		SendClient: func(_ *TunCore, pkt []byte, _ *Connection) error {
			env.sent = append(env.sent, append([]byte(nil), pkt...))
			return nil
		},
		OnSocketOpen: func(_ *TunCore, sock int) {
			env.opened = append(env.opened, sock)
		},
		OnSocketClose: func(_ *TunCore, sock int) {
			env.closed = append(env.closed, sock)
		},
	}

	core, err := newTunCoreWithOps(cfg, callbacks, nil, env.ops)
	if err != nil {
		t.Fatalf("newTunCoreWithOps: %v", err)
	}
	env.core = core
	return env
}

func (e *testEnv) lastSent() []byte {
	if len(e.sent) == 0 {
		e.t.Fatal("no packet was sent to the client")
	}
	return e.sent[len(e.sent)-1]
}

// checkInvariants asserts the table/counter relations that must hold
// at every quiescent point.
func (e *testEnv) checkInvariants() {
	e.t.Helper()

	if got := len(e.core.connTable); got != e.core.numActiveConnections {
		e.t.Errorf("table size %d != active connections %d", got, e.core.numActiveConnections)
	}

	withSock := 0
	for _, conn := range e.core.connTable {
		if conn.status == StatusClosed && conn.sock != invalidSocket {
			e.t.Errorf("closed connection %s still owns socket %d", conn.tuple.String(), conn.sock)
		}
		if conn.sock != invalidSocket {
			withSock++
			queued := conn.tcp != nil && conn.tcp.pending != nil
			if !queued && !e.core.allFds.IsSet(conn.sock) {
				e.t.Errorf("socket %d of %s missing from readable set", conn.sock, conn.tuple.String())
			}
		}
	}

	open := e.core.numOpenSocks
	if e.core.icmpSock != invalidSocket {
		open-- // the shared raw socket is not a table record
	}
	if withSock != open {
		e.t.Errorf("records with sockets %d != open sockets %d", withSock, open)
	}
}

/* packet construction and decoding helpers */

type tcpSpec struct {
	srcIP, dstIP     string
	srcPort, dstPort uint16
	seq, ack         uint32
	window           uint16
	flags            uint8
	payload          []byte
}

func buildTcpPacket(t *testing.T, spec tcpSpec) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(spec.srcIP),
		DstIP:    net.ParseIP(spec.dstIP),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(spec.srcPort),
		DstPort: layers.TCPPort(spec.dstPort),
		Seq:     spec.seq,
		Ack:     spec.ack,
		Window:  spec.window,
		SYN:     spec.flags&SYNFlag != 0,
		ACK:     spec.flags&ACKFlag != 0,
		FIN:     spec.flags&FINFlag != 0,
		RST:     spec.flags&RSTFlag != 0,
		PSH:     spec.flags&PSHFlag != 0,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(spec.payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func buildUdpPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func buildIpPacket(t *testing.T, srcIP, dstIP string, proto layers.IPProtocol, l4 []byte) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(l4)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func decodeIpv4(t *testing.T, pkt []byte) (*layers.IPv4, gopacket.Packet) {
	t.Helper()

	parsed := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer := parsed.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		t.Fatalf("emitted packet has no IPv4 layer: %x", pkt)
	}
	return ipLayer.(*layers.IPv4), parsed
}

func decodeTcp(t *testing.T, pkt []byte) (*layers.IPv4, *layers.TCP) {
	t.Helper()

	ip, parsed := decodeIpv4(t, pkt)
	tcpLayer := parsed.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		t.Fatalf("emitted packet has no TCP layer: %x", pkt)
	}
	return ip, tcpLayer.(*layers.TCP)
}

func decodeUdp(t *testing.T, pkt []byte) (*layers.IPv4, *layers.UDP) {
	t.Helper()

	ip, parsed := decodeIpv4(t, pkt)
	udpLayer := parsed.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		t.Fatalf("emitted packet has no UDP layer: %x", pkt)
	}
	return ip, udpLayer.(*layers.UDP)
}

// verifyEmittedChecksums validates the IP header checksum and, for
// TCP, the pseudo-header checksum of an engine-emitted packet.
func verifyEmittedChecksums(t *testing.T, pkt []byte) {
	t.Helper()

	ipHdrLen := int(pkt[0]&0x0F) * 4
	if CalculateChecksum(pkt[:ipHdrLen]) != 0 {
		t.Errorf("bad IP checksum on emitted packet: %x", pkt)
	}

	if pkt[9] == ProtocolTCP {
		var srcIP, dstIP [4]byte
		copy(srcIP[:], pkt[12:16])
		copy(dstIP[:], pkt[16:20])
		if tcpChecksum(pkt[ipHdrLen:], srcIP, dstIP) != 0 {
			t.Errorf("bad TCP checksum on emitted packet: %x", pkt)
		}
	}
}
