package lib

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

const tcpPayloadOffset = IpHeaderSize + TcpHeaderLength

// tcpSocketSyn completes the client-side handshake once the host
// socket is connected: the socket goes back to blocking mode, leaves
// the connecting set and the SYN+ACK is emitted.
func (t *TunCore) tcpSocketSyn(conn *Connection) error {
	if err := t.ops.SetNonblock(conn.sock, false); err != nil {
		log.Println("cannot disable non-blocking mode:", err)
	}

	t.tcpConnecting.Clear(conn.sock)
	conn.status = StatusConnected

	t.buildTcpIpHeader(conn, SYNFlag|ACKFlag, 0)
	conn.tcp.proxySeq = SeqIncrement(conn.tcp.proxySeq)

	return t.sendToClient(conn, IpHeaderSize+TcpHeaderLength)
}

func (t *TunCore) tcpSocketFinAck(conn *Connection) {
	t.buildTcpIpHeader(conn, FINFlag|ACKFlag, 0)
	conn.tcp.proxySeq = SeqIncrement(conn.tcp.proxySeq)
	conn.tcp.finAckSent = true

	t.sendToClient(conn, IpHeaderSize+TcpHeaderLength)
}

// handleTcpFwd runs the client-to-server direction of the TCP state
// machine for one parsed packet.
func (t *TunCore) handleTcpFwd(pkt *Packet, conn *Connection, noAck bool) error {
	t.debug("%s status=%s", conn.tuple.String(), conn.status)

	if conn.status == StatusConnecting {
		// the client retransmits while we wait for the async connect
		t.debug("ignoring TCP packet while connecting")
		return nil
	} else if conn.status == StatusNew {
		// first SYN: bring up the host-side stream socket
		sock, err := t.openSocket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err != nil {
			return fmt.Errorf("cannot create TCP socket: %w", err)
		}

		t.numTcpOpened++

		if err := t.ops.SetNonblock(sock, true); err != nil {
			log.Println("cannot set socket non-blocking:", err)
		}

		inProgress := false
		err = t.ops.Connect(sock, sockaddrInet4(conn.destIP(), conn.destPort()))
		if err != nil {
			if isInProgress(err) {
				t.debug("connection in progress")
				inProgress = true
			} else {
				log.Println("TCP connection error:", err)
				t.closeSocket(sock)
				return err
			}
		}

		t.fdSetReadable(sock)
		conn.sock = sock
		conn.tcp.clientSeq = SeqIncrement(pkt.tcpSeq())
		conn.tcp.proxySeq = initialProxySeq

		t.accountToEngine(pkt, conn)
		t.numOpenSocks++

		if !inProgress {
			return t.tcpSocketSyn(conn)
		}

		conn.status = StatusConnecting
		t.tcpConnecting.Set(sock)
		return nil
	}

	// connection already active
	t.accountToEngine(pkt, conn)

	flags := pkt.tcpFlags()

	if flags&RSTFlag != 0 {
		// the remote is already gone from the client's view, no
		// packet in response
		t.debug("got TCP reset from client")
		conn.tcp.clientRst = true
		t.closeConn(conn)
		return nil
	} else if flags&(FINFlag|ACKFlag) == FINFlag|ACKFlag {
		t.debug("got TCP FIN+ACK from client")

		// the server side may still send data; its EOF will drive our
		// own FIN+ACK later
		conn.tcp.clientSeq = SeqIncrementBy(conn.tcp.clientSeq, uint32(len(pkt.Payload))+1)
		t.buildTcpIpHeader(conn, ACKFlag, 0)
		return t.sendToClient(conn, IpHeaderSize+TcpHeaderLength)
	} else if conn.sock == invalidSocket && conn.tcp.pending == nil {
		// server side already closed, record kept alive to ack the
		// client's FIN
		t.debug("ignoring write on closed socket")
		return nil
	}

	if flags&ACKFlag != 0 {
		// in-flight bytes the client has not acked yet shrink the
		// usable window
		inFlight := seqDistance(conn.tcp.proxySeq, pkt.tcpAck())

		window := int(pkt.tcpWindow())
		if t.maxWindowSize < window {
			window = t.maxWindowSize
		}
		if int(inFlight) >= window {
			conn.tcp.windowSize = 0
		} else {
			conn.tcp.windowSize = window - int(inFlight)
		}

		t.processPendingTcp(conn)
	}

	// payload data; never ack a bare ACK
	if len(pkt.Payload) > 0 && conn.sock != invalidSocket {
		if err := t.ops.Send(conn.sock, pkt.Payload); err != nil {
			log.Println("TCP send error:", err)
			return err
		}

		if !noAck {
			conn.tcp.clientSeq = SeqIncrementBy(conn.tcp.clientSeq, uint32(len(pkt.Payload)))
			t.buildTcpIpHeader(conn, ACKFlag, 0)
			return t.sendToClient(conn, IpHeaderSize+TcpHeaderLength)
		}
	}

	return nil
}

// handleTcpConnectAsync resolves a socket that turned writable while
// in the connecting set.
func (t *TunCore) handleTcpConnectAsync(conn *Connection) error {
	optval, err := t.ops.GetsockoptInt(conn.sock, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		log.Println("getsockopt SO_ERROR failed:", err)
		t.closeConn(conn)
		return err
	}

	if optval != 0 {
		t.debug("async TCP connect failed: %s", unix.Errno(optval))
		t.closeConn(conn)
		return fmt.Errorf("async TCP connect failed: %w", unix.Errno(optval))
	}

	t.debug("async TCP connect completed")
	err = t.tcpSocketSyn(conn)
	conn.tstamp = time.Now().Unix()
	return err
}

// handleTcpReply moves server bytes towards the client when the host
// socket turns readable.
func (t *TunCore) handleTcpReply(conn *Connection) error {
	payload := t.replyBuf[tcpPayloadOffset:]
	n, err := t.ops.Recv(conn.sock, payload)

	conn.tstamp = time.Now().Unix()

	if err != nil {
		// refused/reset/aborted are ordinary ends of life; closing
		// the connection emits the RST the client needs to hear
		if isConnTerminated(err) {
			t.debug("TCP connection terminated by peer: %v", err)
			t.closeConn(conn)
			return nil
		}
		log.Println("error reading TCP socket:", err)
		t.closeConn(conn)
		return err
	}

	if n == 0 {
		t.debug("server socket EOF")

		if conn.tcp.pending != nil {
			// queued bytes outrank the FIN: release the socket so
			// select stops firing and let the drain path emit the
			// FIN+ACK once the queue is empty
			conn.tcp.eofReceived = true
			t.finalizeSock(conn)
			t.processPendingTcp(conn)
			return nil
		}

		if !conn.tcp.finAckSent {
			t.tcpSocketFinAck(conn)
		}

		// release the socket, otherwise select keeps triggering
		t.finalizeSock(conn)
		return nil
	}

	if conn.tcp.pending != nil || conn.tcp.windowSize < n {
		t.debug("insufficient window size (%d < %d), queuing", conn.tcp.windowSize, n)

		if conn.tcp.pending != nil {
			// unreachable while the socket is deregistered; don't
			// leak the chunk if it ever happens
			conn.tcp.pending.release()
		}
		conn.tcp.pending = newPendingData(payload[:n])
		if conn.tcp.pending == nil {
			t.closeConn(conn)
			return fmt.Errorf("cannot queue %d pending bytes", n)
		}

		// stop reading from the server until the window reopens
		t.allFds.Clear(conn.sock)

		// a little of it may fit right now
		t.processPendingTcp(conn)
		return nil
	}

	// payload already sits at the right offset, emit in place
	t.buildTcpIpHeader(conn, PSHFlag|ACKFlag, n)
	conn.tcp.proxySeq = SeqIncrementBy(conn.tcp.proxySeq, uint32(n))
	conn.tcp.windowSize -= n

	return t.sendToClient(conn, tcpPayloadOffset+n)
}

// processPendingTcp drains the pending queue into the client window.
// When the queue empties the socket becomes readable again, or, if the
// server already hit EOF, the deferred FIN+ACK goes out.
func (t *TunCore) processPendingTcp(conn *Connection) {
	for conn.tcp.pending != nil && conn.tcp.windowSize > 0 {
		pending := conn.tcp.pending
		remaining := pending.size - pending.sofar
		toSend := remaining
		if conn.tcp.windowSize < toSend {
			toSend = conn.tcp.windowSize
		}

		t.debug("sending %d/%d bytes of pending data", toSend, remaining)
		copy(t.replyBuf[tcpPayloadOffset:], pending.bytes()[pending.sofar:pending.sofar+toSend])

		t.buildTcpIpHeader(conn, PSHFlag|ACKFlag, toSend)
		if t.sendToClient(conn, tcpPayloadOffset+toSend) != nil {
			// connection was closed under us, pending is gone
			return
		}

		conn.tcp.proxySeq = SeqIncrementBy(conn.tcp.proxySeq, uint32(toSend))
		conn.tcp.windowSize -= toSend

		if toSend == remaining {
			pending.release()
			conn.tcp.pending = nil

			if conn.sock != invalidSocket {
				// make the socket selectable again
				t.fdSetReadable(conn.sock)
			} else if conn.tcp.eofReceived && !conn.tcp.finAckSent {
				t.tcpSocketFinAck(conn)
			}
		} else {
			pending.sofar += toSend
		}
	}
}
