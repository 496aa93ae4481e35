package lib

import (
	"errors"

	"golang.org/x/sys/unix"
)

// invalidSocket marks a connection with no associated OS socket.
const invalidSocket = -1

// sockOps is the socket syscall surface the engine drives. The engine
// performs at most one non-blocking call per operation; readiness is
// the caller's business.
type sockOps interface {
	Socket(domain, typ, proto int) (int, error)
	SetNonblock(fd int, nonblocking bool) error
	Connect(fd int, sa unix.Sockaddr) error
	GetsockoptInt(fd, level, opt int) (int, error)
	Send(fd int, p []byte) error
	SendTo(fd int, p []byte, sa unix.Sockaddr) error
	Recv(fd int, p []byte) (int, error)
	Close(fd int) error
}

// isInProgress reports whether a connect error means the handshake is
// still running on the non-blocking socket.
func isInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS)
}

// isConnTerminated reports whether a recv error means the peer is gone
// for ordinary reasons. These close the connection without being
// surfaced as engine errors.
func isConnTerminated(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.ECONNABORTED)
}

func sockaddrInet4(ip [4]byte, port uint16) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(port)}
	sa.Addr = ip
	return sa
}
