//go:build unix

package lib

import "golang.org/x/sys/unix"

// osSockOps is the production sockOps backed by the host kernel.
type osSockOps struct{}

func (osSockOps) Socket(domain, typ, proto int) (int, error) {
	return unix.Socket(domain, typ, proto)
}

func (osSockOps) SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

func (osSockOps) Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

func (osSockOps) GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

func (osSockOps) Send(fd int, p []byte) error {
	_, err := unix.Write(fd, p)
	return err
}

func (osSockOps) SendTo(fd int, p []byte, sa unix.Sockaddr) error {
	return unix.Sendto(fd, p, 0, sa)
}

func (osSockOps) Recv(fd int, p []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, 0)
	return n, err
}

func (osSockOps) Close(fd int) error {
	return unix.Close(fd)
}
