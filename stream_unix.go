//go:build linux || darwin
// +build linux darwin

package evq

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// TcpStream wraps one non-blocking outbound socket. On the readiness
// backends it is nothing more than the fd; reads go straight to the OS,
// which is valid because the caller only reads after a one-shot ready
// notification.
type TcpStream struct {
	fd int
	ip string
}

// Connect opens a non-blocking connection to addr ("host:port"). The
// connection is usually still in progress when Connect returns; register
// the stream and wait for its event before reading.
func Connect(addr string) (*TcpStream, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("set nonblock", err)
	}

	if err := connectErr(unix.Connect(fd, sockaddr(tcpAddr, domain))); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &TcpStream{fd: fd, ip: tcpAddr.IP.String()}, nil
}

// connectErr normalizes the non-blocking connect return: EINPROGRESS means
// the connection is being established and is not a failure.
func connectErr(err error) error {
	if err == nil || err == unix.EINPROGRESS {
		return nil
	}
	return os.NewSyscallError("connect", err)
}

func sockaddr(addr *net.TCPAddr, domain int) unix.Sockaddr {
	if domain == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

// Read performs a single read from the socket into p. One attempt is the
// expected usage after an edge-style, one-shot ready notification; whether
// to drain until EAGAIN is the caller's call.
func (s *TcpStream) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, os.NewSyscallError("read", err)
}

func (s *TcpStream) Close() error {
	return unix.Close(s.fd)
}

func (s *TcpStream) Fd() int {
	return s.fd
}

func (s *TcpStream) Ip() string {
	return s.ip
}

func (s *TcpStream) String() string {
	return fmt.Sprintf("tcp stream fd=%d ip=%s", s.fd, s.ip)
}

// IsTemporaryError checks if the error is temporary, e.g. EAGAIN on a read
// that raced ahead of the data.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
