//go:build windows
// +build windows

package evq

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/windows"
)

const recvBufSize = 4096

var wsaStartup sync.Once

// TcpStream wraps one overlapped socket plus the receive-side state the
// completion model requires: the fixed buffer lent to the OS, its
// populated length and read cursor, and the in-flight operation envelopes
// that must stay pinned until their completions arrive. The in-flight
// queue is touched by both the registering and the waiting goroutine, so
// it carries its own lock.
type TcpStream struct {
	sock windows.Handle
	ip   string

	rbuf   []byte
	wsabuf windows.WSABuf

	mu         sync.Mutex
	inflight   *queue.Queue // of *operation, oldest first
	roff, rlen int
	rerr       error // outcome of the last completion: nil, io.EOF, or the OS error
	associated bool
}

// Connect opens a connection to addr ("host:port"). The socket is created
// overlapped so receives complete through the port; the connect itself is
// performed synchronously. The fixed receive buffer is allocated here and
// wrapped in the WSABuf descriptor shape the OS requires.
func Connect(addr string) (*TcpStream, error) {
	wsaStartup.Do(func() {
		var data windows.WSAData
		_ = windows.WSAStartup(uint32(0x202), &data)
	})

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain := int32(windows.AF_INET)
	if tcpAddr.IP.To4() == nil {
		domain = windows.AF_INET6
	}

	sock, err := windows.WSASocket(domain, windows.SOCK_STREAM, windows.IPPROTO_TCP,
		nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return nil, os.NewSyscallError("wsasocket", err)
	}

	if err := windows.Connect(sock, sockaddr(tcpAddr, domain)); err != nil {
		windows.Closesocket(sock)
		return nil, os.NewSyscallError("connect", err)
	}

	s := &TcpStream{
		sock:     sock,
		ip:       tcpAddr.IP.String(),
		rbuf:     make([]byte, recvBufSize),
		inflight: queue.New(),
	}
	s.wsabuf = windows.WSABuf{Len: uint32(len(s.rbuf)), Buf: &s.rbuf[0]}
	return s, nil
}

func sockaddr(addr *net.TCPAddr, domain int32) windows.Sockaddr {
	if domain == windows.AF_INET {
		sa := &windows.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To4())
		return sa
	}
	sa := &windows.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

// associate ties the socket to the completion port. The completion key is
// per-socket, not per-operation, which is exactly why the operation
// envelope exists; the key itself carries nothing.
func (s *TcpStream) associate(port windows.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.associated {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(s.sock, port, 0, 0); err != nil {
		return os.NewSyscallError("create io completion port", err)
	}
	s.associated = true
	return nil
}

// trackOp pins an envelope for the lifetime of its outstanding receive.
func (s *TcpStream) trackOp(op *operation) {
	s.mu.Lock()
	s.inflight.Add(op)
	s.mu.Unlock()
}

// dropOp removes an envelope whose submission failed outright. The queue
// only pops from the front, so remove by rotation; order is preserved.
func (s *TcpStream) dropOp(op *operation) {
	s.mu.Lock()
	n := s.inflight.Length()
	for i := 0; i < n; i++ {
		v := s.inflight.Remove()
		if v != op {
			s.inflight.Add(v)
		}
	}
	s.mu.Unlock()
}

// completeRead records a finished receive: the buffer now holds n bytes
// and the envelope is spent. Receives on one stream socket complete in
// submission order, so the spent envelope is normally the front of the
// queue. A failed completion keeps its OS error, and a clean zero-byte
// completion means the peer closed; either way Read reports it instead
// of pretending the stream is merely not ready.
func (s *TcpStream) completeRead(op *operation, n int, opErr error) {
	s.mu.Lock()
	if s.inflight.Length() > 0 {
		if s.inflight.Peek() == op {
			s.inflight.Remove()
		} else {
			cnt := s.inflight.Length()
			for i := 0; i < cnt; i++ {
				v := s.inflight.Remove()
				if v != op {
					s.inflight.Add(v)
				}
			}
		}
	}
	s.roff = 0
	s.rlen = n
	switch {
	case opErr != nil:
		s.rlen = 0
		s.rerr = os.NewSyscallError("wsarecv", opErr)
	case n == 0:
		s.rerr = io.EOF
	default:
		s.rerr = nil
	}
	s.mu.Unlock()
}

// Read copies out of the already-populated receive buffer and advances the
// cursor; the OS performed the actual receive before the event was
// delivered, so no network call happens here. Once the buffer is drained,
// Read reports the last completion's outcome: io.EOF after a clean
// zero-byte completion, the recorded OS error after a failed one, and
// WSAEWOULDBLOCK otherwise until the next completed operation refills it.
func (s *TcpStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roff >= s.rlen {
		if s.rerr != nil {
			return 0, s.rerr
		}
		return 0, os.NewSyscallError("read", windows.WSAEWOULDBLOCK)
	}
	n := copy(p, s.rbuf[s.roff:s.rlen])
	s.roff += n
	return n, nil
}

func (s *TcpStream) Close() error {
	return os.NewSyscallError("closesocket", windows.Closesocket(s.sock))
}

func (s *TcpStream) Ip() string {
	return s.ip
}

func (s *TcpStream) String() string {
	return fmt.Sprintf("tcp stream sock=%d ip=%s", s.sock, s.ip)
}

// IsTemporaryError checks if the error is temporary, e.g. a read that
// raced ahead of the next completed operation.
func IsTemporaryError(err error) bool {
	return errors.Is(err, windows.WSAEWOULDBLOCK)
}
