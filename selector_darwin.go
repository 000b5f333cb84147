//go:build darwin
// +build darwin

package evq

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// selector drives a kqueue instance. The kevent user-data field is a raw
// pointer on Darwin, so tokens live in a small fd-keyed table instead of
// riding in the kernel record; the table is the only state touched by both
// the registering and the waiting goroutine and has its own lock. A
// self-pipe unblocks a parked Kevent call on close.
type selector struct {
	kq     int
	readFd int // pipe read end, registered with the kqueue
	wakeFd int // pipe write end

	mu     sync.Mutex
	tokens map[int]Token

	events []unix.Kevent_t
}

func newSelector() (*selector, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, os.NewSyscallError("pipe", err)
	}
	rfd, wfd := p[0], p[1]
	unix.SetNonblock(rfd, true)
	unix.SetNonblock(wfd, true)

	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, os.NewSyscallError("kevent add", err)
	}

	return &selector{
		kq:     kq,
		readFd: rfd,
		wakeFd: wfd,
		tokens: make(map[int]Token),
	}, nil
}

// registerRead arms one-shot read interest. EV_ONESHOT removes the filter
// after its first delivery, so re-registration is a plain EV_ADD again.
func (s *selector) registerRead(stream *TcpStream, token Token) error {
	s.mu.Lock()
	s.tokens[stream.fd] = token
	s.mu.Unlock()

	kev := unix.Kevent_t{
		Ident:  uint64(stream.fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
	}
	if _, err := unix.Kevent(s.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		s.mu.Lock()
		delete(s.tokens, stream.fd)
		s.mu.Unlock()
		return os.NewSyscallError("kevent add", err)
	}
	return nil
}

// wait parks in Kevent and translates the returned records 1:1 into
// Events, dropping wake-pipe notifications. EINTR surfaces as
// ErrInterrupted for the facade to retry.
func (s *selector) wait(events []Event, timeout *time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout != nil {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	if len(s.events) < len(events) {
		s.events = make([]unix.Kevent_t, len(events))
	}
	raw := s.events[:len(events)]

	n, err := unix.Kevent(s.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		return 0, os.NewSyscallError("kevent", err)
	}

	cnt := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		if fd == s.readFd {
			s.drainWake()
			continue
		}

		s.mu.Lock()
		token, ok := s.tokens[fd]
		delete(s.tokens, fd) // one-shot: the arming is spent
		s.mu.Unlock()
		if !ok {
			continue
		}

		Logger.Debug("kqueue event", zap.Uint64("token", uint64(token)), zap.Int("fd", fd))
		events[cnt] = Event{token: token}
		cnt++
	}
	return cnt, nil
}

// wake writes one byte into the self-pipe so a parked Kevent returns. The
// byte stays buffered until drained, so a wake sent while no one is parked
// is observed by the next wait call.
func (s *selector) wake() error {
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(s.wakeFd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (s *selector) drainWake() {
	buf := make([]byte, 16)
	for {
		if _, err := unix.Read(s.readFd, buf); err != nil {
			return
		}
	}
}

func (s *selector) close() error {
	var errs MultiError
	for _, fd := range []int{s.readFd, s.wakeFd, s.kq} {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd: %d error: %v", fd, err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
