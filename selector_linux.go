//go:build linux
// +build linux

package evq

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

// wakeToken marks events on the wake eventfd so they are filtered out of
// user results. Reserved; never report it from a registration.
const wakeToken Token = ^Token(0)

const readEvents = unix.EPOLLPRI | unix.EPOLLIN

// selector drives a Linux epoll instance. The auxiliary eventfd exists only
// to unblock a parked EpollWait when the loop is closed.
type selector struct {
	epollFd int
	wakeFd  int
	events  []unix.EpollEvent
}

func newSelector() (*selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	// The wake fd stays armed for the selector's whole lifetime, so no
	// one-shot flag here.
	s := &selector{epollFd: epfd, wakeFd: wfd}
	wt := wakeToken
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(uint32(wt)), Pad: int32(uint32(wt >> 32))}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}

	return s, nil
}

// registerRead arms one-shot read interest. The token rides in the epoll
// user data, so delivery needs no shared lookup state. A stream that was
// armed before stays in the epoll set after its one-shot fires, so EEXIST
// means re-arm rather than failure.
func (s *selector) registerRead(stream *TcpStream, token Token) error {
	err := s.add(stream.fd, token)
	if errors.Is(err, unix.EEXIST) {
		return s.mod(stream.fd, token)
	}
	return err
}

// wait parks in EpollWait and translates the kernel records 1:1 into
// Events, dropping wake notifications. EINTR surfaces as ErrInterrupted;
// retrying is the facade's job, not ours.
func (s *selector) wait(events []Event, timeout *time.Duration) (int, error) {
	msec := -1
	if timeout != nil {
		msec = int(timeout.Milliseconds())
	}

	if len(s.events) < len(events) {
		s.events = make([]unix.EpollEvent, len(events))
	}
	raw := s.events[:len(events)]

	n, err := unix.EpollWait(s.epollFd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	cnt := 0
	for i := 0; i < n; i++ {
		token := unpackToken(&raw[i])
		if token == wakeToken {
			s.drainWake()
			continue
		}
		Logger.Debug("epoll event", zap.Uint64("token", uint64(token)), zap.Uint32("events", raw[i].Events))
		events[cnt] = Event{token: token}
		cnt++
	}
	return cnt, nil
}

// wake posts one eventfd increment so a parked EpollWait returns. The
// value stays pending until the waiter drains it, so a wake sent while no
// one is parked is still observed by the next wait call.
func (s *selector) wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(s.wakeFd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (s *selector) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (s *selector) close() error {
	var errs MultiError
	if err := unix.Close(s.wakeFd); err != nil {
		errs = append(errs, fmt.Errorf("close wake fd: %d error: %v", s.wakeFd, err))
	}
	if err := unix.Close(s.epollFd); err != nil {
		errs = append(errs, fmt.Errorf("close epoll fd: %d error: %v", s.epollFd, err))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (s *selector) add(fd int, token Token) error {
	ev := packEvent(token)
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd, ev))
}

func (s *selector) mod(fd int, token Token) error {
	ev := packEvent(token)
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_MOD, fd, ev))
}

// packEvent spreads the 64-bit token across the two 32-bit user-data
// fields of the epoll record. EPOLLONESHOT disarms the interest after its
// first delivery.
func packEvent(token Token) *unix.EpollEvent {
	return &unix.EpollEvent{
		Events: readEvents | unix.EPOLLONESHOT,
		Fd:     int32(uint32(token)),
		Pad:    int32(uint32(token >> 32)),
	}
}

func unpackToken(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}
