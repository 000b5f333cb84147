//go:build windows
// +build windows

package evq

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// operation is the envelope registered with the completion port for one
// outstanding receive. Used by the IOCP interface, the Overlapped must be
// the first field of the struct, as the completion address the OS hands
// back is the address of that field: recovering the token is one pointer
// reinterpretation of the whole envelope. Envelopes are individually
// heap-allocated and pinned by the stream's in-flight queue, so their
// storage never relocates while the OS holds the address.
type operation struct {
	o      windows.Overlapped
	token  Token
	stream *TcpStream
}

// selector drives an I/O completion port. No auxiliary wake handle exists
// here: a zero-effect completion posted straight to the port unblocks a
// parked wait.
type selector struct {
	port windows.Handle
}

func newSelector() (*selector, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, os.NewSyscallError("create io completion port", err)
	}
	return &selector{port: port}, nil
}

// registerRead hands the stream's receive buffer to the OS. Notification
// means the receive has already completed into that buffer, which is why
// the buffer must stay untouched inside the stream until the event for
// this token is delivered.
func (s *selector) registerRead(stream *TcpStream, token Token) error {
	if err := stream.associate(s.port); err != nil {
		return err
	}

	op := &operation{token: token, stream: stream}
	stream.trackOp(op)

	var recvd, flags uint32
	err := wsaRecvErr(windows.WSARecv(stream.sock, &stream.wsabuf, 1, &recvd, &flags, &op.o, nil))
	if err != nil {
		stream.dropOp(op)
		return err
	}
	return nil
}

// wsaRecvErr normalizes the asynchronous receive return: ERROR_IO_PENDING
// means the operation was queued and will complete later, which is the
// expected outcome, not a failure.
func wsaRecvErr(err error) error {
	if err == nil || err == windows.ERROR_IO_PENDING {
		return nil
	}
	return os.NewSyscallError("wsarecv", err)
}

// wait dequeues completion packets. The first dequeue honors the timeout;
// while packets keep coming they are drained without blocking to fill the
// batch. WAIT_TIMEOUT translates to zero events, never an error.
func (s *selector) wait(events []Event, timeout *time.Duration) (int, error) {
	wait := uint32(windows.INFINITE)
	if timeout != nil {
		wait = uint32(timeout.Milliseconds())
	}

	cnt := 0
	for cnt < len(events) {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped

		err := windows.GetQueuedCompletionStatus(s.port, &qty, &key, &ov, wait)
		wait = 0 // only the first dequeue blocks
		var opErr error
		if err != nil {
			if errno, ok := err.(syscall.Errno); ok && errno == windows.WAIT_TIMEOUT {
				break
			}
			if ov == nil {
				// Port-level failure, nothing was dequeued.
				return cnt, os.NewSyscallError("get queued completion status", err)
			}
			// A completion was dequeued for a failed operation. The
			// token is still delivered; the stream records the failure
			// and the next read reports it.
			Logger.Debug("completion with failure", zap.Error(err))
			opErr = err
		}

		if ov == nil {
			// Zero-effect completion posted by wake.
			continue
		}

		op := (*operation)(unsafe.Pointer(ov))
		op.stream.completeRead(op, int(qty), opErr)
		Logger.Debug("iocp event", zap.Uint64("token", uint64(op.token)), zap.Uint32("bytes", qty))
		events[cnt] = Event{token: op.token}
		cnt++
	}
	return cnt, nil
}

// wake posts a zero-effect completion so a parked wait returns. The packet
// stays queued until dequeued, so a wake sent while no one is parked is
// observed by the next wait call.
func (s *selector) wake() error {
	return os.NewSyscallError("post queued completion status",
		windows.PostQueuedCompletionStatus(s.port, 0, 0, nil))
}

func (s *selector) close() error {
	return os.NewSyscallError("close handle", windows.CloseHandle(s.port))
}
