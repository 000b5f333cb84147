//go:build windows
// +build windows

package evq

import (
	"io"
	"testing"

	"github.com/eapache/queue"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/windows"
)

func newBufferedStream() *TcpStream {
	s := &TcpStream{rbuf: make([]byte, recvBufSize), inflight: queue.New()}
	s.wsabuf = windows.WSABuf{Len: uint32(len(s.rbuf)), Buf: &s.rbuf[0]}
	return s
}

func TestReadDrainsCompletedBuffer(t *testing.T) {
	s := newBufferedStream()
	op := &operation{token: 7, stream: s}
	s.trackOp(op)
	copy(s.rbuf, "pong")
	s.completeRead(op, 4, nil)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
	assert.Equal(t, 0, s.inflight.Length())

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, windows.WSAEWOULDBLOCK)
	assert.True(t, IsTemporaryError(err))
}

func TestReadReportsEOFAfterZeroByteCompletion(t *testing.T) {
	s := newBufferedStream()
	op := &operation{token: 7, stream: s}
	s.trackOp(op)
	s.completeRead(op, 0, nil)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsTemporaryError(err))
}

func TestReadReportsFailedCompletionError(t *testing.T) {
	s := newBufferedStream()
	op := &operation{token: 7, stream: s}
	s.trackOp(op)
	s.completeRead(op, 0, windows.WSAECONNRESET)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, windows.WSAECONNRESET)
	assert.False(t, IsTemporaryError(err))
}

func TestCompletionOutcomeIsReplacedByNextCompletion(t *testing.T) {
	s := newBufferedStream()
	op := &operation{token: 7, stream: s}
	s.trackOp(op)
	s.completeRead(op, 0, windows.WSAECONNRESET)

	op2 := &operation{token: 8, stream: s}
	s.trackOp(op2)
	copy(s.rbuf, "ok")
	s.completeRead(op2, 2, nil)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}
