package evq

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(d time.Duration) *time.Duration {
	return &d
}

// delayedServer accepts one connection, writes payload after delay, and
// keeps the connection open so reads never race the close.
func delayedServer(t *testing.T, delay time.Duration, payload []byte) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				if delay > 0 {
					time.Sleep(delay)
				}
				c.Write(payload)
				time.Sleep(2 * time.Second)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestPollDelayedReadiness(t *testing.T) {
	addr := delayedServer(t, 200*time.Millisecond, []byte("hello.after.200ms"))

	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()
	registrator := poll.Registrator()

	stream, err := Connect(addr)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, registrator.Register(stream, 42, Readable))

	type result struct {
		n   int
		err error
	}
	events := make([]Event, 8)
	resCh := make(chan result, 1)
	go func() {
		n, err := poll.Poll(events, nil)
		resCh <- result{n, err}
	}()

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.Equal(t, 1, res.n)
		assert.Equal(t, Token(42), events[0].ID())
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not return after the peer wrote")
	}

	buf := make([]byte, 512)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello.after.200ms", string(buf[:n]))

	// Shutting down must unblock the next indefinite wait promptly.
	require.NoError(t, registrator.CloseLoop())
	go func() {
		n, err := poll.Poll(events, nil)
		resCh <- result{n, err}
	}()
	select {
	case res := <-resCh:
		assert.ErrorIs(t, res.err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("poll did not observe the closed loop")
	}
}

func TestCloseLoopWakesIndefinitePoll(t *testing.T) {
	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()
	registrator := poll.Registrator()

	errCh := make(chan error, 1)
	go func() {
		_, err := poll.Poll(make([]Event, 4), nil)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, registrator.CloseLoop())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("parked poll was not woken by CloseLoop")
	}
}

func TestCloseLoopTwiceIsAnError(t *testing.T) {
	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()
	registrator := poll.Registrator()

	require.NoError(t, registrator.CloseLoop())
	assert.ErrorIs(t, registrator.CloseLoop(), ErrClosed)
}

func TestRegisterAfterCloseFails(t *testing.T) {
	addr := delayedServer(t, 0, []byte("x"))

	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()
	registrator := poll.Registrator()

	stream, err := Connect(addr)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, registrator.CloseLoop())
	assert.ErrorIs(t, registrator.Register(stream, 1, Readable), ErrClosed)
}

func TestWritableInterestNotImplemented(t *testing.T) {
	addr := delayedServer(t, 0, []byte("x"))

	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()
	registrator := poll.Registrator()

	stream, err := Connect(addr)
	require.NoError(t, err)
	defer stream.Close()

	assert.ErrorIs(t, registrator.Register(stream, 1, Writable), ErrWritableNotSupported)
	assert.ErrorIs(t, registrator.Register(stream, 1, Readable|Writable), ErrWritableNotSupported)
	assert.ErrorIs(t, registrator.Register(stream, 1, 0), ErrNoInterests)
}

func TestImmediatePollReturnsPromptly(t *testing.T) {
	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()

	start := time.Now()
	n, err := poll.Poll(make([]Event, 4), ms(0))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestImmediatePollSeesReadyEvent(t *testing.T) {
	addr := delayedServer(t, 0, []byte("ready"))

	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()
	registrator := poll.Registrator()

	stream, err := Connect(addr)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, registrator.Register(stream, 7, Readable))
	time.Sleep(300 * time.Millisecond) // let the payload land

	events := make([]Event, 4)
	n, err := poll.Poll(events, ms(0))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Token(7), events[0].ID())
}

func TestNegativeTimeoutBehavesAsZero(t *testing.T) {
	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()

	start := time.Now()
	n, err := poll.Poll(make([]Event, 4), ms(-5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestOneShotInterestIsDisarmedAfterDelivery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("first"))
		connCh <- conn
	}()

	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()
	registrator := poll.Registrator()

	stream, err := Connect(ln.Addr().String())
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, registrator.Register(stream, 9, Readable))

	events := make([]Event, 4)
	n, err := poll.Poll(events, ms(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Token(9), events[0].ID())

	// More data without re-registration must not produce a second event.
	conn := <-connCh
	defer conn.Close()
	conn.Write([]byte("second"))
	n, err = poll.Poll(events, ms(200*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Re-arming observes the stream again.
	require.NoError(t, registrator.Register(stream, 9, Readable))
	n, err = poll.Poll(events, ms(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, Token(9), events[0].ID())
}

func TestRegistratorsShareOneClosedFlag(t *testing.T) {
	addr := delayedServer(t, 50*time.Millisecond, []byte("a"))

	poll, err := New()
	require.NoError(t, err)
	defer poll.Close()

	regA := poll.Registrator()
	regB := poll.Registrator()

	streamA, err := Connect(addr)
	require.NoError(t, err)
	defer streamA.Close()
	streamB, err := Connect(addr)
	require.NoError(t, err)
	defer streamB.Close()

	done := make(chan error, 2)
	go func() { done <- regA.Register(streamA, 1, Readable) }()
	go func() { done <- regB.Register(streamB, 2, Readable) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	seen := make(map[Token]bool)
	events := make([]Event, 8)
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		n, err := poll.Poll(events, ms(200*time.Millisecond))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			assert.False(t, seen[events[i].ID()], "token delivered twice for one arming")
			seen[events[i].ID()] = true
		}
	}
	assert.Len(t, seen, 2)

	// Closing through one handle is observed by the other.
	require.NoError(t, regA.CloseLoop())
	assert.ErrorIs(t, regB.CloseLoop(), ErrClosed)
	assert.ErrorIs(t, regB.Register(streamB, 3, Readable), ErrClosed)
}
