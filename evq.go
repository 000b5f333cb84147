// Package evq provides one blocking event-queue API over the native I/O
// multiplexing mechanism of each platform: epoll on Linux, kqueue on
// BSD/macOS and I/O completion ports on Windows.
//
// A caller constructs a Poll, obtains one or more Registrator handles
// (which may be handed to other goroutines), registers read interest in
// TcpStreams under caller-chosen tokens, and runs a loop around Poll.Poll
// on a dedicated goroutine until it reports ErrClosed.
package evq

import "go.uber.org/zap"

// Logger is used for internal diagnostics. It defaults to a nop logger;
// programs that want queue internals in their logs assign a real one.
var Logger = zap.NewNop()

// Token is a caller-chosen id correlating a registered interest with the
// event that reports it ready. Uniqueness across concurrently registered
// interests is the caller's responsibility.
type Token uint64

// Interests selects the directions a registration arms.
type Interests uint8

const (
	Readable Interests = 1 << iota
	Writable
)

func (i Interests) IsReadable() bool {
	return i&Readable != 0
}

func (i Interests) IsWritable() bool {
	return i&Writable != 0
}

// Event is one ready notification. Each wait call produces events fresh;
// the slice passed to Poll.Poll is overwritten by the next call.
type Event struct {
	token Token
}

// ID returns the token the interest was registered under.
func (e Event) ID() Token {
	return e.token
}
