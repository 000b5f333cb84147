package evq

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Poll owns one platform selector and the shared closed flag. Exactly one
// goroutine is expected to block in Poll at a time; registration may happen
// concurrently from any goroutine holding a Registrator.
type Poll struct {
	sel    *selector
	closed *atomic.Bool
}

// New creates the OS event queue. Failure to create the queue is returned
// immediately; nothing is retried.
func New() (*Poll, error) {
	sel, err := newSelector()
	if err != nil {
		Logger.Error("create event queue", zap.Error(err))
		return nil, err
	}
	return &Poll{sel: sel, closed: new(atomic.Bool)}, nil
}

// Registrator returns a handle bound to this Poll's selector and closed
// flag. Each call yields an independent handle; all of them observe the
// same flag and may be used from different goroutines.
func (p *Poll) Registrator() *Registrator {
	return &Registrator{sel: p.sel, closed: p.closed}
}

// Poll blocks until at least one interest is ready, the timeout elapses,
// or the loop is closed. A nil timeout waits indefinitely; a negative
// timeout is treated as zero, an immediate non-blocking check. The number
// of events written into events is returned; a timeout yields (0, nil).
// Once CloseLoop has run, Poll returns ErrClosed regardless of how many
// events the same wait also retrieved.
func (p *Poll) Poll(events []Event, timeout *time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, ErrNoEventBuffer
	}
	if timeout != nil && *timeout < 0 {
		zero := time.Duration(0)
		timeout = &zero
	}
	if p.closed.Load() {
		return 0, ErrClosed
	}
	for {
		n, err := p.sel.wait(events, timeout)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				// Spurious wake, e.g. a signal. Not an event, not a
				// timeout: park again.
				continue
			}
			return 0, err
		}
		if p.closed.Load() {
			return 0, ErrClosed
		}
		return n, nil
	}
}

// Close releases the selector's OS handles. Call it after the waiting
// goroutine has exited its loop.
func (p *Poll) Close() error {
	return p.sel.close()
}

// Registrator associates resources with the event queue. Handles are cheap
// and safe to hand to other goroutines; every handle observes the same
// closed flag.
//
// The closed check and the registration itself are not one atomic step: a
// Register racing CloseLoop can succeed just after the flag flips, and the
// event for that registration is never delivered once the waiting
// goroutine has exited. Coordinate shutdown so registrations stop before
// CloseLoop, or confine registration to a single goroutine.
type Registrator struct {
	sel    *selector
	closed *atomic.Bool
}

// Register arms interest in stream under token. Only Readable interest is
// implemented; interest is one-shot and must be re-registered after each
// delivery to keep observing the stream.
func (r *Registrator) Register(stream *TcpStream, token Token, interests Interests) error {
	if r.closed.Load() {
		return ErrClosed
	}
	switch {
	case interests.IsWritable():
		return ErrWritableNotSupported
	case interests.IsReadable():
		Logger.Debug("register read interest", zap.Uint64("token", uint64(token)))
		return r.sel.registerRead(stream, token)
	default:
		return ErrNoInterests
	}
}

// CloseLoop shuts the event loop down: it flips the shared closed flag and
// wakes the parked wait call so the waiting goroutine returns promptly
// instead of sleeping out its timeout. Closing twice is an error.
func (r *Registrator) CloseLoop() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	Logger.Info("event loop closing")
	return r.sel.wake()
}
