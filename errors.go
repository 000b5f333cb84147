package evq

import (
	"errors"
	"strings"
)

var (
	// ErrClosed reports that the event loop has been shut down with
	// CloseLoop. It is returned by Poll.Poll on the waiting goroutine
	// (its signal to exit), by Register after closure has been observed,
	// and by a second CloseLoop call.
	ErrClosed = errors.New("evq: event queue closed")

	// ErrInterrupted reports that the blocking wait was interrupted by
	// the OS without any event becoming ready. Poll.Poll retries it
	// internally; callers only see it from the selector layer.
	ErrInterrupted = errors.New("evq: wait interrupted")

	// ErrWritableNotSupported is returned when registering Writable
	// interest. Only the read direction is implemented.
	ErrWritableNotSupported = errors.New("evq: writable interest not implemented")

	// ErrNoInterests is returned when a registration requests neither
	// direction.
	ErrNoInterests = errors.New("evq: no interests requested")

	// ErrNoEventBuffer is returned by Poll.Poll when the caller passes an
	// empty event slice, which could never deliver anything.
	ErrNoEventBuffer = errors.New("evq: empty event buffer")
)

type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}
