package rga

import (
	"errors"
	"io"
	"time"
)

// Transport is a line oriented duplex link to the device.
// ReadLine errors that implement Timeout() bool and report true are treated as
// a missing reply; any other error is an I/O failure.
type Transport interface {
	io.Writer
	ReadLine(timeout time.Duration) ([]byte, error)
}

// Drainer is implemented by transports that can discard buffered input.
// Drain drops what is buffered and then keeps dropping lines until none
// arrived for settle; a settle of zero only empties the buffer.
type Drainer interface {
	Drain(settle time.Duration) error
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
