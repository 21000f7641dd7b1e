package errors

import (
	"fmt"
)

// ConfigError is returned when a configuration field is invalid.
type ConfigError struct {
	Field  string
	Reason string
}

func (c ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", c.Field, c.Reason)
}

// ClosedError is returned when a connection handle can no longer be used,
// either because the engine terminated it or because it has been freed.
type ClosedError struct {
	Err error // Can be nil
}

func (c ClosedError) Error() string {
	if c.Err == nil {
		return "connection closed"
	} else {
		return "connection closed: " + c.Err.Error()
	}
}

func (c ClosedError) Unwrap() error {
	return c.Err
}

// SocketError is returned when the UDP socket fails in a way that
// is not a retryable condition (interrupted or would-block).
type SocketError struct {
	Op  string
	Err error
}

func (s SocketError) Error() string {
	return fmt.Sprintf("socket %s: %s", s.Op, s.Err)
}

func (s SocketError) Unwrap() error {
	return s.Err
}
