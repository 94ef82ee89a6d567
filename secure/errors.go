package secure

import (
	"errors"
	"fmt"
)

var (
	ErrDecrypt        = errors.New("secure: record authentication failed")
	ErrRecordTooLarge = errors.New("secure: record exceeds maximum size")
	ErrClosed         = errors.New("secure: session closed")
)

// HandshakeError reports a malformed or unexpected handshake message. Only the connection
// attempt that produced it is aborted.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake: %s: %v", e.Reason, e.Err)
	}
	return "handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// AuthenticationError reports a signature or identity mismatch. Not retried automatically.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication: " + e.Reason
}

// ConnectionError reports that the peer was unreachable or dropped the connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Kind returns a short label for a handshake failure, used in logs and metrics.
func Kind(err error) string {
	var he *HandshakeError
	var ae *AuthenticationError
	var ce *ConnectionError
	switch {
	case errors.As(err, &ae):
		return "authentication"
	case errors.As(err, &he):
		return "handshake"
	case errors.As(err, &ce):
		return "connection"
	default:
		return "other"
	}
}
