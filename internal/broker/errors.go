package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send unless the connection is Connected.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrClosed is returned once the connection has reached Closed. It also
	// matches ErrNotConnected.
	ErrClosed = fmt.Errorf("%w: connection closed", ErrNotConnected)

	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("broker: connect already called")
)

// HandshakeRejectedError reports that the broker refused the credential.
// It is an authentication failure, never retried by the connection itself.
type HandshakeRejectedError struct {
	Reason string
}

func (e *HandshakeRejectedError) Error() string {
	if e.Reason == "" {
		return "broker: handshake rejected"
	}
	return "broker: handshake rejected: " + e.Reason
}

// TransportError wraps a failure of the underlying socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a frame that could not be decoded or is missing
// a required field.
type ProtocolError struct {
	Type MessageType
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("broker protocol: %v", e.Err)
	}
	return fmt.Sprintf("broker protocol %s: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
