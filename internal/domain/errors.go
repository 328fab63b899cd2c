package domain

import (
	"errors"
	"fmt"
)

var (
	ErrLoginTimeout = errors.New("login timeout")
	ErrAgentTimeout = errors.New("agent call timeout")
	ErrNotConnected = errors.New("not connected")
	ErrAuthRejected = errors.New("authentication rejected")
	ErrDisconnected = errors.New("connection lost")
	ErrClosed       = errors.New("client closed")
)

// RemoteError is a non-success status reported by a remote service.
type RemoteError struct {
	Op   string
	Code int
	Text string
}

func (e *RemoteError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("%s: remote code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: remote code %d: %s", e.Op, e.Code, e.Text)
}
