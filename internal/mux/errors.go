package mux

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrConnClosed is returned for work submitted to a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrKeepaliveTimeout closes a connection whose peer stopped answering
	// keepalive requests.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")
	// ErrNoFreeChannels is returned when every local channel id is in use.
	ErrNoFreeChannels = errors.New("no free channel ids")
)

// OpenError is a channel open refused by the peer, or refused locally
// before it was sent.
type OpenError struct {
	Reason  ssh.RejectionReason
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("channel open failed: %s (%s)", e.Message, e.Reason)
}
