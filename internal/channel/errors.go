package channel

import (
	"errors"
	"fmt"
)

// ErrChannelClosed is passed to write completions whose data was discarded
// because the channel can no longer send.
var ErrChannelClosed = errors.New("channel is not open")

// Role says which side of a session a channel plays.
type Role int

const (
	// RoleInitiator is the side that opened the channel and drives the
	// remote command (the SSH client).
	RoleInitiator Role = iota
	// RoleResponder is the side that accepted the channel and reports exit
	// status (the SSH server).
	RoleResponder
)

// String returns the string representation of a Role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// RoleError is raised (as a panic) when an operation reserved for one role
// is invoked on a channel playing the other. It is a programming error.
type RoleError struct {
	Op   string
	Role Role
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("channel: %s is not allowed on a %s channel", e.Op, e.Role)
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name written by MarshalText.
func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "initiator":
		*r = RoleInitiator
	case "responder":
		*r = RoleResponder
	default:
		return fmt.Errorf("channel: unknown role %q", text)
	}
	return nil
}
