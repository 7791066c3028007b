package wire

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Channel request names handled by this module.
const (
	RequestExitStatus   = "exit-status"
	RequestExitSignal   = "exit-signal"
	RequestWindowChange = "window-change"
	RequestSignal       = "signal"
	RequestEnv          = "env"
	RequestKeepalive    = "keepalive@openssh.com"
)

// ExitStatus is the payload of an "exit-status" request.
type ExitStatus struct {
	Status uint32
}

// ExitSignal is the payload of an "exit-signal" request. Signal is sent
// without the "SIG" prefix.
type ExitSignal struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

// WindowChange is the payload of a "window-change" request.
type WindowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// Signal is the payload of a "signal" request.
type Signal struct {
	Name string
}

// Env is the payload of an "env" request.
type Env struct {
	Name  string
	Value string
}

// MarshalPayload encodes a request payload struct.
func MarshalPayload(v any) []byte {
	return ssh.Marshal(v)
}

// UnmarshalPayload decodes a request payload into the struct pointed to by v.
func UnmarshalPayload(data []byte, v any) error {
	if err := ssh.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decode request payload: %w", err)
	}
	return nil
}

// SignalName strips an optional "SIG" prefix, yielding the RFC 4254 form.
func SignalName(name string) string {
	return strings.TrimPrefix(name, "SIG")
}

// KnownSignal reports whether name (with or without the "SIG" prefix) is one
// of the signal names listed in RFC 4254 section 6.10.
func KnownSignal(name string) bool {
	switch ssh.Signal(SignalName(name)) {
	case ssh.SIGABRT, ssh.SIGALRM, ssh.SIGFPE, ssh.SIGHUP, ssh.SIGILL, ssh.SIGINT,
		ssh.SIGKILL, ssh.SIGPIPE, ssh.SIGQUIT, ssh.SIGSEGV, ssh.SIGTERM,
		ssh.SIGUSR1, ssh.SIGUSR2:
		return true
	}
	return false
}
