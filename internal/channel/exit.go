package channel

import "fmt"

// ExitRecord is the terminal status of the remote command: either a numeric
// code, or the signal that killed it.
type ExitRecord struct {
	Code        *uint32 `json:"code,omitempty"`
	Signal      string  `json:"signal,omitempty"` // "SIG"-prefixed, e.g. "SIGKILL"
	CoreDumped  bool    `json:"core_dumped,omitempty"`
	Description string  `json:"description,omitempty"`
}

// ExitCode builds an ExitRecord for a normal exit.
func ExitCode(code uint32) ExitRecord {
	return ExitRecord{Code: &code}
}

// Signaled reports whether the command was terminated by a signal.
func (e ExitRecord) Signaled() bool {
	return e.Code == nil
}

// String returns a short human readable form, used in logs and audit rows.
func (e ExitRecord) String() string {
	if e.Code != nil {
		return fmt.Sprintf("code=%d", *e.Code)
	}
	s := "signal=" + e.Signal
	if e.CoreDumped {
		s += " (core dumped)"
	}
	if e.Description != "" {
		s += " " + e.Description
	}
	return s
}
