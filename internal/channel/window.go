package channel

import "math"

// Default flow-control parameters.
const (
	// MaxWindow is the credit granted to the peer when a channel opens and
	// the level the incoming window is restored to on replenishment.
	MaxWindow = 2 * 1024 * 1024
	// PacketSize is the largest data payload this side accepts per frame.
	PacketSize = 32 * 1024
)

// State is the lifecycle state of one direction of a channel.
type State string

const (
	StateOpen    State = "open"
	StateEOF     State = "eof"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// String returns the string representation of a State.
func (s State) String() string {
	return string(s)
}

// IsValid reports whether s is one of the defined states.
func (s State) IsValid() bool {
	switch s {
	case StateOpen, StateEOF, StateClosing, StateClosed:
		return true
	}
	return false
}

// Direction is the bookkeeping for one direction of a channel: the channel
// id used on the wire in that direction, the available credit and the
// maximum frame size.
type Direction struct {
	ID        uint32
	Window    uint32
	FrameSize uint32
	State     State
}

// slice returns how many of remaining bytes may go into the next frame.
// Zero means the window is exhausted.
func (d *Direction) slice(remaining int) int {
	n := remaining
	if uint64(n) > uint64(d.Window) {
		n = int(d.Window)
	}
	if d.FrameSize > 0 && uint64(n) > uint64(d.FrameSize) {
		n = int(d.FrameSize)
	}
	return n
}

// consume debits n bytes of credit. Callers never consume more than the
// window holds; the clamp keeps the invariant if they do.
func (d *Direction) consume(n int) {
	if uint64(n) >= uint64(d.Window) {
		d.Window = 0
		return
	}
	d.Window -= uint32(n)
}

// credit adds peer-granted credit, saturating at the protocol maximum.
func (d *Direction) credit(n uint32) {
	if uint64(d.Window)+uint64(n) > math.MaxUint32 {
		d.Window = math.MaxUint32
		return
	}
	d.Window += n
}
