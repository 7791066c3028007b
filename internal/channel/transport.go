package channel

import (
	"slices"

	"github.com/gluk-w/claworc/chanmux/internal/wire"
)

// Transport is the set of outbound primitives a channel needs from the
// connection it is multiplexed on. Every method is addressed by the peer's
// channel id (the channel's outgoing id).
//
// A false return means the frame was queued but the connection is above
// its outbound high-water mark; the caller should stop producing until
// HandleDrain is delivered. Implementations must not retain data slices
// after returning.
type Transport interface {
	SendData(id uint32, data []byte) bool
	SendExtendedData(id uint32, dataType uint32, data []byte) bool
	SendEOF(id uint32) bool
	SendClose(id uint32) bool
	SendWindowAdjust(id uint32, amount uint32) bool
	SendRequest(id uint32, name string, wantReply bool, payload []byte) bool
	SendRequestSuccess(id uint32) bool
	SendRequestFailure(id uint32) bool
	SendExitStatus(id uint32, code uint32) bool
	SendExitSignal(id uint32, signal string, coreDumped bool, msg string) bool
}

// Handler receives the inbound primitives for one channel, registered
// under the channel's incoming id.
type Handler interface {
	HandleData(data []byte)
	HandleExtendedData(dataType uint32, data []byte)
	HandleEOF()
	HandleClose()
	HandleWindowAdjust(amount uint32)
	HandleRequest(req *wire.ChannelRequestMsg)
	HandleRequestSuccess()
	HandleRequestFailure()
	HandleDrain()
}

// Liveness is notified whenever the peer answers a request, which counts
// as proof that the connection is alive.
type Liveness interface {
	ResetKeepalive()
}

// Dispatcher routes inbound primitives to channel handlers by incoming id.
// It is not safe for concurrent use; it lives on the connection loop.
type Dispatcher struct {
	handlers map[uint32]Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint32]Handler)}
}

// Register installs h for id, replacing any previous handler.
func (d *Dispatcher) Register(id uint32, h Handler) {
	d.handlers[id] = h
}

// Unregister removes the handler for id. It reports whether one existed.
func (d *Dispatcher) Unregister(id uint32) bool {
	if _, ok := d.handlers[id]; !ok {
		return false
	}
	delete(d.handlers, id)
	return true
}

// Lookup returns the handler registered for id.
func (d *Dispatcher) Lookup(id uint32) (Handler, bool) {
	h, ok := d.handlers[id]
	return h, ok
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	return len(d.handlers)
}

// Each calls fn for a snapshot of the registered handlers in ascending id
// order, so fn may unregister handlers while iterating.
func (d *Dispatcher) Each(fn func(id uint32, h Handler)) {
	ids := make([]uint32, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if h, ok := d.handlers[id]; ok {
			fn(id, h)
		}
	}
}
