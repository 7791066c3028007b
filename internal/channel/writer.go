package channel

import "github.com/gluk-w/claworc/chanmux/internal/metrics"

// blockReason records why a pending chunk stopped. A chunk waits on exactly
// one source at a time; when it resumes, both sources are checked again.
type blockReason int

const (
	blockedWindow    blockReason = iota + 1 // outgoing credit exhausted
	blockedTransport                        // connection above high-water mark
)

func (r blockReason) String() string {
	switch r {
	case blockedWindow:
		return "window"
	case blockedTransport:
		return "transport"
	default:
		return "none"
	}
}

// pendingChunk is the unsent remainder of a write and its completion.
// data may be empty when only the completion is waiting for a drain.
type pendingChunk struct {
	data   []byte
	done   func(error)
	reason blockReason
}

// outbound fragments writes for one sub-stream (primary or extended) into
// frames that fit the shared outgoing window and the peer's frame size.
type outbound struct {
	ch       *Channel
	extended bool
	dataType uint32
	pending  *pendingChunk
}

func (o *outbound) emit(frame []byte) bool {
	c := o.ch
	if o.extended {
		return c.tr.SendExtendedData(c.outgoing.ID, o.dataType, frame)
	}
	return c.tr.SendData(c.outgoing.ID, frame)
}

// write starts a new write. A pending remainder from an earlier write is
// replaced; callers wait for done before writing again.
func (o *outbound) write(p []byte, done func(error)) {
	if o.ch.outgoing.State != StateOpen {
		complete(done, ErrChannelClosed)
		return
	}
	o.pending = nil
	o.send(p, done)
}

func (o *outbound) send(data []byte, done func(error)) {
	c := o.ch
	for len(data) > 0 {
		n := c.outgoing.slice(len(data))
		if n == 0 {
			o.park(data, done, blockedWindow)
			c.stats.WindowStalls++
			metrics.WindowStalls.Inc()
			return
		}

		frame := data[:n]
		data = data[n:]
		c.outgoing.consume(n)
		c.stats.BytesOut += uint64(n)

		if !o.emit(frame) {
			c.backpressured = true
			o.park(data, done, blockedTransport)
			return
		}
	}

	complete(done, nil)
	c.maybeFinish()
}

func (o *outbound) park(data []byte, done func(error), reason blockReason) {
	o.pending = &pendingChunk{
		data:   append([]byte(nil), data...),
		done:   done,
		reason: reason,
	}
}

// resume retries the pending chunk if the source it waits on has cleared:
// credit for a window-blocked chunk, a drain for a transport-blocked one.
// Either kind waits while the connection is still backpressured.
func (o *outbound) resume() {
	p := o.pending
	if p == nil || o.ch.backpressured {
		return
	}
	if p.reason == blockedWindow && o.ch.outgoing.Window == 0 {
		return
	}
	o.pending = nil
	if o.ch.outgoing.State != StateOpen {
		complete(p.done, ErrChannelClosed)
		return
	}
	o.send(p.data, p.done)
}

// discard drops the pending chunk, failing its completion.
func (o *outbound) discard() {
	p := o.pending
	o.pending = nil
	if p != nil {
		complete(p.done, ErrChannelClosed)
	}
}

func (o *outbound) buffered() int {
	if o.pending == nil {
		return 0
	}
	return len(o.pending.data)
}

func complete(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
