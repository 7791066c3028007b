package channel

import (
	"log"

	"github.com/gluk-w/claworc/chanmux/internal/metrics"
)

// inbound forwards one received sub-stream to the consumer. When the
// consumer refuses a chunk, later chunks queue in backlog until Resume.
type inbound struct {
	ch      *Channel
	deliver func([]byte) bool
	ended   func()
	backlog [][]byte
	paused  bool
	eof     bool
	endSent bool
}

func (in *inbound) receive(data []byte) {
	if in.paused || len(in.backlog) > 0 {
		in.backlog = append(in.backlog, data)
		return
	}
	if !in.push(data) {
		in.paused = true
	}
}

func (in *inbound) push(data []byte) bool {
	if in.deliver == nil {
		return true
	}
	return in.deliver(data)
}

func (in *inbound) flush() {
	for len(in.backlog) > 0 && !in.paused {
		p := in.backlog[0]
		in.backlog[0] = nil
		in.backlog = in.backlog[1:]
		if !in.push(p) {
			in.paused = true
		}
	}
	in.tryEnd()
}

// finish marks the end of the sub-stream; the end notification follows
// once the backlog has been handed over.
func (in *inbound) finish() {
	in.eof = true
	in.tryEnd()
}

func (in *inbound) tryEnd() {
	if !in.eof || in.endSent || len(in.backlog) > 0 {
		return
	}
	in.endSent = true
	if in.ended != nil {
		in.ended()
	}
	in.ch.inboundEnded(in)
}

func (in *inbound) buffered() int {
	n := 0
	for _, p := range in.backlog {
		n += len(p)
	}
	return n
}

// receive applies incoming flow control to a frame and hands it to in.
func (c *Channel) receive(in *inbound, data []byte) {
	if c.incoming.State != StateOpen {
		c.drop(data, "after eof")
		return
	}
	if c.incoming.Window == 0 {
		c.drop(data, "beyond window")
		return
	}
	if len(data) == 0 {
		return
	}

	c.incoming.consume(len(data))
	c.stats.BytesIn += uint64(len(data))
	in.receive(data)
	c.replenish()
}

func (c *Channel) drop(data []byte, why string) {
	c.stats.FramesDropped++
	metrics.FramesDropped.Inc()
	log.Printf("[channel] %d: dropped %d bytes %s", c.incoming.ID, len(data), why)
}

// replenish restores the incoming window to its maximum with a single
// adjust once half of it has been consumed. It waits while any consumer is
// paused so that a slow reader stalls the peer.
func (c *Channel) replenish() {
	if c.in.paused || c.stderr.in.paused {
		return
	}
	if c.incoming.State != StateOpen || c.outgoing.State == StateClosing || c.outgoing.State == StateClosed {
		return
	}
	if c.incoming.Window > c.maxWindow/2 {
		return
	}

	amount := c.maxWindow - c.incoming.Window
	if amount == 0 {
		return
	}
	c.incoming.credit(amount)
	c.stats.WindowAdjusts++
	metrics.WindowAdjusts.Inc()
	c.tr.SendWindowAdjust(c.outgoing.ID, amount)
}

// resumeInbound is the consumer drain signal for one sub-stream.
func (c *Channel) resumeInbound(in *inbound) {
	if !in.paused {
		return
	}
	in.paused = false
	c.replenish()
	in.flush()
}
